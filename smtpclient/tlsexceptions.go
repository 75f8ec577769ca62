package smtpclient

import (
	"crypto/x509"
	"regexp"

	"github.com/mjl-/mxdeliver/dns"
)

// TLSExceptions holds per recipient domain patterns for accepting TLS
// certificates that fail regular PKIX verification, e.g. self-signed
// certificates of mail servers that are known and trusted. Keys are lower-case
// ASCII domain names. Patterns are matched against the subject of the leaf
// certificate, as formatted by pkix.Name.String, e.g. "CN=mx.example.org,O=Example".
// Patterns are not implicitly anchored: operators should use ^ and $ to match the
// whole subject.
//
// The exceptions are only consulted after regular verification failed, and only
// the pattern of the recipient domain a connection is made for is used.
type TLSExceptions map[string]*regexp.Regexp

// Match returns whether cert is accepted for connections made for recipient
// domain.
func (e TLSExceptions) Match(domain dns.Domain, cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	re, ok := e[domain.ASCII]
	if !ok || re == nil {
		return false
	}
	return re.MatchString(cert.Subject.String())
}
