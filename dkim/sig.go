package dkim

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/smtp"
)

// Sig is a DKIM-Signature header.
//
// String values must be compared case insensitively.
type Sig struct {
	// Required fields.
	Version       int        // Version, 1. Field "v". Always the first field.
	AlgorithmSign string     // "rsa" or "ed25519". Field "a".
	AlgorithmHash string     // "sha256" or the deprecated "sha1". Field "a".
	Signature     []byte     // Field "b".
	BodyHash      []byte     // Field "bh".
	Domain        dns.Domain // Field "d".
	SignedHeaders []string   // Duplicates are meaningful. Field "h".
	Selector      dns.Domain // Selector, for looking DNS TXT record at <s>._domainkey.<domain>. Field "s".

	// Optional fields.
	Canonicalization string    // "simple" or "relaxed" for header, optionally followed by "/" and body canonicalization. Field "c".
	Length           int64     // Body length to verify, default -1 for whole body. Field "l".
	Identity         *Identity // AUID (agent/user id). Field "i".
	QueryMethods     []string  // For public key, currently only "dns/txt". Field "q".
	SignTime         int64     // Unix epoch. -1 if unset. Field "t".
	ExpireTime       int64     // Unix epoch. -1 if unset. Field "x".
}

// Identity is used for the optional i= field in a DKIM-Signature header. It uses
// the syntax of an email address, but does not necessarily represent one.
type Identity struct {
	Localpart *smtp.Localpart // Optional, nil if absent. An empty localpart is valid.
	Domain    dns.Domain
}

// String returns a value for use in the i= DKIM-Signature field.
func (i Identity) String() string {
	s := "@" + i.Domain.ASCII
	if i.Localpart != nil {
		s = i.Localpart.String() + s
	}
	return s
}

func newSigWithDefaults() *Sig {
	return &Sig{
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// Algorithm returns an algorithm string for use in the "a" field. E.g.
// "ed25519-sha256".
func (s Sig) Algorithm() string {
	return s.AlgorithmSign + "-" + s.AlgorithmHash
}

// Header returns the DKIM-Signature header in string form, to be prepended to a
// message, including DKIM-Signature field name and trailing \r\n.
func (s *Sig) Header() (string, error) {
	if len(s.SignedHeaders) == 0 {
		return "", errors.New("no signed headers")
	}
	w := &folder{}
	w.tag("", fmt.Sprintf("DKIM-Signature: v=%d;", s.Version))
	// Domain names are always in ASCII.
	w.tag(" ", "d="+s.Domain.ASCII+";")
	w.tag(" ", "s="+s.Selector.ASCII+";")
	if s.Identity != nil {
		w.tag(" ", "i="+s.Identity.String()+";")
	}
	w.tag(" ", "a="+s.Algorithm()+";")
	if s.Canonicalization != "" && !strings.EqualFold(s.Canonicalization, "simple") && !strings.EqualFold(s.Canonicalization, "simple/simple") {
		w.tag(" ", "c="+s.Canonicalization+";")
	}
	if s.Length >= 0 {
		w.tag(" ", fmt.Sprintf("l=%d;", s.Length))
	}
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.tag(" ", "q="+strings.Join(s.QueryMethods, ":")+";")
	}
	if s.SignTime >= 0 {
		w.tag(" ", fmt.Sprintf("t=%d;", s.SignTime))
	}
	if s.ExpireTime >= 0 {
		w.tag(" ", fmt.Sprintf("x=%d;", s.ExpireTime))
	}
	// Header names may be folded after the colon separating them.
	for i, h := range s.SignedHeaders {
		sep := ""
		if i == 0 {
			h = "h=" + h
			sep = " "
		}
		if i < len(s.SignedHeaders)-1 {
			h += ":"
		} else {
			h += ";"
		}
		w.tag(sep, h)
	}
	w.tag(" ", "bh="+base64.StdEncoding.EncodeToString(s.BodyHash)+";")
	w.tag(" ", "b=")
	w.data(base64.StdEncoding.EncodeToString(s.Signature))
	return w.String(), nil
}

var (
	errSigHeader         = errors.New("not DKIM-Signature header")
	errSigMissingCRLF    = errors.New("missing crlf at end")
	errSigExpired        = errors.New("signature timestamp (t=) must be before signature expiration (x=)")
	errSigIdentityDomain = errors.New("identity domain (i=) not under domain (d=)")
	errSigMissingTag     = errors.New("missing required tag")
	errSigUnknownVersion = errors.New("unknown version")
	errSigBodyHash       = errors.New("bad body hash size given algorithm")
)

// parseSignature returns the parsed form of a DKIM-Signature header.
//
// buf must end in crlf, as it occurred in the mail message.
//
// The header with the value of b= removed and without trailing crlf is
// returned too, for use in verification.
func parseSignature(buf []byte) (sig *Sig, verifySig []byte, err error) {
	if !bytes.HasSuffix(buf, crlf) {
		return nil, nil, errSigMissingCRLF
	}
	buf = buf[:len(buf)-2]

	name, value, ok := strings.Cut(string(buf), ":")
	if !ok || !strings.EqualFold(strings.TrimRight(name, " \t"), "DKIM-Signature") {
		return nil, nil, errSigHeader
	}
	voff := len(name) + 1

	tags, err := parseTags(value)
	if err != nil {
		return nil, nil, err
	}

	ds := newSigWithDefaults()
	seen := map[string]bool{}
	for _, t := range tags {
		seen[t.Name] = true
		var err error
		switch t.Name {
		case "v":
			if t.Value != "1" {
				return nil, nil, fmt.Errorf("%w: version %q", errSigUnknownVersion, t.Value)
			}
			ds.Version = 1
		case "a":
			sign, hash, ok := strings.Cut(strings.ToLower(t.Value), "-")
			if !ok || sign == "" || hash == "" {
				return nil, nil, fmt.Errorf("%w: algorithm %q", errTagSyntax, t.Value)
			}
			ds.AlgorithmSign, ds.AlgorithmHash = sign, hash
		case "b":
			ds.Signature, err = decodeBase64(t.Value)
			// The signature is removed for verification, including surrounding
			// whitespace.
			verifySig = append([]byte(string(buf[:voff+t.start])), buf[voff+t.end:]...)
		case "bh":
			ds.BodyHash, err = decodeBase64(t.Value)
		case "c":
			ds.Canonicalization = t.Value
		case "d":
			ds.Domain, err = dns.ParseDomain(t.Value)
		case "h":
			ds.SignedHeaders = splitList(t.Value)
		case "i":
			ds.Identity, err = parseIdentity(t.Value)
		case "l":
			ds.Length, err = strconv.ParseInt(t.Value, 10, 64)
		case "q":
			ds.QueryMethods = splitList(t.Value)
		case "s":
			ds.Selector, err = parseSelector(t.Value)
		case "t":
			ds.SignTime, err = strconv.ParseInt(t.Value, 10, 64)
		case "x":
			ds.ExpireTime, err = strconv.ParseInt(t.Value, 10, 64)
		default:
			// Unknown tags must be ignored.
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%w: tag %q: %v", errTagSyntax, t.Name, err)
		}
	}

	for _, req := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[req] {
			return nil, nil, fmt.Errorf("%w: %q", errSigMissingTag, req)
		}
	}

	if strings.EqualFold(ds.AlgorithmHash, "sha1") && len(ds.BodyHash) != 20 {
		return nil, nil, fmt.Errorf("%w: got %d bytes, must be 20 for sha1", errSigBodyHash, len(ds.BodyHash))
	} else if strings.EqualFold(ds.AlgorithmHash, "sha256") && len(ds.BodyHash) != 32 {
		return nil, nil, fmt.Errorf("%w: got %d bytes, must be 32 for sha256", errSigBodyHash, len(ds.BodyHash))
	}

	if ds.SignTime >= 0 && ds.ExpireTime >= 0 && ds.SignTime >= ds.ExpireTime {
		return nil, nil, errSigExpired
	}

	if ds.Identity != nil && ds.Identity.Domain.ASCII != ds.Domain.ASCII && !strings.HasSuffix(ds.Identity.Domain.ASCII, "."+ds.Domain.ASCII) {
		return nil, nil, fmt.Errorf("%w: identity domain %q not under domain %q", errSigIdentityDomain, ds.Identity.Domain.ASCII, ds.Domain.ASCII)
	}
	return ds, verifySig, nil
}

func parseIdentity(s string) (*Identity, error) {
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return nil, errors.New("missing @ in identity")
	}
	d, err := dns.ParseDomain(s[i+1:])
	if err != nil {
		return nil, err
	}
	id := &Identity{Domain: d}
	if i > 0 {
		lp, err := smtp.ParseLocalpart(s[:i])
		if err != nil {
			return nil, err
		}
		id.Localpart = &lp
	}
	return id, nil
}

// parseSelector parses a selector. ASCII selectors may have underscores, which
// IDNA does not allow.
func parseSelector(s string) (dns.Domain, error) {
	for _, c := range s {
		if c >= 0x80 {
			return dns.ParseDomain(s)
		}
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return dns.Domain{}, fmt.Errorf("invalid character %q in selector", c)
		}
	}
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return dns.Domain{}, fmt.Errorf("invalid selector %q", s)
	}
	return dns.Domain{ASCII: strings.ToLower(s)}, nil
}
