package config

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/mxdeliver/dkim"
	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/smtpclient"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Config is the parsed form of the mxdeliver.conf configuration file. Fields
// with sconf tag "-" are set by Load.
type Config struct {
	LogLevel             string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDefault log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with tracedata also the full messages."`
	PackageLogLevels     map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. delivery, smtpclient, dkim, dns)."`
	Hostname             string            `sconf-doc:"Hostname announced in the SMTP EHLO command, e.g. mail.<domain>. Should have forward and reverse DNS records matching the IPs we send from."`
	Port                 int               `sconf:"optional" sconf-doc:"SMTP port of mail exchangers to connect to. Default 25. Only useful for testing."`
	ConnectTimeout       time.Duration     `sconf:"optional" sconf-doc:"Maximum duration for connecting to a single IP of a mail exchanger. Default 30s."`
	SendTimeout          time.Duration     `sconf:"optional" sconf-doc:"Maximum duration for each SMTP transaction, and for setting up the SMTP session including STARTTLS. Default 30s."`
	DisableSending       bool              `sconf:"optional" sconf-doc:"If set, no delivery attempts are made, recipients are logged as skipped. For testing the configuration without sending."`
	MaxConcurrentDomains int               `sconf:"optional" sconf-doc:"Maximum number of recipient domains to deliver to concurrently. Default 0 means no limit."`
	TLS                  struct {
		CA *struct {
			AdditionalToSystem bool     `sconf:"optional" sconf-doc:"If set, the certificates are added to the system CA certificates. Otherwise only these certificates are trusted."`
			CertFiles          []string `sconf:"optional" sconf-doc:"PEM files with CA certificates. Relative paths are relative to the directory of the config file."`
		} `sconf:"optional"`
		CertPool *x509.CertPool `sconf:"-" json:"-"`
	} `sconf:"optional" sconf-doc:"TLS configuration for verifying certificates of mail exchangers."`
	TLSExceptions map[string]string `sconf:"optional" sconf-doc:"Per recipient domain, a regular expression matched against the subject of the TLS certificate of its mail exchangers, e.g. '^CN=mail\\.example\\.com$'. The pattern matches anywhere in the subject unless anchored with ^ and $, so without anchors 'CN=mail\\.example\\.com' also accepts 'CN=mail.example.com.attacker.example'. Only used when regular verification of the certificate fails, for mail exchangers with self-signed or otherwise unverifiable certificates. An exception only applies to deliveries for its own domain."`
	DKIM          *DKIM             `sconf:"optional" sconf-doc:"DKIM signing of outgoing messages. A signature is added to each message copy, for each selector in Sign."`
	MetricsListen string            `sconf:"optional" sconf-doc:"If set, address to serve prometheus metrics on at /metrics while sending, e.g. 127.0.0.1:8010."`

	Log                 map[string]slog.Level    `sconf:"-" json:"-"` // Parsed from LogLevel and PackageLogLevels.
	HostnameDomain      dns.Domain               `sconf:"-" json:"-"`
	TLSExceptionsParsed smtpclient.TLSExceptions `sconf:"-" json:"-"`
}

type Canonicalization struct {
	HeaderRelaxed bool `sconf-doc:"If set, some modifications to the headers (mostly whitespace) are allowed."`
	BodyRelaxed   bool `sconf-doc:"If set, some whitespace modifications to the message body are allowed."`
}

type Selector struct {
	Hash             string           `sconf:"optional" sconf-doc:"sha256 (default) or (older, not recommended) sha1."`
	HashEffective    string           `sconf:"-"`
	Canonicalization Canonicalization `sconf:"optional"`
	Headers          []string         `sconf:"optional" sconf-doc:"Headers to sign with DKIM. If empty, From, To, Cc, Subject, Date, Message-ID, References, MIME-Version, In-Reply-To, Content-Type and Content-Language are signed."`
	HeadersEffective []string         `sconf:"-"`
	DontSealHeaders  bool             `sconf:"optional" sconf-doc:"If set, don't prevent duplicate headers from being added. Not recommended."`
	Expiration       string           `sconf:"optional" sconf-doc:"Period a signature is valid after signing, as duration, e.g. 72h. The period should be enough for delivery at the final destination, potentially with several hops/relays. In the order of days at least."`
	PrivateKeyFile   string           `sconf-doc:"Either an RSA or ed25519 private key file in PKCS8 PEM form. Relative paths are relative to the directory of the config file."`

	Algorithm         string        `sconf:"-"`          // "ed25519", "rsa-*", based on private key.
	ExpirationSeconds int           `sconf:"-" json:"-"` // Parsed from Expiration.
	Key               crypto.Signer `sconf:"-" json:"-"` // As parsed with x509.ParsePKCS8PrivateKey.
	Domain            dns.Domain    `sconf:"-" json:"-"` // Of selector only, not FQDN.
}

type DKIM struct {
	Domain    string              `sconf:"optional" sconf-doc:"Domain to sign for, the d= in signatures. Default is the domain of the envelope sender."`
	Selectors map[string]Selector `sconf-doc:"Config parameters per selector. A DNS record must be created for each selector, see the dkim txt subcommand."`
	Sign      []string            `sconf-doc:"List of selectors that emails will be signed with."`

	DomainParsed dns.Domain `sconf:"-" json:"-"`
}

// SignSelectors returns the selectors to sign with, for use with dkim.Sign.
func (c *Config) SignSelectors() []dkim.Selector {
	if c.DKIM == nil {
		return nil
	}
	var l []dkim.Selector
	for _, name := range c.DKIM.Sign {
		sel := c.DKIM.Selectors[name]
		l = append(l, dkim.Selector{
			Hash:          sel.HashEffective,
			HeaderRelaxed: sel.Canonicalization.HeaderRelaxed,
			BodyRelaxed:   sel.Canonicalization.BodyRelaxed,
			Headers:       sel.HeadersEffective,
			SealHeaders:   !sel.DontSealHeaders,
			Expiration:    time.Duration(sel.ExpirationSeconds) * time.Second,
			Key:           sel.Key,
			Domain:        sel.Domain,
		})
	}
	return l
}

// DKIMDomain returns the configured domain to sign for, or a zero domain.
func (c *Config) DKIMDomain() dns.Domain {
	if c.DKIM == nil {
		return dns.Domain{}
	}
	return c.DKIM.DomainParsed
}

// return f interpreted relative to the directory of the config dir. f is
// returned unchanged when absolute.
func configDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

// Load parses the config file at p and prepares it for use: parsing domains,
// private keys, certificates and patterns. All problems found are returned.
func Load(log mlog.Log, p string) (c *Config, errs []error) {
	c = &Config{}

	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("MXDELIVERCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use mxdeliver -config ... or set MXDELIVERCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, c); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}

	if xerrs := c.prepare(log, p); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

func (c *Config) prepare(log mlog.Log, configFile string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Post-process logging config.
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		c.Log = map[string]slog.Level{"": mlog.LevelError}
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	hostname, err := dns.ParseDomain(c.Hostname)
	if err != nil {
		addErrorf("parsing hostname: %s", err)
	} else if hostname.Name() != c.Hostname {
		addErrorf("hostname must be in unicode form %q instead of %q", hostname.Name(), c.Hostname)
	}
	c.HostnameDomain = hostname

	if c.Port < 0 || c.Port > 65535 {
		addErrorf("invalid port %d", c.Port)
	}
	if c.ConnectTimeout < 0 {
		addErrorf("connect timeout must be >= 0")
	}
	if c.SendTimeout < 0 {
		addErrorf("send timeout must be >= 0")
	}
	if c.MaxConcurrentDomains < 0 {
		addErrorf("max concurrent domains must be >= 0")
	}

	// Load CA certificate pool.
	if c.TLS.CA != nil {
		if c.TLS.CA.AdditionalToSystem {
			var err error
			c.TLS.CertPool, err = x509.SystemCertPool()
			if err != nil {
				addErrorf("fetching system CA cert pool: %v", err)
			}
		} else {
			c.TLS.CertPool = x509.NewCertPool()
		}
		for _, certfile := range c.TLS.CA.CertFiles {
			p := configDirPath(configFile, certfile)
			pemBuf, err := os.ReadFile(p)
			if err != nil {
				addErrorf("reading TLS CA cert file: %v", err)
				continue
			} else if c.TLS.CertPool != nil && !c.TLS.CertPool.AppendCertsFromPEM(pemBuf) {
				addErrorf("no CA certs added from %q", p)
			}
		}
	}

	c.TLSExceptionsParsed = smtpclient.TLSExceptions{}
	for name, pattern := range c.TLSExceptions {
		d, err := dns.ParseDomain(name)
		if err != nil {
			addErrorf("tls exception: parsing domain %q: %s", name, err)
			continue
		}
		if _, ok := c.TLSExceptionsParsed[d.ASCII]; ok {
			addErrorf("tls exception: duplicate domain %s", d)
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			addErrorf("tls exception for domain %s: compiling pattern: %v", d, err)
			continue
		}
		c.TLSExceptionsParsed[d.ASCII] = re
	}

	if c.DKIM != nil {
		errs = append(errs, c.DKIM.prepare(log, configFile)...)
	}
	return errs
}

func (d *DKIM) prepare(log mlog.Log, configFile string) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("dkim: %s", fmt.Sprintf(format, args...)))
	}

	if d.Domain != "" {
		dom, err := dns.ParseDomain(d.Domain)
		if err != nil {
			addErrorf("parsing domain: %s", err)
		}
		d.DomainParsed = dom
	}

	for name, sel := range d.Selectors {
		addSelectorErrorf := func(format string, args ...any) {
			addErrorf("selector %s: %s", name, fmt.Sprintf(format, args...))
		}

		seld, err := dns.ParseDomain(name)
		if err != nil {
			addSelectorErrorf("parsing selector: %s", err)
		} else if seld.Name() != name {
			addSelectorErrorf("must be specified in unicode form, %q", seld.Name())
		}
		sel.Domain = seld

		if sel.Expiration != "" {
			exp, err := time.ParseDuration(sel.Expiration)
			if err != nil {
				addSelectorErrorf("invalid expiration %q: %v", sel.Expiration, err)
			} else {
				sel.ExpirationSeconds = int(exp / time.Second)
			}
		}

		sel.HashEffective = sel.Hash
		switch sel.HashEffective {
		case "":
			sel.HashEffective = "sha256"
		case "sha1":
			log.Error("using sha1 with DKIM is deprecated as not secure enough, switch to sha256")
		case "sha256":
		default:
			addSelectorErrorf("unsupported hash %q", sel.HashEffective)
		}

		key, err := LoadPrivateKeyFile(configDirPath(configFile, sel.PrivateKeyFile))
		if err != nil {
			addSelectorErrorf("%s", err)
			continue
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			if k.N.BitLen() < 1024 {
				addSelectorErrorf("rsa keys should be >= 1024 bits, is %d bits", k.N.BitLen())
			}
			sel.Key = k
			sel.Algorithm = fmt.Sprintf("rsa-%d", k.N.BitLen())
		case ed25519.PrivateKey:
			if sel.HashEffective != "sha256" {
				addSelectorErrorf("hash algorithm %q is not supported with ed25519, only sha256 is", sel.HashEffective)
			}
			sel.Key = k
			sel.Algorithm = "ed25519"
		default:
			addSelectorErrorf("private key type %T not yet supported", key)
		}

		if len(sel.Headers) == 0 {
			sel.HeadersEffective = dkim.DefaultHeaders
		} else {
			var from bool
			for _, h := range sel.Headers {
				from = from || strings.EqualFold(h, "From")
				if strings.EqualFold(h, "DKIM-Signature") || strings.EqualFold(h, "Received") || strings.EqualFold(h, "Return-Path") {
					log.Error("dkim-signing header is recommended against as it may be modified in transit", slog.String("header", h))
				}
			}
			if !from {
				addSelectorErrorf("From-field must always be DKIM-signed")
			}
			sel.HeadersEffective = sel.Headers
		}

		d.Selectors[name] = sel
	}

	seen := map[string]bool{}
	for _, name := range d.Sign {
		if _, ok := d.Selectors[name]; !ok {
			addErrorf("cannot sign with unknown selector %q", name)
		} else if seen[name] {
			addErrorf("duplicate selector %q in Sign", name)
		}
		seen[name] = true
	}
	return errs
}

// LoadPrivateKeyFile reads a PKCS#8 private key in PEM form.
func LoadPrivateKeyFile(keyPath string) (crypto.Signer, error) {
	pemBuf, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %v", err)
	}
	p, _ := pem.Decode(pemBuf)
	if p == nil {
		return nil, fmt.Errorf("private key has no PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(p.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %v", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T cannot sign", key)
	}
	return signer, nil
}

// Describe writes an example config file with documentation.
func Describe(w io.Writer) error {
	c := Config{
		LogLevel: "info",
		Hostname: "mail.example.com",
		TLSExceptions: map[string]string{
			"example.org": `^CN=mail\.example\.org$`,
		},
		DKIM: &DKIM{
			Selectors: map[string]Selector{
				"2024a": {PrivateKeyFile: "dkim/2024a.ed25519.privatekey.pkcs8.pem"},
			},
			Sign: []string{"2024a"},
		},
	}
	return sconf.Describe(w, &c)
}
