package config

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
)

var pkglog = mlog.New("config", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func writeKey(t *testing.T, dir string) {
	t.Helper()
	key := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	buf, err := x509.MarshalPKCS8PrivateKey(key)
	tcheck(t, err, "marshal private key")
	err = os.MkdirAll(filepath.Join(dir, "dkim"), 0700)
	tcheck(t, err, "mkdir")
	p := filepath.Join(dir, "dkim", "sel.pem")
	err = os.WriteFile(p, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: buf}), 0600)
	tcheck(t, err, "write private key")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir)

	const conf = `LogLevel: info
PackageLogLevels:
	smtpclient: trace
Hostname: mail.mox.example
ConnectTimeout: 10s
TLSExceptions:
	Example.ORG: ^CN=mail\.example\.org$
DKIM:
	Selectors:
		sel:
			Canonicalization:
				HeaderRelaxed: true
				BodyRelaxed: true
			Expiration: 72h
			PrivateKeyFile: dkim/sel.pem
	Sign:
		- sel
`
	p := filepath.Join(dir, "mxdeliver.conf")
	err := os.WriteFile(p, []byte(conf), 0600)
	tcheck(t, err, "write config")

	c, errs := Load(pkglog, p)
	if len(errs) > 0 {
		t.Fatalf("load config: %v", errs)
	}
	if c.HostnameDomain != (dns.Domain{ASCII: "mail.mox.example"}) {
		t.Fatalf("hostname %v", c.HostnameDomain)
	}
	if c.Log[""] != mlog.LevelInfo || c.Log["smtpclient"] != mlog.LevelTrace {
		t.Fatalf("log levels %v", c.Log)
	}
	if c.ConnectTimeout != 10*time.Second || c.SendTimeout != 0 {
		t.Fatalf("timeouts %v %v", c.ConnectTimeout, c.SendTimeout)
	}
	if Port(c.Port, 25) != 25 {
		t.Fatalf("port %d", c.Port)
	}
	re := c.TLSExceptionsParsed["example.org"]
	if re == nil || !re.MatchString("CN=mail.example.org") {
		t.Fatalf("tls exceptions %v", c.TLSExceptionsParsed)
	}

	sels := c.SignSelectors()
	if len(sels) != 1 {
		t.Fatalf("got %d selectors, expected 1", len(sels))
	}
	sel := sels[0]
	if sel.Domain.ASCII != "sel" || sel.Hash != "sha256" || !sel.HeaderRelaxed || !sel.BodyRelaxed || !sel.SealHeaders || sel.Expiration != 72*time.Hour {
		t.Fatalf("unexpected selector %#v", sel)
	}
	if _, ok := sel.Key.(ed25519.PrivateKey); !ok {
		t.Fatalf("key type %T, expected ed25519", sel.Key)
	}
	if !c.DKIMDomain().IsZero() {
		t.Fatalf("dkim domain %v, expected zero", c.DKIMDomain())
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	const conf = `LogLevel: loud
Hostname: mail_x.example
TLSExceptions:
	example.org: (
DKIM:
	Selectors:
		sel:
			Hash: md5
			PrivateKeyFile: absent.pem
	Sign:
		- sel
		- other
`
	p := filepath.Join(dir, "mxdeliver.conf")
	err := os.WriteFile(p, []byte(conf), 0600)
	tcheck(t, err, "write config")

	_, errs := Load(pkglog, p)
	var l []string
	for _, err := range errs {
		l = append(l, err.Error())
	}
	s := strings.Join(l, "\n")
	for _, exp := range []string{"invalid log level", "parsing hostname", "compiling pattern", "unsupported hash", "reading private key", "unknown selector \"other\""} {
		if !strings.Contains(s, exp) {
			t.Fatalf("missing error %q in errors:\n%s", exp, s)
		}
	}

	_, errs = Load(pkglog, filepath.Join(dir, "absent.conf"))
	if len(errs) != 1 {
		t.Fatalf("got errors %v, expected 1 for absent file", errs)
	}
}

func TestDescribe(t *testing.T) {
	var b bytes.Buffer
	err := Describe(&b)
	tcheck(t, err, "describe")

	s := b.String()
	for _, exp := range []string{"Hostname: mail.example.com", "TLSExceptions:", "PrivateKeyFile: dkim/2024a.ed25519.privatekey.pkcs8.pem"} {
		if !strings.Contains(s, exp) {
			t.Fatalf("described config does not contain %q:\n%s", exp, s)
		}
	}
}
