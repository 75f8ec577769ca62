package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
)

var pkglog = mlog.New("dkim", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestVerifyRFC8463(t *testing.T) {
	message := strings.ReplaceAll(`DKIM-Signature: v=1; a=ed25519-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=brisbane; t=1528637909; h=from : to :
 subject : date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=/gCrinpcQOoIfuHNQIbq4pgh9kyIK3AQUdt9OdqQehSwhEIug4D11Bus
 Fa3bT3FY5OsU7ZbnKELq+eXdp1Q1Dw==
DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=test; t=1528637909; h=from : to : subject :
 date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=F45dVWDfMbQDGHJFlXUNB2HKfbCeLRyhDXgFpEL8GwpsRe0IeIixNTe3
 DhCVlUrSjV4BwcVcOF6+FF3Zo9Rpo1tFOeS9mPYQTnGdaSGsgeefOsk2Jz
 dA+L10TeYt9BgDfQNZtKdN1WO//KgIqXP7OdEFE4LjFYNcUxZQ4FADY+8=
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game.  Are you hungry yet?

Joe.

`, "\n", "\r\n")

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"brisbane._domainkey.football.example.com.": {"v=DKIM1; k=ed25519; p=11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo="},
			"test._domainkey.football.example.com.":     {"v=DKIM1; k=rsa; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQDkHlOQoBTzWRiGs5V6NpP3idY6Wk08a5qhdR6wy5bdOKb2jLQiY/J16JYi0Qvx/byYzCNb3W91y3FutACDfzwQ/BC/e/8uBsCR+yz1Lxj+PL6lHvqMKrM3rG4hstT5QjvHO9PzoxZyVYLzBfO2EeC3Ip3G+2kryOTIKT+l/K4w3QIDAQAB"},
		},
	}

	results, err := Verify(context.Background(), pkglog.Logger, resolver, strings.NewReader(message))
	tcheck(t, err, "dkim verify")
	if len(results) != 2 || results[0].Status != StatusPass || results[1].Status != StatusPass {
		t.Fatalf("verify: unexpected results %#v", results)
	}
}

const testMessage = "From: <sender@example.org>\r\n" +
	"To: <rcpt@example.net>\r\n" +
	"Subject: test\r\n" +
	"Date: Tue, 1 Oct 2024 10:00:00 +0200\r\n" +
	"Message-ID: <1@example.org>\r\n" +
	"X-Unsigned: value\r\n" +
	"\r\n" +
	"Hello  world.\r\n" +
	"\r\n"

func TestSignVerify(t *testing.T) {
	domain := dns.Domain{ASCII: "example.org"}
	edKey := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	rsaKey, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	tcheck(t, err, "generate rsa key")

	edRecord, err := (&Record{Version: "DKIM1", Key: "ed25519", PublicKey: edKey.Public()}).Record()
	tcheck(t, err, "ed25519 record")
	rsaRecord, err := (&Record{Version: "DKIM1", Key: "rsa", PublicKey: rsaKey.Public()}).Record()
	tcheck(t, err, "rsa record")

	resolver := dns.MockResolver{
		TXT: map[string][]string{
			"ed._domainkey.example.org.":  {edRecord},
			"rsa._domainkey.example.org.": {rsaRecord},
		},
	}

	selectors := []Selector{
		{HeaderRelaxed: true, BodyRelaxed: true, SealHeaders: true, Key: edKey, Domain: dns.Domain{ASCII: "ed"}},
		{Key: rsaKey, Domain: dns.Domain{ASCII: "rsa"}, Expiration: time.Hour},
	}

	sign := func(msg string) string {
		t.Helper()
		headers, err := Sign(context.Background(), pkglog.Logger, domain, selectors, strings.NewReader(msg))
		tcheck(t, err, "sign")
		return headers + msg
	}

	verify := func(msg string, exp ...Status) []Result {
		t.Helper()
		results, err := Verify(context.Background(), pkglog.Logger, resolver, strings.NewReader(msg))
		tcheck(t, err, "verify")
		if len(results) != len(exp) {
			t.Fatalf("got %d results, expected %d", len(results), len(exp))
		}
		for i, r := range results {
			if r.Status != exp[i] {
				t.Fatalf("result %d: got status %s (err %v), expected %s", i, r.Status, r.Err, exp[i])
			}
		}
		return results
	}

	signed := sign(testMessage)
	verify(signed, StatusPass, StatusPass)

	// Fields outside the signed set can change.
	verify(strings.Replace(signed, "X-Unsigned: value", "X-Unsigned: other", 1), StatusPass, StatusPass)

	// To is in the signed set, a different recipient invalidates the signature.
	results := verify(strings.Replace(signed, "rcpt@example.net", "other@example.net", 1), StatusFail, StatusFail)
	if !errors.Is(results[0].Err, ErrSigVerify) {
		t.Fatalf("got err %v, expected ErrSigVerify", results[0].Err)
	}

	// Changed body.
	results = verify(strings.Replace(signed, "Hello  world.", "Goodbye world.", 1), StatusFail, StatusFail)
	if !errors.Is(results[0].Err, ErrBodyhashMismatch) {
		t.Fatalf("got err %v, expected ErrBodyhashMismatch", results[0].Err)
	}

	// Whitespace changes are fine with relaxed canonicalization only.
	verify(strings.Replace(signed, "Hello  world.", "Hello world. ", 1), StatusPass, StatusFail)

	// An added Subject at the bottom breaks both signatures: the rsa signature signs
	// the bottom-most Subject, the sealed ed25519 signature also signs the absence of
	// a second one.
	verify(strings.Replace(signed, "Subject: test\r\n", "Subject: test\r\nSubject: added\r\n", 1), StatusFail, StatusFail)

	// Missing DNS record.
	results, err = Verify(context.Background(), pkglog.Logger, dns.MockResolver{}, strings.NewReader(signed))
	tcheck(t, err, "verify")
	if results[0].Status != StatusPermerror || !errors.Is(results[0].Err, ErrNoRecord) {
		t.Fatalf("got %v %v, expected permerror with ErrNoRecord", results[0].Status, results[0].Err)
	}

	// Expired signature.
	timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }
	defer func() { timeNow = time.Now }()
	results = verify(signed, StatusPass, StatusPermerror)
	if !errors.Is(results[1].Err, ErrSigExpired) {
		t.Fatalf("got err %v, expected ErrSigExpired", results[1].Err)
	}
}

func TestSignErrors(t *testing.T) {
	domain := dns.Domain{ASCII: "example.org"}
	key := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	sels := []Selector{{Key: key, Domain: dns.Domain{ASCII: "ed"}}}

	_, err := Sign(context.Background(), pkglog.Logger, domain, sels, strings.NewReader("Subject: no from\r\n\r\nbody\r\n"))
	if !errors.Is(err, ErrFrom) {
		t.Fatalf("got err %v, expected ErrFrom", err)
	}
	_, err = Sign(context.Background(), pkglog.Logger, domain, sels, strings.NewReader("From: <a@example.org>\r\nno header separator"))
	if !errors.Is(err, ErrHeaderMalformed) {
		t.Fatalf("got err %v, expected ErrHeaderMalformed", err)
	}
}

func TestParseSignature(t *testing.T) {
	// Header generated by Sign must parse, and the verification form must be the
	// header with an empty b=.
	key := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	sels := []Selector{{HeaderRelaxed: true, Key: key, Domain: dns.Domain{ASCII: "sel"}}}
	hdr, err := Sign(context.Background(), pkglog.Logger, dns.Domain{ASCII: "example.org"}, sels, strings.NewReader(testMessage))
	tcheck(t, err, "sign")

	sig, verifySig, err := parseSignature([]byte(hdr))
	tcheck(t, err, "parse signature")
	if sig.Algorithm() != "ed25519-sha256" || sig.Domain.ASCII != "example.org" || sig.Selector.ASCII != "sel" || sig.Canonicalization != "relaxed/simple" {
		t.Fatalf("unexpected sig %#v", sig)
	}
	if len(sig.Signature) != ed25519.SignatureSize {
		t.Fatalf("signature has %d bytes, expected %d", len(sig.Signature), ed25519.SignatureSize)
	}
	if !bytes.HasSuffix(verifySig, []byte("b=")) {
		t.Fatalf("verify form does not end with empty b=: %q", verifySig)
	}

	bad := func(s string, expErr error) {
		t.Helper()
		_, _, err := parseSignature([]byte(s))
		if err == nil || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse %q: got err %v, expected %v", s, err, expErr)
		}
	}
	bad("DKIM-Signature: v=1; a=ed25519-sha256; d=example.org; s=sel; h=from; bh=; b=", errSigMissingCRLF)
	bad("Other: v=1\r\n", errSigHeader)
	bad("DKIM-Signature: v=2\r\n", errSigUnknownVersion)
	bad("DKIM-Signature: v=1; v=1\r\n", errDuplicateTag)
	bad("DKIM-Signature: v=1; a=ed25519-sha256\r\n", errSigMissingTag)
	bad("DKIM-Signature: v=1; a=ed25519-sha256; d=example.org; s=sel; h=from; bh=AAAA; b=\r\n", errSigBodyHash)
}

func TestParseRecord(t *testing.T) {
	r, isdkim, err := ParseRecord("v=DKIM1; k=ed25519; p=11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo=")
	tcheck(t, err, "parse record")
	if !isdkim || r.Key != "ed25519" || r.PublicKey == nil {
		t.Fatalf("unexpected record %#v", r)
	}

	// Revoked key.
	r, _, err = ParseRecord("v=DKIM1; p=")
	tcheck(t, err, "parse revoked record")
	if r.PublicKey != nil {
		t.Fatalf("revoked record has public key")
	}

	if _, isdkim, err := ParseRecord("v=spf1 -all"); err == nil || isdkim {
		t.Fatalf("spf record: got isdkim %v, err %v, expected error and not dkim", isdkim, err)
	}
	if _, isdkim, err := ParseRecord("k=rsa; v=DKIM1; p="); !errors.Is(err, errRecordVersionFirst) || !isdkim {
		t.Fatalf("version not first: got isdkim %v, err %v", isdkim, err)
	}
	if _, _, err := ParseRecord("v=DKIM1; k=ed25519; p=AAAA"); !errors.Is(err, errRecordBadPublicKey) {
		t.Fatalf("short ed25519 key: got err %v, expected errRecordBadPublicKey", err)
	}
	if _, _, err := ParseRecord("v=DKIM1; k=dsa; p=AAAA"); !errors.Is(err, errRecordUnknownAlgorithm) {
		t.Fatalf("unknown algorithm: got err %v", err)
	}

	rec := &Record{Version: "DKIM1", Key: "ed25519", Notes: "a=b;c", Flags: []string{"y"}, Pubkey: []byte{1, 2}}
	txt, err := rec.Record()
	tcheck(t, err, "record")
	if txt != "v=DKIM1;k=ed25519;n=a=3Db=3Bc;t=y;p=AQI=" {
		t.Fatalf("got record %q", txt)
	}
}

func TestBodyHash(t *testing.T) {
	hashOf := func(simple bool, body string) []byte {
		t.Helper()
		h, err := bodyHash(crypto.SHA256.New(), simple, bufio.NewReader(strings.NewReader(body)))
		tcheck(t, err, "body hash")
		return h
	}
	sum := func(s string) []byte {
		h := sha256.Sum256([]byte(s))
		return h[:]
	}
	compare := func(got, exp []byte) {
		t.Helper()
		if !bytes.Equal(got, exp) {
			t.Fatalf("got hash %s, expected %s", base64.StdEncoding.EncodeToString(got), base64.StdEncoding.EncodeToString(exp))
		}
	}

	// Empty body, simple is a single crlf, relaxed is empty.
	compare(hashOf(true, ""), sum("\r\n"))
	compare(hashOf(false, ""), sum(""))

	// Example from RFC 6376, section 3.4.5. Note the trailing whitespace.
	in := " C \r\nD \t E\r\n\r\n\r\n"
	compare(hashOf(false, in), sum(" C\r\nD E\r\n"))
	compare(hashOf(true, in), sum(" C \r\nD \t E\r\n"))

	// Missing final crlf is added.
	compare(hashOf(true, "abc"), sum("abc\r\n"))
	compare(hashOf(false, "abc "), sum("abc\r\n"))
}

func TestRelaxedHeader(t *testing.T) {
	got, err := relaxedCanonicalHeaderWithoutCRLF("SubJect \t:  Some \t value\r\n\there \r\n")
	tcheck(t, err, "canonicalize")
	if got != "subject:Some value here" {
		t.Fatalf("got %q", got)
	}
}
