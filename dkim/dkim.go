// Package dkim (DomainKeys Identified Mail signatures, RFC 6376) signs and
// verifies DKIM signatures.
//
// Outgoing messages are signed per recipient, because the To header is part of
// the signed header set and is rewritten for each recipient. Verification is
// used for checking configured keys against DNS and in tests.
package dkim

import (
	"bufio"
	"context"
	"crypto"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
)

var (
	metricSign = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxdeliver_dkim_sign_total",
			Help: "DKIM message signings, label key is the type of key, rsa or ed25519.",
		},
		[]string{
			"key",
		},
	)
	metricVerify = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxdeliver_dkim_verify_duration_seconds",
			Help:    "DKIM verify, including lookup, duration and result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
		},
		[]string{
			"algorithm",
			"status",
		},
	)
)

var timeNow = time.Now // Replaced during tests.

// DefaultHeaders are the header fields signed when a selector does not list
// its own.
var DefaultHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"References",
	"MIME-Version",
	"In-Reply-To",
	"Content-Type",
	"Content-Language",
}

// Status is the result of verifying a DKIM-Signature as described by RFC 8601.
type Status string

const (
	StatusNone      Status = "none"      // Message was not signed.
	StatusPass      Status = "pass"      // Message was signed and signature was verified.
	StatusFail      Status = "fail"      // Message was signed, but signature was invalid.
	StatusPolicy    Status = "policy"    // Message was signed, but signature is not accepted by policy.
	StatusNeutral   Status = "neutral"   // Message was signed, but the signature contains an error or could not be processed.
	StatusTemperror Status = "temperror" // Message could not be verified, e.g. DNS resolve error. A later attempt may succeed.
	StatusPermerror Status = "permerror" // Message cannot be verified, e.g. required header field absent or invalid parameters.
)

// Lookup errors.
var (
	ErrNoRecord        = errors.New("dkim: no dkim dns record for selector and domain")
	ErrMultipleRecords = errors.New("dkim: multiple dkim dns record for selector and domain")
	ErrDNS             = errors.New("dkim: lookup of dkim dns record")
	ErrSyntax          = errors.New("dkim: syntax error in dkim dns record")
)

// Signing and verification errors.
var (
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with dns record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by dns record")
	ErrKeyNotForEmail          = errors.New("dkim: dns record not allowed for use with email")
	ErrDomainIdentityMismatch  = errors.New("dkim: dns record disallows mismatch of domain (d=) and identity (i=)")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyhashMismatch        = errors.New("dkim: body hash does not match")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail message header is malformed")
	ErrFrom                    = errors.New("dkim: bad from headers")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key has been revoked")
	ErrPolicy                  = errors.New("dkim: signature rejected by policy")
	ErrWeakKey                 = errors.New("dkim: key is too weak, need at least 1024 bits for rsa")
)

// Selector is a configured DKIM key with signing parameters.
type Selector struct {
	Hash          string        // "sha256", or the deprecated "sha1". Empty means sha256.
	HeaderRelaxed bool          // Relaxed header canonicalization, otherwise simple.
	BodyRelaxed   bool          // Relaxed body canonicalization, otherwise simple.
	Headers       []string      // Header fields to sign. If empty, DefaultHeaders.
	SealHeaders   bool          // Add each header field once more than present, preventing additions.
	Expiration    time.Duration // If > 0, signatures get an x= expiration time.
	Key           crypto.Signer // *rsa.PrivateKey or ed25519.PrivateKey.
	Domain        dns.Domain    // Selector name, as in <selector>._domainkey.<domain>.
}

func (s Selector) hash() string {
	if s.Hash == "" {
		return "sha256"
	}
	return strings.ToLower(s.Hash)
}

func (s Selector) headers() []string {
	if len(s.Headers) == 0 {
		return DefaultHeaders
	}
	return s.Headers
}

// Sign returns line(s) with DKIM-Signature headers for msg, one for each
// selector, to be prepended to the message.
func Sign(ctx context.Context, elog *slog.Logger, domain dns.Domain, selectors []Selector, msg io.ReaderAt) (headers string, rerr error) {
	log := mlog.New("dkim", elog).WithContext(ctx)
	start := timeNow()
	defer func() {
		log.Debugx("dkim sign result", rerr,
			slog.Any("domain", domain),
			slog.Int("selectors", len(selectors)),
			slog.Duration("duration", time.Since(start)))
	}()

	hdrs, bodyOffset, err := parseHeaders(bufio.NewReader(io.NewSectionReader(msg, 0, 1<<62)))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}
	nfrom := 0
	counts := map[string]int{}
	for _, h := range hdrs {
		counts[h.lkey]++
		if h.lkey == "from" {
			nfrom++
		}
	}
	if nfrom != 1 {
		return "", fmt.Errorf("%w: message has %d from headers, need exactly 1", ErrFrom, nfrom)
	}

	// Body hashes are shared between selectors with the same parameters.
	type hashKey struct {
		relaxed bool
		hash    string
	}
	bodyHashes := map[hashKey][]byte{}

	for _, sel := range selectors {
		sig := newSigWithDefaults()
		sig.Version = 1
		switch sel.Key.(type) {
		case *rsa.PrivateKey:
			sig.AlgorithmSign = "rsa"
		case ed25519.PrivateKey:
			sig.AlgorithmSign = "ed25519"
		default:
			return "", fmt.Errorf("unsupported private key type %T", sel.Key)
		}
		sig.AlgorithmHash = sel.hash()
		sig.Domain = domain
		sig.Selector = sel.Domain
		sig.SignedHeaders = append([]string{}, sel.headers()...)
		if sel.SealHeaders {
			// Each time a header name is listed, the next unused field from the bottom is
			// signed, or nothing if none are left. Listing each name once more than it is
			// present prevents adding another such field later on.
			for _, h := range sel.headers() {
				for n := counts[strings.ToLower(h)]; n > 0; n-- {
					sig.SignedHeaders = append(sig.SignedHeaders, h)
				}
			}
		}
		sig.SignTime = timeNow().Unix()
		if sel.Expiration > 0 {
			sig.ExpireTime = sig.SignTime + int64(sel.Expiration/time.Second)
		}
		sig.Canonicalization = canonName(sel.HeaderRelaxed) + "/" + canonName(sel.BodyRelaxed)

		h, ok := algHash(sig.AlgorithmHash)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrHashAlgorithmUnknown, sig.AlgorithmHash)
		}

		// First the body hash, which is included in the DKIM-Signature header. Then the
		// data hash over the signed headers and that DKIM-Signature header with empty
		// b=, which is then signed.
		hk := hashKey{sel.BodyRelaxed, sig.AlgorithmHash}
		if bh, ok := bodyHashes[hk]; ok {
			sig.BodyHash = bh
		} else {
			br := bufio.NewReader(io.NewSectionReader(msg, int64(bodyOffset), 1<<62))
			bh, err := bodyHash(h.New(), !sel.BodyRelaxed, br)
			if err != nil {
				return "", err
			}
			sig.BodyHash = bh
			bodyHashes[hk] = bh
		}

		sigh, err := sig.Header()
		if err != nil {
			return "", err
		}
		verifySig := []byte(strings.TrimSuffix(sigh, "\r\n"))

		dh, err := dataHash(h.New(), !sel.HeaderRelaxed, sig, hdrs, verifySig)
		if err != nil {
			return "", err
		}

		switch key := sel.Key.(type) {
		case *rsa.PrivateKey:
			sig.Signature, err = key.Sign(cryptorand.Reader, dh, h)
		case ed25519.PrivateKey:
			// crypto.Hash(0) means the data is not prehashed for ed25519ph, we sign the
			// sha256 data hash with PureEdDSA, as RFC 8463 specifies.
			sig.Signature, err = key.Sign(cryptorand.Reader, dh, crypto.Hash(0))
		}
		if err != nil {
			return "", fmt.Errorf("signing data: %v", err)
		}
		metricSign.WithLabelValues(sig.AlgorithmSign).Inc()

		sigh, err = sig.Header()
		if err != nil {
			return "", err
		}
		headers += sigh
	}
	return headers, nil
}

func canonName(relaxed bool) string {
	if relaxed {
		return "relaxed"
	}
	return "simple"
}

func algHash(s string) (crypto.Hash, bool) {
	if strings.EqualFold(s, "sha1") {
		return crypto.SHA1, true
	} else if strings.EqualFold(s, "sha256") {
		return crypto.SHA256, true
	}
	return 0, false
}
