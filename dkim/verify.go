package dkim

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
)

// Result is the conclusion of verifying one DKIM-Signature header. An email can
// have multiple signatures, each with different parameters.
type Result struct {
	Status Status
	Sig    *Sig    // Parsed form of DKIM-Signature header. Can be nil for invalid DKIM-Signature header.
	Record *Record // Parsed form of DKIM DNS record for selector and domain in Sig. Optional.
	Err    error   // If Status is not StatusPass, this error holds the details and can be checked using errors.Is.
}

// Lookup looks up the DKIM TXT record and parses it.
//
// A requested record is <selector>._domainkey.<domain>. Exactly one valid DKIM
// record should be present.
func Lookup(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, selector, domain dns.Domain) (rstatus Status, rrecord *Record, rtxt string, rerr error) {
	log := mlog.New("dkim", elog).WithContext(ctx)
	start := timeNow()
	defer func() {
		log.Debugx("dkim lookup result", rerr,
			slog.Any("selector", selector),
			slog.Any("domain", domain),
			slog.Any("status", rstatus),
			slog.Duration("duration", time.Since(start)))
	}()

	name := selector.ASCII + "._domainkey." + domain.FQDN()
	records, _, err := dns.WithPackage(resolver, "dkim").LookupTXT(ctx, name)
	if dns.IsNotFound(err) {
		return StatusPermerror, nil, "", fmt.Errorf("%w: dns name %q", ErrNoRecord, name)
	} else if err != nil {
		return StatusTemperror, nil, "", fmt.Errorf("%w: dns name %q: %s", ErrDNS, name, err)
	}

	status := StatusTemperror
	var record *Record
	var txt string
	err = nil
	for _, s := range records {
		// A record claiming to be DKIM1 that is invalid is a permanent error. Other
		// TXT records are skipped, they can show up with wildcard DNS.
		r, isdkim, perr := ParseRecord(s)
		if perr != nil && isdkim {
			return StatusPermerror, nil, s, fmt.Errorf("%w: %s", ErrSyntax, perr)
		} else if perr != nil {
			err = fmt.Errorf("%w: not a dkim record: %s", ErrSyntax, perr)
			continue
		}
		if record != nil {
			return StatusTemperror, nil, "", fmt.Errorf("%w: dns name %q", ErrMultipleRecords, name)
		}
		record = r
		txt = s
		err = nil
	}
	if record == nil {
		return status, nil, "", err
	}
	return StatusNeutral, record, txt, nil
}

// Verify parses the DKIM-Signature headers in a message and verifies each of them.
//
// If the headers of the message cannot be found, an error is returned.
// Otherwise, each DKIM-Signature header is reflected in the returned results.
// Signatures with a body length (l=) are rejected by policy. Failures for keys
// in test mode (t=y) are returned as StatusNone.
func Verify(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, msg io.ReaderAt) (results []Result, rerr error) {
	log := mlog.New("dkim", elog).WithContext(ctx)
	start := timeNow()
	defer func() {
		duration := float64(time.Since(start)) / float64(time.Second)
		for _, r := range results {
			var alg string
			if r.Sig != nil {
				alg = r.Sig.Algorithm()
			}
			metricVerify.WithLabelValues(alg, string(r.Status)).Observe(duration)
			log.Debugx("dkim verify result", r.Err,
				slog.Any("status", r.Status),
				slog.Any("sig", r.Sig),
				slog.Duration("duration", time.Since(start)))
		}
		if len(results) == 0 {
			log.Debugx("dkim verify result", rerr, slog.Duration("duration", time.Since(start)))
		}
	}()

	hdrs, bodyOffset, err := parseHeaders(bufio.NewReader(io.NewSectionReader(msg, 0, 1<<62)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHeaderMalformed, err)
	}

	for _, h := range hdrs {
		if h.lkey != "dkim-signature" {
			continue
		}

		sig, verifySig, err := parseSignature(h.raw)
		if err != nil {
			err := fmt.Errorf("parsing DKIM-Signature header: %w", err)
			results = append(results, Result{StatusPermerror, nil, nil, err})
			continue
		}

		hash, canonHeaderSimple, canonBodySimple, err := checkSignatureParams(sig)
		if err != nil {
			results = append(results, Result{StatusPermerror, sig, nil, err})
			continue
		}

		if sig.Length >= 0 {
			err := fmt.Errorf("%w: l= for length not acceptable", ErrPolicy)
			results = append(results, Result{StatusPolicy, sig, nil, err})
			continue
		}

		status, record, _, err := Lookup(ctx, elog, resolver, sig.Selector, sig.Domain)
		if err != nil {
			results = append(results, Result{status, sig, nil, err})
			continue
		}
		br := bufio.NewReader(io.NewSectionReader(msg, int64(bodyOffset), 1<<62))
		status, err = verifySignatureRecord(record, sig, hash, canonHeaderSimple, canonBodySimple, hdrs, verifySig, br)
		results = append(results, Result{status, sig, record, err})
	}
	return results, nil
}

// checkSignatureParams only looks at the signature parameters, not at the DNS
// record.
func checkSignatureParams(sig *Sig) (hash crypto.Hash, canonHeaderSimple, canonBodySimple bool, rerr error) {
	var from bool
	for _, h := range sig.SignedHeaders {
		from = from || strings.EqualFold(h, "from")
	}
	if !from {
		return 0, false, false, fmt.Errorf(`%w: required "from" header not signed`, ErrFrom)
	}

	if sig.ExpireTime >= 0 && sig.ExpireTime < timeNow().Unix() {
		return 0, false, false, fmt.Errorf("%w: expiration time %q", ErrSigExpired, time.Unix(sig.ExpireTime, 0).Format(time.RFC3339))
	}

	h, ok := algHash(sig.AlgorithmHash)
	if !ok {
		return 0, false, false, fmt.Errorf("%w: %q", ErrHashAlgorithmUnknown, sig.AlgorithmHash)
	}

	hc, bc, _ := strings.Cut(sig.Canonicalization, "/")
	if bc == "" {
		bc = "simple"
	}
	for _, c := range []struct {
		name   string
		simple *bool
	}{{hc, &canonHeaderSimple}, {bc, &canonBodySimple}} {
		switch strings.ToLower(c.name) {
		case "simple":
			*c.simple = true
		case "relaxed":
		default:
			return 0, false, false, fmt.Errorf("%w: %q", ErrCanonicalizationUnknown, sig.Canonicalization)
		}
	}

	// Only query method dns/txt is known, and the default.
	if len(sig.QueryMethods) > 0 {
		var dnstxt bool
		for _, m := range sig.QueryMethods {
			dnstxt = dnstxt || strings.EqualFold(m, "dns/txt")
		}
		if !dnstxt {
			return 0, false, false, fmt.Errorf("%w: need dns/txt", ErrQueryMethod)
		}
	}
	return h, canonHeaderSimple, canonBodySimple, nil
}

// verifySignatureRecord verifies a signature from a message with the record
// from DNS.
func verifySignatureRecord(r *Record, sig *Sig, hash crypto.Hash, canonHeaderSimple, canonBodySimple bool, hdrs []header, verifySig []byte, body *bufio.Reader) (rstatus Status, rerr error) {
	for _, f := range r.Flags {
		if strings.EqualFold(f, "y") {
			// Testing mode, failures must be treated as unsigned.
			defer func() {
				if rstatus != StatusPass {
					rstatus = StatusNone
				}
			}()
			break
		}
	}

	if len(r.Hashes) > 0 {
		ok := false
		for _, h := range r.Hashes {
			ok = ok || strings.EqualFold(h, sig.AlgorithmHash)
		}
		if !ok {
			return StatusPermerror, fmt.Errorf("%w: dkim dns record expects one of %q, message uses %q", ErrHashAlgNotAllowed, strings.Join(r.Hashes, ","), sig.AlgorithmHash)
		}
	}

	if !strings.EqualFold(r.Key, sig.AlgorithmSign) {
		return StatusPermerror, fmt.Errorf("%w: dkim dns record requires algorithm %q, message has %q", ErrSigAlgMismatch, r.Key, sig.AlgorithmSign)
	}

	if r.PublicKey == nil {
		return StatusPermerror, ErrKeyRevoked
	} else if rsaKey, ok := r.PublicKey.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < 1024 {
		return StatusPermerror, ErrWeakKey
	}

	if !r.ServiceAllowed("email") {
		return StatusPermerror, ErrKeyNotForEmail
	}
	for _, t := range r.Flags {
		if strings.EqualFold(t, "s") && sig.Identity != nil && sig.Identity.Domain.ASCII != sig.Domain.ASCII {
			return StatusPermerror, fmt.Errorf("%w: i= identity domain %q must match d= domain %q", ErrDomainIdentityMismatch, sig.Identity.Domain.ASCII, sig.Domain.ASCII)
		}
	}

	// Check the signature over the headers first, the body is only read for
	// valid signatures.
	dh, err := dataHash(hash.New(), canonHeaderSimple, sig, hdrs, verifySig)
	if err != nil {
		return StatusPermerror, fmt.Errorf("calculating data hash: %w", err)
	}

	switch k := r.PublicKey.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, hash, dh, sig.Signature); err != nil {
			return StatusFail, fmt.Errorf("%w: rsa verification: %s", ErrSigVerify, err)
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(k, dh, sig.Signature) {
			return StatusFail, fmt.Errorf("%w: ed25519 verification", ErrSigVerify)
		}
	default:
		return StatusPermerror, fmt.Errorf("%w: unrecognized signature algorithm %q", ErrSigAlgorithmUnknown, r.Key)
	}

	bh, err := bodyHash(hash.New(), canonBodySimple, body)
	if err != nil {
		return StatusTemperror, fmt.Errorf("calculating body hash: %w", err)
	}
	if !bytes.Equal(sig.BodyHash, bh) {
		return StatusFail, fmt.Errorf("%w: signature bodyhash %x != calculated bodyhash %x", ErrBodyhashMismatch, sig.BodyHash, bh)
	}
	return StatusPass, nil
}
