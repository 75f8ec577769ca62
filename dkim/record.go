package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Record is a DKIM DNS record, served on <selector>._domainkey.<domain> for a
// given selector and domain (s= and d= in the DKIM-Signature).
//
// Example:
//
//	v=DKIM1;k=ed25519;p=ln5zd/JEX4Jy60WAhUOv33IYm2YZMyTQAdr9stML504=
type Record struct {
	Version  string   // Version, fixed "DKIM1" (case sensitive). Field "v".
	Hashes   []string // Acceptable hash algorithms, e.g. "sha1", "sha256". Optional, defaults to all algorithms. Field "h".
	Key      string   // Key type, "rsa" or "ed25519". Optional, default "rsa". Field "k".
	Notes    string   // Debug notes. Field "n".
	Pubkey   []byte   // Public key, as base64 in record. If empty, the key has been revoked. Field "p".
	Services []string // Service types. Optional, default "*" for all services. Field "s".
	Flags    []string // Flags, "y" for testing DKIM, "s" for i= must have the same domain as d=. Field "t".

	PublicKey any `json:"-"` // Parsed form of public key, an *rsa.PublicKey or ed25519.PublicKey.
}

// ServiceAllowed returns whether service s is allowed by this key.
func (r *Record) ServiceAllowed(s string) bool {
	if len(r.Services) == 0 {
		return true
	}
	for _, ss := range r.Services {
		if ss == "*" || strings.EqualFold(s, ss) {
			return true
		}
	}
	return false
}

// Record returns a DNS TXT record that should be served at
// <selector>._domainkey.<domain>.
//
// Only values that are not the default values are included.
func (r *Record) Record() (string, error) {
	if r.Version != "DKIM1" {
		return "", fmt.Errorf("bad version, must be \"DKIM1\"")
	}
	l := []string{"v=DKIM1"}
	if len(r.Hashes) > 0 {
		l = append(l, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		l = append(l, "k="+r.Key)
	}
	if r.Notes != "" {
		l = append(l, "n="+qpSection(r.Notes))
	}
	if len(r.Services) > 0 && (len(r.Services) != 1 || r.Services[0] != "*") {
		l = append(l, "s="+strings.Join(r.Services, ":"))
	}
	if len(r.Flags) > 0 {
		l = append(l, "t="+strings.Join(r.Flags, ":"))
	}
	// A missing public key is valid, it means the key has been revoked.
	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		switch k := r.PublicKey.(type) {
		case *rsa.PublicKey:
			var err error
			pk, err = x509.MarshalPKIXPublicKey(k)
			if err != nil {
				return "", fmt.Errorf("marshal rsa public key: %v", err)
			}
		case ed25519.PublicKey:
			pk = []byte(k)
		default:
			return "", fmt.Errorf("unknown public key type %T", r.PublicKey)
		}
	}
	l = append(l, "p="+base64.StdEncoding.EncodeToString(pk))
	return strings.Join(l, ";"), nil
}

func qpSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i, c := range []byte(s) {
		if i > 0 && (c == ' ' || c == '\t') || c > ' ' && c < 0x7f && c != '=' && c != ';' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0xf])
		}
	}
	return b.String()
}

var (
	errRecordMissingField     = errors.New("missing field")
	errRecordBadPublicKey     = errors.New("bad public key")
	errRecordUnknownAlgorithm = errors.New("unknown algorithm")
	errRecordVersionFirst     = errors.New("first field must be version")
)

// ParseRecord parses a DKIM DNS TXT record.
//
// If the record is a dkim record, but an error occurred, isdkim will be true and
// err will be the error. Such errors must be treated differently from parse errors
// where the record does not appear to be DKIM, which can happen with misconfigured
// DNS (e.g. wildcard records).
func ParseRecord(s string) (record *Record, isdkim bool, err error) {
	tags, err := parseTags(s)
	if err != nil {
		return nil, false, err
	}
	r := &Record{Version: "DKIM1", Key: "rsa"}
	var havePubkey bool
	for i, t := range tags {
		switch t.Name {
		case "v":
			if i != 0 {
				return nil, true, errRecordVersionFirst
			}
			if t.Value != "DKIM1" {
				return nil, false, fmt.Errorf("unknown version %q", t.Value)
			}
			isdkim = true
		case "h":
			r.Hashes = splitList(t.Value)
		case "k":
			r.Key = strings.ToLower(t.Value)
		case "n":
			r.Notes = t.Value
		case "p":
			havePubkey = true
			if r.Pubkey, err = decodeBase64(t.Value); err != nil {
				return nil, isdkim, fmt.Errorf("%w: %v", errRecordBadPublicKey, err)
			}
		case "s":
			r.Services = splitList(t.Value)
		case "t":
			r.Flags = splitList(t.Value)
		}
	}
	if !havePubkey {
		return nil, isdkim, fmt.Errorf("%w: public key (p=)", errRecordMissingField)
	}
	isdkim = true

	if len(r.Pubkey) == 0 {
		// Revoked key.
		return r, true, nil
	}
	switch r.Key {
	case "rsa":
		pk, err := x509.ParsePKIXPublicKey(r.Pubkey)
		if err != nil {
			// Some records have a PKCS#1 public key.
			pk, err = x509.ParsePKCS1PublicKey(r.Pubkey)
		}
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", errRecordBadPublicKey, err)
		}
		rsaKey, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, true, fmt.Errorf("%w: got %T, expected rsa public key", errRecordBadPublicKey, pk)
		}
		r.PublicKey = rsaKey
	case "ed25519":
		if len(r.Pubkey) != ed25519.PublicKeySize {
			return nil, true, fmt.Errorf("%w: got %d bytes for ed25519 key, expected %d", errRecordBadPublicKey, len(r.Pubkey), ed25519.PublicKeySize)
		}
		r.PublicKey = ed25519.PublicKey(r.Pubkey)
	default:
		return nil, true, fmt.Errorf("%w: %q", errRecordUnknownAlgorithm, r.Key)
	}
	return r, true, nil
}
