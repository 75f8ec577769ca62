package smtp

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/mxdeliver/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Localpart is the decoded part of an email address before the "@". For quoted
// strings, the double quotes and escaping backslashes are removed. The empty
// string is a valid (quoted) localpart.
type Localpart string

// isAtext returns whether c is allowed in an atom. Non-ASCII is allowed for
// SMTPUTF8.
func isAtext(c rune) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c > 0x7f {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// String returns the localpart for use in SMTP commands: as dot-string if
// possible, otherwise as quoted-string.
func (lp Localpart) String() string {
	dotstr := true
	for _, atom := range strings.Split(string(lp), ".") {
		if atom == "" || strings.IndexFunc(atom, func(c rune) bool { return !isAtext(c) }) >= 0 {
			dotstr = false
			break
		}
	}
	if dotstr {
		return string(lp)
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(string(lp)) + `"`
}

// IsInternational returns whether the localpart has non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address for MAIL FROM and RCPT TO. The domain is in UTF-8
// only if smtputf8 is set. A non-ASCII localpart is always returned as is.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// IsInternational returns whether the address has non-ASCII characters in the
// localpart or domain, requiring the SMTPUTF8 extension for delivery.
func (a Address) IsInternational() bool {
	return a.Localpart.IsInternational() || a.Domain.Unicode != ""
}

// String returns the address with non-ASCII characters.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// LogString returns the address in UTF-8. If the domain is IDNA or the localpart
// needs escaping, an ASCII form is appended after a slash.
func (a Address) LogString() string {
	if a.IsZero() {
		return ""
	}
	s := a.Pack(true)
	lp := a.Localpart.String()
	qlp := strconv.QuoteToASCII(lp)
	escaped := qlp != `"`+lp+`"`
	if escaped {
		lp = qlp
	}
	if a.Domain.Unicode != "" || escaped {
		s += "/" + lp + "@" + a.Domain.ASCII
	}
	return s
}

func (a Address) LogValue() slog.Value {
	return slog.StringValue(a.LogString())
}

// ParseAddress parses an email address "localpart@domain". UTF-8 is allowed,
// and normalized to NFC, so addresses that only differ in unicode composition
// compare equal. Errors wrap ErrBadAddress.
func ParseAddress(s string) (Address, error) {
	lp, rest, err := parseLocalpart(norm.NFC.String(s))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	rest, ok := strings.CutPrefix(rest, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: expected @ after localpart", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rest)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses s as a complete localpart. Errors wrap ErrBadLocalpart.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rest, err := parseLocalpart(s)
	if err != nil {
		return "", err
	}
	if rest != "" {
		return "", fmt.Errorf("%w: data after localpart: %q", ErrBadLocalpart, rest)
	}
	return lp, nil
}

// parseLocalpart parses a dot-string or quoted-string at the start of s,
// returning the remainder.
func parseLocalpart(s string) (Localpart, string, error) {
	var lp, rest string
	var err error
	if q, ok := strings.CutPrefix(s, `"`); ok {
		lp, rest, err = parseQuoted(q)
	} else {
		lp, rest, err = parseDotString(s)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrBadLocalpart, err)
	}
	// Limit is 64 octets, but generated bounce addresses in the wild are longer.
	if len(lp) > 128 {
		return "", "", fmt.Errorf("%w: localpart longer than 128 octets", ErrBadLocalpart)
	}
	return Localpart(lp), rest, nil
}

func parseDotString(s string) (string, string, error) {
	var end int
	for {
		n := strings.IndexFunc(s[end:], func(c rune) bool { return !isAtext(c) })
		if n < 0 {
			n = len(s) - end
		}
		if n == 0 {
			return "", "", errors.New("expected atom")
		}
		end += n
		if end < len(s) && s[end] == '.' {
			end++
			continue
		}
		return s[:end], s[end:], nil
	}
}

// parseQuoted parses s, which follows an opening double quote, up to and
// including the closing double quote.
func parseQuoted(s string) (string, string, error) {
	var b strings.Builder
	var esc bool
	for i, c := range s {
		switch {
		case esc:
			if c < ' ' || c >= 0x7f {
				return "", "", fmt.Errorf("bad escaped character %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String(), s[i+1:], nil
		case c >= ' ' && c < 0x7f || c > 0x7f:
			b.WriteRune(c)
		default:
			return "", "", fmt.Errorf("invalid character %q", c)
		}
	}
	return "", "", errors.New("missing closing double quote")
}
