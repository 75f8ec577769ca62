package dkim

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	errDuplicateTag = errors.New("duplicate tag")
	errTagSyntax    = errors.New("malformed tag")
)

// tag is an element of a tag-list, as used in DKIM-Signature headers and DNS
// records: "name=value", separated by semicolons.
type tag struct {
	Name  string
	Value string // Unfolded, with surrounding whitespace removed.

	// Offsets of the raw value, after "=" and up to ";" or the end, in the parsed
	// string. Used to remove the signature from a DKIM-Signature header.
	start, end int
}

// parseTags parses a tag-list. Tag names are case-sensitive, duplicates are not
// allowed. An empty element is allowed at the end.
func parseTags(s string) ([]tag, error) {
	var l []tag
	seen := map[string]bool{}
	for pos := 0; pos <= len(s); {
		end := strings.IndexByte(s[pos:], ';')
		if end < 0 {
			end = len(s)
		} else {
			end += pos
		}
		elem := s[pos:end]
		if trimFWS(elem) != "" {
			eq := strings.IndexByte(elem, '=')
			if eq < 0 {
				return nil, fmt.Errorf("%w: missing = in %q", errTagSyntax, trimFWS(elem))
			}
			name := trimFWS(elem[:eq])
			if name == "" || !isTagName(name) {
				return nil, fmt.Errorf("%w: invalid tag name %q", errTagSyntax, name)
			}
			if seen[name] {
				return nil, fmt.Errorf("%w: %q", errDuplicateTag, name)
			}
			seen[name] = true
			l = append(l, tag{name, trimFWS(elem[eq+1:]), pos + eq + 1, end})
		}
		pos = end + 1
	}
	return l, nil
}

func isTagName(s string) bool {
	for i, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && (c >= '0' && c <= '9' || c == '_')) {
			return false
		}
	}
	return true
}

// trimFWS unfolds s and removes whitespace at the start and end.
func trimFWS(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")
	return strings.Trim(s, " \t")
}

// decodeBase64 decodes a value that may have whitespace anywhere.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(c rune) rune {
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' {
			return -1
		}
		return c
	}, s)
	return base64.StdEncoding.DecodeString(s)
}

// splitList splits a colon-separated list, removing whitespace around elements.
func splitList(s string) []string {
	var l []string
	for _, e := range strings.Split(s, ":") {
		l = append(l, trimFWS(e))
	}
	return l
}
