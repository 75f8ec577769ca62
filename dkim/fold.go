package dkim

import (
	"strings"
)

// Header lines are folded before exceeding this length.
const foldLen = 78

// folder builds a DKIM-Signature header, continuing on a new line when a tag
// would not fit on the current one.
type folder struct {
	b   strings.Builder
	col int
}

// tag adds a tag, or a part of a tag that must not be split. Unless first, it
// is preceded by sep, or a line break.
func (f *folder) tag(sep, s string) {
	if f.b.Len() > 0 {
		if f.col > 1 && f.col+len(sep)+len(s) > foldLen {
			f.newline()
		} else {
			f.b.WriteString(sep)
			f.col += len(sep)
		}
	}
	f.b.WriteString(s)
	f.col += len(s)
}

// data adds s, which may be split anywhere, such as base64.
func (f *folder) data(s string) {
	for s != "" {
		n := foldLen - f.col
		if n <= 0 {
			f.newline()
			continue
		}
		n = min(n, len(s))
		f.b.WriteString(s[:n])
		f.col += n
		s = s[n:]
		if s != "" {
			f.newline()
		}
	}
}

func (f *folder) newline() {
	f.b.WriteString("\r\n\t")
	f.col = 1
}

// String returns the header including the final crlf.
func (f *folder) String() string {
	return f.b.String() + "\r\n"
}
