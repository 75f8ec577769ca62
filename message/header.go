package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"strings"
)

var ErrBadHeader = errors.New("malformed message header")

// Field is a single header field, with its original formatting, including
// continuation lines and the ending crlf.
type Field struct {
	Key string // Canonical key, e.g. "Message-Id".
	Raw []byte // Complete field, including key and crlf.
}

// Header is the ordered list of header fields of a message.
type Header []Field

// ParseHeader parses the fields in buf, as returned by ReadHeaders. Lines may
// end in bare lf, they are written with crlf.
func ParseHeader(buf []byte) (Header, error) {
	var h Header
	for len(buf) > 0 {
		i := bytes.IndexByte(buf, '\n')
		var line []byte
		if i < 0 {
			line, buf = buf, nil
		} else {
			line, buf = buf[:i+1], buf[i+1:]
		}
		line = crlfLine(line)
		if string(line) == "\r\n" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(h) == 0 {
				return nil, fmt.Errorf("%w: continuation line without field", ErrBadHeader)
			}
			h[len(h)-1].Raw = append(h[len(h)-1].Raw, line...)
			continue
		}
		t := bytes.SplitN(line, []byte(":"), 2)
		if len(t) != 2 {
			return nil, fmt.Errorf("%w: line without colon", ErrBadHeader)
		}
		k := strings.TrimRight(string(t[0]), " \t")
		if k == "" {
			return nil, fmt.Errorf("%w: empty key", ErrBadHeader)
		}
		h = append(h, Field{textproto.CanonicalMIMEHeaderKey(k), append([]byte{}, line...)})
	}
	return h, nil
}

func crlfLine(line []byte) []byte {
	if bytes.HasSuffix(line, []byte("\r\n")) {
		return line
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	return append(line, '\r', '\n')
}

// Values returns the unfolded values of fields with key.
func (h Header) Values(key string) []string {
	key = textproto.CanonicalMIMEHeaderKey(key)
	var l []string
	for _, f := range h {
		if f.Key == key {
			_, v, _ := strings.Cut(string(f.Raw), ":")
			v = strings.ReplaceAll(v, "\r\n", "")
			l = append(l, strings.TrimSpace(v))
		}
	}
	return l
}

// Remove returns a header without fields with key.
func (h Header) Remove(key string) Header {
	key = textproto.CanonicalMIMEHeaderKey(key)
	var nh Header
	for _, f := range h {
		if f.Key != key {
			nh = append(nh, f)
		}
	}
	return nh
}

// Set replaces all fields with key with a single field with value. The new field
// is placed at the position of the first original field, or prepended if the key
// was not present.
func (h Header) Set(key, value string) Header {
	key = textproto.CanonicalMIMEHeaderKey(key)
	nf := Field{key, fold(key, value)}

	var nh Header
	done := false
	for _, f := range h {
		if f.Key != key {
			nh = append(nh, f)
		} else if !done {
			nh = append(nh, nf)
			done = true
		}
	}
	if !done {
		nh = append(Header{nf}, nh...)
	}
	return nh
}

// fold returns the raw field for key and value. Lines are broken before a space
// when they would become longer than 78 characters. Words are never split.
func fold(key, value string) []byte {
	var b strings.Builder
	b.WriteString(key + ":")
	col := len(key) + 1
	for i, w := range strings.Split(value, " ") {
		if i > 0 && col+1+len(w) > 78 {
			b.WriteString("\r\n")
			col = 0
		}
		b.WriteByte(' ')
		b.WriteString(w)
		col += 1 + len(w)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Bytes returns the header ready for writing, including the empty line that
// separates it from the body.
func (h Header) Bytes() []byte {
	var b bytes.Buffer
	for _, f := range h {
		b.Write(f.Raw)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// FormatAddress returns an address for use in a From or To header, with the
// optional display name encoded if it has non-ASCII or control characters.
func FormatAddress(name, addr string) string {
	if name == "" {
		return "<" + addr + ">"
	}
	// Non-ASCII and control characters, such as CR and LF that would end the
	// header field, are only allowed in an encoded-word.
	for _, c := range name {
		if c >= 0x7f || c < ' ' && c != '\t' {
			return mime.QEncoding.Encode("utf-8", name) + " <" + addr + ">"
		}
	}
	if strings.ContainsAny(name, `()<>[]:;@\,."`) {
		name = `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name + " <" + addr + ">"
}

// Composed is a message with a replacement header and the body of another
// message. It is used to send per-recipient copies of a spooled message without
// copying the body.
type Composed struct {
	Header []byte
	Body   *io.SectionReader
}

var _ io.ReaderAt = Composed{}

// Size returns the size of the complete message.
func (c Composed) Size() int64 {
	return int64(len(c.Header)) + c.Body.Size()
}

func (c Composed) ReadAt(buf []byte, off int64) (int, error) {
	var n int
	if off < int64(len(c.Header)) {
		n = copy(buf, c.Header[off:])
		if n == len(buf) {
			return n, nil
		}
		off += int64(n)
	}
	nn, err := c.Body.ReadAt(buf[n:], off-int64(len(c.Header)))
	return n + nn, err
}

// Reader returns a new reader for the complete message.
func (c Composed) Reader() io.Reader {
	return io.NewSectionReader(c, 0, c.Size())
}
