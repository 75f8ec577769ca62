package dkim

import (
	"bufio"
	"bytes"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

var crlf = []byte("\r\n")

// header is a single header field, possibly spanning multiple lines.
type header struct {
	key  string // Key in original case.
	lkey string // Key in lower-case, for canonical case.
	raw  []byte // Complete field including key, colon and crlf, not modified. Used for simple canonicalization.
}

func parseHeaders(br *bufio.Reader) ([]header, int, error) {
	var l []header
	var o int
	for {
		line, err := readline(br)
		if err != nil {
			return nil, 0, err
		}
		o += len(line)
		if bytes.Equal(line, crlf) {
			return l, o, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(l) == 0 {
				return nil, 0, errors.New("malformed message, starts with space/tab")
			}
			l[len(l)-1].raw = append(l[len(l)-1].raw, line...)
			continue
		}
		k, _, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			return nil, 0, errors.New("malformed message, header without colon")
		}
		key := strings.TrimRight(string(k), " \t")
		if key == "" {
			return nil, 0, errors.New("empty header key")
		}
		for _, c := range key {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, errors.New("invalid header field name")
			}
		}
		l = append(l, header{key, strings.ToLower(key), append([]byte{}, line...)})
	}
}

// readline returns a line ending in crlf. Bare newlines do not end a line.
func readline(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		if bytes.HasSuffix(buf, crlf) {
			return buf, nil
		}
	}
}

// bodyHash calculates the hash over the canonicalized body. Both
// canonicalizations drop empty lines at the end of the body. Simple always ends
// with a crlf, relaxed only for non-empty bodies.
func bodyHash(h hash.Hash, canonSimple bool, body *bufio.Reader) ([]byte, error) {
	w := bufio.NewWriter(h)
	var pending int // Line endings not yet written, dropped if only empty lines follow.
	var nonempty bool
	for {
		line, err := body.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		if len(line) == 0 && err == io.EOF {
			break
		}
		eol := bytes.HasSuffix(line, crlf)
		if eol {
			line = line[:len(line)-2]
		}
		if !canonSimple {
			line = relaxedBodyLine(line)
		}
		if len(line) > 0 {
			for ; pending > 0; pending-- {
				w.Write(crlf)
			}
			w.Write(line)
			nonempty = true
		}
		if eol {
			pending++
		}
		if err == io.EOF {
			break
		}
	}
	if canonSimple || nonempty {
		w.Write(crlf)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// relaxedBodyLine reduces each sequence of whitespace to a single space and
// removes whitespace at the end of the line.
func relaxedBodyLine(line []byte) []byte {
	var r []byte
	wsp := false
	for _, c := range line {
		if c == ' ' || c == '\t' {
			wsp = true
			continue
		}
		if wsp {
			r = append(r, ' ')
			wsp = false
		}
		r = append(r, c)
	}
	return r
}

// dataHash hashes the signed header fields and the DKIM-Signature header
// without b= value. Each listed field name takes the next unused field with
// that name, from the bottom of the header up.
func dataHash(h hash.Hash, canonSimple bool, sig *Sig, hdrs []header, verifySig []byte) ([]byte, error) {
	byKey := map[string][]header{}
	for _, hdr := range hdrs {
		byKey[hdr.lkey] = append(byKey[hdr.lkey], hdr)
	}
	used := map[string]int{}
	for _, key := range sig.SignedHeaders {
		lkey := strings.ToLower(key)
		l := byKey[lkey]
		n := used[lkey]
		if n >= len(l) {
			continue
		}
		used[lkey]++
		f := l[len(l)-1-n]
		if canonSimple {
			h.Write(f.raw)
			continue
		}
		ch, err := relaxedCanonicalHeaderWithoutCRLF(string(f.raw))
		if err != nil {
			return nil, fmt.Errorf("canonicalizing header: %w", err)
		}
		h.Write([]byte(ch + "\r\n"))
	}

	// The DKIM-Signature header is hashed without trailing crlf.
	dkimSig := verifySig
	if !canonSimple {
		ch, err := relaxedCanonicalHeaderWithoutCRLF(string(verifySig))
		if err != nil {
			return nil, fmt.Errorf("canonicalizing DKIM-Signature header: %w", err)
		}
		dkimSig = []byte(ch)
	}
	h.Write(dkimSig)
	return h.Sum(nil), nil
}

// relaxedCanonicalHeaderWithoutCRLF lower-cases the key, unfolds the value,
// reduces whitespace to single spaces and removes whitespace around the value.
func relaxedCanonicalHeaderWithoutCRLF(s string) (string, error) {
	k, v, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid header %q", ErrHeaderMalformed, s)
	}
	v = strings.ReplaceAll(v, "\r\n", "")
	nv := relaxedBodyLine([]byte(strings.Trim(v, " \t")))
	return strings.ToLower(strings.TrimRight(k, " \t")) + ":" + string(nv), nil
}
