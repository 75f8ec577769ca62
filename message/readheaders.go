package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var ErrHeaderSeparator = errors.New("no header separator found")

// ReadHeaders returns the headers of a message, ending with a single crlf (or
// lf for messages with bare newlines). Returns ErrHeaderSeparator if no header
// separator is found.
func ReadHeaders(msg *bufio.Reader) ([]byte, error) {
	buf := []byte{}
	for {
		line, err := msg.ReadBytes('\n')
		if err != io.EOF && err != nil {
			return nil, err
		}
		buf = append(buf, line...)
		if string(buf) == "\r\n" || string(buf) == "\n" {
			// Message without header fields.
			return []byte{}, nil
		}
		if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
			return buf[:len(buf)-2], nil
		}
		if bytes.HasSuffix(buf, []byte("\n\n")) {
			return buf[:len(buf)-1], nil
		}
		if err == io.EOF {
			return nil, ErrHeaderSeparator
		}
	}
}

// SplitMessage reads the header of msg and returns it with a section reader for
// the body. Each call returns independent readers, so concurrent callers can
// split the same message.
func SplitMessage(msg io.ReaderAt, size int64) ([]byte, *io.SectionReader, error) {
	br := bufio.NewReader(io.NewSectionReader(msg, 0, size))
	hdr, err := ReadHeaders(br)
	if err != nil {
		return nil, nil, err
	}
	// Separator is crlf, or a bare lf.
	off := int64(len(hdr)) + 1
	c := make([]byte, 1)
	if _, err := msg.ReadAt(c, int64(len(hdr))); err != nil {
		return nil, nil, err
	} else if c[0] == '\r' {
		off++
	}
	return hdr, io.NewSectionReader(msg, off, size-off), nil
}
