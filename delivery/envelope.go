package delivery

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/message"
	"github.com/mjl-/mxdeliver/smtp"
)

var (
	ErrNoSender     = errors.New("envelope without sender")
	ErrNoRecipients = errors.New("envelope without recipients")
)

// Envelope is a spooled message with its sender and recipients, grouped by
// destination domain.
//
// The message is only read through ReadAt, so it can be read by concurrent
// deliveries to different domains. It is never modified. Messages should have
// crlf line endings.
type Envelope struct {
	Sender     smtp.Address
	SenderName string // Optional display name for the From header.
	Recipients map[dns.Domain][]smtp.Address
	Message    io.ReaderAt
	Size       int64

	// Message has bytes with the high bit set, requiring 8BITMIME.
	Has8bit bool
	// Addresses or message header with UTF-8, requiring SMTPUTF8.
	SMTPUTF8 bool

	// If set, called once after all deliveries finished, for releasing the message
	// source.
	Close func() error
}

// NewEnvelope returns an envelope for delivering msg from sender to recipients.
// Recipients are grouped by domain, and duplicates removed. The message header is
// checked for syntax, and the message scanned for 8-bit data.
func NewEnvelope(sender smtp.Address, recipients []smtp.Address, msg io.ReaderAt, size int64) (Envelope, error) {
	if sender.IsZero() {
		return Envelope{}, ErrNoSender
	}
	if len(recipients) == 0 {
		return Envelope{}, ErrNoRecipients
	}

	env := Envelope{
		Sender:     sender,
		Recipients: map[dns.Domain][]smtp.Address{},
		Message:    msg,
		Size:       size,
		SMTPUTF8:   sender.IsInternational(),
	}
	for _, rcpt := range recipients {
		if rcpt.IsZero() {
			return Envelope{}, fmt.Errorf("%w: empty recipient address", smtp.ErrBadAddress)
		}
		l := env.Recipients[rcpt.Domain]
		if slices.Contains(l, rcpt) {
			continue
		}
		env.Recipients[rcpt.Domain] = append(l, rcpt)
		env.SMTPUTF8 = env.SMTPUTF8 || rcpt.IsInternational()
	}

	hdr, _, err := message.SplitMessage(msg, size)
	if err != nil {
		return Envelope{}, fmt.Errorf("parsing message header: %w", err)
	}
	if _, err := message.ParseHeader(hdr); err != nil {
		return Envelope{}, fmt.Errorf("parsing message header: %w", err)
	}
	for _, c := range hdr {
		if c >= 0x80 {
			env.SMTPUTF8 = true
			break
		}
	}
	env.Has8bit, err = has8bit(io.NewSectionReader(msg, 0, size))
	if err != nil {
		return Envelope{}, fmt.Errorf("reading message: %w", err)
	}
	return env, nil
}

func has8bit(r io.Reader) (bool, error) {
	br := bufio.NewReader(r)
	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			return false, nil
		} else if err != nil {
			return false, err
		} else if c >= 0x80 {
			return true, nil
		}
	}
}

// OpenSpool opens a spooled message file and returns an envelope for delivering
// it. The file is closed by the envelope's Close function.
func OpenSpool(path string, sender smtp.Address, recipients []smtp.Address) (Envelope, error) {
	f, err := os.Open(path)
	if err != nil {
		return Envelope{}, fmt.Errorf("open spooled message: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return Envelope{}, fmt.Errorf("stat spooled message: %w", err)
	}
	env, err := NewEnvelope(sender, recipients, f, fi.Size())
	if err != nil {
		f.Close()
		return Envelope{}, err
	}
	env.Close = f.Close
	return env, nil
}

// RecipientCount returns the number of recipients, after removing duplicates.
func (env Envelope) RecipientCount() int {
	var n int
	for _, l := range env.Recipients {
		n += len(l)
	}
	return n
}

// Domains returns the recipient domains, sorted by name.
func (env Envelope) Domains() []dns.Domain {
	l := maps.Keys(env.Recipients)
	slices.SortFunc(l, func(a, b dns.Domain) int {
		return strings.Compare(a.ASCII, b.ASCII)
	})
	return l
}
