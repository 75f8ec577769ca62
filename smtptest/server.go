// Package smtptest provides an in-process SMTP server for tests, storing
// received messages in memory so tests can inspect them.
package smtptest

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
)

// Message is a message received by a Server.
type Message struct {
	From     string
	To       []string
	Data     []byte
	TLS      bool // Whether the message was delivered over a TLS connection.
	Body     smtp.BodyType
	UTF8     bool
	Received time.Time
}

// Opts configure behaviour of a Server.
type Opts struct {
	// Host name in the greeting.
	Hostname string

	// If set, STARTTLS is announced and the certificate used.
	TLSCert *tls.Certificate

	// Whether the SMTPUTF8 extension is announced.
	SMTPUTF8 bool

	// Delay before the greeting of each connection is sent, for simulating slow
	// servers.
	Delay time.Duration

	// If set, called for each RCPT TO, a non-nil error is returned to the client.
	// Use *smtp.SMTPError for controlling the response code.
	Rcpt func(to string) error

	// If set, called after receiving message data, a non-nil error is returned to the
	// client.
	Data func(m Message) error
}

// Server is an SMTP server running in the same process as the tests. Create
// with NewServer. Safe for concurrent use.
type Server struct {
	*smtp.Server
	Addr *net.TCPAddr

	opts     Opts
	conns    atomic.Int64
	mu       sync.Mutex
	messages []Message
}

// NewServer starts a server on a random port on 127.0.0.1. It is closed when the
// test finishes.
func NewServer(t testing.TB, opts Opts) *Server {
	t.Helper()

	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}

	s := &Server{opts: opts}
	srv := smtp.NewServer(&backend{s})
	srv.Domain = opts.Hostname
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.MaxMessageBytes = 10 * 1024 * 1024
	srv.MaxRecipients = 50
	srv.EnableSMTPUTF8 = opts.SMTPUTF8
	if opts.TLSCert != nil {
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.TLSCert},
		}
	}
	s.Server = srv

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = ln.Addr().(*net.TCPAddr)
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, smtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			t.Logf("smtp server %s: %v", s.Addr, err)
		}
	}()
	t.Cleanup(func() {
		srv.Close()
	})
	return s
}

// Connections returns the number of connections the server has accepted.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

// Messages returns the messages received so far.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message{}, s.messages...)
}

func (s *Server) String() string {
	return fmt.Sprintf("smtptest server %s at %s", s.opts.Hostname, s.Addr)
}

type backend struct {
	s *Server
}

// NewSession is called before the greeting is written.
func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	b.s.conns.Add(1)
	if b.s.opts.Delay > 0 {
		time.Sleep(b.s.opts.Delay)
	}
	return &session{s: b.s, c: c}, nil
}

type session struct {
	s *Server
	c *smtp.Conn
	m Message
}

func (ss *session) Mail(from string, opts *smtp.MailOptions) error {
	ss.m = Message{From: from}
	if opts != nil {
		ss.m.Body = opts.Body
		ss.m.UTF8 = opts.UTF8
	}
	return nil
}

func (ss *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if ss.s.opts.Rcpt != nil {
		if err := ss.s.opts.Rcpt(to); err != nil {
			return err
		}
	}
	ss.m.To = append(ss.m.To, to)
	return nil
}

func (ss *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m := ss.m
	m.Data = buf
	m.Received = time.Now()
	_, m.TLS = ss.c.TLSConnectionState()
	if ss.s.opts.Data != nil {
		if err := ss.s.opts.Data(m); err != nil {
			return err
		}
	}
	ss.s.mu.Lock()
	ss.s.messages = append(ss.s.messages, m)
	ss.s.mu.Unlock()
	return nil
}

func (ss *session) Reset() {
	ss.m = Message{}
}

func (ss *session) Logout() error {
	return nil
}

func (ss *session) AuthPlain(username, password string) error {
	return &smtp.SMTPError{Code: 502, EnhancedCode: smtp.EnhancedCode{5, 5, 1}, Message: "authentication not supported"}
}
