// Package smtpclient is an SMTP client for delivering messages directly to the
// mail exchangers of recipient domains.
//
// Delivering a message for a recipient domain involves:
//  1. Resolving the MX targets for a domain, through smtpclient.GatherDestinations,
//     and for each destination try delivery through:
//  2. Looking up IP addresses for the destination, with smtpclient.GatherIPs.
//  3. Dialing an IP of the MX target with smtpclient.Dial.
//  4. Initializing a SMTP session with smtpclient.New, which does opportunistic
//     STARTTLS with the configured certificate trust exceptions, and finally calling
//     client.Deliver for each recipient.
//
// The SMTP protocol is spoken through github.com/emersion/go-smtp.
package smtpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/metrics"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/stub"
)

var (
	MetricCommands stub.HistogramVec = stub.HistogramVecIgnore{}
)

var (
	ErrSize                = errors.New("message too large for remote smtp server") // SMTP server announced a maximum message size and the message to be delivered exceeds it.
	Err8bitmimeUnsupported = errors.New("remote smtp server does not implement 8bitmime extension, required by message")
	ErrSMTPUTF8Unsupported = errors.New("remote smtp server does not implement smtputf8 extension, required by message")
	ErrStatus              = errors.New("remote smtp server sent unexpected response status code") // Relatively common, e.g. when a 250 OK was expected and server sent 451 temporary error.
	ErrProtocol            = errors.New("smtp protocol error")                                     // I/O errors or malformed SMTP responses.
	ErrTLS                 = errors.New("tls error")                                               // E.g. handshake failure, or certificate verification failed without matching exception.
	ErrTimeout             = errors.New("smtp command timeout")
	ErrBotched             = errors.New("smtp connection is botched") // Set on a client, and returned for new operations, after an i/o error or malformed SMTP response.
	ErrClosed              = errors.New("client is closed")
)

// Client is an SMTP client that can deliver messages to a mail server.
//
// Use New to make a new client.
type Client struct {
	// Original connection, closed on Close. The go-smtp client may wrap it in a TLS
	// connection, but closing the TLS connection would send a close notify which can
	// block if the remote isn't reading.
	origConn net.Conn
	c        *smtp.Client
	log      mlog.Log

	rootCAs        *x509.CertPool
	remoteHostname dns.Domain
	domain         dns.Domain // Recipient domain of the dispatch, for trust exceptions.
	exceptions     TLSExceptions
	timeout        time.Duration

	tls          bool
	tlsException bool // TLS certificate was accepted through a trust exception.
	ext8bitmime  bool
	extSMTPUTF8  bool
	maxSize      int64

	botched  bool // If set, protocol is out of sync and no further commands can be sent.
	needRset bool // If set, a new delivery requires an RSET command.
	closed   bool

	timedOut atomic.Bool
}

// Error represents a failure to deliver a message.
//
// Code, Secode and Line are only set for SMTP-level errors, and are zero values
// otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 4xx for transient error and 5xx for permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot, e.g. "7.1" for 5.7.1.
	Secode string
	// SMTP command causing failure.
	Command string
	// Response text from the remote server.
	Line string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Command != "" {
		s += " (" + e.Command + ")"
	}
	if e.Code != 0 {
		s += fmt.Sprintf(": %d", e.Code)
		if e.Secode != "" {
			s += fmt.Sprintf(" %d.%s", e.Code/100, e.Secode)
		}
	}
	if e.Line != "" {
		s += " " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	// Recipient domain the connection is made for. Only trust exceptions for this
	// domain are considered.
	Domain dns.Domain

	// Exceptions for TLS certificates that fail regular verification.
	TLSExceptions TLSExceptions

	// If not nil, used instead of the system default roots for TLS PKIX verification.
	RootCAs *x509.CertPool

	// Timeout for the greeting, EHLO and STARTTLS, and for each delivery. Default
	// 30s.
	Timeout time.Duration
}

// New initializes an SMTP session on the given connection, returning a client that
// can be used to deliver messages.
//
// New reads the server greeting, identifies itself with an EHLO (or HELO) command
// and starts TLS with STARTTLS if the remote claims to support it. If the remote
// does not announce STARTTLS, the session continues in plain text.
//
// The TLS certificate is verified against the PKIX roots (the system roots, or
// opts.RootCAs) and remoteHostname. If verification fails, the certificate is
// accepted only if opts.TLSExceptions has a pattern for opts.Domain matching the
// certificate subject. Otherwise New fails with ErrTLS.
//
// If successful, a client is returned on which eventually Close must be called.
// Otherwise an error is returned and the connection is closed.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, ehloHostname, remoteHostname dns.Domain, opts Opts) (rc *Client, rerr error) {
	c := &Client{
		origConn:       conn,
		rootCAs:        opts.RootCAs,
		remoteHostname: remoteHostname,
		domain:         opts.Domain,
		exceptions:     opts.TLSExceptions,
		timeout:        opts.Timeout,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	lastlog := time.Now()
	c.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(lastlog)),
		}
		lastlog = now
		return l
	}).With(slog.Any("remote", remoteHostname), slog.Any("domain", opts.Domain))

	defer func() {
		if rerr != nil {
			err := conn.Close()
			c.log.Check(err, "closing connection after failed smtp session setup")
		}
	}()

	c.c = smtp.NewClient(conn)
	c.c.CommandTimeout = c.timeout
	c.c.SubmissionTimeout = c.timeout
	c.c.DebugWriter = mlog.TraceWriter(c.log, mlog.LevelTrace, "RS/LC: ")

	stop, done := c.watch(ctx)
	defer done()

	if err := c.c.Hello(ehloHostname.ASCII); err != nil {
		return nil, c.error(ctx, stop, "ehlo", err)
	}

	if ok, _ := c.c.Extension("STARTTLS"); ok {
		if err := c.c.StartTLS(c.tlsConfig()); err != nil {
			var serr *smtp.SMTPError
			if errors.As(err, &serr) {
				return nil, c.error(ctx, stop, "starttls", err)
			}
			if cerr := c.ctxError(ctx, stop, "starttls"); cerr != nil {
				return nil, cerr
			}
			c.log.Debugx("tls handshake", err)
			return nil, Error{Command: "starttls", Err: fmt.Errorf("%w: %v", ErrTLS, err)}
		}
		c.tls = true
		if cs, ok := c.c.TLSConnectionState(); ok {
			c.log.Debug("tls client handshake done",
				slog.String("version", tls.VersionName(cs.Version)),
				slog.String("ciphersuite", tls.CipherSuiteName(cs.CipherSuite)),
				slog.Bool("exception", c.tlsException))
		}
	} else {
		c.log.Debug("remote does not announce starttls, continuing without tls")
	}

	c.ext8bitmime, _ = c.c.Extension("8BITMIME")
	c.extSMTPUTF8, _ = c.c.Extension("SMTPUTF8")
	if ok, param := c.c.Extension("SIZE"); ok && param != "" {
		if size, err := strconv.ParseInt(param, 10, 64); err != nil {
			c.log.Debugx("parsing size extension parameter, ignoring", err, slog.String("param", param))
		} else if size > 0 {
			c.maxSize = size
		}
	}
	return c, nil
}

// watch closes the connection when ctx is canceled or the operation times out.
// The connection is closed instead of setting a deadline: the smtp client sets
// its own deadlines for each command. The returned stop reports whether the
// connection was closed by the watcher.
func (c *Client) watch(ctx context.Context) (stopped func() bool, done func()) {
	c.timedOut.Store(false)
	timer := time.AfterFunc(c.timeout, func() {
		c.timedOut.Store(true)
		c.origConn.Close()
	})
	stopCtx := context.AfterFunc(ctx, func() {
		c.origConn.Close()
	})
	return func() bool {
			return c.timedOut.Load() || ctx.Err() != nil
		}, func() {
			timer.Stop()
			stopCtx()
		}
}

// ctxError returns the error for a connection closed by the watcher, or nil.
func (c *Client) ctxError(ctx context.Context, stopped func() bool, cmd string) error {
	if !stopped() {
		return nil
	}
	c.botched = true
	if err := ctx.Err(); err != nil {
		return err
	}
	return Error{Command: cmd, Err: ErrTimeout}
}

// error turns an error from the smtp client into an Error, marking the client as
// botched for errors other than SMTP responses.
func (c *Client) error(ctx context.Context, stopped func() bool, cmd string, err error) error {
	if cerr := c.ctxError(ctx, stopped, cmd); cerr != nil {
		return cerr
	}
	var serr *smtp.SMTPError
	if errors.As(err, &serr) {
		var secode string
		if serr.EnhancedCode != (smtp.EnhancedCode{}) && serr.EnhancedCode != smtp.NoEnhancedCode {
			secode = fmt.Sprintf("%d.%d", serr.EnhancedCode[1], serr.EnhancedCode[2])
		}
		return Error{
			Permanent: serr.Code/100 == 5,
			Code:      serr.Code,
			Secode:    secode,
			Command:   cmd,
			Line:      serr.Message,
			Err:       ErrStatus,
		}
	}
	c.botched = true
	return Error{Command: cmd, Err: fmt.Errorf("%w: %w", ErrProtocol, err)}
}

func (c *Client) tlsConfig() *tls.Config {
	// We do verification ourselves, so we can fall back to trust exceptions.
	verifyConnection := func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("no certificate from remote")
		}
		opts := x509.VerifyOptions{
			DNSName:       cs.ServerName,
			Intermediates: x509.NewCertPool(),
			Roots:         c.rootCAs,
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(opts)
		if err == nil {
			return nil
		}
		subject := cs.PeerCertificates[0].Subject.String()
		if c.exceptions.Match(c.domain, cs.PeerCertificates[0]) {
			c.log.Infox("tls certificate verification failed, accepting through trust exception", err, slog.String("subject", subject))
			c.tlsException = true
			return nil
		}
		c.log.Debugx("tls certificate verification failed", err, slog.String("subject", subject))
		return err
	}

	return &tls.Config{
		ServerName:         c.remoteHostname.ASCII, // For SNI.
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // VerifyConnection does all verification.
		VerifyConnection:   verifyConnection,
	}
}

// TLS returns whether the connection is TLS protected.
func (c *Client) TLS() bool {
	return c.tls
}

// TLSException returns whether the TLS certificate was accepted through a trust
// exception.
func (c *Client) TLSException() bool {
	return c.tlsException
}

// TLSConnectionState returns TLS details if TLS is enabled, and nil otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if !c.tls {
		return nil
	}
	cs, ok := c.c.TLSConnectionState()
	if !ok {
		return nil
	}
	return &cs
}

// Supports8BITMIME returns whether the SMTP server supports the 8BITMIME
// extension, needed for sending data with non-ASCII bytes.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8bitmime
}

// SupportsSMTPUTF8 returns whether the SMTP server supports the SMTPUTF8
// extension, needed for sending messages with UTF-8 in headers or in an (SMTP)
// address.
func (c *Client) SupportsSMTPUTF8() bool {
	return c.extSMTPUTF8
}

// Deliver attempts to deliver a message to a single recipient, with MAIL FROM,
// RCPT TO and DATA commands, all within the client timeout. Errors are of type
// Error, or a context error when ctx was canceled.
//
// If the message has non-ASCII bytes, req8bitmime must be set, and the remote
// must support the 8BITMIME extension. If the message or addresses require
// UTF-8, reqSMTPUTF8 must be set, and the remote must support SMTPUTF8.
//
// After a failed delivery, the transaction is reset before the next delivery,
// unless the connection is botched. Then no further deliveries are possible.
func (c *Client) Deliver(ctx context.Context, mailFrom string, rcptTo string, msgSize int64, msg io.Reader, req8bitmime, reqSMTPUTF8 bool) (rerr error) {
	if c.closed {
		return ErrClosed
	} else if c.botched {
		return Error{Err: ErrBotched}
	}

	if c.maxSize > 0 && msgSize > c.maxSize {
		return Error{Permanent: true, Err: ErrSize}
	}
	if req8bitmime && !c.ext8bitmime {
		return Error{Permanent: true, Err: Err8bitmimeUnsupported}
	}
	if reqSMTPUTF8 && !c.extSMTPUTF8 {
		return Error{Permanent: true, Err: ErrSMTPUTF8Unsupported}
	}

	stopped, done := c.watch(ctx)
	defer done()

	start := time.Now()
	var cmd string
	defer func() {
		result := metrics.Result(rerr)
		if errors.Is(rerr, ErrTimeout) {
			result = "timeout"
		}
		if rerr != nil {
			c.needRset = true
		}
		MetricCommands.ObserveLabels(float64(time.Since(start))/float64(time.Second), "deliver", result)
	}()

	if c.needRset {
		if err := c.c.Reset(); err != nil {
			return c.error(ctx, stopped, "rset", err)
		}
		c.needRset = false
	}

	mailOpts := &smtp.MailOptions{UTF8: reqSMTPUTF8}
	if req8bitmime {
		mailOpts.Body = smtp.Body8BitMIME
	}
	if c.maxSize > 0 {
		mailOpts.Size = msgSize
	}

	cmd = "mailfrom"
	if err := c.c.Mail(mailFrom, mailOpts); err != nil {
		return c.error(ctx, stopped, cmd, err)
	}
	cmd = "rcptto"
	if err := c.c.Rcpt(rcptTo, nil); err != nil {
		return c.error(ctx, stopped, cmd, err)
	}
	cmd = "data"
	wc, err := c.c.Data()
	if err != nil {
		return c.error(ctx, stopped, cmd, err)
	}
	if _, err := io.Copy(wc, msg); err != nil {
		// The DATA command is in an unknown state, no way to recover the session.
		c.botched = true
		if cerr := c.ctxError(ctx, stopped, cmd); cerr != nil {
			return cerr
		}
		return Error{Command: cmd, Err: fmt.Errorf("%w: writing message: %w", ErrProtocol, err)}
	}
	if err := wc.Close(); err != nil {
		return c.error(ctx, stopped, cmd, err)
	}
	return nil
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used for message
// delivery.
func (c *Client) Botched() bool {
	return c.botched
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is initialized and not botched, a QUIT command is sent and
// the response read with a short timeout before closing the underlying
// connection.
func (c *Client) Close() (rerr error) {
	if c.closed {
		return ErrClosed
	}
	c.closed = true

	var quitted bool
	if !c.botched {
		c.c.CommandTimeout = time.Second
		if err := c.c.Quit(); err != nil {
			c.log.Debugx("writing quit command", err)
		} else {
			quitted = true
		}
	}
	// Quit closes the (possibly TLS) connection itself.
	err := c.origConn.Close()
	if quitted && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
