package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/mjl-/mxdeliver/dkim"
	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/message"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/smtp"
	"github.com/mjl-/mxdeliver/smtpclient"
)

// Connection ids, for correlating log lines of one attempt.
var cid atomic.Int64

// attempt delivers env to rcpts over a single connection to ip of host. The
// returned errors correspond to rcpts, nil for recipients that were delivered.
//
// The message header gets the envelope sender as From, and each recipient as To.
// Bcc headers are removed. If DKIM selectors are configured, each copy is signed.
// A failure for one recipient does not prevent attempts for the other
// recipients, unless the connection broke. The connection is always closed.
func (d *Deliverer) attempt(ctx context.Context, log mlog.Log, env Envelope, domain dns.Domain, host dns.IPDomain, ip net.IP, rcpts []smtp.Address) (errs []error) {
	log = log.WithCid(cid.Add(1)).With(slog.Any("host", host), slog.Any("ip", ip))
	errs = make([]error, len(rcpts))
	setAll := func(err error) []error {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	start := time.Now()
	defer func() {
		var nok, nfail int
		var lastErr error
		for _, err := range errs {
			if err == nil {
				nok++
			} else {
				nfail++
				lastErr = err
			}
		}
		result := "ok"
		if nfail > 0 && nok > 0 {
			result = "partial"
		} else if nfail > 0 {
			result = errorResult(lastErr)
		}
		metricAttempt.WithLabelValues(result).Observe(float64(time.Since(start)) / float64(time.Second))
		log.Debug("delivery attempt result",
			slog.Int("delivered", nok),
			slog.Int("failed", nfail),
			slog.Duration("duration", time.Since(start)))
	}()

	log.Info("connecting to mail exchanger")
	conn, err := smtpclient.Dial(ctx, log.Logger, d.opts.Dialer, host, ip, d.opts.Port, d.opts.ConnectTimeout)
	if err != nil {
		err = classify(ctx, err, ErrConnect)
		metricConnection.WithLabelValues(errorResult(err)).Inc()
		log.Infox("connecting to mail exchanger, trying next", err)
		return setAll(err)
	}

	remoteHostname := host.Domain
	if host.IsIP() {
		remoteHostname = dns.Domain{ASCII: host.IP.String()}
	}
	sc, err := smtpclient.New(ctx, log.Logger, conn, d.opts.Hostname, remoteHostname, smtpclient.Opts{
		Domain:        domain,
		TLSExceptions: d.opts.TLSExceptions,
		RootCAs:       d.opts.RootCAs,
		Timeout:       d.opts.SendTimeout,
	})
	if err != nil {
		// Connection has been closed by New.
		err = classify(ctx, err, ErrConnect)
		metricConnection.WithLabelValues(errorResult(err)).Inc()
		log.Infox("initializing smtp session, trying next", err)
		return setAll(err)
	}
	metricConnection.WithLabelValues("ok").Inc()
	defer func() {
		// Close errors don't affect delivery results.
		err := sc.Close()
		if err != nil {
			log.Debugx("closing smtp connection", err)
		}
	}()
	log.Debug("smtp session initialized", slog.Bool("tls", sc.TLS()), slog.Bool("tlsexception", sc.TLSException()))

	// Header is read once per connection, the body is read for each recipient.
	hdr, body, err := message.SplitMessage(env.Message, env.Size)
	if err != nil {
		log.Errorx("reading message header", err)
		return setAll(fmt.Errorf("%w: reading message header: %w", ErrTransmission, err))
	}
	h, err := message.ParseHeader(hdr)
	if err != nil {
		log.Errorx("parsing message header", err)
		return setAll(fmt.Errorf("%w: parsing message header: %w", ErrTransmission, err))
	}
	smtputf8 := env.SMTPUTF8
	mailFrom := env.Sender.Pack(smtputf8)
	h = h.Set("From", message.FormatAddress(env.SenderName, mailFrom))
	h = h.Remove("Bcc")

	dkimDomain := d.opts.DKIMDomain
	if dkimDomain.IsZero() {
		dkimDomain = env.Sender.Domain
	}

	for i, rcpt := range rcpts {
		rlog := log.With(slog.Any("rcpt", rcpt))
		if sc.Botched() {
			errs[i] = fmt.Errorf("%w: %w", ErrTransmission, smtpclient.ErrBotched)
			continue
		}
		if err := ctx.Err(); err != nil {
			errs[i] = fmt.Errorf("%w: %w", ErrCanceled, err)
			continue
		}

		rcptTo := rcpt.Pack(smtputf8)
		msg := message.Composed{
			Header: h.Set("To", message.FormatAddress("", rcptTo)).Bytes(),
			Body:   body,
		}
		if len(d.opts.DKIMSelectors) > 0 {
			sig, err := dkim.Sign(ctx, log.Logger, dkimDomain, d.opts.DKIMSelectors, msg)
			if err != nil {
				rlog.Errorx("dkim signing message", err)
				errs[i] = fmt.Errorf("%w: dkim signing: %w", ErrTransmission, err)
				continue
			}
			msg.Header = append([]byte(sig), msg.Header...)
		}

		err := sc.Deliver(ctx, mailFrom, rcptTo, msg.Size(), msg.Reader(), env.Has8bit, smtputf8)
		if err != nil {
			errs[i] = classify(ctx, err, ErrTransmission)
			rlog.Infox("delivering message to recipient", errs[i])
			continue
		}
		rlog.Info("delivered message to recipient", slog.Bool("tls", sc.TLS()))
	}
	return errs
}
