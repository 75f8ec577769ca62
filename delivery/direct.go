package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/smtp"
	"github.com/mjl-/mxdeliver/smtpclient"
)

// deliverDomain delivers env to rcpts, all in domain. MX hosts are tried in
// order of preference, and IPs of a host in the order of the DNS response. All
// pending recipients are attempted at each IP, recipients that were not delivered
// are attempted at the next IP. Each recipient gets exactly one final result
// through report.
//
// Before each new connection, the sending switch and ctx are checked. If sending
// is disabled, remaining recipients are skipped.
func (d *Deliverer) deliverDomain(ctx context.Context, log mlog.Log, env Envelope, domain dns.Domain, rcpts []smtp.Address, report func(Result)) {
	pending := append([]smtp.Address{}, rcpts...)
	lastErrs := make([]error, len(pending))
	var lastHost dns.IPDomain
	var lastIP net.IP

	finish := func(outcome Outcome, err error) {
		for i, rcpt := range pending {
			rerr := err
			if rerr == nil {
				rerr = lastErrs[i]
			}
			report(Result{Domain: domain, Recipient: rcpt, Outcome: outcome, Host: lastHost, IP: lastIP, Err: rerr})
		}
		log.Debug("finished domain delivery", slog.Any("outcome", outcome), slog.Int("recipients", len(pending)))
	}

	// Check before every connection attempt.
	stop := func() bool {
		if d.disabled.Load() {
			log.Info("sending disabled, not attempting further deliveries for domain", slog.Int("recipients", len(pending)))
			finish(OutcomeSkipped, nil)
			return true
		}
		if err := ctx.Err(); err != nil {
			log.Infox("delivery canceled", err, slog.Int("recipients", len(pending)))
			finish(OutcomeCanceled, fmt.Errorf("%w: %w", ErrCanceled, err))
			return true
		}
		return false
	}

	hosts, err := smtpclient.GatherDestinations(ctx, log.Logger, d.opts.Resolver, domain)
	if err != nil {
		if ctx.Err() != nil {
			finish(OutcomeCanceled, fmt.Errorf("%w: %w", ErrCanceled, err))
			return
		}
		log.Errorx("resolving mail exchangers for domain", err)
		finish(OutcomeExhausted, fmt.Errorf("%w: %w", ErrResolution, err))
		return
	}
	log.Debug("resolved mail exchangers", slog.Any("hosts", hosts))

	for _, h := range hosts {
		// IPs are only looked up when we get to a host.
		if stop() {
			return
		}
		ips, err := smtpclient.GatherIPs(ctx, log.Logger, d.opts.Resolver, h.Host)
		if err != nil {
			log.Infox("resolving ips of mail exchanger, trying next", err, slog.Any("host", h.Host))
			err = classify(ctx, err, ErrResolution)
			for i := range lastErrs {
				lastErrs[i] = err
			}
			lastHost = h.Host
			lastIP = nil
			continue
		}

		for _, ip := range ips {
			if stop() {
				return
			}
			lastHost = h.Host
			lastIP = ip
			errs := d.attempt(ctx, log, env, domain, h.Host, ip, pending)

			var npending []smtp.Address
			var nlastErrs []error
			for i, rcpt := range pending {
				if errs[i] == nil {
					report(Result{Domain: domain, Recipient: rcpt, Outcome: OutcomeDelivered, Host: h.Host, IP: ip})
					continue
				}
				npending = append(npending, rcpt)
				nlastErrs = append(nlastErrs, errs[i])
			}
			pending, lastErrs = npending, nlastErrs
			if len(pending) == 0 {
				log.Debug("all recipients delivered for domain")
				return
			}
			log.Info("recipients not delivered, trying next address", slog.Int("remaining", len(pending)), slog.Any("host", h.Host), slog.Any("ip", ip))
		}
	}

	if ctx.Err() != nil {
		finish(OutcomeCanceled, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err()))
		return
	}
	log.Error("delivery failed for recipients at all mail exchangers", slog.Int("recipients", len(pending)))
	finish(OutcomeExhausted, nil)
}
