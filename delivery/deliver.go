// Package delivery delivers spooled messages directly to the mail exchangers of
// the recipient domains.
//
// A Deliverer sends an Envelope by delivering to all recipient domains
// concurrently. For each domain, the MX hosts are tried in order of preference,
// and the IPs of each host in the order of the DNS response, until all
// recipients of the domain are delivered. Each message copy gets the envelope
// sender as From, the recipient as To, and optionally a DKIM signature.
//
// Delivery is best-effort: failures are logged, and optionally reported per
// recipient, but not returned to the caller. Failed deliveries are not retried
// later.
package delivery

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/mxdeliver/dkim"
	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/metrics"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/smtp"
	"github.com/mjl-/mxdeliver/smtpclient"
)

var (
	metricBatch = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mxdeliver_delivery_batch_duration_seconds",
			Help:    "Duration of delivering a message to all recipient domains.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	metricAttempt = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mxdeliver_delivery_attempt_duration_seconds",
			Help:    "Duration of delivery attempts to a single IP of a mail exchanger, including connecting.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
		},
		[]string{
			"result", // ok, partial, error, timeout, canceled, tls
		},
	)
	metricConnection = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxdeliver_delivery_connection_total",
			Help: "Delivery connection attempts and their results.",
		},
		[]string{
			"result", // ok, timeout, canceled, tls, error
		},
	)
	metricRecipient = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mxdeliver_delivery_recipient_total",
			Help: "Final delivery results for recipients.",
		},
		[]string{
			"outcome", // delivered, exhausted, skipped, canceled
		},
	)
)

// Outcome is the result of delivering to a recipient.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered" // Remote accepted the message.
	OutcomeFailed    Outcome = "failed"    // Attempt at a single host/IP failed, next IP or host will be tried.
	OutcomeExhausted Outcome = "exhausted" // All hosts and IPs were tried without success.
	OutcomeSkipped   Outcome = "skipped"   // Sending was disabled before delivery was done.
	OutcomeCanceled  Outcome = "canceled"  // Context was canceled before delivery was done.
)

// Result is the final outcome for a single recipient.
type Result struct {
	Domain    dns.Domain
	Recipient smtp.Address
	Outcome   Outcome
	Host      dns.IPDomain // Host of last attempt, if any.
	IP        net.IP       // IP of last attempt, if any.
	Err       error        // Error of the last attempt, for outcomes other than delivered.
}

// Opts configure a Deliverer.
type Opts struct {
	// Host name we announce with EHLO. Default "localhost".
	Hostname dns.Domain

	// For looking up MX and IP records.
	Resolver dns.Resolver

	// For making connections. Default a net.Dialer.
	Dialer smtpclient.Dialer

	// Port to connect to. Default 25.
	Port int

	// Maximum duration for connecting to a single IP, and for each SMTP transaction.
	// Default 30s each.
	ConnectTimeout time.Duration
	SendTimeout    time.Duration

	// Patterns for accepting TLS certificates that fail verification, per recipient
	// domain.
	TLSExceptions smtpclient.TLSExceptions

	// If non-nil, used instead of the system roots for verifying TLS certificates.
	RootCAs *x509.CertPool

	// If set, messages are DKIM-signed with these selectors for DKIMDomain. If
	// DKIMDomain is zero, the domain of the envelope sender is used.
	DKIMDomain    dns.Domain
	DKIMSelectors []dkim.Selector

	// Initial state of the sending switch. If disabled, no deliveries are attempted,
	// recipients are reported as skipped.
	DisableSending bool

	// Maximum number of recipient domains delivered to concurrently, if > 0.
	MaxConcurrentDomains int

	// If set, called with the final result of each recipient. Can be called
	// concurrently.
	Report func(Result)

	Logger *slog.Logger
}

// Deliverer delivers envelopes. Safe for concurrent use.
type Deliverer struct {
	opts     Opts
	log      mlog.Log
	disabled atomic.Bool
}

// New returns a new Deliverer, filling in defaults for zero options.
func New(opts Opts) *Deliverer {
	if opts.Hostname.IsZero() {
		opts.Hostname = dns.Domain{ASCII: "localhost"}
	}
	if opts.Resolver == nil {
		opts.Resolver = dns.StrictResolver{Pkg: "delivery", Log: opts.Logger}
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.Port <= 0 {
		opts.Port = 25
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 30 * time.Second
	}
	d := &Deliverer{
		opts: opts,
		log:  mlog.New("delivery", opts.Logger),
	}
	d.disabled.Store(opts.DisableSending)
	return d
}

// DisableSending sets the sending switch. When disabled, no new connection
// attempts are started. Attempts already in progress are completed.
func (d *Deliverer) DisableSending(disable bool) {
	d.disabled.Store(disable)
	d.log.Info("sending switch changed", slog.Bool("disabled", disable))
}

// SendingDisabled returns whether sending is disabled.
func (d *Deliverer) SendingDisabled() bool {
	return d.disabled.Load()
}

type counts struct {
	sync.Mutex
	m map[Outcome]int
}

// Send delivers env to all its recipients, and returns when all deliveries have
// finished. Each recipient domain is delivered to concurrently. After all
// deliveries, env.Close is called, if set.
//
// Failures are logged, and reported through Opts.Report, but not returned.
// Canceling ctx aborts all deliveries in progress. Log lines for a call carry a
// random batch ID.
func (d *Deliverer) Send(ctx context.Context, env Envelope) {
	log := d.log.WithContext(ctx).With(slog.String("batch", uuid.NewString()), slog.Any("sender", env.Sender))
	start := time.Now()

	nrcpt := env.RecipientCount()
	domains := env.Domains()
	log.Info("delivering message",
		slog.Int("domains", len(domains)),
		slog.Int("recipients", nrcpt),
		slog.Int64("size", env.Size))

	c := counts{m: map[Outcome]int{}}
	report := func(r Result) {
		metricRecipient.WithLabelValues(string(r.Outcome)).Inc()
		c.Lock()
		c.m[r.Outcome]++
		c.Unlock()
		if d.opts.Report != nil {
			d.opts.Report(r)
		}
	}

	var g errgroup.Group
	if d.opts.MaxConcurrentDomains > 0 {
		g.SetLimit(d.opts.MaxConcurrentDomains)
	}
	for _, domain := range domains {
		rcpts := env.Recipients[domain]
		g.Go(func() error {
			dlog := log.With(slog.Any("domain", domain))

			// Recipients with a result, for reporting the others after a panic.
			reported := map[smtp.Address]bool{}
			dreport := func(r Result) {
				reported[r.Recipient] = true
				report(r)
			}

			defer func() {
				x := recover()
				if x == nil {
					return
				}
				dlog.Error("unhandled panic in domain delivery", slog.Any("err", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Delivery)

				err := fmt.Errorf("delivery aborted by unhandled panic: %v", x)
				for _, rcpt := range rcpts {
					if !reported[rcpt] {
						report(Result{Domain: domain, Recipient: rcpt, Outcome: OutcomeExhausted, Err: err})
					}
				}
			}()

			d.deliverDomain(ctx, dlog, env, domain, rcpts, dreport)
			return nil
		})
	}
	g.Wait()

	if env.Close != nil {
		err := env.Close()
		log.Check(err, "releasing message source")
	}

	metricBatch.Observe(float64(time.Since(start)) / float64(time.Second))
	log.Info("message delivery finished",
		slog.Int("domains", len(domains)),
		slog.Int("recipients", nrcpt),
		slog.Int("delivered", c.m[OutcomeDelivered]),
		slog.Int("exhausted", c.m[OutcomeExhausted]),
		slog.Int("skipped", c.m[OutcomeSkipped]),
		slog.Int("canceled", c.m[OutcomeCanceled]),
		slog.Duration("duration", time.Since(start)))
}
