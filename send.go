package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/mxdeliver/config"
	"github.com/mjl-/mxdeliver/delivery"
	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/metrics"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/smtp"
)

func cmdSend(c *cmd) {
	c.params = "-from address [-name name] message rcpt ..."
	var from, name string
	c.flag.StringVar(&from, "from", "", "envelope sender, also set as From header of each message copy")
	c.flag.StringVar(&name, "name", "", "display name for the From header")
	c.help = `Deliver a spooled message directly to the mail exchangers of the recipients.

Recipients are grouped by domain, and all domains are delivered to
concurrently. For each domain, the MX hosts are tried in order of preference,
with STARTTLS when available. Each recipient gets its own copy of the message,
with From set to the sender, To set to the recipient, and DKIM-signed if
configured.

Delivery is attempted once. For each recipient, the outcome is printed:
delivered, exhausted (all mail exchangers failed), skipped (sending disabled) or
canceled. The command exits with status 1 if not all recipients were delivered.

On interrupt or SIGTERM, deliveries in progress are aborted. On unix, SIGUSR1
disables sending: connections in progress are finished but no new connections
are made.
`
	args := c.Parse()
	if len(args) < 2 || from == "" {
		c.Usage()
	}

	conf := mustLoadConfig()

	sender := xparseAddress(from, "sender")
	var rcpts []smtp.Address
	for _, s := range args[1:] {
		rcpts = append(rcpts, xparseAddress(s, "recipient"))
	}
	env, err := delivery.OpenSpool(args[0], sender, rcpts)
	xcheckf(err, "opening message")
	env.SenderName = name

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if conf.MetricsListen != "" {
		serveMetrics(c.log, conf.MetricsListen)
	}

	var mu sync.Mutex
	results := map[delivery.Outcome]int{}
	d := newDeliverer(conf, c.log, func(r delivery.Result) {
		mu.Lock()
		defer mu.Unlock()
		results[r.Outcome]++
		line := fmt.Sprintf("%s %s", r.Recipient, r.Outcome)
		if !r.Host.IsZero() {
			line += fmt.Sprintf(" host %s", r.Host)
		}
		if r.IP != nil {
			line += fmt.Sprintf(" ip %s", r.IP)
		}
		if r.Err != nil {
			line += fmt.Sprintf(": %v", r.Err)
		}
		fmt.Println(line)
	})
	disableOnSignal(c.log, d)

	d.Send(ctx, env)

	if results[delivery.OutcomeDelivered] != env.RecipientCount() {
		os.Exit(1)
	}
}

func newDeliverer(conf *config.Config, log mlog.Log, report func(delivery.Result)) *delivery.Deliverer {
	return delivery.New(delivery.Opts{
		Hostname:             conf.HostnameDomain,
		Resolver:             dns.StrictResolver{Pkg: "delivery", Log: log.Logger},
		Dialer:               &net.Dialer{},
		Port:                 config.Port(conf.Port, 25),
		ConnectTimeout:       conf.ConnectTimeout,
		SendTimeout:          conf.SendTimeout,
		TLSExceptions:        conf.TLSExceptionsParsed,
		RootCAs:              conf.TLS.CertPool,
		DKIMDomain:           conf.DKIMDomain(),
		DKIMSelectors:        conf.SignSelectors(),
		DisableSending:       conf.DisableSending,
		MaxConcurrentDomains: conf.MaxConcurrentDomains,
		Report:               report,
		Logger:               log.Logger,
	})
}

// serveMetrics serves prometheus metrics on addr in the background, until the
// process exits.
func serveMetrics(log mlog.Log, addr string) {
	ln, err := net.Listen("tcp", addr)
	xcheckf(err, "listen for metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          golog(log),
	}
	log.Print("serving metrics", slog.String("addr", ln.Addr().String()))
	go func() {
		defer func() {
			x := recover()
			if x != nil {
				log.Error("metrics server panic", slog.Any("panic", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Serve)
			}
		}()
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("serving metrics", err)
		}
	}()
}

// golog returns a standard library logger writing to log at error level.
func golog(elog mlog.Log) *log.Logger {
	return log.New(mlog.ErrWriter(elog, mlog.LevelError, "http server error"), "", 0)
}
