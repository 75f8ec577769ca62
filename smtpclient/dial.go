package smtpclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	// If this is a net.Dialer, use its settings and add the timeout. Other dialers
	// get the timeout through the context.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// Dial connects to a single IP of host on port, giving up after timeout.
func Dial(ctx context.Context, elog *slog.Logger, dialer Dialer, host dns.IPDomain, ip net.IP, port int, timeout time.Duration) (net.Conn, error) {
	log := mlog.New("smtpclient", elog)

	addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", port))
	log.Debug("dialing host", slog.Any("host", host), slog.String("addr", addr))
	conn, err := dial(ctx, dialer, timeout, addr)
	if err != nil {
		log.Debugx("connection attempt", err, slog.Any("host", host), slog.String("addr", addr))
		return nil, err
	}
	log.Debug("connected to host", slog.Any("host", host), slog.String("addr", addr))
	return conn, nil
}
