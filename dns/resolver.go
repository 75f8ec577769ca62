package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/stub"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

// Resolver is the interface strict resolver implements. Only the lookups needed
// for delivering messages are included.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) // NOTE: returns an error if no CNAME record is present.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error)
}

// WithPackage sets Pkg on resolver if it is a StrictResolver and does not have
// a package set yet.
func WithPackage(resolver Resolver, name string) Resolver {
	r, ok := resolver.(StrictResolver)
	if ok && r.Pkg == "" {
		nr := r
		nr.Pkg = name
		return nr
	}
	return resolver
}

// StrictResolver is a resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

// lookupResult returns the metric label for the result of a lookup.
func lookupResult(err error) string {
	var dnsErr *adns.DNSError
	isDNSErr := errors.As(err, &dnsErr)
	switch {
	case err == nil:
		return "ok"
	case isDNSErr && dnsErr.IsNotFound:
		return "nxdomain"
	case isDNSErr && dnsErr.IsTemporary:
		return "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded), isDNSErr && dnsErr.IsTimeout:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

// errorHint adds a hint to err when the local name server is not running.
func errorHint(err error) error {
	var dnsErr *adns.DNSError
	if !errors.As(err, &dnsErr) || !dnsErr.IsTemporary || runtime.GOOS != "linux" {
		return err
	}
	if (dnsErr.Server == "127.0.0.1:53" || dnsErr.Server == "[::1]:53") && strings.HasSuffix(dnsErr.Err, "connection refused") {
		return fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver?)", err)
	}
	return err
}

// lookup checks that name is absolute, calls fn and records the outcome in
// metrics and the debug log.
func lookup[T any](ctx context.Context, r StrictResolver, typ, name string, fn func(*adns.Resolver) (T, adns.Result, error)) (resp T, result adns.Result, err error) {
	start := time.Now()
	if !strings.HasSuffix(name, ".") {
		err = ErrRelativeDNSName
	} else {
		resp, result, err = fn(r.resolver())
		err = errorHint(err)
	}
	MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), r.Pkg, typ, lookupResult(err))
	r.log().WithContext(ctx).Debugx("dns lookup result", err,
		slog.String("type", typ),
		slog.String("name", name),
		slog.Any("resp", resp),
		slog.Bool("authentic", result.Authentic),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, result, err
}

// LookupCNAME looks up a CNAME. Unlike "net" LookupCNAME, it returns a "not found"
// error if there is no CNAME record.
func (r StrictResolver) LookupCNAME(ctx context.Context, host string) (string, adns.Result, error) {
	return lookup(ctx, r, "cname", host, func(res *adns.Resolver) (string, adns.Result, error) {
		cname, result, err := res.LookupCNAME(ctx, host)
		if err == nil && cname == host {
			return "", result, &adns.DNSError{Err: "no cname record", Name: host, IsNotFound: true}
		}
		return cname, result, err
	})
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	return lookup(ctx, r, "ip", host, func(res *adns.Resolver) ([]net.IP, adns.Result, error) {
		return res.LookupIP(ctx, network, host)
	})
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	return lookup(ctx, r, "mx", name, func(res *adns.Resolver) ([]*net.MX, adns.Result, error) {
		return res.LookupMX(ctx, name)
	})
}

func (r StrictResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	return lookup(ctx, r, "txt", name, func(res *adns.Resolver) ([]string, adns.Result, error) {
		return res.LookupTXT(ctx, name)
	})
}
