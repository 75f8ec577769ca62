package dns

import (
	"context"
	"net"

	"golang.org/x/exp/slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for tests, answering from the records in its
// fields. Names are FQDNs, with trailing dot. CNAMEs are followed for all
// lookups except LookupCNAME.
type MockResolver struct {
	A     map[string][]string
	AAAA  map[string][]string
	TXT   map[string][]string
	MX    map[string][]*net.MX
	CNAME map[string]string

	// Lookups of the form "type name" that fail with a temporary error, e.g.
	// "mx example.org." or "ip mx.example.org.". Type is one of cname, ip, mx, txt.
	Fail []string
}

var _ Resolver = MockResolver{}

// Longer CNAME chains are treated as a loop.
const mockMaxCNAME = 8

// follow returns the name after following CNAMEs, or an error for a configured
// failure or a CNAME loop.
func (r MockResolver) follow(ctx context.Context, typ, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for range mockMaxCNAME {
		if slices.Contains(r.Fail, typ+" "+name) {
			return "", mockError(name, false)
		}
		target, ok := r.CNAME[name]
		if !ok || typ == "cname" {
			return name, nil
		}
		name = target
	}
	return "", mockError(name, false)
}

func mockError(name string, notFound bool) error {
	if notFound {
		return &adns.DNSError{Err: "no record", Name: name, Server: "mock", IsNotFound: true}
	}
	return &adns.DNSError{Err: "temp error", Name: name, Server: "mock", IsTemporary: true}
}

func (r MockResolver) LookupCNAME(ctx context.Context, name string) (string, adns.Result, error) {
	name, err := r.follow(ctx, "cname", name)
	if err != nil {
		return "", adns.Result{}, err
	}
	target, ok := r.CNAME[name]
	if !ok {
		return "", adns.Result{}, mockError(name, true)
	}
	return target, adns.Result{}, nil
}

// LookupIP returns the A records before the AAAA records for network "ip".
func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	name, err := r.follow(ctx, "ip", host)
	if err != nil {
		return nil, adns.Result{}, err
	}
	var l []string
	if network == "ip" || network == "ip4" {
		l = append(l, r.A[name]...)
	}
	if network == "ip" || network == "ip6" {
		l = append(l, r.AAAA[name]...)
	}
	if len(l) == 0 {
		return nil, adns.Result{}, mockError(host, true)
	}
	ips := make([]net.IP, len(l))
	for i, s := range l {
		ips[i] = net.ParseIP(s)
	}
	return ips, adns.Result{}, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	name, err := r.follow(ctx, "mx", name)
	if err != nil {
		return nil, adns.Result{}, err
	}
	l, ok := r.MX[name]
	if !ok {
		return nil, adns.Result{}, mockError(name, true)
	}
	return l, adns.Result{}, nil
}

func (r MockResolver) LookupTXT(ctx context.Context, name string) ([]string, adns.Result, error) {
	name, err := r.follow(ctx, "txt", name)
	if err != nil {
		return nil, adns.Result{}, err
	}
	l, ok := r.TXT[name]
	if !ok {
		return nil, adns.Result{}, mockError(name, true)
	}
	return l, adns.Result{}, nil
}
