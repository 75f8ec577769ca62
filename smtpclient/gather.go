package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/mlog"
)

var (
	ErrCNAMELoop  = errors.New("cname loop")
	ErrCNAMELimit = errors.New("too many cname records")
	ErrDNS        = errors.New("dns lookup error")
	ErrNoMX       = errors.New("domain has no mx records")
	ErrNoMail     = errors.New("domain does not accept email as indicated with single dot for mx record")
)

// LookupTimeout is the timeout for each individual DNS lookup.
var LookupTimeout = 30 * time.Second

// HostPref is an MX target host with its preference.
type HostPref struct {
	Host dns.IPDomain
	Pref int
}

// GatherDestinations looks up the MX hosts to deliver email for domain to,
// ordered by ascending preference. Hosts with the same preference are kept in the
// order the DNS response listed them.
//
// CNAMEs of the domain are followed before looking up MX records. A domain
// without MX records is an error (ErrNoMX), there is no fallback to the domain
// itself. A single MX record with target "." (null MX) results in ErrNoMail.
// Failing lookups result in ErrDNS.
func GatherDestinations(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, domain dns.Domain) ([]HostPref, error) {
	log := mlog.New("smtpclient", elog)

	// Domain we are actually looking up, after following CNAME record(s).
	expanded := domain
	seen := map[string]bool{}
	for i := 0; ; i++ {
		if seen[expanded.ASCII] {
			return nil, fmt.Errorf("%w: recipient domain %s: already saw %s", ErrCNAMELoop, domain, expanded)
		}
		seen[expanded.ASCII] = true

		// CNAME chains longer than this are not followed.
		if i == 16 {
			return nil, fmt.Errorf("%w: recipient domain %s, last resolved domain %s", ErrCNAMELimit, domain, expanded)
		}

		cctx, ccancel := context.WithTimeout(ctx, LookupTimeout)
		cname, _, err := resolver.LookupCNAME(cctx, expanded.FQDN())
		ccancel()
		if err != nil && !dns.IsNotFound(err) {
			return nil, fmt.Errorf("%w: cname lookup for %s: %v", ErrDNS, expanded, err)
		}
		if err == nil && cname != expanded.FQDN() {
			d, err := dns.ParseDomain(strings.TrimSuffix(cname, "."))
			if err != nil {
				return nil, fmt.Errorf("%w: parsing cname domain %s: %v", ErrDNS, expanded, err)
			}
			log.Debug("following cname", slog.Any("from", expanded), slog.Any("to", d))
			expanded = d
			continue
		}
		break
	}

	// LookupMX can return an error and still return records: invalid records are
	// filtered out and an error returned. Valid records are still used.
	mctx, mcancel := context.WithTimeout(ctx, LookupTimeout)
	mxl, _, err := resolver.LookupMX(mctx, expanded.FQDN())
	mcancel()
	if err != nil && len(mxl) == 0 {
		if dns.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoMX, expanded)
		}
		return nil, fmt.Errorf("%w: mx lookup for %s: %v", ErrDNS, expanded, err)
	} else if err != nil {
		log.Infox("mx record has some invalid records, keeping only the valid mx records", err, slog.Any("domain", expanded))
	}
	if len(mxl) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMX, expanded)
	}
	if len(mxl) == 1 && mxl[0].Host == "." {
		return nil, fmt.Errorf("%w: %s", ErrNoMail, expanded)
	}

	var hosts []HostPref
	for _, mx := range mxl {
		if mx.Host == "." {
			continue
		}
		s := strings.TrimSuffix(mx.Host, ".")
		if ip := net.ParseIP(s); ip != nil {
			hosts = append(hosts, HostPref{dns.IPDomain{IP: ip}, int(mx.Pref)})
			continue
		}
		host, err := dns.ParseDomain(s)
		if err != nil {
			log.Infox("skipping invalid host name in mx record", err, slog.String("host", mx.Host), slog.Any("domain", expanded))
			continue
		}
		hosts = append(hosts, HostPref{dns.IPDomain{Domain: host}, int(mx.Pref)})
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no usable mx records for %s", ErrNoMX, expanded)
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].Pref < hosts[j].Pref
	})
	return hosts, nil
}

// GatherIPs looks up the IPs to try for connecting to host, in the order returned
// by the resolver. An IP address host resolves to itself. Only called once a
// host is about to be tried.
func GatherIPs(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, host dns.IPDomain) ([]net.IP, error) {
	log := mlog.New("smtpclient", elog)

	if host.IsIP() {
		return []net.IP{host.IP}, nil
	}

	name := host.Domain.FQDN()
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()
	ips, _, err := resolver.LookupIP(ctx, "ip", name)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up ips for %s: %v", ErrDNS, host, err)
	} else if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no ips for %s", ErrDNS, host)
	}
	log.Debug("gathered ips", slog.Any("host", host), slog.Any("ips", ips))
	return ips, nil
}
