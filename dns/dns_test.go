package dns

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("example.org", Domain{"example.org", ""}, nil)
	test("EXAMPLE.ORG", Domain{"example.org", ""}, nil)
	test("TEST☺.EXAMPLE.ORG", Domain{"xn--test-3o3b.example.org", "test☺.example.org"}, nil)
	test("example.org.", Domain{}, errTrailingDot)
}

func TestMockResolver(t *testing.T) {
	r := MockResolver{
		MX: map[string][]*net.MX{
			"example.org.": {{Host: "mx.example.org.", Pref: 10}},
		},
		A:     map[string][]string{"mx.example.org.": {"10.0.0.1"}},
		CNAME: map[string]string{"alias.example.org.": "mx.example.org."},
		Fail:  []string{"mx temp.example."},
	}
	ctx := context.Background()

	mxs, _, err := r.LookupMX(ctx, "example.org.")
	if err != nil || len(mxs) != 1 || mxs[0].Host != "mx.example.org." {
		t.Fatalf("lookup mx: %v %v", mxs, err)
	}
	if _, _, err := r.LookupMX(ctx, "nonexistent.example."); !IsNotFound(err) {
		t.Fatalf("lookup mx for nonexistent domain: got err %v, expected not found", err)
	}
	if _, _, err := r.LookupMX(ctx, "temp.example."); err == nil || IsNotFound(err) {
		t.Fatalf("lookup mx with failure: got err %v, expected temporary error", err)
	}

	ips, _, err := r.LookupIP(ctx, "ip", "alias.example.org.")
	if err != nil || len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("lookup ip through cname: %v %v", ips, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := r.LookupMX(cctx, "example.org."); !errors.Is(err, context.Canceled) {
		t.Fatalf("lookup with canceled context: got err %v, expected context.Canceled", err)
	}
}
