package delivery

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/mjl-/mxdeliver/dkim"
	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/message"
	"github.com/mjl-/mxdeliver/mlog"
	xsmtp "github.com/mjl-/mxdeliver/smtp"
	"github.com/mjl-/mxdeliver/smtpclient"
	"github.com/mjl-/mxdeliver/smtptest"
)

var pkglog = mlog.New("delivery", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

const testMessage = "From: Someone Else <other@elsewhere.example>\r\n" +
	"To: <list@mox.example>\r\n" +
	"Bcc: <secret@mox.example>\r\n" +
	"Subject: newsletter\r\n" +
	"Message-Id: <1@mox.example>\r\n" +
	"\r\n" +
	"Hello subscriber,\r\n" +
	"\r\n" +
	".a line starting with a dot\r\n"

func addr(s string) xsmtp.Address {
	a, err := xsmtp.ParseAddress(s)
	if err != nil {
		panic(fmt.Sprintf("parse address %q: %v", s, err))
	}
	return a
}

func envelope(t *testing.T, rcpts ...string) Envelope {
	t.Helper()
	var l []xsmtp.Address
	for _, s := range rcpts {
		l = append(l, addr(s))
	}
	env, err := NewEnvelope(addr("sender@mox.example"), l, strings.NewReader(testMessage), int64(len(testMessage)))
	tcheck(t, err, "new envelope")
	return env
}

// fakeDialer connects to local test servers for the fake IPs of mail exchangers.
// Addresses without a server fail to connect, as if unreachable.
type fakeDialer struct {
	sync.Mutex
	addrs  map[string]string
	dialed []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{addrs: map[string]string{}}
}

func (fd *fakeDialer) add(ip string, s *smtptest.Server) {
	fd.Lock()
	defer fd.Unlock()
	fd.addrs[net.JoinHostPort(ip, "25")] = s.Addr.String()
}

func (fd *fakeDialer) Dialed() []string {
	fd.Lock()
	defer fd.Unlock()
	return append([]string{}, fd.dialed...)
}

func (fd *fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	fd.Lock()
	fd.dialed = append(fd.dialed, addr)
	target, ok := fd.addrs[addr]
	fd.Unlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	var d net.Dialer
	return d.DialContext(ctx, network, target)
}

// results collects reported results, safe for concurrent use.
type results struct {
	sync.Mutex
	l     []Result
	times map[string]time.Time
}

func (r *results) report(res Result) {
	r.Lock()
	defer r.Unlock()
	r.l = append(r.l, res)
	if r.times == nil {
		r.times = map[string]time.Time{}
	}
	r.times[res.Recipient.String()] = time.Now()
}

func (r *results) get(t *testing.T, rcpt string) Result {
	t.Helper()
	r.Lock()
	defer r.Unlock()
	var found []Result
	for _, res := range r.l {
		if res.Recipient.String() == rcpt {
			found = append(found, res)
		}
	}
	if len(found) != 1 {
		t.Fatalf("got %d results for %s, expected 1", len(found), rcpt)
	}
	return found[0]
}

func (r *results) outcome(t *testing.T, rcpt string, exp Outcome, expErr error) Result {
	t.Helper()
	res := r.get(t, rcpt)
	if res.Outcome != exp {
		t.Fatalf("recipient %s: got outcome %s (err %v), expected %s", rcpt, res.Outcome, res.Err, exp)
	}
	if expErr == nil && res.Err != nil || expErr != nil && !errors.Is(res.Err, expErr) {
		t.Fatalf("recipient %s: got err %v, expected %v", rcpt, res.Err, expErr)
	}
	return res
}

func newDeliverer(resolver dns.Resolver, dialer smtpclient.Dialer, r *results, opts Opts) *Deliverer {
	opts.Hostname = dns.Domain{ASCII: "sender.mox.example"}
	opts.Resolver = resolver
	opts.Dialer = dialer
	opts.Report = r.report
	opts.Logger = pkglog.Logger
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.SendTimeout == 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return New(opts)
}

func TestNoMX(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"nomx.example.": {"10.0.0.1"}, // Not used as implicit MX.
		},
		MX: map[string][]*net.MX{
			"nullmx.example.": {{Host: ".", Pref: 0}},
		},
	}
	dialer := newFakeDialer()
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{})

	env := envelope(t, "a@nomx.example", "b@nomx.example", "c@nullmx.example", "d@absent.example")
	var closed int
	env.Close = func() error {
		closed++
		return nil
	}
	d.Send(context.Background(), env)

	tcompare(t, len(dialer.Dialed()), 0)
	tcompare(t, closed, 1)
	for _, rcpt := range []string{"a@nomx.example", "b@nomx.example", "c@nullmx.example", "d@absent.example"} {
		r.outcome(t, rcpt, OutcomeExhausted, ErrResolution)
	}
}

func TestPriorityOrder(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "mx3.example.com.", Pref: 30},
				{Host: "mx1.example.com.", Pref: 10},
				{Host: "mx2a.example.com.", Pref: 20},
				{Host: "mx2b.example.com.", Pref: 20},
			},
			"other.example.": {{Host: "mx.other.example.", Pref: 10}},
		},
		A: map[string][]string{
			"mx1.example.com.":  {"10.0.1.1", "10.0.1.2"},
			"mx2a.example.com.": {"10.0.2.1"},
			"mx2b.example.com.": {"10.0.2.2"},
			"mx3.example.com.":  {"10.0.3.1"},
			"mx.other.example.": {"10.1.0.1"},
		},
		AAAA: map[string][]string{
			"mx1.example.com.": {"2001:db8::1"},
		},
	}
	dialer := newFakeDialer()
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{})

	d.Send(context.Background(), envelope(t, "a@example.com", "b@example.com", "c@other.example"))

	var dialed []string
	for _, a := range dialer.Dialed() {
		if !strings.HasPrefix(a, "10.1.") {
			dialed = append(dialed, a)
		}
	}
	exp := []string{"10.0.1.1:25", "10.0.1.2:25", "[2001:db8::1]:25", "10.0.2.1:25", "10.0.2.2:25", "10.0.3.1:25"}
	tcompare(t, dialed, exp)

	res := r.outcome(t, "a@example.com", OutcomeExhausted, ErrConnect)
	tcompare(t, res.Host.String(), "mx3.example.com")
	r.outcome(t, "b@example.com", OutcomeExhausted, ErrConnect)
	r.outcome(t, "c@other.example", OutcomeExhausted, ErrConnect)
}

func TestFallback(t *testing.T) {
	// Host A unreachable, host B accepts.
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "b.example.com.", Pref: 20},
				{Host: "a.example.com.", Pref: 10},
			},
		},
		A: map[string][]string{
			"a.example.com.": {"10.0.0.1"},
			"b.example.com.": {"10.0.0.2"},
		},
	}
	serverB := smtptest.NewServer(t, smtptest.Opts{Hostname: "b.example.com"})
	dialer := newFakeDialer()
	dialer.add("10.0.0.2", serverB)
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{})

	env := envelope(t, "one@example.com", "two@example.com")
	env.SenderName = "Mox Newsletter"
	d.Send(context.Background(), env)

	tcompare(t, dialer.Dialed(), []string{"10.0.0.1:25", "10.0.0.2:25"})
	res := r.outcome(t, "one@example.com", OutcomeDelivered, nil)
	tcompare(t, res.Host.String(), "b.example.com")
	tcompare(t, res.IP.String(), "10.0.0.2")
	r.outcome(t, "two@example.com", OutcomeDelivered, nil)

	// One connection, one transaction per recipient, with rewritten header.
	tcompare(t, serverB.Connections(), 1)
	msgs := serverB.Messages()
	tcompare(t, len(msgs), 2)
	for i, rcpt := range []string{"one@example.com", "two@example.com"} {
		m := msgs[i]
		tcompare(t, m.From, "sender@mox.example")
		tcompare(t, m.To, []string{rcpt})
		hdr, body, err := message.SplitMessage(strings.NewReader(string(m.Data)), int64(len(m.Data)))
		tcheck(t, err, "split message")
		h, err := message.ParseHeader(hdr)
		tcheck(t, err, "parse header")
		tcompare(t, h.Values("From"), []string{"Mox Newsletter <sender@mox.example>"})
		tcompare(t, h.Values("To"), []string{"<" + rcpt + ">"})
		tcompare(t, len(h.Values("Bcc")), 0)
		tcompare(t, h.Values("Subject"), []string{"newsletter"})
		buf := make([]byte, body.Size())
		_, err = body.ReadAt(buf, 0)
		tcheck(t, err, "read body")
		tcompare(t, string(buf), "Hello subscriber,\r\n\r\n.a line starting with a dot\r\n")
	}
}

func TestPartialCarryOver(t *testing.T) {
	// Host A rejects one recipient, it is delivered through host B. The recipient
	// delivered at A is not sent again.
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "a.example.com.", Pref: 10},
				{Host: "b.example.com.", Pref: 20},
			},
		},
		A: map[string][]string{
			"a.example.com.": {"10.0.0.1"},
			"b.example.com.": {"10.0.0.2"},
		},
	}
	serverA := smtptest.NewServer(t, smtptest.Opts{
		Rcpt: func(to string) error {
			if to == "two@example.com" {
				return &smtp.SMTPError{Code: 452, EnhancedCode: smtp.EnhancedCode{4, 2, 2}, Message: "mailbox full"}
			}
			return nil
		},
	})
	serverB := smtptest.NewServer(t, smtptest.Opts{})
	dialer := newFakeDialer()
	dialer.add("10.0.0.1", serverA)
	dialer.add("10.0.0.2", serverB)
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{})

	d.Send(context.Background(), envelope(t, "one@example.com", "two@example.com", "three@example.com"))

	r.outcome(t, "one@example.com", OutcomeDelivered, nil)
	r.outcome(t, "three@example.com", OutcomeDelivered, nil)
	res := r.outcome(t, "two@example.com", OutcomeDelivered, nil)
	tcompare(t, res.Host.String(), "b.example.com")

	tcompare(t, len(serverA.Messages()), 2)
	msgs := serverB.Messages()
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].To, []string{"two@example.com"})
}

func TestSlowDomain(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"a.com.": {{Host: "mx.a.com.", Pref: 10}},
			"b.com.": {{Host: "mx.b.com.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.a.com.": {"10.0.0.1"},
			"mx.b.com.": {"10.0.0.2"},
		},
	}
	// Server for a.com does not respond within the timeout.
	slow := smtptest.NewServer(t, smtptest.Opts{Delay: 3 * time.Second})
	fast := smtptest.NewServer(t, smtptest.Opts{})
	dialer := newFakeDialer()
	dialer.add("10.0.0.1", slow)
	dialer.add("10.0.0.2", fast)
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{SendTimeout: time.Second})

	start := time.Now()
	d.Send(context.Background(), envelope(t, "x@a.com", "y@b.com"))

	r.outcome(t, "x@a.com", OutcomeExhausted, ErrTimeout)
	r.outcome(t, "y@b.com", OutcomeDelivered, nil)
	if took := r.times["y@b.com"].Sub(start); took >= time.Second {
		t.Fatalf("delivery to b.com took %v, should not wait for timeout of a.com", took)
	}
	if !r.times["y@b.com"].Before(r.times["x@a.com"]) {
		t.Fatalf("b.com result not before a.com result")
	}
}

func TestSourceReadConcurrently(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{},
		A:  map[string][]string{},
	}
	dialer := newFakeDialer()
	var servers []*smtptest.Server
	for i, dom := range []string{"one.example", "two.example", "three.example"} {
		resolver.MX[dom+"."] = []*net.MX{{Host: "mx." + dom + ".", Pref: 10}}
		ip := fmt.Sprintf("10.0.0.%d", i+1)
		resolver.A["mx."+dom+"."] = []string{ip}
		s := smtptest.NewServer(t, smtptest.Opts{})
		dialer.add(ip, s)
		servers = append(servers, s)
	}
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{})

	env := envelope(t, "a@one.example", "b@two.example", "c@three.example", "d@three.example")
	var closed int
	env.Close = func() error {
		closed++
		return errors.New("close error is only logged")
	}
	d.Send(context.Background(), env)
	tcompare(t, closed, 1)

	for _, s := range servers {
		for _, m := range s.Messages() {
			_, body, err := message.SplitMessage(strings.NewReader(string(m.Data)), int64(len(m.Data)))
			tcheck(t, err, "split message")
			buf := make([]byte, body.Size())
			_, err = body.ReadAt(buf, 0)
			tcheck(t, err, "read body")
			tcompare(t, string(buf), "Hello subscriber,\r\n\r\n.a line starting with a dot\r\n")
		}
	}
	tcompare(t, len(servers[0].Messages()), 1)
	tcompare(t, len(servers[1].Messages()), 1)
	tcompare(t, len(servers[2].Messages()), 2)
	for _, rcpt := range []string{"a@one.example", "b@two.example", "c@three.example", "d@three.example"} {
		r.outcome(t, rcpt, OutcomeDelivered, nil)
	}
}

func TestDisableSending(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {
				{Host: "a.example.com.", Pref: 10},
				{Host: "b.example.com.", Pref: 20},
			},
		},
		A: map[string][]string{
			"a.example.com.": {"10.0.0.1", "10.0.0.3"},
			"b.example.com.": {"10.0.0.2"},
		},
	}

	// Disabled from the start, nothing is attempted.
	dialer := newFakeDialer()
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{DisableSending: true})
	tcompare(t, d.SendingDisabled(), true)
	d.Send(context.Background(), envelope(t, "one@example.com"))
	tcompare(t, len(dialer.Dialed()), 0)
	r.outcome(t, "one@example.com", OutcomeSkipped, nil)

	// Disabled while delivering. The attempt in progress is completed, including
	// recipients after the switch. No new connection is made.
	var rejected []string
	var mu sync.Mutex
	var dd *Deliverer
	serverA := smtptest.NewServer(t, smtptest.Opts{
		Rcpt: func(to string) error {
			if to == "two@example.com" {
				mu.Lock()
				rejected = append(rejected, to)
				mu.Unlock()
				return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try again later"}
			}
			return nil
		},
		Data: func(m smtptest.Message) error {
			dd.DisableSending(true)
			return nil
		},
	})
	serverB := smtptest.NewServer(t, smtptest.Opts{})
	dialer = newFakeDialer()
	dialer.add("10.0.0.1", serverA)
	dialer.add("10.0.0.2", serverB)
	var r2 results
	dd = newDeliverer(resolver, dialer, &r2, Opts{})
	dd.Send(context.Background(), envelope(t, "one@example.com", "two@example.com"))

	tcompare(t, dialer.Dialed(), []string{"10.0.0.1:25"})
	r2.outcome(t, "one@example.com", OutcomeDelivered, nil)
	// Error of the last attempt is kept.
	r2.outcome(t, "two@example.com", OutcomeSkipped, ErrTransmission)
	tcompare(t, rejected, []string{"two@example.com"})
	tcompare(t, len(serverB.Messages()), 0)

	// Enabled again, new sends are delivered.
	dd.DisableSending(false)
	dd.Send(context.Background(), envelope(t, "three@example.com"))
	r2.outcome(t, "three@example.com", OutcomeDelivered, nil)
}

func TestTLSExceptionScope(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"a.example.": {{Host: "mx.a.example.", Pref: 10}},
			"b.example.": {{Host: "mx.b.example.", Pref: 10}},
			"c.example.": {{Host: "mx.shared.example.", Pref: 10}},
			"d.example.": {{Host: "mx.d.example.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.a.example.":      {"10.0.0.1"},
			"mx.b.example.":      {"10.0.0.2"},
			"mx.shared.example.": {"10.0.0.1"}, // Same server as a.example.
			"mx.d.example.":      {"10.0.0.4"},
		},
	}
	certA := smtptest.Cert(t, "mx.a.example")
	certB := smtptest.Cert(t, "mx.b.example")
	certD := smtptest.Cert(t, "mx.d.example")
	serverA := smtptest.NewServer(t, smtptest.Opts{TLSCert: &certA})
	serverB := smtptest.NewServer(t, smtptest.Opts{TLSCert: &certB})
	serverD := smtptest.NewServer(t, smtptest.Opts{TLSCert: &certD})
	dialer := newFakeDialer()
	dialer.add("10.0.0.1", serverA)
	dialer.add("10.0.0.2", serverB)
	dialer.add("10.0.0.4", serverD)

	// Only d's certificate is trusted through regular verification.
	roots := x509.NewCertPool()
	roots.AddCert(certD.Leaf)

	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{
		RootCAs: roots,
		TLSExceptions: smtpclient.TLSExceptions{
			"a.example": regexp.MustCompile(`CN=mx\.a\.example`),
			"b.example": regexp.MustCompile(`CN=mx\.a\.example`), // Does not match b's certificate.
		},
	})
	d.Send(context.Background(), envelope(t, "x@a.example", "y@b.example", "z@c.example", "w@d.example"))

	r.outcome(t, "x@a.example", OutcomeDelivered, nil)
	r.outcome(t, "y@b.example", OutcomeExhausted, ErrTLS)
	// Certificate would match a.example's exception, but the connection is for c.example.
	r.outcome(t, "z@c.example", OutcomeExhausted, ErrTLS)
	r.outcome(t, "w@d.example", OutcomeDelivered, nil)

	msgs := serverA.Messages()
	tcompare(t, len(msgs), 1)
	tcompare(t, msgs[0].To, []string{"x@a.example"})
	tcompare(t, msgs[0].TLS, true)
	tcompare(t, len(serverB.Messages()), 0)
	tcompare(t, serverD.Messages()[0].TLS, true)
}

func TestDKIMSigned(t *testing.T) {
	key := ed25519.NewKeyFromSeed(make([]byte, ed25519.SeedSize))
	record, err := (&dkim.Record{Version: "DKIM1", Key: "ed25519", PublicKey: key.Public()}).Record()
	tcheck(t, err, "dkim record")

	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx.example.com.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.example.com.": {"10.0.0.1"},
		},
		TXT: map[string][]string{
			"newsletter._domainkey.mox.example.": {record},
		},
	}
	server := smtptest.NewServer(t, smtptest.Opts{})
	dialer := newFakeDialer()
	dialer.add("10.0.0.1", server)
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{
		DKIMSelectors: []dkim.Selector{
			{HeaderRelaxed: true, BodyRelaxed: true, Headers: dkim.DefaultHeaders, Key: key, Domain: dns.Domain{ASCII: "newsletter"}},
		},
	})
	d.Send(context.Background(), envelope(t, "one@example.com", "two@example.com"))
	r.outcome(t, "one@example.com", OutcomeDelivered, nil)
	r.outcome(t, "two@example.com", OutcomeDelivered, nil)

	msgs := server.Messages()
	tcompare(t, len(msgs), 2)
	var sigs []string
	for _, m := range msgs {
		if !strings.HasPrefix(string(m.Data), "DKIM-Signature: ") {
			t.Fatalf("message does not start with dkim signature: %q", m.Data)
		}
		results, err := dkim.Verify(context.Background(), pkglog.Logger, resolver, strings.NewReader(string(m.Data)))
		tcheck(t, err, "dkim verify")
		tcompare(t, len(results), 1)
		if results[0].Status != dkim.StatusPass {
			t.Fatalf("dkim verify: got status %s, err %v", results[0].Status, results[0].Err)
		}
		tcompare(t, results[0].Sig.Domain, dns.Domain{ASCII: "mox.example"})

		hdr, _, err := message.SplitMessage(strings.NewReader(string(m.Data)), int64(len(m.Data)))
		tcheck(t, err, "split message")
		h, err := message.ParseHeader(hdr)
		tcheck(t, err, "parse header")
		sigs = append(sigs, h.Values("DKIM-Signature")[0])

		// Changing the recipient breaks the signature.
		changed := strings.Replace(string(m.Data), "To: <"+m.To[0]+">", "To: <other@example.com>", 1)
		results, err = dkim.Verify(context.Background(), pkglog.Logger, resolver, strings.NewReader(changed))
		tcheck(t, err, "dkim verify")
		if results[0].Status != dkim.StatusFail {
			t.Fatalf("dkim verify after changing to: got status %s, expected fail", results[0].Status)
		}
	}
	// Signature is computed per recipient.
	if sigs[0] == sigs[1] {
		t.Fatalf("same dkim signature for different recipients")
	}
}

func TestCanceled(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx.example.com.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.example.com.": {"10.0.0.1"},
		},
	}
	dialer := newFakeDialer()
	var r results
	d := newDeliverer(resolver, dialer, &r, Opts{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := envelope(t, "one@example.com")
	var closed int
	env.Close = func() error {
		closed++
		return nil
	}
	d.Send(ctx, env)
	r.outcome(t, "one@example.com", OutcomeCanceled, ErrCanceled)
	tcompare(t, len(dialer.Dialed()), 0)
	tcompare(t, closed, 1)

	// Canceled while waiting for a slow server.
	slow := smtptest.NewServer(t, smtptest.Opts{Delay: 3 * time.Second})
	dialer.add("10.0.0.1", slow)
	var r2 results
	d = newDeliverer(resolver, dialer, &r2, Opts{})
	ctx, cancel = context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	d.Send(ctx, envelope(t, "two@example.com"))
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("canceled delivery took %v", took)
	}
	r2.outcome(t, "two@example.com", OutcomeCanceled, ErrCanceled)
}

func TestMain(m *testing.M) {
	mlog.SetConfig(map[string]slog.Level{"": mlog.LevelDebug})
	m.Run()
}

// panicDialer panics when dialing addr, and otherwise dials through fakeDialer.
type panicDialer struct {
	*fakeDialer
	addr string
}

func (pd panicDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if addr == pd.addr {
		panic("dialer failure")
	}
	return pd.fakeDialer.DialContext(ctx, network, addr)
}

func TestDomainPanic(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"panic.example.": {{Host: "mx.panic.example.", Pref: 10}},
			"ok.example.":    {{Host: "mx.ok.example.", Pref: 10}},
		},
		A: map[string][]string{
			"mx.panic.example.": {"10.0.9.1"},
			"mx.ok.example.":    {"10.0.8.1"},
		},
	}
	srv := smtptest.NewServer(t, smtptest.Opts{})
	fd := newFakeDialer()
	fd.add("10.0.8.1", srv)
	var r results
	d := newDeliverer(resolver, panicDialer{fd, "10.0.9.1:25"}, &r, Opts{})

	env := envelope(t, "a@panic.example", "b@panic.example", "c@ok.example")
	var closed int
	env.Close = func() error {
		closed++
		return nil
	}
	d.Send(context.Background(), env)

	tcompare(t, closed, 1)
	r.outcome(t, "c@ok.example", OutcomeDelivered, nil)
	for _, rcpt := range []string{"a@panic.example", "b@panic.example"} {
		res := r.get(t, rcpt)
		if res.Outcome != OutcomeExhausted || res.Err == nil {
			t.Fatalf("recipient %s: got outcome %s, err %v, expected exhausted with error", rcpt, res.Outcome, res.Err)
		}
	}
	r.Lock()
	tcompare(t, len(r.l), 3)
	r.Unlock()
}
