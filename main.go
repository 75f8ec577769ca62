package main

import (
	"context"
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/mail"
	"os"
	"runtime"
	"slices"
	"sort"
	"strings"

	"github.com/mjl-/mxdeliver/config"
	"github.com/mjl-/mxdeliver/dkim"
	"github.com/mjl-/mxdeliver/dns"
	"github.com/mjl-/mxdeliver/message"
	"github.com/mjl-/mxdeliver/mlog"
	"github.com/mjl-/mxdeliver/smtp"
	"github.com/mjl-/mxdeliver/smtpclient"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"send", cmdSend},
	{"gather", cmdGather},
	{"dkim gened25519", cmdDKIMGened25519},
	{"dkim genrsa", cmdDKIMGenrsa},
	{"dkim txt", cmdDKIMTXT},
	{"dkim sign", cmdDKIMSign},
	{"dkim verify", cmdDKIMVerify},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"loglevels", cmdLoglevels},
	{"version", cmdVersion},
	{"help", cmdHelp},

	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("mxdeliver "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "mxdeliver " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "mxdeliver " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# mxdeliver %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "mxdeliver [-config mxdeliver.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"mxdeliver"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // Empty will be interpreted as the level from the config file, or info.

// mustLoadConfig loads and checks the config file, and sets the log levels from
// it. A log level from the command-line overrides the default level of the config
// file.
func mustLoadConfig() *config.Config {
	conf, errs := config.Load(mlog.New("config", nil), configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		conf.Log[""] = level
	}
	mlog.SetConfig(conf.Log)
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MXDELIVERCONF", "mxdeliver.conf"), "configuration file, defaults to $MXDELIVERCONF with a fallback to mxdeliver.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup, overriding the config file")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt format")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig is called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("mxdeliver "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func xparseDomain(s, what string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckf(err, "parsing %s %q", what, s)
	return d
}

func xparseAddress(s, what string) smtp.Address {
	a, err := smtp.ParseAddress(s)
	xcheckf(err, "parsing %s %q", what, s)
	return a
}

func cmdGather(c *cmd) {
	c.params = "domain"
	c.help = `Print the mail exchangers of a domain with their IPs, in the order delivery attempts are made.

MX records are looked up, following CNAMEs, and sorted by preference. For each
host, the IPs are looked up. Nothing is connected to.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	domain := xparseDomain(args[0], "domain")
	resolver := dns.StrictResolver{Pkg: "gather", Log: c.log.Logger}
	ctx := context.Background()

	hosts, err := smtpclient.GatherDestinations(ctx, c.log.Logger, resolver, domain)
	xcheckf(err, "gathering mail exchangers")
	for _, h := range hosts {
		ips, err := smtpclient.GatherIPs(ctx, c.log.Logger, resolver, h.Host)
		if err != nil {
			fmt.Printf("%5d %s (%v)\n", h.Pref, h.Host, err)
			continue
		}
		var l []string
		for _, ip := range ips {
			l = append(l, ip.String())
		}
		fmt.Printf("%5d %s %s\n", h.Pref, h.Host, strings.Join(l, ", "))
	}
}

func cmdDKIMGened25519(c *cmd) {
	c.params = ">$selector._domainkey.$domain.ed25519.privatekey.pkcs8.pem"
	c.help = `Generate a new ed25519 key for use with DKIM.

Ed25519 keys are much smaller than RSA keys of comparable cryptographic
strength. This is convenient because of maximum DNS message sizes. At the time
of writing, not many mail servers appear to support ed25519 DKIM keys though,
so it is recommended to sign messages with both RSA and ed25519 keys.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	_, key, err := ed25519.GenerateKey(cryptorand.Reader)
	xcheckf(err, "generating ed25519 key")
	buf, err := makeKeyPEM(key, "ed25519")
	xcheckf(err, "making dkim ed25519 key")
	_, err = os.Stdout.Write(buf)
	xcheckf(err, "writing dkim ed25519 key")
}

func cmdDKIMGenrsa(c *cmd) {
	c.params = ">$selector._domainkey.$domain.rsa2048.privatekey.pkcs8.pem"
	c.help = `Generate a new 2048 bit RSA private key for use with DKIM.

The generated file is in PEM format, and has a comment it is generated for use
with DKIM, by mxdeliver.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	key, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	xcheckf(err, "generating rsa key")
	buf, err := makeKeyPEM(key, "rsa2048")
	xcheckf(err, "making rsa private key")
	_, err = os.Stdout.Write(buf)
	xcheckf(err, "writing rsa private key")
}

// makeKeyPEM returns a PKCS#8 PEM block for key, with a note for which purpose
// it was generated.
func makeKeyPEM(key any, kind string) ([]byte, error) {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	block := &pem.Block{
		Type: "PRIVATE KEY",
		Headers: map[string]string{
			"Note": fmt.Sprintf("DKIM %s private key, generated by mxdeliver", kind),
		},
		Bytes: pkcs8,
	}
	return pem.EncodeToMemory(block), nil
}

func cmdDKIMTXT(c *cmd) {
	c.params = "<$selector._domainkey.$domain.key.pkcs8.pem"
	c.help = `Print a DKIM DNS TXT record with the public key derived from the private key read from stdin.

The DNS should be configured as a TXT record at $selector._domainkey.$domain.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	buf, err := io.ReadAll(os.Stdin)
	xcheckf(err, "reading dkim private key from stdin")
	b, _ := pem.Decode(buf)
	if b == nil {
		log.Fatalf("decoding pem: no pem block found")
	}
	privKey, err := x509.ParsePKCS8PrivateKey(b.Bytes)
	xcheckf(err, "parsing private key")

	r := dkim.Record{
		Version: "DKIM1",
		Hashes:  []string{"sha256"},
		Flags:   []string{"s"},
	}

	switch key := privKey.(type) {
	case *rsa.PrivateKey:
		r.PublicKey = key.Public()
	case ed25519.PrivateKey:
		r.PublicKey = key.Public()
		r.Key = "ed25519"
	default:
		log.Fatalf("unsupported private key type %T, must be rsa or ed25519", privKey)
	}

	record, err := r.Record()
	xcheckf(err, "making record")
	fmt.Print("<selector>._domainkey.<your.domain.> TXT ")
	for record != "" {
		s := record
		if len(s) > 100 {
			s, record = record[:100], record[100:]
		} else {
			record = ""
		}
		fmt.Printf(`"%s" `, s)
	}
	fmt.Println("")
}

func cmdDKIMVerify(c *cmd) {
	c.params = "message"
	c.help = `Verify the DKIM signatures in a message and print the results.

The message is parsed, and the DKIM-Signature headers are validated. Validation
of older messages may fail because the DNS records have been removed or changed
by now, or because the signature header may have specified an expiration time
that was passed.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	msgf, err := os.Open(args[0])
	xcheckf(err, "open message")
	defer msgf.Close()

	results, err := dkim.Verify(context.Background(), c.log.Logger, dns.StrictResolver{Pkg: "dkim", Log: c.log.Logger}, msgf)
	xcheckf(err, "dkim verify")

	for _, result := range results {
		var sigh string
		if result.Sig == nil {
			log.Printf("warning: could not parse signature")
		} else {
			sigh, err = result.Sig.Header()
			if err != nil {
				log.Printf("warning: packing signature: %s", err)
			}
		}
		var txt string
		if result.Record == nil {
			log.Printf("warning: missing DNS record")
		} else {
			txt, err = result.Record.Record()
			if err != nil {
				log.Printf("warning: packing record: %s", err)
			}
		}
		fmt.Printf("status %q, err %v\nrecord %q\nheader %s\n", result.Status, result.Err, txt, sigh)
	}
}

func cmdDKIMSign(c *cmd) {
	c.params = "message"
	c.help = `Sign a message, adding DKIM-Signature headers with the configured selectors.

The signing domain is the DKIM domain from the config file, or the domain in
the From header. The message is printed with the DKIM-Signature headers
prepended.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	conf := mustLoadConfig()
	selectors := conf.SignSelectors()
	if len(selectors) == 0 {
		log.Fatalf("no dkim selectors configured for signing")
	}

	msgf, err := os.Open(args[0])
	xcheckf(err, "open message")
	defer func() {
		if err := msgf.Close(); err != nil {
			log.Printf("closing message file: %v", err)
		}
	}()
	fi, err := msgf.Stat()
	xcheckf(err, "stat message")

	domain := conf.DKIMDomain()
	if domain.IsZero() {
		hdr, _, err := message.SplitMessage(msgf, fi.Size())
		xcheckf(err, "reading message header")
		h, err := message.ParseHeader(hdr)
		xcheckf(err, "parsing message header")
		froms := h.Values("From")
		if len(froms) != 1 {
			log.Fatalf("found %d from headers, need exactly 1", len(froms))
		}
		fromAddr, err := mail.ParseAddress(froms[0])
		xcheckf(err, "parsing address in from-header")
		domain = xparseAddress(fromAddr.Address, "address in from-header").Domain
	}

	headers, err := dkim.Sign(context.Background(), c.log.Logger, domain, selectors, msgf)
	xcheckf(err, "signing message with dkim")
	_, err = fmt.Fprint(os.Stdout, headers)
	xcheckf(err, "write headers")
	_, err = io.Copy(os.Stdout, io.NewSectionReader(msgf, 0, fi.Size()))
	xcheckf(err, "write message")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := config.Load(c.log, configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">mxdeliver.conf"
	c.help = `Prints an annotated empty configuration for use as mxdeliver.conf.

The config file is in sconf format. Indent with tabs. Comments must be on their
own line, they don't end a line. Do not escape or quote strings.
Details: https://pkg.go.dev/github.com/mjl-/sconf.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}

func cmdLoglevels(c *cmd) {
	c.help = `Print the log levels, after applying the config file and command-line flags.

By default, a single log level applies to all logging in mxdeliver. But for
each "pkg", an overriding log level can be configured in the config file.
Examples of packages: delivery, smtpclient, dkim, dns.

Valid labels: error, info, debug, trace, traceauth, tracedata.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	var pkgs []string
	for pkg := range conf.Log {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		name := pkg
		if name == "" {
			name = "(default)"
		}
		fmt.Printf("%s: %s\n", name, mlog.LevelStrings[conf.Log[pkg]])
	}
}

func cmdVersion(c *cmd) {
	c.help = "Prints this mxdeliver version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}
