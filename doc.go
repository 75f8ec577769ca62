/*
Command mxdeliver delivers messages directly to the mail exchangers of the
recipient domains, without a relay.

  - Concurrent delivery to all recipient domains, trying MX hosts in order of
    preference and their IPs in order.
  - Opportunistic STARTTLS, with per-domain exceptions for certificates that
    cannot be verified.
  - Per-recipient message copies with rewritten From and To headers, optionally
    DKIM-signed with ed25519 and/or RSA keys.
  - Prometheus metrics and structured logging.

# Commands

	mxdeliver [-config mxdeliver.conf] [-loglevel level] ...
	mxdeliver send -from address [-name name] message rcpt ...
	mxdeliver gather domain
	mxdeliver dkim gened25519 >$selector._domainkey.$domain.ed25519.privatekey.pkcs8.pem
	mxdeliver dkim genrsa >$selector._domainkey.$domain.rsa2048.privatekey.pkcs8.pem
	mxdeliver dkim txt <$selector._domainkey.$domain.key.pkcs8.pem
	mxdeliver dkim sign message
	mxdeliver dkim verify message
	mxdeliver config test
	mxdeliver config describe >mxdeliver.conf
	mxdeliver loglevels
	mxdeliver version
	mxdeliver help [command ...]

Run "mxdeliver help command" for details about a command.

# Delivery

The message file must be a complete message with header, preferably with CRLF
line endings. Recipients are grouped by domain. For each domain, the MX
records are looked up (following CNAMEs). A domain without MX records, or with
a null MX record, is not delivered to; there is no fallback to the A/AAAA
records of the domain. For each MX host, in order of preference, its IPs are
looked up and connected to in order. All recipients not yet delivered are
attempted on each connection. A recipient failing on one host is attempted on
the next.

Each attempt is logged. When all domains are done, a line per recipient is
printed with the outcome. Failed deliveries are not retried later.
*/
package main
