/*
Package config holds the configuration file definition for mxdeliver.

The configuration file, mxdeliver.conf, is read once at startup by the
subcommands that deliver or sign messages. Use "mxdeliver config describe" to
print an example config file with all fields and their documentation, and
"mxdeliver config test" to check a config file.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# Example

A minimal config file delivering with DKIM signatures, trusting the
self-signed certificate of the mail server of example.org. Exception patterns
match anywhere in the certificate subject, so anchor them with ^ and $:

	LogLevel: info
	Hostname: mail.example.com
	TLSExceptions:
		example.org: ^CN=mail\.example\.org$
	DKIM:
		Selectors:
			2024a:
				PrivateKeyFile: dkim/2024a.ed25519.privatekey.pkcs8.pem
		Sign:
			- 2024a
*/
package config
