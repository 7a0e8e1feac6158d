/*
Package config holds the mailout.conf configuration file definition.

The file is in "sconf" format, see https://pkg.go.dev/github.com/mjl-/sconf.
Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely.

Run "mailout config describe" for an annotated example file with all fields.
A minimal configuration for submitting through a mail server:

	From: Mox <mox@example.org>
	SMTP: submission://mox@mail.example.org
	SMTPAuthPassword: secret
	SMTPUseStartTLS: true
	Record: /home/mox/mail/sent

Fields are also available to the delivery code by their traditional variable
names, like "from", "smtp" and "record", through the Settings interface.
Settings without a field of their own, like smime-encrypt-<address>, are set
in Variables.
*/
package config
