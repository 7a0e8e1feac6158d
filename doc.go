/*
Command mailout sends mail from the command-line: it assembles MIME messages
with attachments and charset conversion, and sends them over SMTP submission,
Amazon SES or a local sendmail.

# Commands

	mailout [-config mailout.conf] [-loglevel level] ...
	mailout send [-s subject] [-c addresses] [-b addresses] [-a files] [-r from] [-batch] [-v] [-sign] address ... <text
	mailout resend [-noresent] [-n msgnum] address ... [<message]
	mailout config describe >mailout.conf
	mailout config test
	mailout sentlog list [-since duration] [-transport transport] [-limit n]
	mailout sentlog prune [-age duration]
	mailout mlist list
	mailout mlist subscribe pattern ...
	mailout mlist unsubscribe pattern ...
	mailout version
	mailout help [command ...]

When invoked as "sendmail", mailout reads a complete message from standard
input and sends it to the addresses on the command-line, or with -t to the
addresses in the message header.

The configuration file is in sconf format, see "mailout config describe". Its
default location is mailout/mailout.conf in the user configuration directory,
or the path in $MAILOUT_CONFIG.

Messages that could not be sent are saved in the dead letter file,
~/dead.letter by default, and the exit status is non-zero.

See "mailout help <command>" for details about each command.
*/
package main
