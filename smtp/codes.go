// Package smtp has the SMTP protocol details shared by the client and its
// tests: reply codes, envelope addresses and the DATA encoding.
package smtp

// Reply codes, ../rfc/5321:2863
const (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235 // ../rfc/4954:573
	C250Completed    = 250

	C334ContinueAuth = 334 // ../rfc/4954:187
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452
	C454TempAuthFail   = 454 // ../rfc/4954:586

	C500BadSyntax         = 500
	C501BadParamSyntax    = 501
	C502CmdNotImpl        = 502
	C503BadCmdSeq         = 503
	C504ParamNotImpl      = 504
	C530SecurityRequired  = 530 // ../rfc/3207:148 ../rfc/4954:623
	C534AuthMechWeak      = 534 // ../rfc/4954:593
	C535AuthBadCreds      = 535 // ../rfc/4954:600
	C550MailboxUnavail    = 550
	C552MailboxFull       = 552
	C553BadMailbox        = 553
	C554TransactionFailed = 554
)

// Class returns the first digit of a reply code: 2 for success, 3 for
// intermediate, 4 for transient and 5 for permanent failure.
func Class(code int) int {
	return code / 100
}

// Short enhanced status codes, without the leading class digit and dot, as
// found in Error.Secode. ../rfc/3463
const (
	SeAddr1UnknownDestMailbox1  = "1.1"
	SeAddr1MailboxSyntax3       = "1.3"
	SeMailbox2Full2             = "2.2"
	SeMailbox2MsgLimitExceeded3 = "2.3"
	SeSys3MsgLimitExceeded4     = "3.4"
	SeProto5BadCmdOrSeq1        = "5.1"
	SeProto5Syntax2             = "5.2"
	SeProto5TooManyRcpts3       = "5.3"
	SeSec7AuthRequired0         = "7.0"  // Also "not authorized".
	SeSec7RelayDenied1          = "7.1"
	SeSec7AuthCredsInvalid8     = "7.8"
	SeSec7EncNeeded11           = "7.11"
)
