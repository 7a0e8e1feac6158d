// Package smtpclient is an SMTP client for submitting a message to a mail
// server, a relay or smarthost that takes over further delivery.
//
// A session is set up with New on a connection made with Dial: the greeting is
// read, STARTTLS done when configured, and the client identifies itself with
// HELO or EHLO and authenticates with a SASL mechanism when credentials are
// configured. Deliver then submits a message, in lock step: MAIL FROM, a RCPT
// TO per recipient, DATA, and the dot-stuffed message. Any unexpected response
// ends the attempt.
//
// Canceling the context passed to New or Deliver closes the connection, and
// the pending operation returns an error wrapping ErrInterrupted.
package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mjl-/mailout/codec"
	"github.com/mjl-/mailout/dns"
	"github.com/mjl-/mailout/mlog"
	"github.com/mjl-/mailout/sasl"
	"github.com/mjl-/mailout/smtp"
	"github.com/mjl-/mailout/stub"
	"github.com/mjl-/mailout/xio"
)

var (
	MetricCommands stub.HistogramVec = stub.HistogramVecIgnore{}
	MetricPanicInc                   = func() {}
)

var (
	ErrSize                = errors.New("message too large for remote smtp server") // Server announced a maximum message size and the message exceeds it.
	ErrSMTPUTF8Unsupported = errors.New("remote smtp server does not implement smtputf8 extension, required by message")
	ErrStatus              = errors.New("remote smtp server sent unexpected response status code") // E.g. a 550 to RCPT TO.
	ErrProtocol            = errors.New("smtp protocol error")                                     // After a malformed SMTP response or inconsistent multi-line response.
	ErrTLS                 = errors.New("tls error")                                               // E.g. handshake failure, or hostname verification failed.
	ErrBotched             = errors.New("smtp connection is botched")                              // Returned for new operations after an i/o error or malformed response.
	ErrClosed              = errors.New("client is closed")
	ErrInterrupted         = errors.New("smtp session interrupted") // Context canceled, e.g. by a signal. The connection has been closed.
)

// TLSMode indicates if and how TLS is done.
type TLSMode string

const (
	// TLS immediately ("implicit TLS"), directly starting TLS on the TCP connection,
	// typically on port 465.
	TLSImmediate TLSMode = "immediate"

	// STARTTLS after the greeting and a first EHLO. The STARTTLS command is
	// always sent, even if the server does not announce support.
	TLSStartTLS TLSMode = "starttls"

	// No TLS, plain text.
	TLSNone TLSMode = "none"
)

// Client is an SMTP client that can submit messages to a mail server.
//
// Use New to make a new client.
type Client struct {
	// origConn is the original (TCP) connection. We read from/write to conn,
	// which can be a tls.Client. We close origConn instead of conn because
	// closing the TLS connection would send a TLS close notification, which may
	// block if the server isn't reading it.
	origConn        net.Conn
	conn            net.Conn
	remoteHostname  dns.Domain // For TLS with SNI and name verification.
	rootCAs         *x509.CertPool
	ignoreTLSVerify bool
	tlsConfigOpts   *tls.Config
	timeout         time.Duration

	r        *bufio.Reader
	w        *bufio.Writer
	tr       *xio.TraceReader // Kept for changing trace levels between cmd/auth/data.
	tw       *xio.TraceWriter
	log      mlog.Log
	lastlog  time.Time // For adding delta timestamps between log lines.
	cmd      string    // Active command, for generating errors and metrics.
	cmdStart time.Time // Start of command.
	tls      bool      // Whether connection is TLS protected.

	botched bool // If set, protocol is out of sync and no further commands can be sent.

	remoteHelo        string // From greeting line.
	extEcodes         bool   // Remote server supports sending enhanced status codes.
	extStartTLS       bool
	ext8bitmime       bool
	extSize           bool  // Remote server supports SIZE parameter.
	maxSize           int64 // Max size of message, if > 0.
	extSMTPUTF8       bool
	extAuthMechanisms []string
}

// Error represents a failure to submit a message.
//
// Code, Secode, Command and Line are only set for SMTP-level errors, and are
// zero values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and 5xx for
	// permanent failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes. If remote responds with
	// "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that caused
	// the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Opts influence behaviour of Client.
type Opts struct {
	TLSMode TLSMode

	// If auth is non-nil, authentication will be done with the returned sasl client.
	// The function should select the preferred mechanism. Mechanisms are in upper
	// case. The TLS connection state is present for TLS connections, and can be
	// used for the SCRAM PLUS mechanisms.
	//
	// If no mechanism is supported, a nil client and nil error can be returned, and
	// the connection will fail.
	Auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)

	// If set, TLS certificate verification errors are ignored.
	IgnoreTLSVerify bool

	// If not nil, used instead of the system default roots for TLS PKIX verification.
	RootCAs *x509.CertPool

	// If not nil, the TLS config to use instead of the default. RootCAs,
	// IgnoreTLSVerify and the remote hostname have no effect when set.
	TLSConfig *tls.Config

	// If > 0, deadline for each write and for reading each response.
	Timeout time.Duration
}

// New initializes an SMTP session on the given connection, returning a client that
// can be used to submit messages.
//
// New optionally starts TLS, reads the server greeting, does STARTTLS,
// identifies itself with HELO or EHLO and optionally authenticates. If
// successful, a client is returned on which eventually Close must be called.
// Otherwise an error is returned and the caller is responsible for closing the
// connection.
func New(ctx context.Context, elog *slog.Logger, conn net.Conn, ehloHostname, remoteHostname dns.Domain, opts Opts) (rc *Client, rerr error) {
	c := &Client{
		origConn:        conn,
		conn:            conn,
		remoteHostname:  remoteHostname,
		rootCAs:         opts.RootCAs,
		ignoreTLSVerify: opts.IgnoreTLSVerify,
		tlsConfigOpts:   opts.TLSConfig,
		timeout:         opts.Timeout,
		lastlog:         time.Now(),
		cmd:             "(none)",
	}
	c.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})

	defer c.watch(ctx, &rerr)()

	if opts.TLSMode == TLSImmediate {
		tlsconn := tls.Client(conn, c.tlsConfig())
		if err := tlsconn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("%w: tls handshake: %w", ErrTLS, err)
		}
		c.conn = tlsconn
		cs := tlsconn.ConnectionState()
		c.log.Debug("tls client handshake done",
			slog.String("version", tls.VersionName(cs.Version)),
			slog.String("ciphersuite", tls.CipherSuiteName(cs.CipherSuite)),
			slog.Any("servername", remoteHostname))
		c.tls = true
	}

	c.tr = xio.NewTraceReader(c.log, "RS: ", c.conn)
	c.r = bufio.NewReader(c.tr)
	c.tw = xio.NewTraceWriter(c.log, "LC: ", timeoutWriter{c.conn, c.timeout, c.log})
	c.w = bufio.NewWriter(c.tw)

	if err := c.hello(ctx, opts.TLSMode, ehloHostname, opts.Auth); err != nil {
		return nil, err
	}
	return c, nil
}

// watch closes the connection when ctx is canceled while the operation is
// running. The returned function must be deferred after the result is known,
// it turns the error of an interrupted operation into ErrInterrupted.
func (c *Client) watch(ctx context.Context, rerr *error) func() {
	conn := c.origConn
	stop := context.AfterFunc(ctx, func() {
		c.log.Debug("context canceled, closing connection")
		conn.Close()
	})
	return func() {
		if stop() {
			return
		}
		c.botched = true
		if *rerr != nil && !errors.Is(*rerr, ErrInterrupted) {
			*rerr = fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))
		}
	}
}

func (c *Client) tlsConfig() *tls.Config {
	if c.tlsConfigOpts != nil {
		return c.tlsConfigOpts
	}

	// We do the verification ourselves, so we can log failures we ignore.
	verifyConnection := func(cs tls.ConnectionState) error {
		opts := x509.VerifyOptions{
			DNSName:       cs.ServerName,
			Intermediates: x509.NewCertPool(),
			Roots:         c.rootCAs,
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
			if c.ignoreTLSVerify {
				c.log.Infox("verifying tls certificate failed, continuing with connection", err)
				return nil
			}
			return err
		}
		return nil
	}

	return &tls.Config{
		ServerName:         c.remoteHostname.ASCII, // For SNI.
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // VerifyConnection below is called and will do all verification.
		VerifyConnection:   verifyConnection,
	}
}

// xbotchf generates a temporary error and marks the client as botched. e.g. for
// i/o errors or invalid protocol messages.
func (c *Client) xbotchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.botchf(code, secode, firstLine, moreLines, format, args...))
}

// botchf generates a temporary error and marks the client as botched. e.g. for
// i/o errors or invalid protocol messages.
func (c *Client) botchf(code int, secode string, firstLine string, moreLines []string, format string, args ...any) error {
	c.botched = true
	return c.errorf(false, code, secode, firstLine, moreLines, format, args...)
}

func (c *Client) errorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) error {
	return Error{permanent, code, secode, c.cmd, firstLine, moreLines, fmt.Errorf(format, args...)}
}

func (c *Client) xerrorf(permanent bool, code int, secode, firstLine string, moreLines []string, format string, args ...any) {
	panic(c.errorf(permanent, code, secode, firstLine, moreLines, format, args...))
}

// timeoutWriter passes each Write on to conn after setting a write deadline on
// conn based on timeout, if set.
type timeoutWriter struct {
	conn    net.Conn
	timeout time.Duration
	log     mlog.Log
}

func (w timeoutWriter) Write(buf []byte) (int, error) {
	if w.timeout > 0 {
		if err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout)); err != nil {
			w.log.Errorx("setting write deadline", err)
		}
	}
	return w.conn.Write(buf)
}

var lines = xio.NewLinepool(8, 2*1024)

func (c *Client) readline() (string, error) {
	if c.timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			c.log.Errorx("setting read deadline", err)
		}
	}

	line, err := lines.Readline(c.log, c.r)
	if err != nil {
		return line, c.botchf(0, "", "", nil, "%s: %w", c.cmd, err)
	}
	return line, nil
}

// xtrace changes the trace level for lines read and written, for credentials
// and message data. The returned function restores the regular trace level.
func (c *Client) xtrace(level slog.Level) func() {
	c.xflush()
	c.tr.SetTrace(level)
	c.tw.SetTrace(level)
	return func() {
		c.xflush()
		c.tr.SetTrace(mlog.LevelTrace)
		c.tw.SetTrace(mlog.LevelTrace)
	}
}

func (c *Client) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Client) xwriteline(line string) {
	if _, err := fmt.Fprintf(c.w, "%s\r\n", line); err != nil {
		c.xbotchf(0, "", "", nil, "write: %w", err)
	}
	c.xflush()
}

func (c *Client) xflush() {
	if err := c.w.Flush(); err != nil {
		c.xbotchf(0, "", "", nil, "writes: %w", err)
	}
}

// command starts a new command, for errors, logging and metrics.
func (c *Client) command(cmd string) {
	c.cmd = cmd
	c.cmdStart = time.Now()
}

// read response, possibly multiline, with enhanced status codes when the server
// announced them.
func (c *Client) xread() (code int, secode, firstLine string, moreLines []string) {
	var err error
	code, secode, _, firstLine, moreLines, _, err = c.readecode(c.extEcodes)
	if err != nil {
		panic(err)
	}
	return
}

// xreadexpect reads a response and fails unless its code is of class.
func (c *Client) xreadexpect(class int) (code int, secode, firstLine string, moreLines []string) {
	code, secode, firstLine, moreLines = c.xread()
	if smtp.Class(code) != class {
		c.xerrorf(smtp.Class(code) == 5, code, secode, firstLine, moreLines, "%w: got %d, expected %dxx", ErrStatus, code, class)
	}
	return
}

// readecode reads a response, possibly multiline. If ecodes, enhanced status
// codes are parsed. A response is always read completely, also when it has an
// unexpected code, so the protocol stays in sync.
func (c *Client) readecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string, rerr error) {
	first := true
	for {
		co, sec, text, line, last, err := c.read1(ecodes)
		if first {
			firstLine = line
			first = false
		} else if line != "" {
			moreLines = append(moreLines, line)
			if text != "" {
				moreTexts = append(moreTexts, text)
			}
		}
		if err != nil {
			rerr = err
			return
		}
		if code != 0 && co != code {
			err := c.botchf(0, "", firstLine, moreLines, "%w: multiline response with different codes, previous %d, last %d", ErrProtocol, code, co)
			return 0, "", "", "", nil, nil, err
		}
		code = co
		if last {
			if code != smtp.C334ContinueAuth {
				MetricCommands.ObserveLabels(float64(time.Since(c.cmdStart))/float64(time.Second), c.cmd)
				c.log.Debug("smtpclient command result",
					slog.String("cmd", c.cmd),
					slog.Int("code", co),
					slog.String("secode", sec),
					slog.Duration("duration", time.Since(c.cmdStart)))
			}
			return co, sec, text, firstLine, moreLines, moreTexts, nil
		}
	}
}

func (c *Client) xreadecode(ecodes bool) (code int, secode, lastText, firstLine string, moreLines, moreTexts []string) {
	var err error
	code, secode, lastText, firstLine, moreLines, moreTexts, err = c.readecode(ecodes)
	if err != nil {
		panic(err)
	}
	return
}

// read single response line.
// if ecodes, extended codes are parsed.
func (c *Client) read1(ecodes bool) (code int, secode, text, line string, last bool, rerr error) {
	line, rerr = c.readline()
	if rerr != nil {
		return
	}
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		rerr = c.botchf(0, "", line, nil, "%w: expected response code: %s", ErrProtocol, line)
		return
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		rerr = c.botchf(0, "", line, nil, "%w: bad response code (%s): %s", ErrProtocol, err, line)
		return
	}
	code = int(v)
	major := code / 100
	s := line[3:]
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, " ") {
		last = s[0] == ' '
		s = s[1:]
	} else if s == "" {
		// Allow missing space.
		last = true
	} else {
		rerr = c.botchf(0, "", line, nil, "%w: expected space or dash after response code: %s", ErrProtocol, line)
		return
	}

	if ecodes {
		secode, s = parseEcode(major, s)
	}

	return code, secode, s, line, last, nil
}

// parseEcode parses an enhanced status code at the start of s, like "5.7.1 ",
// returning it without the class digit and the remaining text. If s does not
// start with an enhanced status code of class major, secode is empty.
func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}

func (c *Client) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		MetricPanicInc()
		panic(x)
	}
	*rerr = cerr
}

func (c *Client) hello(ctx context.Context, tlsMode TLSMode, ehloHostname dns.Domain, auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)) (rerr error) {
	defer c.recover(&rerr)

	// ehlo writes EHLO and parses the supported extensions.
	ehlo := func() {
		c.command("ehlo")
		c.xwritelinef("EHLO %s", ehloHostname.ASCII)
		code, _, _, firstLine, moreLines, moreTexts := c.xreadecode(false)
		if smtp.Class(code) != 2 {
			c.xerrorf(smtp.Class(code) == 5, code, "", firstLine, moreLines, "%w: expected 2xx to EHLO, got %d", ErrStatus, code)
		}
		c.extStartTLS, c.extEcodes, c.ext8bitmime, c.extSMTPUTF8, c.extSize = false, false, false, false, false
		c.maxSize = 0
		c.extAuthMechanisms = nil
		for _, s := range moreTexts {
			s = strings.ToUpper(strings.TrimSpace(s))
			switch s {
			case "STARTTLS":
				c.extStartTLS = true
			case "ENHANCEDSTATUSCODES":
				c.extEcodes = true
			case "8BITMIME":
				c.ext8bitmime = true
			default:
				// For SMTPUTF8 we must ignore any parameter.
				if s == "SMTPUTF8" || strings.HasPrefix(s, "SMTPUTF8 ") {
					c.extSMTPUTF8 = true
				} else if s == "SIZE" || strings.HasPrefix(s, "SIZE ") {
					c.extSize = true
					if v, err := strconv.ParseInt(strings.TrimPrefix(s, "SIZE "), 10, 64); err == nil {
						c.maxSize = v
					}
				} else if strings.HasPrefix(s, "AUTH ") || strings.HasPrefix(s, "AUTH=") {
					c.extAuthMechanisms = append(c.extAuthMechanisms, strings.Fields(s[len("AUTH "):])...)
				}
			}
		}
	}

	helo := func() {
		c.command("helo")
		c.xwritelinef("HELO %s", ehloHostname.ASCII)
		c.xreadexpect(2)
	}

	// Read greeting.
	c.command("(greeting)")
	code, _, _, firstLine, moreLines, _ := c.xreadecode(false)
	if smtp.Class(code) != 2 {
		c.xerrorf(smtp.Class(code) == 5, code, "", firstLine, moreLines, "%w: expected 2xx greeting, got %d", ErrStatus, code)
	}
	_, c.remoteHelo, _ = strings.Cut(firstLine, " ")

	if tlsMode == TLSStartTLS {
		ehlo()
		if !c.extStartTLS {
			c.log.Debug("server does not announce starttls, trying anyway")
		}
		c.log.Debug("starting tls client", slog.Any("servername", c.remoteHostname))
		c.command("starttls")
		c.xwriteline("STARTTLS")
		code, secode, firstLine, moreLines := c.xread()
		if smtp.Class(code) != 2 {
			c.xerrorf(smtp.Class(code) == 5, code, secode, firstLine, moreLines, "%w: STARTTLS: got %d, expected 2xx", ErrTLS, code)
		}

		// We don't want to do TLS on top of c.r because it also prints protocol
		// traces, not the TLS stream. So we do TLS on the underlying connection, but
		// make sure any bytes already read and in the buffer are used for the TLS
		// handshake.
		conn := c.conn
		if n := c.r.Buffered(); n > 0 {
			conn = &xio.PrefixConn{
				PrefixReader: io.LimitReader(c.r, int64(n)),
				Conn:         conn,
			}
		}

		nconn := tls.Client(conn, c.tlsConfig())
		c.conn = nconn

		hctx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		if err := nconn.HandshakeContext(hctx); err != nil {
			c.xbotchf(0, "", "", nil, "%w: STARTTLS TLS handshake: %s", ErrTLS, err)
		}
		c.tr = xio.NewTraceReader(c.log, "RS: ", c.conn)
		c.tw = xio.NewTraceWriter(c.log, "LC: ", timeoutWriter{c.conn, c.timeout, c.log})
		c.r = bufio.NewReader(c.tr)
		c.w = bufio.NewWriter(c.tw)

		cs := nconn.ConnectionState()
		c.log.Debug("starttls client handshake done",
			slog.Bool("ignoretlsverify", c.ignoreTLSVerify),
			slog.String("version", tls.VersionName(cs.Version)),
			slog.String("ciphersuite", tls.CipherSuiteName(cs.CipherSuite)),
			slog.Any("servername", c.remoteHostname))
		c.tls = true
	}

	// EHLO is needed for AUTH, and after TLS for a fresh list of extensions. A
	// plain session without authentication only needs HELO.
	if auth != nil || c.tls {
		ehlo()
	} else {
		helo()
	}

	if auth != nil {
		return c.auth(auth)
	}
	return
}

func (c *Client) auth(auth func(mechanisms []string, cs *tls.ConnectionState) (sasl.Client, error)) (rerr error) {
	defer c.recover(&rerr)

	c.command("auth")

	mechanisms := make([]string, len(c.extAuthMechanisms))
	for i, m := range c.extAuthMechanisms {
		mechanisms[i] = strings.ToUpper(m)
	}
	a, err := auth(mechanisms, c.TLSConnectionState())
	if err != nil {
		c.xerrorf(true, 0, "", "", nil, "get authentication mechanism: %s, server supports %s", err, strings.Join(c.extAuthMechanisms, ", "))
	} else if a == nil {
		c.xerrorf(true, 0, "", "", nil, "no matching authentication mechanisms, server supports %s", strings.Join(c.extAuthMechanisms, ", "))
	}
	name, cleartextCreds := a.Info()

	abort := func() (int, string, string, []string) {
		// Abort authentication, the server must respond with 501.
		c.xwriteline("*")
		code, secode, firstLine, moreLines := c.xread()
		if code != smtp.C501BadParamSyntax {
			c.botched = true
		}
		return code, secode, firstLine, moreLines
	}

	toserver, last, err := a.Next(nil)
	if err != nil {
		c.xerrorf(false, 0, "", "", nil, "initial step in auth mechanism %s: %w", name, err)
	}
	if cleartextCreds {
		defer c.xtrace(mlog.LevelTraceauth)()
	}
	if toserver == nil {
		c.xwriteline("AUTH " + name)
	} else if len(toserver) == 0 {
		c.xwriteline("AUTH " + name + " =")
	} else {
		c.xwriteline("AUTH " + name + " " + string(codec.B64Encode(toserver, codec.B64Single)))
	}
	for {
		if cleartextCreds && last {
			c.xtrace(mlog.LevelTrace) // Restore.
		}

		code, secode, lastText, firstLine, moreLines, _ := c.xreadecode(last && c.extEcodes)
		if smtp.Class(code) == 2 {
			if !last {
				c.xerrorf(false, code, secode, firstLine, moreLines, "server completed authentication earlier than client expected")
			}
			return nil
		} else if code == smtp.C334ContinueAuth {
			if last {
				c.xerrorf(false, code, secode, firstLine, moreLines, "server requested unexpected continuation of authentication")
			}
			if len(moreLines) > 0 {
				abort()
				c.xerrorf(false, code, secode, firstLine, moreLines, "server responded with multiline continuation")
			}
			fromserver, err := codec.B64Decode([]byte(lastText), 0)
			if err != nil {
				abort()
				c.xerrorf(false, code, secode, firstLine, moreLines, "malformed base64 data in authentication continuation response")
			}
			toserver, last, err = a.Next(fromserver)
			if err != nil {
				// For failing SCRAM, the client stops due to message about invalid proof. The
				// server still sends an authentication result.
				xcode, xsecode, xfirstLine, xmoreLines := abort()
				c.xerrorf(false, xcode, xsecode, xfirstLine, xmoreLines, "client aborted authentication: %w", err)
			}
			c.xwriteline(string(codec.B64Encode(toserver, codec.B64Single)))
		} else {
			c.xerrorf(smtp.Class(code) == 5, code, secode, firstLine, moreLines, "%w: unexpected response during authentication, expected 334 continue or 2xx success", ErrStatus)
		}
	}
}

// Supports8BITMIME returns whether the SMTP server supports the 8BITMIME
// extension, for sending data with non-ASCII bytes.
func (c *Client) Supports8BITMIME() bool {
	return c.ext8bitmime
}

// SupportsSMTPUTF8 returns whether the SMTP server supports the SMTPUTF8
// extension, needed for sending messages with UTF-8 in an address.
func (c *Client) SupportsSMTPUTF8() bool {
	return c.extSMTPUTF8
}

// TLSConnectionState returns TLS details if TLS is enabled, and nil otherwise.
func (c *Client) TLSConnectionState() *tls.ConnectionState {
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		cs := tlsConn.ConnectionState()
		return &cs
	}
	return nil
}

// Deliver submits a message to the mail server.
//
// mailFrom must be an email address, or empty for a null reverse path. Each
// rcptTo must be an email address. Recipients are tried in order, the first
// one not accepted ends the attempt without trying further recipients.
//
// If the message contains bytes with the high bit set, req8bitmime should be
// true, and BODY=8BITMIME is sent if the server supports it. Servers not
// announcing 8BITMIME get the message as is. If reqSMTPUTF8 is set, for
// addresses with non-ASCII localparts or domains, the server must support
// SMTPUTF8.
//
// msg is written with dot-stuffing and CRLF line endings. If stripBcc is set,
// Bcc header fields are left out.
//
// Returned errors can be of type Error, one of the Err-variables in this package
// or other underlying errors, e.g. for i/o. Use errors.Is to check.
func (c *Client) Deliver(ctx context.Context, mailFrom string, rcptTo []string, msgSize int64, msg io.Reader, req8bitmime, reqSMTPUTF8, stripBcc bool) (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	} else if c.botched {
		return ErrBotched
	}
	if len(rcptTo) == 0 {
		return fmt.Errorf("need at least one recipient")
	}

	defer c.watch(ctx, &rerr)()
	defer c.recover(&rerr)

	if !c.extSMTPUTF8 && reqSMTPUTF8 {
		c.xerrorf(true, 0, "", "", nil, "%w", ErrSMTPUTF8Unsupported)
	}
	if c.extSize && c.maxSize > 0 && msgSize > c.maxSize {
		c.xerrorf(true, 0, "", "", nil, "%w: message is %d bytes, remote has a %d bytes maximum size", ErrSize, msgSize, c.maxSize)
	}
	if !c.ext8bitmime && req8bitmime {
		c.log.Debug("server does not announce 8bitmime, sending 8-bit message anyway")
	}

	var mailSize, bodyType, smtputf8Arg string
	if c.extSize && msgSize > 0 {
		mailSize = fmt.Sprintf(" SIZE=%d", msgSize)
	}
	if c.ext8bitmime && req8bitmime {
		bodyType = " BODY=8BITMIME"
	}
	if reqSMTPUTF8 {
		smtputf8Arg = " SMTPUTF8"
	}

	c.command("mailfrom")
	c.xwritelinef("MAIL FROM:<%s>%s%s%s", mailFrom, mailSize, bodyType, smtputf8Arg)
	c.xreadexpect(2)

	for _, rcpt := range rcptTo {
		c.command("rcptto")
		c.xwritelinef("RCPT TO:<%s>", rcpt)
		c.xreadexpect(2)
	}

	c.command("data")
	c.xwriteline("DATA")
	c.xreadexpect(3)

	defer c.xtrace(mlog.LevelTracedata)()
	if err := smtp.DataWrite(c.w, msg, stripBcc); err != nil {
		c.xbotchf(0, "", "", nil, "writing message as smtp data: %w", err)
	}
	c.xflush()
	c.xtrace(mlog.LevelTrace) // Restore.
	c.xreadexpect(2)
	return nil
}

// Botched returns whether this connection is botched, e.g. a protocol error
// occurred and the connection is in unknown state, and cannot be used for message
// delivery.
func (c *Client) Botched() bool {
	return c.botched || c.origConn == nil
}

// Close cleans up the client, closing the underlying connection.
//
// If the connection is not botched, a QUIT command is sent and the response
// read before closing the underlying connection. The server closing the
// connection instead of responding is not an error.
//
// Close returns any error encountered during QUIT and closing.
func (c *Client) Close() (rerr error) {
	if c.origConn == nil {
		return ErrClosed
	}

	defer c.recover(&rerr)

	if !c.botched {
		c.command("quit")
		c.xwriteline("QUIT")
		if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			c.log.Infox("setting read deadline for reading quit response", err)
		} else if code, _, _, firstLine, _, _, err := c.readecode(false); err != nil {
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				rerr = fmt.Errorf("reading response to quit command: %v", err)
			}
			c.log.Debugx("reading quit response", err)
		} else if smtp.Class(code) != 2 {
			rerr = fmt.Errorf("%w: quit: %s", ErrStatus, firstLine)
		}
	}

	err := c.origConn.Close()
	if c.conn != c.origConn {
		// This is the TLS connection. Close will attempt to write a close notification.
		// But it will fail quickly because the underlying socket was closed.
		c.conn.Close()
	}
	c.origConn = nil
	c.conn = nil
	if rerr == nil {
		rerr = err
	}
	return
}
