// Package deliver sends composed messages: it validates recipients,
// assembles the message, delivers to file and pipe addressees, signs, and
// transfers the message over SMTP, SES or a local MTA. Failed messages are
// saved as dead letter.
package deliver

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mjl-/mailout/arena"
	"github.com/mjl-/mailout/attach"
	"github.com/mjl-/mailout/buildvar"
	"github.com/mjl-/mailout/charset"
	"github.com/mjl-/mailout/config"
	"github.com/mjl-/mailout/dns"
	"github.com/mjl-/mailout/mbox"
	"github.com/mjl-/mailout/message"
	"github.com/mjl-/mailout/metrics"
	"github.com/mjl-/mailout/mlist"
	"github.com/mjl-/mailout/mlog"
	"github.com/mjl-/mailout/mta"
	"github.com/mjl-/mailout/sasl"
	"github.com/mjl-/mailout/sentlog"
	"github.com/mjl-/mailout/ses"
	"github.com/mjl-/mailout/smtpclient"
)

var (
	ErrNoRecipients = errors.New("no recipients")
	ErrExpandAddr   = errors.New("addressee not allowed by expandaddr")
	ErrSMIME        = errors.New("s/mime not available")
)

// Status is the outcome of a send.
type Status int

const (
	StatusOK         Status = iota
	StatusInputError        // Invalid input, nothing was sent or saved.
	StatusSendError         // Sending failed for some or all recipients, the message was saved as dead letter unless nosave is set.
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInputError:
		return "input error"
	case StatusSendError:
		return "send error"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// SMIME signs and encrypts messages. The message passed in is complete, with
// header. Implementations write a complete message to w.
type SMIME interface {
	Sign(ctx context.Context, w io.Writer, msg io.Reader, signer message.Address) error
	Encrypt(ctx context.Context, w io.Writer, msg io.Reader, certFile string) error
}

// Flags modify a single send.
type Flags struct {
	Batch   bool // Batch mode: wait for the MTA.
	Sign    bool // S/MIME sign, also when smime-sign is not set.
	Verbose bool // As if verbose is set.
}

// Deliverer holds the settings and collaborators for sending messages. Only
// Settings is required.
type Deliverer struct {
	Log      *slog.Logger
	Settings config.Settings

	Resolver dns.Resolver       // For dialing SMTP servers. Default dns.StrictResolver.
	Dialer   smtpclient.Dialer  // Default net.Dialer.
	RootCAs  *x509.CertPool     // For TLS verification, default system roots.
	GSSAPI   sasl.GSSAPIContext // For smtp-auth gssapi.
	SMIME    SMIME              // For smime-sign and smime-encrypt-<address>.
	SES      ses.SendEmailAPI   // Used instead of a client created from the ses settings.
	Reaper   *mta.Reaper        // For detached MTA and pipe children. Default mta.DefaultReaper.

	// Transient memory for header text, reset when Mail1 and Resend return. Text
	// from it, e.g. in an assembled header, must not be kept beyond a send. A
	// Deliverer is not safe for concurrent sends. Created on first use.
	Arena *arena.Arena

	Lists  message.ListClassifier // Default from mailing-lists setting.
	Source attach.MessageSource   // For "#N" attachments. Default the MAIL mbox.

	Now func() time.Time // Default time.Now.
}

func (d *Deliverer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// useArena creates the session arena if needed, and returns the function that
// resets it, to defer until the end of a send.
func (d *Deliverer) useArena() func() {
	if d.Arena == nil {
		d.Arena = arena.New()
	}
	return d.Arena.Reset
}

func (d *Deliverer) log(ctx context.Context) mlog.Log {
	return mlog.New("deliver", d.Log).WithContext(ctx)
}

// send is the state of one send, from validation until the result is
// recorded.
type send struct {
	d     *Deliverer
	log   mlog.Log
	flags Flags
	s     config.Settings
	start time.Time

	from      []message.Address
	sender    *message.Address
	mailFrom  string // Envelope sender.
	messageID string
	subject   string

	msg     *os.File // Assembled message, removed from the file system on close.
	msgSize int64
	has8bit bool

	failed    bool // Some delivery failed.
	errs      []error
	deadSaved bool
}

// Mail1 sends a composed message: hdr holds the recipients and header fields,
// body the message text in the locale charset. Attachments in hdr are closed
// when Mail1 returns.
//
// Recipients are validated first, invalid input gives StatusInputError without
// side effects. Otherwise the message is assembled, delivered to file and pipe
// addressees, optionally DKIM and S/MIME signed, and transferred to the email
// recipients. With "record" set, the message is appended to that mbox. On
// failure the message is saved as dead letter: the body as composed if
// assembly failed, the assembled message otherwise.
func (d *Deliverer) Mail1(ctx context.Context, hdr *message.Header, body io.ReadSeeker, flags Flags) (Status, error) {
	if hdr.Attachments != nil {
		defer func() {
			d.log(ctx).Check(hdr.Attachments.Close(), "closing attachments")
		}()
	}
	defer d.useArena()()

	s, err := d.newSend(ctx, flags)
	if err != nil {
		return StatusInputError, err
	}

	if err := s.addAuto(hdr); err != nil {
		return StatusInputError, err
	}
	rcpts := hdr.Recipients()
	if err := s.validate(rcpts); err != nil {
		return StatusInputError, err
	}
	s.subject = hdr.Subject

	opts, err := s.assembleOptions(ctx)
	if err != nil {
		return StatusInputError, err
	}

	// From here on, failures save a dead letter.
	if err := s.createMsg(); err != nil {
		s.deadLetter(body)
		return StatusSendError, err
	}
	defer s.closeMsg()

	offset, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return StatusSendError, fmt.Errorf("body offset: %w", err)
	}
	res, err := message.Assemble(ctx, s.log.Logger, s.msg, hdr, body, opts)
	if err != nil {
		s.log.Errorx("assembling message", err)
		if _, serr := body.Seek(offset, io.SeekStart); serr != nil {
			s.log.Errorx("seeking body for dead letter", serr)
		} else {
			s.deadLetter(body)
		}
		return StatusSendError, err
	}
	s.msgSize = res.Size
	s.has8bit = res.Has8bit
	s.messageID = res.MessageID
	if res.Sender != nil {
		s.mailFrom = res.Sender.Addr
	}

	return s.finish(ctx, rcpts, true)
}

// Resend sends an existing message to recipients, as is or with Resent-*
// header fields, over the same transports as Mail1. The message is not
// recorded.
func (d *Deliverer) Resend(ctx context.Context, msg io.Reader, recipients []message.Address, addResent bool) (Status, error) {
	defer d.useArena()()

	s, err := d.newSend(ctx, Flags{})
	if err != nil {
		return StatusInputError, err
	}
	if err := s.validate(recipients); err != nil {
		return StatusInputError, err
	}

	if err := s.createMsg(); err != nil {
		return StatusSendError, err
	}
	defer s.closeMsg()

	res, err := message.Resend(s.msg, msg, recipients, message.ResendOptions{
		Now:              s.start,
		AddResent:        addResent,
		From:             s.from,
		Sender:           s.sender,
		Hostname:         s.s.String("hostname"),
		MessageIDDisable: s.s.Bool("message-id-disable"),
		StealthMUA:       s.s.String("stealthmua"),
		DispositionNotif: s.s.Bool("disposition-notification-send"),
	})
	if err != nil {
		s.log.Errorx("preparing message for resend", err)
		s.deadLetterMsg()
		return StatusSendError, err
	}
	s.msgSize = res.Size
	s.has8bit = res.Has8bit
	s.messageID = res.MessageID
	if res.Sender != nil {
		s.mailFrom = res.Sender.Addr
	}
	return s.finish(ctx, recipients, false)
}

func (d *Deliverer) newSend(ctx context.Context, flags Flags) (*send, error) {
	s := &send{
		d:     d,
		log:   d.log(ctx),
		flags: flags,
		s:     d.Settings,
		start: d.now(),
	}
	if flags.Verbose {
		s.s = config.Overlay{Map: config.Map{"verbose": "yes"}, Base: d.Settings}
	}

	var err error
	s.from, err = message.ParseAddressList(s.s.String("from"))
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if v := s.s.String("sender"); v != "" {
		a, err := message.ParseAddress(v)
		if err != nil {
			return nil, fmt.Errorf("sender: %w", err)
		}
		s.sender = &a
	}
	if len(s.from) > 1 && s.sender == nil {
		return nil, message.ErrSenderRequired
	}
	return s, nil
}

// assembleOptions returns the options for message.Assemble from the settings.
func (s *send) assembleOptions(ctx context.Context) (message.Options, error) {
	replyTo, err := message.ParseAddressList(s.s.String("replyto"))
	if err != nil {
		return message.Options{}, fmt.Errorf("replyto: %w", err)
	}
	var alternates []string
	alts, err := message.ParseAddressList(s.s.String("alternates"))
	if err != nil {
		return message.Options{}, fmt.Errorf("alternates: %w", err)
	}
	for _, a := range alts {
		alternates = append(alternates, a.Addr)
	}
	enc, err := message.ParseEncoding(s.s.String("encoding"))
	if err != nil {
		return message.Options{}, err
	}

	locale := s.s.String("ttycharset")
	opts := message.Options{
		Now:              s.start,
		From:             s.from,
		Sender:           s.sender,
		ReplyTo:          replyTo,
		Organization:     s.s.String("ORGANIZATION"),
		Alternates:       alternates,
		Hostname:         s.s.String("hostname"),
		MessageIDDisable: s.s.Bool("message-id-disable"),
		StealthMUA:       s.s.String("stealthmua"),
		UserAgent:        buildvar.UserAgent(),
		BSDCompat:        s.s.Bool("bsdcompat"),
		FollowupTo:       s.s.Bool("followup-to"),
		DispositionNotif: s.s.Bool("disposition-notification-send"),
		Encoding:         enc,
		Signature:        s.s.String("signature"),
		LocaleCharset:    locale,
		Charsets:         charset.NewIterator(charset.Candidates(s.s.String("sendcharsets"), s.s.String("charset-8bit"), locale)...),
		Lists:            s.d.Lists,
		Source:           s.d.Source,
		Arena:            s.d.Arena,
	}
	if opts.Lists == nil {
		if p := s.s.String("mailing-lists"); p != "" {
			l, err := mlist.Load(attach.ExpandPath(p))
			if err != nil {
				return message.Options{}, err
			}
			opts.Lists = l.Classify
		}
	}
	if opts.Source == nil {
		p := s.s.String("MAIL")
		if p == "" {
			p = os.Getenv("MAIL")
		}
		if p != "" {
			f, err := mbox.Open(attach.ExpandPath(p))
			if err != nil {
				s.log.Infox("opening mailbox for message references", err, slog.String("path", p))
			} else {
				opts.Source = f
			}
		}
	}
	return opts, nil
}

// createMsg creates the temporary file for the assembled message.
func (s *send) createMsg() error {
	f, err := os.CreateTemp("", "mailout-msg-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for message: %w", err)
	}
	s.msg = f
	return nil
}

// closeMsg closes and removes the message file. Detached children have their
// own file descriptors.
func (s *send) closeMsg() {
	name := s.msg.Name()
	s.log.Check(s.msg.Close(), "closing message file")
	s.log.Check(os.Remove(name), "removing message file")
}

// openMsg opens the message file for reading from the start, with its own
// file offset, for a transport or child process.
func (s *send) openMsg() (*os.File, error) {
	f, err := os.Open(s.msg.Name())
	if err != nil {
		return nil, fmt.Errorf("opening message file: %w", err)
	}
	return f, nil
}

// replaceMsg replaces the message with the output of fn, e.g. for signing.
func (s *send) replaceMsg(fn func(w io.Writer, msg io.Reader) error) error {
	msgf, err := s.openMsg()
	if err != nil {
		return err
	}
	defer msgf.Close()

	f, err := os.CreateTemp("", "mailout-msg-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for message: %w", err)
	}
	if err := fn(f, msgf); err != nil {
		name := f.Name()
		s.log.Check(f.Close(), "closing message file")
		s.log.Check(os.Remove(name), "removing message file")
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat new message file: %w", err)
	}
	s.closeMsg()
	s.msg = f
	s.msgSize = fi.Size()
	return nil
}

// finish delivers the assembled message to rcpts, records it if record is
// set, and saves a dead letter on failure.
func (s *send) finish(ctx context.Context, rcpts []message.Address, record bool) (Status, error) {
	rcpts = s.outof(ctx, rcpts)
	if s.failed {
		s.deadLetterMsg()
	}

	if len(rcpts) > 0 {
		if err := s.prepare(ctx); err != nil {
			s.fail("prepare", err)
		} else {
			s.transfer(ctx, rcpts)
		}
	}

	if record {
		if p := s.s.String("record"); p != "" {
			if err := s.appendMbox(s.expandFolder(p)); err != nil {
				s.log.Errorx("recording message", err, slog.String("record", p))
				s.fail("record", err)
			}
		}
	}

	if s.failed {
		s.deadLetterMsg()
		s.writeMetrics()
		return StatusSendError, errors.Join(s.errs...)
	}
	s.writeMetrics()
	return StatusOK, nil
}

// prepare DKIM and S/MIME signs the message, if configured.
func (s *send) prepare(ctx context.Context) error {
	if key := s.s.String("dkim-key"); key != "" {
		if err := s.dkimSign(key, s.s.String("dkim-domain"), s.s.String("dkim-selector")); err != nil {
			return fmt.Errorf("dkim signing: %w", err)
		}
	}
	if s.flags.Sign || s.s.Bool("smime-sign") {
		if s.d.SMIME == nil {
			return fmt.Errorf("%w: cannot sign", ErrSMIME)
		}
		if s.mailFrom == "" {
			return fmt.Errorf("s/mime signing requires a from address")
		}
		signer := message.Address{Addr: s.mailFrom}
		err := s.replaceMsg(func(w io.Writer, msg io.Reader) error {
			return s.d.SMIME.Sign(ctx, w, msg, signer)
		})
		if err != nil {
			return fmt.Errorf("s/mime signing: %w", err)
		}
	}
	return nil
}

// fail registers a failed step.
func (s *send) fail(what string, err error) {
	s.failed = true
	s.errs = append(s.errs, fmt.Errorf("%s: %w", what, err))
}

func (s *send) appendMbox(path string) error {
	f, err := s.openMsg()
	if err != nil {
		return err
	}
	defer f.Close()
	return mbox.Append(path, s.mailFrom, s.start, f)
}

// deadLetterMsg saves the assembled message as dead letter, once.
func (s *send) deadLetterMsg() {
	if s.msg == nil {
		return
	}
	f, err := s.openMsg()
	if err != nil {
		s.log.Errorx("opening message for dead letter", err)
		return
	}
	defer f.Close()
	s.deadLetter(f)
}

// deadLetter appends r verbatim to the dead letter file, unless nosave is set.
// Only the first call for a send saves.
func (s *send) deadLetter(r io.Reader) {
	if s.s.Bool("nosave") {
		return
	}
	if s.deadSaved {
		return
	}
	s.deadSaved = true

	p := s.s.String("DEAD")
	if p == "" {
		p = "~/dead.letter"
	}
	p = attach.ExpandPath(p)
	if err := appendFile(p, r); err != nil {
		s.log.Errorx("saving dead letter", err, slog.String("path", p))
		return
	}
	metrics.DeadLetterInc()
	s.log.Info("message saved as dead letter", slog.String("path", p))
}

func appendFile(path string, r io.Reader) (rerr error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return err
	}
	defer func() {
		err := f.Close()
		if rerr == nil {
			rerr = err
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

// attempt logs a delivery attempt to the sent log, and counts it.
func (s *send) attempt(ctx context.Context, transport string, rcpts []string, start time.Time, err error) {
	result := "ok"
	if errors.Is(err, context.Canceled) || errors.Is(err, smtpclient.ErrInterrupted) {
		result = "interrupted"
	} else if err != nil {
		result = "error"
	}
	metrics.DeliverInc(transport, result)

	p := s.s.String("sentlog")
	if p == "" {
		return
	}
	db, oerr := sentlog.Open(ctx, s.log.Logger, attach.ExpandPath(p))
	if oerr != nil {
		s.log.Errorx("opening sent log", oerr)
		return
	}
	defer func() {
		s.log.Check(db.Close(), "closing sent log")
	}()
	a := &sentlog.Attempt{
		Time:       start,
		Transport:  transport,
		MailFrom:   s.mailFrom,
		Recipients: rcpts,
		MessageID:  s.messageID,
		Subject:    s.subject,
		Size:       s.msgSize,
		Result:     result,
		Duration:   time.Since(start),
	}
	if err != nil {
		a.Error = err.Error()
	}
	if aerr := db.Add(context.WithoutCancel(ctx), a); aerr != nil {
		s.log.Errorx("adding attempt to sent log", aerr)
	}
}

func (s *send) writeMetrics() {
	if p := s.s.String("metrics-textfile"); p != "" {
		err := metrics.WriteTextfile(attach.ExpandPath(p))
		s.log.Check(err, "writing metrics textfile", slog.String("path", p))
	}
}
