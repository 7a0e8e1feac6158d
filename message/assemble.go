package message

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/mailout/arena"
	"github.com/mjl-/mailout/attach"
	"github.com/mjl-/mailout/charset"
	"github.com/mjl-/mailout/codec"
	"github.com/mjl-/mailout/mlog"
)

// ErrSenderRequired is returned when From has multiple addresses but no Sender
// is known.
var ErrSenderRequired = errors.New("sender required with multiple from addresses")

// Preamble of multipart messages, for readers without MIME support.
const Preamble = "This is a multi-part message in MIME format.\n"

// Options are the settings for assembling a message, typically from the
// configuration file.
type Options struct {
	Now time.Time // Zero means the current time.

	From         []Address // Default From.
	Sender       *Address  // Default Sender.
	ReplyTo      []Address // Default Reply-To.
	Organization string    // Default Organization.
	Alternates   []string  // Own addresses, besides From, removed from Mail-Followup-To.

	Hostname         string // For Message-ID.
	MessageIDDisable bool
	StealthMUA       string // If set, no User-Agent. Unless "noagent", no Message-ID either.
	UserAgent        string // E.g. "mailout v0.1".

	BSDCompat        bool // Cc and Bcc after Subject.
	FollowupTo       bool // Always consider adding Mail-Followup-To.
	DispositionNotif bool // Add Disposition-Notification-To.

	Encoding      Encoding          // For 8-bit text. Empty is quoted-printable.
	Signature     string            // File appended to text bodies. Optional.
	LocaleCharset string            // Charset of body text and attachments. Empty is UTF-8.
	Charsets      *charset.Iterator // Candidate output charsets. Nil uses the default list.
	Lists         ListClassifier    // For Mail-Followup-To. Optional.
	Source        attach.MessageSource
	Arena         *arena.Arena // For header text. Optional.
	MaxSize       int64        // Maximum message size, zero for no limit.
}

// Result describes an assembled message.
type Result struct {
	Charset   string   // Charset of the text body, empty for binary bodies.
	Encoding  Encoding // Of the body.
	MessageID string   // Including <>, empty if none was added.
	Sender    *Address // Sender, or single From address. For the envelope and signing.
	Has8bit   bool
	Size      int64
	Multipart bool
}

// File is the output of Assemble, typically an *os.File.
type File interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// assembler holds the state of one message assembly.
type assembler struct {
	log      mlog.Log
	ctx      context.Context
	hdr      *Header
	opts     Options
	now      time.Time
	locale   string
	enc      Encoding
	from     []Address
	sender   *Address // Sender header.
	envelope *Address // Sender, or the only From address.
	msgID    string
	boundary string

	body      io.ReadSeeker
	bodyClass Class
	signature []byte
	atts      []*attach.Attachment
	attClass  []Class

	// Per attempt.
	cs   string
	conv *charset.Converter // Header text from UTF-8 to cs, nil when cs is UTF-8.
}

// Assemble writes a complete message to out: header, and the body with
// attachments as MIME parts. Body is text in the locale charset. Text is
// converted to a charset from the candidate list: each candidate is tried in
// turn, rewriting out from the start, until one can represent all text. If none
// can, an error wrapping charset.ErrExhausted is returned. Lines in out end
// with LF.
func Assemble(ctx context.Context, elog *slog.Logger, out File, hdr *Header, body io.ReadSeeker, opts Options) (Result, error) {
	log := mlog.New("message", elog).WithContext(ctx)

	a := &assembler{
		log:    log,
		ctx:    ctx,
		hdr:    hdr,
		opts:   opts,
		now:    opts.Now,
		locale: opts.LocaleCharset,
		body:   body,
	}
	if a.now.IsZero() {
		a.now = time.Now()
	}
	if a.locale == "" {
		a.locale = charset.Charset8bit
	}
	a.enc = opts.Encoding
	if a.enc == "" {
		a.enc = EncQP
	}

	a.from = hdr.From
	if len(a.from) == 0 {
		a.from = opts.From
	}
	a.sender = hdr.Sender
	if a.sender == nil {
		a.sender = opts.Sender
	}
	if len(a.from) > 1 && a.sender == nil {
		return Result{}, ErrSenderRequired
	}
	if a.sender != nil {
		a.envelope = a.sender
	} else if len(a.from) == 1 {
		a.envelope = &a.from[0]
	}

	if err := a.prepare(); err != nil {
		return Result{}, err
	}

	if !opts.MessageIDDisable && (opts.StealthMUA == "" || strings.EqualFold(opts.StealthMUA, "noagent")) {
		a.msgID = MessageID(a.now, opts.Hostname, a.envelope)
	}
	if len(a.atts) > 0 {
		a.boundary = a.sprintf("=_%s=_", randString(24))
	}

	it := opts.Charsets
	if it == nil {
		it = charset.NewIterator(charset.Candidates("", "", a.locale)...)
	}
	it.Reset(hdr.Charset)

	// Outside the checkpoint of an attempt, a failed attempt releases its memory.
	var tried string
	var r Result
	cs, err := charset.Negotiate(log, it, body, func(cs string) error {
		if ar := a.opts.Arena; ar != nil {
			tried = ar.Save2Str(cs, tried)
		} else {
			tried = strings.TrimSpace(tried + " " + cs)
		}
		var err error
		r, err = a.attempt(out, cs)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	log.Debug("message assembled",
		slog.String("charset", cs),
		slog.String("tried", tried),
		slog.Int64("size", r.Size),
		slog.Int("attachments", len(a.atts)))
	return r, nil
}

// prepare classifies the body and attachments.
func (a *assembler) prepare() error {
	offset, err := a.body.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("get body offset: %w", err)
	}
	if a.opts.Signature != "" {
		a.signature, err = os.ReadFile(attach.ExpandPath(a.opts.Signature))
		if err != nil {
			return fmt.Errorf("reading signature: %w", err)
		}
	}
	classify := func(r io.Reader) (Class, error) {
		class, err := Classify(r)
		if err != nil {
			return Class{}, fmt.Errorf("reading body: %w", err)
		}
		if _, err := a.body.Seek(offset, io.SeekStart); err != nil {
			return Class{}, fmt.Errorf("seek to start of body: %w", err)
		}
		return class, nil
	}
	a.bodyClass, err = classify(a.body)
	if err != nil {
		return err
	}
	// Only text bodies get the signature.
	if len(a.signature) > 0 && a.bodyClass.Binary() {
		a.signature = nil
	} else if len(a.signature) > 0 {
		a.bodyClass, err = classify(io.MultiReader(a.body, bytes.NewReader(a.signature)))
		if err != nil {
			return err
		}
	}

	if a.hdr.Attachments != nil {
		a.atts = a.hdr.Attachments.All()
	}
	a.attClass = make([]Class, len(a.atts))
	for i, att := range a.atts {
		if att.IsMessage() {
			continue
		}
		f, err := att.Open()
		if err != nil {
			return fmt.Errorf("open attachment %s: %w", att.Name, err)
		}
		a.attClass[i], err = Classify(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("reading attachment %s: %w", att.Name, err)
		}
	}
	return nil
}

// attempt writes the message with cs as charset for 8-bit text.
func (a *assembler) attempt(out File, cs string) (rr Result, rerr error) {
	if err := a.ctx.Err(); err != nil {
		return Result{}, err
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("seek to start of message file: %w", err)
	}
	if err := out.Truncate(0); err != nil {
		return Result{}, fmt.Errorf("truncate message file: %w", err)
	}

	if ar := a.opts.Arena; ar != nil {
		cp := ar.Hold()
		defer func() {
			if rerr != nil {
				ar.Relax(cp)
			} else {
				ar.Release(cp)
			}
		}()
	}

	canon, err := charset.Canonical(cs)
	if err != nil {
		// Unusable candidate, try the next.
		return Result{}, fmt.Errorf("%w: %v", charset.ErrUnrepresentable, err)
	}
	a.cs = canon
	a.conv = nil
	if canon != charset.Charset8bit {
		conv, err := charset.Open(charset.Charset8bit, canon)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", charset.ErrUnrepresentable, err)
		}
		defer conv.Close()
		a.conv = conv
	}

	c := NewComposer(out, a.opts.MaxSize)
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok && errors.Is(err, ErrCompose) {
			rerr = err
			return
		}
		panic(x)
	}()

	r := Result{MessageID: a.msgID, Sender: a.envelope, Multipart: len(a.atts) > 0}
	a.writeHeader(c, &r)
	if len(a.atts) == 0 {
		if a.bodyClass.Size > 0 {
			a.writeBody(c, r)
		}
	} else {
		c.WriteString(Preamble)
		if a.bodyClass.Size > 0 {
			c.WriteString("\n--" + a.boundary + "\n")
			a.contentType(c, r.bodyType(), r.Charset)
			c.Header("Content-Transfer-Encoding", string(r.Encoding))
			c.Header("Content-Disposition", "inline")
			c.Line()
			a.writeBody(c, r)
		}
		for i, att := range a.atts {
			if err := a.ctx.Err(); err != nil {
				c.Checkf(err, "writing attachments")
			}
			if att.IsMessage() {
				a.writeMessagePart(c, att)
			} else {
				a.writeFilePart(c, att, a.attClass[i])
			}
		}
		c.WriteString("\n--" + a.boundary + "--\n")
	}
	c.Flush()

	r.Has8bit = c.Has8bit
	r.Size = c.Size
	return r, nil
}

// bodyType is the content-type of the body: text, unless it is binary.
func (r Result) bodyType() string {
	if r.Charset == "" {
		return "application/octet-stream"
	}
	return "text/plain"
}

func (a *assembler) contentType(c *Composer, ct, cs string) {
	if cs != "" {
		ct += "; charset=" + cs
	}
	c.Header("Content-Type", ct)
}

// hdrConv converts header text, UTF-8 in Go, to the charset of the attempt.
func (a *assembler) hdrConv(s string) ([]byte, error) {
	if a.conv == nil {
		return []byte(s), nil
	}
	return a.conv.Bytes([]byte(s))
}

// encodeText returns header text with non-ASCII words as encoded words.
func (a *assembler) encodeText(c *Composer, s string) string {
	s = norm.NFC.String(s)
	v, err := codec.EncodeWords(a.cs, s, a.hdrConv)
	c.Checkf(err, "encoding header text")
	return v
}

// cat concatenates in the arena, if set. The result is only valid until the
// arena is reset or relaxed.
func (a *assembler) cat(s1, s2 string) string {
	if ar := a.opts.Arena; ar != nil {
		return ar.SaveCat(s1, s2)
	}
	return s1 + s2
}

func (a *assembler) sprintf(format string, args ...any) string {
	if ar := a.opts.Arena; ar != nil {
		return ar.Sprintf(format, args...)
	}
	return fmt.Sprintf(format, args...)
}

// displayName returns the display name in a form that can be used in an
// address header: as is, quoted, or as encoded word.
func (a *assembler) displayName(c *Composer, name string) string {
	name = norm.NFC.String(name)
	if !codec.HeaderSafe(name) {
		buf, err := a.hdrConv(name)
		c.Checkf(err, "encoding display name")
		return codec.EncodeWord(a.cs, buf)
	}
	if strings.ContainsAny(name, "()<>[]:;@\\,.\"") {
		return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
	}
	return name
}

// addrs writes an address header field. File and pipe addressees are skipped.
// Nothing is written if no address remains.
func (a *assembler) addrs(c *Composer, key string, l []Address) {
	var hw *HeaderWriter
	for _, addr := range l {
		if addr.IsFileOrPipe() {
			continue
		}
		if hw == nil {
			hw = NewHeaderWriter(a.opts.Arena, key)
		}
		s := addr.Addr
		if addr.Name != "" {
			s = a.cat(a.displayName(c, addr.Name), " <"+addr.Addr+">")
		}
		hw.Addrs(s)
	}
	if hw != nil {
		c.WriteString(hw.String())
	}
}

func (a *assembler) writeHeader(c *Composer, r *Result) {
	hdr := a.hdr
	c.Header("Date", a.now.Format(time.RFC1123Z))
	a.addrs(c, "From", a.from)
	if a.sender != nil {
		a.addrs(c, "Sender", []Address{*a.sender})
	}
	org := hdr.Organization
	if org == "" {
		org = a.opts.Organization
	}
	if org != "" {
		c.Header("Organization", a.encodeText(c, org))
	}
	a.addrs(c, "To", hdr.To)
	if !a.opts.BSDCompat {
		a.addrs(c, "Cc", hdr.Cc)
		a.addrs(c, "Bcc", hdr.Bcc)
	}
	if hdr.Subject != "" {
		hw := NewHeaderWriter(a.opts.Arena, "Subject")
		sub, re := TrimRe(hdr.Subject)
		if re {
			hw.Raw("Re:")
		}
		if sub != "" {
			hw.Words(a.encodeText(c, sub))
		}
		c.WriteString(hw.String())
	}
	if a.opts.BSDCompat {
		a.addrs(c, "Cc", hdr.Cc)
		a.addrs(c, "Bcc", hdr.Bcc)
	}
	if a.msgID != "" {
		c.Header("Message-ID", a.msgID)
	}
	if len(hdr.References) > 0 {
		hw := NewHeaderWriter(a.opts.Arena, "References")
		for _, ref := range hdr.References {
			hw.Words(ref)
		}
		c.WriteString(hw.String())
		c.Header("In-Reply-To", hdr.References[len(hdr.References)-1])
	}
	replyTo := hdr.ReplyTo
	if len(replyTo) == 0 {
		replyTo = a.opts.ReplyTo
	}
	a.addrs(c, "Reply-To", replyTo)
	if mft := a.followupTo(); len(mft) > 0 {
		a.addrs(c, "Mail-Followup-To", mft)
	}
	if a.opts.DispositionNotif && a.envelope != nil {
		c.Header("Disposition-Notification-To", a.envelope.Addr)
	}
	if a.opts.StealthMUA == "" && a.opts.UserAgent != "" {
		c.Header("User-Agent", a.opts.UserAgent)
	}

	c.Header("MIME-Version", "1.0")
	// Text that is 7-bit needs no conversion, in any charset we send.
	switch {
	case a.bodyClass.Binary():
		r.Encoding = EncBase64
	case !a.bodyClass.Has8bit:
		r.Charset = charset.Charset7bit
		r.Encoding = a.bodyClass.Encoding(a.enc)
	default:
		r.Charset = a.cs
		r.Encoding = a.bodyClass.Encoding(a.enc)
	}
	if len(a.atts) > 0 {
		c.WriteString("Content-Type: multipart/mixed;\n boundary=\"" + a.boundary + "\"\n")
	} else {
		a.contentType(c, r.bodyType(), r.Charset)
		c.Header("Content-Transfer-Encoding", string(r.Encoding))
	}
	for _, f := range hdr.Custom {
		c.Header(f.Key, a.encodeText(c, f.Value))
	}
	c.Line()
}

// writeBody writes the body text with the signature, converted to the charset
// and encoded as in r, ending with a newline.
func (a *assembler) writeBody(c *Composer, r Result) {
	pw := c.PartWriter(r.Encoding)
	src := io.MultiReader(a.body, bytes.NewReader(a.signature))
	var to string
	if a.bodyClass.Has8bit && !a.bodyClass.Binary() {
		to = r.Charset
	}
	err := copyText(pw, src, a.locale, to)
	c.Checkf(err, "writing body")
	c.Checkf(pw.Close(), "finishing body")
}

// copyText copies src to w, converting from charset "from" to "to" when both are
// set and differ.
func copyText(w io.Writer, src io.Reader, from, to string) error {
	if from == "" || to == "" || strings.EqualFold(from, to) {
		_, err := io.Copy(w, src)
		return err
	}
	conv, err := charset.Open(from, to)
	if err != nil {
		return err
	}
	defer conv.Close()
	return conv.Convert(w, src)
}

func (a *assembler) writeMessagePart(c *Composer, att *attach.Attachment) {
	if a.opts.Source == nil {
		c.Checkf(attach.ErrBadMessageRef, "attaching message %s", att.Name)
	}
	c.WriteString("\n--" + a.boundary + "\n")
	c.Header("Content-Type", "message/rfc822")
	c.Header("Content-Disposition", "inline")
	if att.Description != "" {
		c.Header("Content-Description", a.encodeText(c, att.Description))
	}
	c.Line()
	rc, err := a.opts.Source.Message(att.MsgNum)
	c.Checkf(err, "get message %s", att.Name)
	defer rc.Close()
	nw := &nlWriter{w: c}
	_, err = io.Copy(nw, rc)
	c.Checkf(err, "copying message %s", att.Name)
	c.Checkf(nw.Close(), "finishing message %s", att.Name)
}

// filename returns the quoted filename parameter value, with non-ASCII names as
// encoded words.
func (a *assembler) filename(c *Composer, name string) string {
	if !codec.HeaderSafe(name) {
		name = a.encodeText(c, name)
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(name) + `"`
}

func (a *assembler) writeFilePart(c *Composer, att *attach.Attachment, class Class) {
	ct := strings.ToLower(att.ContentType)
	if ct == "" {
		ct = "application/octet-stream"
	}
	isText := strings.HasPrefix(ct, "text/")

	var cs, from, to string
	var enc Encoding
	switch {
	case isText && class.Binary():
		ct = "application/octet-stream"
		enc = EncBase64
	case isText:
		enc = class.Encoding(a.enc)
		switch att.Mode {
		case attach.ModeTempFile:
			cs = att.OutputCharset
		case attach.ModeFixInput:
			cs = att.InputCharset
		case attach.ModeFixOutput:
			cs, from, to = att.OutputCharset, orLocale(att.InputCharset, a.locale), att.OutputCharset
		default:
			if class.Has8bit {
				cs, from, to = a.cs, orLocale(att.InputCharset, a.locale), a.cs
			} else {
				cs = charset.Charset7bit
			}
		}
	case strings.HasPrefix(ct, "message/"):
		enc = Enc7bit
		if class.Has8bit {
			enc = Enc8bit
		}
	default:
		enc = EncBase64
	}

	c.WriteString("\n--" + a.boundary + "\n")
	if cs != "" {
		if canon, err := charset.Canonical(cs); err == nil {
			cs = canon
		}
	}
	a.contentType(c, ct, cs)
	c.Header("Content-Transfer-Encoding", string(enc))
	disp := att.Disposition
	if disp == "" {
		disp = "attachment"
	}
	c.WriteString("Content-Disposition: " + disp + ";\n filename=" + a.filename(c, att.Name) + "\n")
	if att.ContentID != "" {
		cid := att.ContentID
		if !strings.HasPrefix(cid, "<") {
			cid = "<" + cid + ">"
		}
		c.Header("Content-ID", cid)
	}
	if att.Description != "" {
		c.Header("Content-Description", a.encodeText(c, att.Description))
	}
	c.Line()

	f, err := att.Open()
	c.Checkf(err, "open attachment %s", att.Name)
	defer f.Close()
	pw := c.PartWriter(enc)
	err = copyText(pw, f, from, to)
	if err != nil && att.Mode == attach.ModeFixOutput {
		// A fixed output charset is tried once, its failure is not a reason to
		// try the next candidate.
		err = fmt.Errorf("fixed output charset %s: %v", to, err)
	}
	c.Checkf(err, "writing attachment %s", att.Name)
	c.Checkf(pw.Close(), "finishing attachment %s", att.Name)
}

func orLocale(cs, locale string) string {
	if cs != "" {
		return cs
	}
	return locale
}
