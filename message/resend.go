package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/mjl-/mailout/charset"
)

// ResendOptions are settings for resending a message.
type ResendOptions struct {
	Now              time.Time
	AddResent        bool // Add Resent-* fields.
	From             []Address
	Sender           *Address
	Hostname         string
	MessageIDDisable bool
	StealthMUA       string
	DispositionNotif bool
}

// skipFromLine skips an mbox "From " line at the start of br.
func skipFromLine(br *bufio.Reader) error {
	buf, err := br.Peek(5)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if string(buf) == "From " {
		if _, err := br.ReadSlice('\n'); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
	return nil
}

// Resend writes msg for resending to the recipients in to: optional Resent-*
// fields, then the original header without the Status and
// Disposition-Notification-To fields or the mbox From line, then the original
// body. Lines in w end with LF.
func Resend(w io.Writer, msg io.Reader, to []Address, opts ResendOptions) (rr Result, rerr error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if len(opts.From) > 1 && opts.Sender == nil {
		return Result{}, ErrSenderRequired
	}

	a := &assembler{
		hdr:    &Header{},
		opts:   Options{From: opts.From, Sender: opts.Sender},
		from:   opts.From,
		sender: opts.Sender,
		cs:     charset.Charset8bit,
	}
	if a.sender != nil {
		a.envelope = a.sender
	} else if len(a.from) == 1 {
		a.envelope = &a.from[0]
	}

	c := NewComposer(w, 0)
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

	if opts.AddResent {
		c.Header("Resent-Date", opts.Now.Format(time.RFC1123Z))
		a.addrs(c, "Resent-From", a.from)
		if a.sender != nil {
			a.addrs(c, "Resent-Sender", []Address{*a.sender})
		}
		a.addrs(c, "Resent-To", to)
		if !opts.MessageIDDisable && (opts.StealthMUA == "" || strings.EqualFold(opts.StealthMUA, "noagent")) {
			if id := MessageID(opts.Now, opts.Hostname, a.envelope); id != "" {
				c.Header("Resent-Message-ID", id)
				a.msgID = id
			}
		}
	}
	if opts.DispositionNotif && a.envelope != nil {
		c.Header("Disposition-Notification-To", a.envelope.Addr)
	}

	br := bufio.NewReader(msg)
	err := skipFromLine(br)
	c.Checkf(err, "reading message")
	h, err := textproto.ReadHeader(br)
	c.Checkf(err, "reading message header")
	fields := h.Fields()
	for fields.Next() {
		switch strings.ToLower(fields.Key()) {
		case "status", "disposition-notification-to":
			continue
		}
		raw, err := fields.Raw()
		c.Checkf(err, "header field %s", fields.Key())
		_, _ = c.Write(bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n")))
	}
	c.Line()
	_, err = io.Copy(c, br)
	c.Checkf(err, "copying message body")
	c.Flush()

	return Result{MessageID: a.msgID, Sender: a.envelope, Has8bit: c.Has8bit, Size: c.Size}, nil
}

// Reply holds the fields of a message that are used for a reply to it.
type Reply struct {
	From       []Address
	ReplyTo    []Address
	To         []Address
	Cc         []Address
	MFT        []Address // Mail-Followup-To.
	ListPost   string    // Address from List-Post.
	Subject    string
	MessageID  string // With <>.
	References []string
}

// ParseReply reads the header of msg, for replying to it.
func ParseReply(msg io.Reader) (*Reply, error) {
	br := bufio.NewReader(msg)
	if err := skipFromLine(br); err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	th, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("reading message header: %w", err)
	}
	h := mail.Header{Header: gomessage.Header{Header: th}}

	r := &Reply{}
	lists := []struct {
		key string
		l   *[]Address
	}{
		{"From", &r.From},
		{"Reply-To", &r.ReplyTo},
		{"To", &r.To},
		{"Cc", &r.Cc},
		{"Mail-Followup-To", &r.MFT},
	}
	for _, x := range lists {
		addrs, err := h.AddressList(x.key)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", x.key, err)
		}
		for _, a := range addrs {
			*x.l = append(*x.l, Address{a.Name, a.Address})
		}
	}
	r.Subject, err = h.Subject()
	if err != nil {
		r.Subject = h.Get("Subject")
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		r.MessageID = "<" + id + ">"
	}
	refs, _ := h.MsgIDList("References")
	if len(refs) == 0 {
		refs, _ = h.MsgIDList("In-Reply-To")
	}
	for _, ref := range refs {
		r.References = append(r.References, "<"+ref+">")
	}
	if r.MessageID != "" {
		r.References = append(r.References, r.MessageID)
	}
	// List-Post: <mailto:list@example.org>
	if lp := h.Get("List-Post"); lp != "" {
		lp = strings.TrimSpace(lp)
		lp = strings.TrimSuffix(strings.TrimPrefix(lp, "<"), ">")
		if s, ok := strings.CutPrefix(strings.ToLower(lp), "mailto:"); ok {
			r.ListPost, _, _ = strings.Cut(s, "?")
		}
	}
	return r, nil
}

// Header returns a header for a reply. With all, the reply goes to all
// recipients of the original message, or to those in its Mail-Followup-To. With
// list, the reply is for a mailing list.
func (r *Reply) Header(all, list bool) *Header {
	h := &Header{
		Subject:     "Re: " + r.Subject,
		References:  r.References,
		ListReply:   list,
		ListPost:    r.ListPost,
		ReceivedMFT: r.MFT,
	}
	switch {
	case all && len(r.MFT) > 0:
		h.To = r.MFT
	case len(r.ReplyTo) > 0:
		h.To = r.ReplyTo
	default:
		h.To = r.From
	}
	if all && len(r.MFT) == 0 {
		h.To = append(append([]Address{}, h.To...), r.To...)
		h.Cc = r.Cc
	}
	return h
}
