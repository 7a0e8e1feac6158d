package message

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

const original = `From mjl@mox.example Fri Mar  1 12:00:00 2024
From: Mjl <mjl@mox.example>
To: list@lists.example, other@mox.example
Cc: cc@mox.example
Subject: =?UTF-8?Q?gr=C3=BC=C3=9Fe?=
Message-ID: <orig@mox.example>
References: <first@mox.example>
Status: RO
Disposition-Notification-To: mjl@mox.example
List-Post: <mailto:list@lists.example?subject=help>
Mail-Followup-To: list@lists.example

body
.line
`

func TestResend(t *testing.T) {
	var b bytes.Buffer
	opts := ResendOptions{
		Now:       testNow,
		AddResent: true,
		From:      []Address{{"", "resender@mox.example"}},
		Hostname:  "mail.mox.example",
	}
	r, err := Resend(&b, strings.NewReader(original), []Address{{"", "new@mox.example"}, {"", "|cat"}}, opts)
	tcheck(t, err, "resend")
	s := b.String()

	if !strings.HasPrefix(s, "Resent-Date: Fri, 01 Mar 2024 12:30:15 +0000\nResent-From: resender@mox.example\nResent-To: new@mox.example\nResent-Message-ID: "+r.MessageID+"\nFrom: Mjl") {
		t.Fatalf("unexpected start of message:\n%s", s)
	}
	for _, bad := range []string{"Status:", "Disposition-Notification-To:", "From mjl@", "\r"} {
		if strings.Contains(s, bad) {
			t.Fatalf("resent message contains %q:\n%s", bad, s)
		}
	}
	if !strings.HasSuffix(s, "Mail-Followup-To: list@lists.example\n\nbody\n.line\n") {
		t.Fatalf("unexpected end of message:\n%s", s)
	}
	if r.Size != int64(len(s)) || r.Sender.Addr != "resender@mox.example" {
		t.Fatalf("unexpected result %#v", r)
	}

	// Without Resent fields, the original is passed as is.
	b.Reset()
	_, err = Resend(&b, strings.NewReader(original), nil, ResendOptions{})
	tcheck(t, err, "resend")
	if !strings.HasPrefix(b.String(), "From: Mjl <mjl@mox.example>\n") {
		t.Fatalf("unexpected message:\n%s", b.String())
	}

	_, err = Resend(&b, strings.NewReader(original), nil, ResendOptions{From: []Address{{"", "a@mox.example"}, {"", "b@mox.example"}}})
	if !errors.Is(err, ErrSenderRequired) {
		t.Fatalf("got err %v, expected ErrSenderRequired", err)
	}
}

func TestParseReply(t *testing.T) {
	r, err := ParseReply(strings.NewReader(original))
	tcheck(t, err, "parse reply")
	if r.Subject != "grüße" || r.MessageID != "<orig@mox.example>" || r.ListPost != "list@lists.example" {
		t.Fatalf("unexpected reply %#v", r)
	}
	if exp := []string{"<first@mox.example>", "<orig@mox.example>"}; !reflect.DeepEqual(r.References, exp) {
		t.Fatalf("got references %v, expected %v", r.References, exp)
	}
	if len(r.From) != 1 || r.From[0] != (Address{"Mjl", "mjl@mox.example"}) {
		t.Fatalf("got from %v", r.From)
	}

	h := r.Header(false, false)
	if h.Subject != "Re: grüße" || len(h.To) != 1 || h.To[0].Addr != "mjl@mox.example" || len(h.Cc) != 0 {
		t.Fatalf("unexpected reply header %#v", h)
	}

	// Reply to all follows Mail-Followup-To.
	h = r.Header(true, true)
	if len(h.To) != 1 || h.To[0].Addr != "list@lists.example" || !h.ListReply {
		t.Fatalf("unexpected reply-all header %#v", h)
	}

	r.MFT = nil
	h = r.Header(true, false)
	var to []string
	for _, a := range h.To {
		to = append(to, a.Addr)
	}
	if exp := []string{"mjl@mox.example", "list@lists.example", "other@mox.example"}; !reflect.DeepEqual(to, exp) {
		t.Fatalf("got to %v, expected %v", to, exp)
	}
	if len(h.Cc) != 1 || h.Cc[0].Addr != "cc@mox.example" {
		t.Fatalf("got cc %v", h.Cc)
	}
}

func TestFollowupTo(t *testing.T) {
	me := Address{"", "me@mox.example"}
	list := Address{"", "list@lists.example"}
	sub := Address{"", "sub@lists.example"}
	other := Address{"", "other@mox.example"}

	lists := func(addr string) ListKind {
		switch addr {
		case list.Addr:
			return ListKnown
		case sub.Addr:
			return ListSubscribed
		}
		return ListOther
	}

	test := func(hdr Header, always bool, exp []Address) {
		t.Helper()
		a := &assembler{
			hdr:      &hdr,
			opts:     Options{FollowupTo: always, Lists: lists, Alternates: []string{"ME2@mox.example"}},
			from:     []Address{me},
			envelope: &me,
		}
		got := a.followupTo()
		if !reflect.DeepEqual(got, exp) {
			t.Fatalf("got %v, expected %v", got, exp)
		}
	}

	// Not a list reply, nothing configured.
	test(Header{To: []Address{list, other}}, false, nil)
	// No lists among recipients.
	test(Header{To: []Address{other}}, true, nil)
	// Subscribed list: no need to add ourselves.
	test(Header{To: []Address{sub, other}}, true, []Address{sub, other})
	// Unsubscribed list: ourselves first.
	test(Header{To: []Address{list, other, me, {"", "me2@mox.example"}}}, true, []Address{me, list, other})
	// List reply: non-list recipients are dropped.
	test(Header{To: []Address{other}, Cc: []Address{sub}, ListReply: true}, false, []Address{sub})
	// List reply with received Mail-Followup-To keeps its addresses.
	test(Header{To: []Address{other, sub}, ListReply: true, ReceivedMFT: []Address{other}}, false, []Address{other, sub})
	// List-Post of the original marks a list.
	test(Header{To: []Address{{"", "post@x.example"}}, ListReply: true, ListPost: "POST@x.example"}, false, []Address{me, {"", "post@x.example"}})
	// Received Mail-Followup-To without lists: ourselves first.
	test(Header{To: []Address{other}, ReceivedMFT: []Address{other}}, false, []Address{me, other})
}

func TestParseAddressList(t *testing.T) {
	l, err := ParseAddressList(`"Doe, John" <john@mox.example>, /tmp/out.mbox, |grep x, mjl@mox.example,`)
	tcheck(t, err, "parse")
	exp := []Address{
		{"Doe, John", "john@mox.example"},
		{"", "/tmp/out.mbox"},
		{"", "|grep x"},
		{"", "mjl@mox.example"},
	}
	if !reflect.DeepEqual(l, exp) {
		t.Fatalf("got %v, expected %v", l, exp)
	}
	if !l[1].IsFile() || !l[2].IsPipe() || l[3].IsFileOrPipe() {
		t.Fatalf("bad file/pipe detection")
	}

	_, err = ParseAddressList("not an address")
	if !errors.Is(err, ErrAddress) {
		t.Fatalf("got err %v, expected ErrAddress", err)
	}
}
