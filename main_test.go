package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/mailout/config"
	"github.com/mjl-/mailout/mbox"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestUsage(t *testing.T) {
	for _, c := range cmds {
		c.gather()
		s := c.makeUsage()
		if !strings.HasPrefix(s, "usage: mailout "+strings.Join(c.words, " ")) {
			t.Fatalf("bad usage for %v: %q", c.words, s)
		}
		if c.help == "" {
			t.Fatalf("missing help for %v", c.words)
		}
	}

	c := cmd{fn: cmdSendmail}
	c.gather()
	if !strings.Contains(c.help, "sendmail") {
		t.Fatalf("missing sendmail help")
	}
}

func TestParseAddresses(t *testing.T) {
	l := xparseAddresses([]string{"mjl@mox.example", "Other <other@mox.example>, third@mox.example"}, "test")
	var addrs []string
	for _, a := range l {
		addrs = append(addrs, a.Addr)
	}
	if got := strings.Join(addrs, " "); got != "mjl@mox.example other@mox.example third@mox.example" {
		t.Fatalf("got %q", got)
	}
}

func TestReplyHeader(t *testing.T) {
	const msg = `From: Sender <sender@list.example>
To: list@list.example
Cc: cc@other.example
Mail-Followup-To: list@list.example
List-Post: <mailto:list@list.example>
Message-ID: <orig@list.example>
Subject: question

text
`
	p := filepath.Join(t.TempDir(), "mbox")
	f, err := os.Create(p)
	tcheck(t, err, "create mbox")
	err = mbox.Write(f, "sender@list.example", time.Now(), strings.NewReader(msg))
	tcheck(t, err, "write mbox")
	tcheck(t, f.Close(), "close mbox")
	settings := config.Map{"MAIL": p}

	h, err := replyHeader(settings, 1, false, false)
	tcheck(t, err, "reply header")
	if len(h.To) != 1 || h.To[0].Addr != "sender@list.example" || len(h.Cc) != 0 {
		t.Fatalf("reply: got to %v, cc %v", h.To, h.Cc)
	}
	if h.Subject != "Re: question" || len(h.References) != 1 || h.References[0] != "<orig@list.example>" {
		t.Fatalf("reply: got subject %q, references %v", h.Subject, h.References)
	}

	// Reply to all honors the Mail-Followup-To of the message.
	h, err = replyHeader(settings, 1, true, false)
	tcheck(t, err, "reply all header")
	if len(h.To) != 1 || h.To[0].Addr != "list@list.example" || len(h.ReceivedMFT) != 1 || h.ListReply {
		t.Fatalf("reply all: got to %v, received mft %v", h.To, h.ReceivedMFT)
	}

	h, err = replyHeader(settings, 1, true, true)
	tcheck(t, err, "list reply header")
	if !h.ListReply || h.ListPost != "list@list.example" {
		t.Fatalf("list reply: got list reply %v, list post %q", h.ListReply, h.ListPost)
	}

	if _, err := replyHeader(settings, 2, false, false); err == nil {
		t.Fatalf("reply to missing message, expected error")
	}
	t.Setenv("MAIL", "")
	if _, err := replyHeader(config.Map{}, 1, false, false); err == nil {
		t.Fatalf("reply without mailbox, expected error")
	}
}
