package mbox

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestWrite(t *testing.T) {
	received := time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)
	var b bytes.Buffer
	err := Write(&b, "mox@example.org", received, strings.NewReader("Subject: test\r\n\r\nFrom here\r\n>From there\r\nno newline"))
	tcheck(t, err, "write")
	exp := "From mox@example.org Fri Mar  1 10:20:30 2024\nSubject: test\n\n>From here\n>>From there\nno newline\n\n"
	if b.String() != exp {
		t.Fatalf("got:\n%q\nexpected:\n%q", b.String(), exp)
	}

	b.Reset()
	err = Write(&b, "", received, strings.NewReader("Subject: x\n\nbody\n"))
	tcheck(t, err, "write")
	if !strings.HasPrefix(b.String(), "From MAILER-DAEMON ") {
		t.Fatalf("got %q", b.String())
	}
}

func TestAppendFolder(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sent")
	received := time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)

	msgs := []string{
		"Subject: one\n\nFrom the start\n",
		"Subject: two\n\n\nends with empty line\n\n",
		"Subject: three\n\n>From quoted\n",
	}
	for _, m := range msgs {
		err := Append(p, "mox@example.org", received, strings.NewReader(m))
		tcheck(t, err, "append")
	}

	f, err := Open(p)
	tcheck(t, err, "open")
	if f.Count() != len(msgs) {
		t.Fatalf("got %d messages, expected %d", f.Count(), len(msgs))
	}
	for i, exp := range msgs {
		r, err := f.Message(i + 1)
		tcheck(t, err, "message")
		buf, err := io.ReadAll(r)
		tcheck(t, err, "read message")
		tcheck(t, r.Close(), "close")
		if string(buf) != exp {
			t.Fatalf("message %d: got %q, expected %q", i+1, buf, exp)
		}
	}
	if !f.Received(2).Equal(received) {
		t.Fatalf("received: got %v", f.Received(2))
	}
	if _, err := f.Message(4); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("got %v, expected ErrNoMessage", err)
	}
	if _, err := f.Message(0); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("got %v, expected ErrNoMessage", err)
	}
}

func TestAppendSeparator(t *testing.T) {
	// A file written by another program without trailing empty line.
	p := filepath.Join(t.TempDir(), "mbox")
	err := os.WriteFile(p, []byte("From other Fri Mar  1 10:20:30 2024\nSubject: x\n\nbody"), 0600)
	tcheck(t, err, "write")

	err = Append(p, "mox@example.org", time.Now(), strings.NewReader("Subject: y\n\nhi\n"))
	tcheck(t, err, "append")

	f, err := Open(p)
	tcheck(t, err, "open")
	if f.Count() != 2 {
		t.Fatalf("got %d messages, expected 2", f.Count())
	}
	r, err := f.Message(1)
	tcheck(t, err, "message")
	defer r.Close()
	buf, err := io.ReadAll(r)
	tcheck(t, err, "read")
	if string(buf) != "Subject: x\n\nbody\n" {
		t.Fatalf("got %q", buf)
	}
}

func TestOpen(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "absent"))
	tcheck(t, err, "open absent")
	if f.Count() != 0 {
		t.Fatalf("absent file has messages")
	}

	p := filepath.Join(t.TempDir(), "bad")
	err = os.WriteFile(p, []byte("Subject: no from line\n"), 0600)
	tcheck(t, err, "write")
	if _, err := Open(p); err == nil {
		t.Fatalf("open without from line succeeded")
	}
}
