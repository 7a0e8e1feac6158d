package smtp

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestDataWrite(t *testing.T) {
	check := func(msg, want string, stripBcc bool) {
		t.Helper()
		w := &strings.Builder{}
		if err := DataWrite(w, strings.NewReader(msg), stripBcc); err != nil {
			t.Fatalf("writing smtp data: %s", err)
		}
		if got := w.String(); got != want {
			t.Fatalf("got %q, expected %q, for msg %q", got, want, msg)
		}

		// Same result when reading byte by byte.
		w = &strings.Builder{}
		if err := DataWrite(w, &oneReader{[]byte(msg)}, stripBcc); err != nil {
			t.Fatalf("writing smtp data: %s", err)
		}
		if got := w.String(); got != want {
			t.Fatalf("one byte reads: got %q, expected %q, for msg %q", got, want, msg)
		}
	}

	check("", ".\r\n", false)
	check(".\n", "..\r\n.\r\n", false)
	check(".\r\n", "..\r\n.\r\n", false)
	check("..foo\n", "...foo\r\n.\r\n", false)
	check("a.b\n.c\n", "a.b\r\n..c\r\n.\r\n", false)
	check("header: abc\r\n\r\nmessage\r\n", "header: abc\r\n\r\nmessage\r\n.\r\n", false)
	check("header: abc\n\nmessage\n", "header: abc\r\n\r\nmessage\r\n.\r\n", false)
	check("header: abc\n\nno final newline", "header: abc\r\n\r\nno final newline\r\n.\r\n", false)
	check("bare\rcr\n", "bare\rcr\r\n.\r\n", false)
	check("ends with cr\r", "ends with cr\r\r\n.\r\n", false)

	const withBcc = "From: mjl@mox.example\nBcc: secret@mox.example,\n other@mox.example\nTo: x@mox.example\n\nBcc: in body\n"
	check(withBcc, "From: mjl@mox.example\r\nBcc: secret@mox.example,\r\n other@mox.example\r\nTo: x@mox.example\r\n\r\nBcc: in body\r\n.\r\n", false)
	check(withBcc, "From: mjl@mox.example\r\nTo: x@mox.example\r\n\r\nBcc: in body\r\n.\r\n", true)
	check("BCC : a@mox.example\r\n\tb@mox.example\r\nSubject: x\r\n\r\nbody\r\n", "Subject: x\r\n\r\nbody\r\n.\r\n", true)
	check("Bccx: a\n\n", "Bccx: a\r\n\r\n.\r\n", true)
	check("Bcc: last\n", ".\r\n", true)
}

func TestDataWriteLongLine(t *testing.T) {
	line := "." + strings.Repeat("x", 20*1024)
	w := &strings.Builder{}
	if err := DataWrite(w, strings.NewReader(line+"\n"), false); err != nil {
		t.Fatalf("data write: %v", err)
	}
	if want := "." + line + "\r\n.\r\n"; w.String() != want {
		t.Fatalf("long line not written as is, got %d bytes, expected %d", w.Len(), len(want))
	}

	// What a server reads after unstuffing is the original message.
	for _, msg := range []string{
		"Subject: test\r\n\r\n.body\r\n" + strings.Repeat("y", 10*1024) + "\r\n..\r\n",
		".\r\n",
		"a\r\n.\r\n.\r\nb\r\n",
	} {
		w = &strings.Builder{}
		if err := DataWrite(w, strings.NewReader(msg), false); err != nil {
			t.Fatalf("data write: %v", err)
		}
		got, err := unstuff(w.String())
		if err != nil {
			t.Fatalf("unstuffing %q: %v", w.String(), err)
		}
		if got != msg {
			t.Fatalf("roundtrip mismatch for %q, got %q", msg, got)
		}
	}
}

// unstuff undoes the dot-stuffing of DATA, as a receiving server does. Data
// must consist of CRLF-terminated lines and end with the final dot line.
func unstuff(data string) (string, error) {
	body, ok := strings.CutSuffix(data, "\r\n.\r\n")
	if !ok {
		if data == ".\r\n" {
			return "", nil
		}
		return "", errors.New("missing final dot line")
	}
	lines := strings.Split(body, "\r\n")
	for i, l := range lines {
		if l == "." {
			return "", fmt.Errorf("premature end of data at line %d", i+1)
		}
		lines[i] = strings.TrimPrefix(l, ".")
	}
	return strings.Join(lines, "\r\n") + "\r\n", nil
}

// oneReader returns data one byte at a time.
type oneReader struct {
	buf []byte
}

func (r *oneReader) Read(buf []byte) (int, error) {
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	if len(buf) == 0 {
		return 0, nil
	}
	buf[0] = r.buf[0]
	r.buf = r.buf[1:]
	return 1, nil
}
