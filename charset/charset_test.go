package charset

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mjl-/mailout/mlog"
)

var pkglog = mlog.New("charset", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestConverter(t *testing.T) {
	test := func(from, to, in string, exp []byte, experr error) {
		t.Helper()
		c, err := Open(from, to)
		tcheck(t, err, "open")
		defer c.Close()
		buf, err := c.Bytes([]byte(in))
		if experr != nil {
			if !errors.Is(err, experr) {
				t.Fatalf("convert %q from %s to %s: got err %v, expected %v", in, from, to, err, experr)
			}
			return
		}
		tcheck(t, err, "convert")
		if !bytes.Equal(buf, exp) {
			t.Fatalf("convert %q from %s to %s: got %q, expected %q", in, from, to, buf, exp)
		}
	}

	test("utf-8", "iso-8859-1", "Grüße", []byte("Gr\xfc\xdfe"), nil)
	test("iso-8859-1", "utf-8", "Gr\xfc\xdfe", []byte("Grüße"), nil)
	test("utf-8", "us-ascii", "plain", []byte("plain"), nil)
	test("utf-8", "us-ascii", "Grüße", nil, ErrUnrepresentable)
	test("utf-8", "iso-8859-1", "日本", nil, ErrUnrepresentable)
	test("utf-8", "utf-8", "bad \xff utf-8", nil, ErrInvalidInput)
	test("utf8", "UTF-8", "ok ü", []byte("ok ü"), nil)

	if _, err := Open("utf-8", "no-such-charset"); !errors.Is(err, ErrUnknown) {
		t.Fatalf("got %v, expected ErrUnknown", err)
	}

	c, err := Open("latin1", "utf-8")
	tcheck(t, err, "open")
	if c.From != "ISO-8859-1" || c.To != "UTF-8" {
		t.Fatalf("got canonical names %q %q", c.From, c.To)
	}
	c.Close()
	if err := c.Convert(io.Discard, strings.NewReader("x")); err == nil {
		t.Fatalf("convert after close succeeded")
	}
}

func TestCandidates(t *testing.T) {
	l := Candidates("iso-8859-1, ISO-8859-15,,iso-8859-1", "", "utf-8")
	exp := []string{"iso-8859-1", "ISO-8859-15", "UTF-8"}
	if strings.Join(l, ",") != strings.Join(exp, ",") {
		t.Fatalf("got %q, expected %q", l, exp)
	}
}

func TestIterator(t *testing.T) {
	it := NewIterator("us-ascii", "iso-8859-1", "utf-8")
	it.Reset("iso-8859-1")
	var seen []string
	for !it.Exhausted() {
		cs, _ := it.Current()
		seen = append(seen, cs)
		it.Advance()
	}
	if strings.Join(seen, ",") != "iso-8859-1,us-ascii,utf-8" {
		t.Fatalf("got %q", seen)
	}
	if it.Advance() {
		t.Fatalf("advance past end succeeded")
	}
	it.Reset("")
	if cs, ok := it.Current(); !ok || cs != "us-ascii" {
		t.Fatalf("after reset got %q %v", cs, ok)
	}
}

func TestNegotiate(t *testing.T) {
	text := "prefix|Grüße"
	src := strings.NewReader(text)
	// Start after the prefix, each attempt must see the text from there.
	src.Seek(int64(len("prefix|")), io.SeekStart)

	var attempts []string
	try := func(cs string) error {
		attempts = append(attempts, cs)
		buf, err := io.ReadAll(src)
		tcheck(t, err, "read")
		if string(buf) != "Grüße" {
			t.Fatalf("attempt with %s got text %q", cs, buf)
		}
		c, err := Open("utf-8", cs)
		if err != nil {
			return err
		}
		defer c.Close()
		_, err = c.Bytes(buf)
		return err
	}

	it := NewIterator("us-ascii", "iso-8859-1", "utf-8")
	cs, err := Negotiate(pkglog, it, src, try)
	tcheck(t, err, "negotiate")
	if cs != "iso-8859-1" || strings.Join(attempts, ",") != "us-ascii,iso-8859-1" {
		t.Fatalf("got charset %q after attempts %q", cs, attempts)
	}

	// None of the candidates can represent the text: each is tried once.
	attempts = nil
	src.Seek(int64(len("prefix|")), io.SeekStart)
	it = NewIterator("us-ascii", "iso-8859-1", "iso-8859-15")
	_, err = Negotiate(pkglog, it, src, func(cs string) error {
		attempts = append(attempts, cs)
		return ErrUnrepresentable
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("got %v, expected ErrExhausted", err)
	}
	if len(attempts) != 3 {
		t.Fatalf("got %d attempts %q, expected 3", len(attempts), attempts)
	}

	// Other errors stop negotiation.
	errIO := errors.New("disk full")
	it = NewIterator("us-ascii", "utf-8")
	if _, err := Negotiate(pkglog, it, src, func(cs string) error { return errIO }); !errors.Is(err, errIO) {
		t.Fatalf("got %v, expected %v", err, errIO)
	}
}
