package message

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/mjl-/mailout/arena"
	"github.com/mjl-/mailout/attach"
	"github.com/mjl-/mailout/charset"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

var testNow = time.Date(2024, 3, 1, 12, 30, 15, 0, time.UTC)

func testOptions() Options {
	return Options{
		Now:       testNow,
		From:      []Address{{"Mjl", "mjl@mox.example"}},
		Hostname:  "mail.mox.example",
		UserAgent: "mailout test",
	}
}

// assemble runs Assemble with a temporary output file and returns the message.
func assemble(t *testing.T, hdr *Header, body string, opts Options) (string, Result, error) {
	t.Helper()
	out, err := os.CreateTemp(t.TempDir(), "msg")
	tcheck(t, err, "create temp")
	defer out.Close()
	r, err := Assemble(context.Background(), nil, out, hdr, strings.NewReader(body), opts)
	if err != nil {
		return "", r, err
	}
	buf, err := os.ReadFile(out.Name())
	tcheck(t, err, "read message")
	if int64(len(buf)) != r.Size {
		t.Fatalf("result size %d, file size %d", r.Size, len(buf))
	}
	return string(buf), r, nil
}

func headerValue(t *testing.T, msg, key string) string {
	t.Helper()
	mr, err := mail.CreateReader(strings.NewReader(msg))
	tcheck(t, err, "parse message")
	return mr.Header.Get(key)
}

func TestAssembleSimple(t *testing.T) {
	hdr := &Header{
		To:      []Address{{"", "to@mox.example"}},
		Subject: "test",
	}
	msg, r, err := assemble(t, hdr, "Hello\n", testOptions())
	tcheck(t, err, "assemble")

	head, body, ok := strings.Cut(msg, "\n\n")
	if !ok {
		t.Fatalf("no header/body separator in %q", msg)
	}
	if body != "Hello\n" {
		t.Fatalf("got body %q, expected Hello", body)
	}
	for _, exp := range []string{
		"Date: Fri, 01 Mar 2024 12:30:15 +0000\n",
		"From: Mjl <mjl@mox.example>\n",
		"To: to@mox.example\n",
		"Subject: test\n",
		"User-Agent: mailout test\n",
		"MIME-Version: 1.0\n",
		"Content-Type: text/plain; charset=US-ASCII\n",
		"Content-Transfer-Encoding: 7bit",
	} {
		if !strings.Contains(head+"\n", exp) {
			t.Fatalf("header misses %q:\n%s", exp, head)
		}
	}
	if r.Charset != "US-ASCII" || r.Encoding != Enc7bit || r.Multipart || r.Has8bit {
		t.Fatalf("unexpected result %#v", r)
	}
	if !regexp.MustCompile(`^<20240301123015\.[A-Za-z0-9_-]{16}@mail\.mox\.example>$`).MatchString(r.MessageID) {
		t.Fatalf("unexpected message-id %q", r.MessageID)
	}

	// Header order.
	var keys []string
	for _, line := range strings.Split(head, "\n") {
		if k, _, ok := strings.Cut(line, ":"); ok && !strings.HasPrefix(line, " ") {
			keys = append(keys, k)
		}
	}
	if got, exp := strings.Join(keys, ","), "Date,From,To,Subject,Message-ID,User-Agent,MIME-Version,Content-Type,Content-Transfer-Encoding"; got != exp {
		t.Fatalf("got header order %s, expected %s", got, exp)
	}
}

func TestAssembleHeaders(t *testing.T) {
	var to []Address
	for i := 0; i < 10; i++ {
		to = append(to, Address{"", fmt.Sprintf("recipient%d@mox.example", i)})
	}
	to = append(to, Address{"", "/tmp/file.mbox"}, Address{"", "|cat"})
	hdr := &Header{
		To:         to,
		Cc:         []Address{{"Jöhn Doe", "john@mox.example"}, {"Doe, Jane", "jane@mox.example"}},
		Bcc:        []Address{{"", "hidden@mox.example"}},
		Subject:    "Re: RE: grüße aus Köln",
		References: []string{"<a@mox.example>", "<b@mox.example>"},
		Custom:     []Field{{"X-Test", "ok"}},
	}
	opts := testOptions()
	opts.Organization = "Mox"
	opts.ReplyTo = []Address{{"", "reply@mox.example"}}
	opts.Arena = arena.New()
	opts.StealthMUA = "noagent"
	msg, r, err := assemble(t, hdr, "Hello\n", opts)
	tcheck(t, err, "assemble")
	if r.MessageID == "" {
		t.Fatalf("missing message-id with stealthmua noagent")
	}

	head, _, _ := strings.Cut(msg, "\n\n")
	for _, line := range strings.Split(head, "\n") {
		if len(line) > 78 {
			t.Fatalf("header line too long: %q", line)
		}
	}
	if strings.Contains(head, "file.mbox") || strings.Contains(head, "|cat") {
		t.Fatalf("file or pipe addressee in header:\n%s", head)
	}
	if strings.Contains(head, "User-Agent") {
		t.Fatalf("user-agent with stealthmua")
	}

	mr, err := mail.CreateReader(strings.NewReader(msg))
	tcheck(t, err, "parse message")
	toList, err := mr.Header.AddressList("To")
	tcheck(t, err, "parse to")
	if len(toList) != 10 || toList[9].Address != "recipient9@mox.example" {
		t.Fatalf("got to %v, expected 10 addresses", toList)
	}
	ccList, err := mr.Header.AddressList("Cc")
	tcheck(t, err, "parse cc")
	if len(ccList) != 2 || ccList[0].Name != "Jöhn Doe" || ccList[1].Name != "Doe, Jane" {
		t.Fatalf("got cc %v", ccList)
	}
	subject, err := mr.Header.Subject()
	tcheck(t, err, "subject")
	if subject != "Re: grüße aus Köln" {
		t.Fatalf("got subject %q", subject)
	}
	for k, exp := range map[string]string{
		"Bcc":          "hidden@mox.example",
		"Organization": "Mox",
		"Reply-To":     "reply@mox.example",
		"In-Reply-To":  "<b@mox.example>",
		"X-Test":       "ok",
	} {
		if got := mr.Header.Get(k); got != exp {
			t.Fatalf("header %s: got %q, expected %q", k, got, exp)
		}
	}
	refs, err := mr.Header.MsgIDList("References")
	tcheck(t, err, "references")
	if len(refs) != 2 || refs[0] != "a@mox.example" {
		t.Fatalf("got references %v", refs)
	}

	// BSD order puts Cc after Subject.
	opts.BSDCompat = true
	msg, _, err = assemble(t, hdr, "Hello\n", opts)
	tcheck(t, err, "assemble")
	if strings.Index(msg, "\nCc:") < strings.Index(msg, "\nSubject:") {
		t.Fatalf("cc before subject with bsdcompat")
	}

	// Stealth without noagent: no message-id.
	opts.StealthMUA = "yes"
	_, r, err = assemble(t, hdr, "Hello\n", opts)
	tcheck(t, err, "assemble")
	if r.MessageID != "" {
		t.Fatalf("message-id with stealthmua")
	}
	if st := opts.Arena.Stats(); st.InUse == 0 {
		t.Fatalf("no arena memory used for headers")
	}

	// A long non-ASCII display name becomes several encoded words, folded between
	// them.
	longName := strings.Repeat("Jöhn ", 20) + "Doe"
	hdr = &Header{To: []Address{{longName, "john@mox.example"}, {"", "other@mox.example"}}}
	msg, _, err = assemble(t, hdr, "Hello\n", testOptions())
	tcheck(t, err, "assemble")
	head, _, _ = strings.Cut(msg, "\n\n")
	var toLines int
	inTo := false
	for _, line := range strings.Split(head, "\n") {
		if strings.Contains(line, "=?") && len(line) > 76 || len(line) > 78 {
			t.Fatalf("header line too long: %q", line)
		}
		inTo = strings.HasPrefix(line, "To:") || inTo && strings.HasPrefix(line, " ")
		if inTo {
			toLines++
		}
	}
	if toLines < 3 {
		t.Fatalf("to not folded over multiple lines:\n%s", head)
	}
	mr, err = mail.CreateReader(strings.NewReader(msg))
	tcheck(t, err, "parse message")
	toList, err = mr.Header.AddressList("To")
	tcheck(t, err, "parse to")
	if len(toList) != 2 || toList[0].Name != longName || toList[0].Address != "john@mox.example" || toList[1].Address != "other@mox.example" {
		t.Fatalf("got to %v", toList)
	}
}

func TestSender(t *testing.T) {
	hdr := &Header{
		From: []Address{{"", "a@mox.example"}, {"", "b@mox.example"}},
		To:   []Address{{"", "to@mox.example"}},
	}
	_, _, err := assemble(t, hdr, "x\n", testOptions())
	if !errors.Is(err, ErrSenderRequired) {
		t.Fatalf("got err %v, expected ErrSenderRequired", err)
	}

	hdr.Sender = &Address{"", "a@mox.example"}
	msg, r, err := assemble(t, hdr, "x\n", testOptions())
	tcheck(t, err, "assemble")
	if headerValue(t, msg, "Sender") != "a@mox.example" || r.Sender.Addr != "a@mox.example" {
		t.Fatalf("missing sender")
	}
}

func TestAssembleCharset(t *testing.T) {
	hdr := &Header{To: []Address{{"", "to@mox.example"}}, Subject: "café"}

	// Latin1 is tried after US-ASCII fails.
	opts := testOptions()
	opts.Charsets = charset.NewIterator("US-ASCII", "ISO-8859-1", "UTF-8")
	msg, r, err := assemble(t, hdr, "café\n", opts)
	tcheck(t, err, "assemble")
	if r.Charset != "ISO-8859-1" || r.Encoding != EncQP {
		t.Fatalf("got charset %q, encoding %q", r.Charset, r.Encoding)
	}
	if !strings.Contains(msg, "\n\ncaf=E9\n") {
		t.Fatalf("body not latin1 quoted-printable:\n%s", msg)
	}
	if !strings.Contains(msg, "Subject: =?ISO-8859-1?Q?caf=E9?=\n") {
		t.Fatalf("subject not encoded in latin1:\n%s", msg)
	}

	// Preferred charset goes first.
	hdr.Charset = "UTF-8"
	opts.Charsets = charset.NewIterator("ISO-8859-1")
	opts.Encoding = Enc8bit
	_, r, err = assemble(t, hdr, "café\n", opts)
	tcheck(t, err, "assemble")
	if r.Charset != "UTF-8" || r.Encoding != Enc8bit || !r.Has8bit {
		t.Fatalf("got charset %q, encoding %q", r.Charset, r.Encoding)
	}

	// No usable charset.
	hdr.Charset = ""
	opts.Charsets = charset.NewIterator("US-ASCII")
	_, _, err = assemble(t, hdr, "日本\n", opts)
	if !errors.Is(err, charset.ErrExhausted) {
		t.Fatalf("got err %v, expected ErrExhausted", err)
	}
}

func TestAssembleAttachments(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		p := filepath.Join(dir, name)
		err := os.WriteFile(p, []byte(data), 0600)
		tcheck(t, err, "write")
		return p
	}

	l := &attach.List{}
	_, err := l.Add(write("a.txt", "first\n"))
	tcheck(t, err, "add")
	_, err = l.Add(write("b.bin", "\x00\x01binary"))
	tcheck(t, err, "add")
	_, err = l.Add(write("c.txt", "grün\n"))
	tcheck(t, err, "add")
	_, err = l.AddMessage(1, testSource{})
	tcheck(t, err, "add message")
	defer l.Close()

	hdr := &Header{To: []Address{{"", "to@mox.example"}}, Subject: "parts", Attachments: l}
	opts := testOptions()
	opts.Source = testSource{}
	msg, r, err := assemble(t, hdr, "the body\n", opts)
	tcheck(t, err, "assemble")
	if !r.Multipart {
		t.Fatalf("not multipart")
	}

	_, after, _ := strings.Cut(msg, "\n\n")
	if !strings.HasPrefix(after, Preamble) {
		t.Fatalf("missing preamble")
	}
	ct := headerValue(t, msg, "Content-Type")
	_, params, err := mime.ParseMediaType(ct)
	tcheck(t, err, "parse content-type")
	boundary := params["boundary"]
	if !strings.HasPrefix(boundary, "=_") {
		t.Fatalf("unexpected boundary %q", boundary)
	}
	if n := strings.Count(msg, "\n--"+boundary+"\n"); n != 5 {
		t.Fatalf("got %d delimiters, expected 5", n)
	}
	if n := strings.Count(msg, "\n--"+boundary+"--\n"); n != 1 || !strings.HasSuffix(msg, "--"+boundary+"--\n") {
		t.Fatalf("missing closing delimiter")
	}

	mr, err := mail.CreateReader(strings.NewReader(msg))
	tcheck(t, err, "parse message")
	type part struct{ ct, filename, body string }
	var parts []part
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		tcheck(t, err, "next part")
		buf, err := io.ReadAll(p.Body)
		tcheck(t, err, "read part")
		var fn string
		if ah, ok := p.Header.(*mail.AttachmentHeader); ok {
			fn, _ = ah.Filename()
		}
		pct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		parts = append(parts, part{pct, fn, string(buf)})
	}
	exp := []part{
		{"text/plain", "", "the body\n"},
		{"text/plain", "a.txt", "first\n"},
		{"application/octet-stream", "b.bin", "\x00\x01binary"},
		{"text/plain", "c.txt", "grün\n"},
		{"message/rfc822", "", "Subject: attached\n\nattached body\n"},
	}
	if len(parts) != len(exp) {
		t.Fatalf("got %d parts, expected %d: %v", len(parts), len(exp), parts)
	}
	for i := range exp {
		if i == 4 {
			// Message is not decoded, compare loosely.
			if parts[i].ct != exp[i].ct || !strings.Contains(parts[i].body, "attached body") {
				t.Fatalf("part %d: got %#v", i, parts[i])
			}
			continue
		}
		if parts[i] != exp[i] {
			t.Fatalf("part %d: got %#v, expected %#v", i, parts[i], exp[i])
		}
	}
	if !strings.Contains(msg, "Content-Type: text/plain; charset=UTF-8\nContent-Transfer-Encoding: quoted-printable\nContent-Disposition: attachment;\n filename=\"c.txt\"\n") {
		t.Fatalf("unexpected part header for c.txt:\n%s", msg)
	}

	// Empty body: no body part, only attachments.
	msg, _, err = assemble(t, hdr, "", opts)
	tcheck(t, err, "assemble")
	ct = headerValue(t, msg, "Content-Type")
	_, params, _ = mime.ParseMediaType(ct)
	if n := strings.Count(msg, "\n--"+params["boundary"]+"\n"); n != 4 {
		t.Fatalf("got %d delimiters for empty body, expected 4", n)
	}
}

func TestAttachmentNoCharset(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.txt")
	err := os.WriteFile(p, []byte("日本語\n"), 0600)
	tcheck(t, err, "write")
	l := &attach.List{}
	_, err = l.Add(p)
	tcheck(t, err, "add")

	hdr := &Header{To: []Address{{"", "to@mox.example"}}, Attachments: l}
	opts := testOptions()
	opts.Charsets = charset.NewIterator("US-ASCII", "ISO-8859-1")
	_, _, err = assemble(t, hdr, "plain body\n", opts)
	if !errors.Is(err, charset.ErrExhausted) {
		t.Fatalf("got err %v, expected ErrExhausted", err)
	}

	// Fixed input charset sends as is.
	l.At(0).Mode = attach.ModeFixInput
	l.At(0).InputCharset = "UTF-8"
	msg, _, err := assemble(t, hdr, "plain body\n", opts)
	tcheck(t, err, "assemble")
	if !strings.Contains(msg, "Content-Type: text/plain; charset=UTF-8\n") {
		t.Fatalf("missing input charset:\n%s", msg)
	}

	// Fixed output charset fails without trying others.
	l.At(0).Mode = attach.ModeFixOutput
	l.At(0).InputCharset = ""
	l.At(0).OutputCharset = "ISO-8859-1"
	_, _, err = assemble(t, hdr, "plain body\n", opts)
	if err == nil || errors.Is(err, charset.ErrExhausted) || errors.Is(err, charset.ErrUnrepresentable) {
		t.Fatalf("got err %v, expected final error", err)
	}
}

func TestSignature(t *testing.T) {
	sig := filepath.Join(t.TempDir(), "sig")
	err := os.WriteFile(sig, []byte("-- \nmjl"), 0600)
	tcheck(t, err, "write signature")
	opts := testOptions()
	opts.Signature = sig
	msg, _, err := assemble(t, &Header{To: []Address{{"", "to@mox.example"}}}, "body\n", opts)
	tcheck(t, err, "assemble")
	if !strings.HasSuffix(msg, "\n\nbody\n-- \nmjl\n") {
		t.Fatalf("signature not appended with final newline:\n%q", msg)
	}

	// Binary bodies are sent as is, without signature.
	msg, r, err := assemble(t, &Header{To: []Address{{"", "to@mox.example"}}}, "bin\x00ary\n", opts)
	tcheck(t, err, "assemble binary")
	if r.Encoding != EncBase64 || r.Charset != "" {
		t.Fatalf("got encoding %q charset %q, expected base64 without charset", r.Encoding, r.Charset)
	}
	_, body, _ := strings.Cut(msg, "\n\n")
	buf, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(body), ""))
	tcheck(t, err, "decode body")
	if string(buf) != "bin\x00ary\n" {
		t.Fatalf("got binary body %q, expected without signature", buf)
	}
}

func TestAssembleLongLine(t *testing.T) {
	body := strings.Repeat("x", 1000) + "\n"
	msg, r, err := assemble(t, &Header{To: []Address{{"", "to@mox.example"}}}, body, testOptions())
	tcheck(t, err, "assemble")
	if r.Encoding != EncQP {
		t.Fatalf("got encoding %q, expected quoted-printable", r.Encoding)
	}
	for _, line := range strings.Split(msg, "\n") {
		if len(line) > 78 {
			t.Fatalf("line too long: %q", line)
		}
		if strings.HasSuffix(line, "\r") {
			t.Fatalf("line with CR in message file: %q", line)
		}
	}
}

func TestBareCR(t *testing.T) {
	// A bare CR is a line break after quoted-printable encoding.
	msg, r, err := assemble(t, &Header{To: []Address{{"", "to@mox.example"}}}, "one\rtwo\n", testOptions())
	tcheck(t, err, "assemble")
	if r.Encoding != EncQP {
		t.Fatalf("got encoding %q, expected quoted-printable", r.Encoding)
	}
	if strings.Contains(msg, "\r") || strings.Contains(msg, "=0D") {
		t.Fatalf("CR in message file: %q", msg)
	}
	_, body, ok := strings.Cut(msg, "\n\n")
	if !ok || body != "one\ntwo\n" {
		t.Fatalf("got body %q, expected %q", body, "one\ntwo\n")
	}
}

func TestInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := os.CreateTemp(t.TempDir(), "msg")
	tcheck(t, err, "create temp")
	defer out.Close()
	_, err = Assemble(ctx, nil, out, &Header{}, strings.NewReader("x\n"), testOptions())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, expected context.Canceled", err)
	}
}

type testSource struct{}

func (testSource) Count() int { return 1 }
func (testSource) Message(n int) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("Subject: attached\n\nattached body\n")), nil
}

func TestMessageID(t *testing.T) {
	id := MessageID(testNow, "", &Address{"", "mjl@mox.example"})
	if !regexp.MustCompile(`^<20240301123015\.[A-Za-z0-9_-]{8}%mjl@mox\.example>$`).MatchString(id) {
		t.Fatalf("unexpected message-id %q", id)
	}
	if id := MessageID(testNow, "", nil); id != "" {
		t.Fatalf("got message-id %q without hostname and from", id)
	}
}

func TestClassify(t *testing.T) {
	test := func(data string, pref Encoding, exp Encoding) {
		t.Helper()
		c, err := Classify(strings.NewReader(data))
		tcheck(t, err, "classify")
		if got := c.Encoding(pref); got != exp {
			t.Fatalf("classify %q: got %s, expected %s", data, got, exp)
		}
	}

	test("hello\n", EncQP, Enc7bit)
	test("", EncQP, Enc7bit)
	test("héllo\n", EncQP, EncQP)
	test("héllo\n", Enc8bit, Enc8bit)
	test("héllo\n", EncBase64, EncBase64)
	test("bare\rcr\n", EncQP, EncQP)
	test("bell\a\n", Enc8bit, EncQP)
	test("crlf\r\n", EncQP, Enc7bit)
	test("nul\x00\n", EncQP, EncBase64)
	test(strings.Repeat("a", 949)+"\n", EncQP, Enc7bit)
	test(strings.Repeat("a", 950)+"\n", EncQP, EncQP)
	test(strings.Repeat("é", 950)+"\n", Enc8bit, EncQP)

	c, err := Classify(strings.NewReader("no newline"))
	tcheck(t, err, "classify")
	if c.EndsNL || c.Size != 10 {
		t.Fatalf("unexpected class %#v", c)
	}
}

func TestHeaderWriter(t *testing.T) {
	const addr = "someone-with-long-name@mox.example"
	hw := NewHeaderWriter(nil, "To")
	for i := 0; i < 5; i++ {
		hw.Addrs(addr)
	}
	got := hw.String()
	exp := "To: " + addr + ",\n " + addr + ", " + addr + ",\n " + addr + ", " + addr + "\n"
	if got != exp {
		t.Fatalf("unexpected folding, got %q, expected %q", got, exp)
	}

	hw = NewHeaderWriter(arena.New(), "Subject")
	hw.Words(strings.TrimSpace(strings.Repeat("word ", 30)))
	for _, line := range strings.Split(hw.String(), "\n") {
		if len(line) > 78 {
			t.Fatalf("line too long %q", line)
		}
	}
}
