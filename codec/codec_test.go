package codec

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"mime"
	"strings"
	"testing"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func randBytes(r *rand.Rand, n int) []byte {
	buf := make([]byte, n)
	r.Read(buf)
	return buf
}

func TestB64RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	flagsList := []B64Flags{0, B64URL, B64NoPad, B64Single, B64CRLF, B64URL | B64NoPad | B64Single}
	for n := 0; n < 200; n++ {
		data := randBytes(r, n)
		for _, flags := range flagsList {
			enc := B64Encode(data, flags)
			dec, err := B64Decode(enc, flags)
			tcheck(t, err, "decode")
			if !bytes.Equal(dec, data) {
				t.Fatalf("round trip with flags %d for %d bytes: got %x, expected %x", flags, n, dec, data)
			}

			// Streaming writer produces the same output.
			var b bytes.Buffer
			w := NewB64Writer(&b, flags)
			for i := 0; i < len(data); i += 7 {
				_, err := w.Write(data[i:min(i+7, len(data))])
				tcheck(t, err, "write")
			}
			tcheck(t, w.Close(), "close")
			if b.String() != string(enc) {
				t.Fatalf("writer with flags %d for %d bytes: got %q, expected %q", flags, n, b.String(), enc)
			}
		}
	}
}

func TestB64Lines(t *testing.T) {
	data := bytes.Repeat([]byte("x"), B64InputPerLine)
	enc := string(B64Encode(data, 0))
	lines := strings.Split(strings.TrimSuffix(enc, "\n"), "\n")
	if len(lines) != 1 || len(lines[0]) != MaxLineLength {
		t.Fatalf("57 bytes: got lines %q, expected one line of 76 characters", lines)
	}

	data = append(data, 'y')
	enc = string(B64Encode(data, B64CRLF))
	lines = strings.Split(strings.TrimSuffix(enc, "\r\n"), "\r\n")
	if len(lines) != 2 || len(lines[0]) != MaxLineLength || len(lines[1]) != 4 {
		t.Fatalf("58 bytes: got lines %q", lines)
	}

	if enc := B64Encode(data, B64Single); bytes.ContainsAny(enc, "\r\n") {
		t.Fatalf("single line mode has line ending: %q", enc)
	}

	if s := string(B64Encode([]byte("a"), B64NoPad|B64Single)); s != "YQ" {
		t.Fatalf("got %q, expected YQ", s)
	}
	if s := string(B64Encode([]byte{0xfb, 0xff}, B64URL|B64Single)); s != "-_8=" {
		t.Fatalf("got %q, expected -_8=", s)
	}
}

func TestB64Decode(t *testing.T) {
	test := func(s string, flags B64Flags, exp string, experr error) {
		t.Helper()
		buf, err := B64Decode([]byte(s), flags)
		if (err == nil) != (experr == nil) || err != nil && !errors.Is(err, experr) {
			t.Fatalf("decode %q: got err %v, expected %v", s, err, experr)
		}
		if err == nil && string(buf) != exp {
			t.Fatalf("decode %q: got %q, expected %q", s, buf, exp)
		}
	}

	test("aGVs bG8=\r\n", 0, "hello", nil)
	test(" aGVs\n\tbG8 ", 0, "hello", nil)
	test("aGk=IGlnbm9yZWQ=", 0, "hi", nil)
	test("aGVsbG8*", 0, "", ErrMalformed)
	test("-_8=", B64URL, "\xfb\xff", nil)
	test("-_8=", 0, "", ErrMalformed)
	test("aGVsb", 0, "", ErrMalformed)
	test("", 0, "", nil)
}

func TestB64Stream(t *testing.T) {
	var s B64Stream
	var out []byte
	for _, piece := range []string{"aG", "VsbG8g", "d29y\r\n", "bGQ", "="} {
		buf, err := s.Decode([]byte(piece))
		tcheck(t, err, "stream decode")
		out = append(out, buf...)
	}
	if string(out) != "hello world" || s.Pending() != 0 {
		t.Fatalf("got %q, pending %d", out, s.Pending())
	}

	s = B64Stream{}
	buf, err := s.Decode([]byte("aGk"))
	tcheck(t, err, "partial")
	if len(buf) != 0 || s.Pending() != 3 {
		t.Fatalf("partial quartet decoded early: %q, pending %d", buf, s.Pending())
	}
	if _, err := s.Decode([]byte("!")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, expected ErrMalformed", err)
	}
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func TestQPRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	inputs := [][]byte{
		nil,
		[]byte("hello"),
		[]byte("trailing space \nand tab\t\n"),
		[]byte("a=b\r\n"),
		[]byte(strings.Repeat("long line ", 40)),
		[]byte("Grüße\n"),
		[]byte(".\n..\nFrom me\n"),
	}
	for i := 0; i < 100; i++ {
		inputs = append(inputs, randBytes(r, r.Intn(300)))
	}
	for _, data := range inputs {
		enc := QPEncode(data)
		for _, line := range strings.Split(string(enc), "\r\n") {
			if len(line) > MaxLineLength {
				t.Fatalf("encoded line too long (%d): %q", len(line), line)
			}
		}
		dec, err := QPDecode(enc)
		tcheck(t, err, "decode")
		if normalize(string(dec)) != normalize(string(data)) {
			t.Fatalf("round trip: got %q, expected %q", dec, data)
		}
	}
}

func TestQPDecode(t *testing.T) {
	buf, err := QPDecode([]byte("soft=\r\nbreak=3D=C3=BC\r\n"))
	tcheck(t, err, "decode")
	if string(buf) != "softbreak=ü\r\n" {
		t.Fatalf("got %q", buf)
	}

	_, err = QPDecode([]byte("bad=ZZ\r\n"))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, expected ErrMalformed", err)
	}

	// Read errors of the underlying reader are not malformed data.
	_, err = io.ReadAll(NewQPReader(io.MultiReader(strings.NewReader("ok"), errReader{})))
	if err == nil || errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, expected plain read error", err)
	}
}

type errReader struct{}

func (errReader) Read(buf []byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestQPHeader(t *testing.T) {
	enc := QPEncodeHeader([]byte("a b=c?d_e\tü"))
	if string(enc) != "a_b=3Dc=3Fd=5Fe=09=C3=BC" {
		t.Fatalf("got %q", enc)
	}
	dec, err := QPDecodeHeader(enc)
	tcheck(t, err, "decode header")
	if string(dec) != "a b=c?d_e\tü" {
		t.Fatalf("got %q", dec)
	}
	if _, err := QPDecodeHeader([]byte("=4")); !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, expected ErrMalformed", err)
	}
}

func TestNeedsQP(t *testing.T) {
	test := func(s string, exp bool) {
		t.Helper()
		if got := NeedsQP([]byte(s)); got != exp {
			t.Fatalf("NeedsQP(%q) got %v, expected %v", s, got, exp)
		}
	}
	test("Hello\n", false)
	test("Hello\r\nWorld\r\n", false)
	test("tab\tok\n", false)
	test("Grüße\n", true)
	test("bare\rcr", true)
	test("nul\x00", true)
	test(strings.Repeat("x", 949)+"\n", false)
	test(strings.Repeat("x", 950)+"\n", true)
}

func TestEncodeWords(t *testing.T) {
	utf8conv := func(s string) ([]byte, error) { return []byte(s), nil }

	test := func(value string) {
		t.Helper()
		enc, err := EncodeWords("utf-8", value, utf8conv)
		tcheck(t, err, "encode words")
		if !HeaderSafe(enc) {
			t.Fatalf("encoded value not header safe: %q", enc)
		}
		for _, w := range strings.Split(enc, " ") {
			if len(w) > maxWordLen {
				t.Fatalf("encoded word too long: %q", w)
			}
		}
		dec, err := new(mime.WordDecoder).DecodeHeader(enc)
		tcheck(t, err, "decode header")
		if dec != value {
			t.Fatalf("got %q after decoding %q, expected %q", dec, enc, value)
		}
	}

	test("plain subject")
	test("Grüße aus Köln")
	test("Mjölner Lärm Öl tail")
	test(strings.Repeat("ü", 80))
	test("=?utf-8?q?looks_encoded?= but is not")
	test("日本語のテキスト")

	if enc, _ := EncodeWords("utf-8", "plain", utf8conv); enc != "plain" {
		t.Fatalf("safe value was encoded: %q", enc)
	}

	failconv := func(s string) ([]byte, error) { return nil, errors.New("unrepresentable") }
	if _, err := EncodeWords("us-ascii", "nö", failconv); err == nil {
		t.Fatalf("conversion error not returned")
	}
}
