package codec

import (
	"encoding/base64"
	"fmt"
	"io"
)

// B64Flags change the base64 encoding and line wrapping.
type B64Flags int

const (
	B64URL    B64Flags = 1 << iota // URL-safe alphabet instead of the standard one.
	B64NoPad                       // Omit trailing "=" padding.
	B64Single                      // No line wrapping, one contiguous line without line ending.
	B64CRLF                        // Lines end with CRLF instead of LF.
)

// B64InputPerLine is the number of input bytes encoded per output line of
// MaxLineLength characters.
const B64InputPerLine = 57

func (f B64Flags) encoding() *base64.Encoding {
	enc := base64.StdEncoding
	if f&B64URL != 0 {
		enc = base64.URLEncoding
	}
	if f&B64NoPad != 0 {
		enc = enc.WithPadding(base64.NoPadding)
	}
	return enc
}

func (f B64Flags) eol() string {
	if f&B64CRLF != 0 {
		return "\r\n"
	}
	return "\n"
}

// B64Encode returns data in base64. Unless B64Single is set, the output is
// wrapped into lines of 76 characters, each terminated with LF or CRLF,
// including the last line. Empty input gives empty output.
func B64Encode(data []byte, flags B64Flags) []byte {
	enc := flags.encoding()
	if flags&B64Single != 0 {
		buf := make([]byte, enc.EncodedLen(len(data)))
		enc.Encode(buf, data)
		return buf
	}
	eol := flags.eol()
	nlines := (len(data) + B64InputPerLine - 1) / B64InputPerLine
	out := make([]byte, 0, enc.EncodedLen(len(data))+nlines*len(eol))
	for len(data) > 0 {
		n := min(len(data), B64InputPerLine)
		line := make([]byte, enc.EncodedLen(n))
		enc.Encode(line, data[:n])
		out = append(out, line...)
		out = append(out, eol...)
		data = data[n:]
	}
	return out
}

// b64Writer buffers input to whole lines.
type b64Writer struct {
	w     io.Writer
	flags B64Flags
	buf   []byte
	err   error
}

// NewB64Writer returns a writer that base64-encodes to w with the same line
// wrapping as B64Encode. Close must be called to flush the last line, it does
// not close w.
func NewB64Writer(w io.Writer, flags B64Flags) io.WriteCloser {
	return &b64Writer{w: w, flags: flags}
}

func (bw *b64Writer) flush(final bool) error {
	if bw.err != nil {
		return bw.err
	}
	n := len(bw.buf)
	if !final && bw.flags&B64Single != 0 {
		// Encode only whole 3-byte groups before the end.
		n -= n % 3
	} else if !final {
		n -= n % B64InputPerLine
	}
	if n == 0 {
		return nil
	}
	var out []byte
	if bw.flags&B64Single != 0 {
		enc := bw.flags.encoding()
		out = make([]byte, enc.EncodedLen(n))
		enc.Encode(out, bw.buf[:n])
	} else {
		out = B64Encode(bw.buf[:n], bw.flags)
	}
	if _, err := bw.w.Write(out); err != nil {
		bw.err = err
		return err
	}
	bw.buf = append(bw.buf[:0], bw.buf[n:]...)
	return nil
}

func (bw *b64Writer) Write(buf []byte) (int, error) {
	if bw.err != nil {
		return 0, bw.err
	}
	bw.buf = append(bw.buf, buf...)
	if len(bw.buf) >= 16*B64InputPerLine {
		if err := bw.flush(false); err != nil {
			return 0, err
		}
	}
	return len(buf), nil
}

func (bw *b64Writer) Close() error {
	return bw.flush(true)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '\v' || c == '\f'
}

// clean removes whitespace and everything from the first "=". It returns an
// error for characters outside the alphabet.
func clean(data []byte, flags B64Flags) ([]byte, error) {
	alpha := "+/"
	if flags&B64URL != 0 {
		alpha = "-_"
	}
	out := make([]byte, 0, len(data))
	for i, c := range data {
		switch {
		case isSpace(c):
			continue
		case c == '=':
			return out, nil
		case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == alpha[0] || c == alpha[1]:
			out = append(out, c)
		default:
			return nil, fmt.Errorf("%w: base64: invalid character %q at offset %d", ErrMalformed, c, i)
		}
	}
	return out, nil
}

// B64Decode decodes base64 data. Whitespace is skipped, decoding stops at the
// first "=" padding character. Only B64URL is relevant in flags.
func B64Decode(data []byte, flags B64Flags) ([]byte, error) {
	cleaned, err := clean(data, flags)
	if err != nil {
		return nil, err
	}
	if len(cleaned)%4 == 1 {
		return nil, fmt.Errorf("%w: base64: truncated quartet", ErrMalformed)
	}
	enc := (flags & B64URL).encoding().WithPadding(base64.NoPadding)
	buf := make([]byte, enc.DecodedLen(len(cleaned)))
	n, err := enc.Decode(buf, cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	return buf[:n], nil
}

// B64Stream decodes base64 data arriving in pieces, e.g. SASL tokens split over
// lines. Only whole quartets are decoded, a partial quartet is kept for the
// next call.
type B64Stream struct {
	Flags B64Flags
	pend  []byte
	done  bool
}

// Decode returns the bytes for all whole quartets seen so far.
func (s *B64Stream) Decode(data []byte) ([]byte, error) {
	if s.done {
		return nil, nil
	}
	cleaned, err := clean(data, s.Flags)
	if err != nil {
		return nil, err
	}
	if i := indexPad(data); i >= 0 {
		s.done = true
	}
	s.pend = append(s.pend, cleaned...)
	n := len(s.pend) - len(s.pend)%4
	if s.done {
		n = len(s.pend)
	}
	if n == 0 {
		return nil, nil
	}
	buf, err := B64Decode(s.pend[:n], s.Flags)
	s.pend = append(s.pend[:0], s.pend[n:]...)
	return buf, err
}

// Pending returns the number of buffered characters of an incomplete quartet.
func (s *B64Stream) Pending() int {
	return len(s.pend)
}

func indexPad(data []byte) int {
	for i, c := range data {
		if c == '=' {
			return i
		}
	}
	return -1
}
