package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime/quotedprintable"
)

// NewQPWriter returns a writer that encodes as quoted-printable to w. Lines are
// at most 76 characters, bare LF and CRLF line endings are written as CRLF, and
// whitespace before a line ending is encoded. Close flushes, it does not close
// w.
func NewQPWriter(w io.Writer) io.WriteCloser {
	return quotedprintable.NewWriter(w)
}

// QPEncode returns data encoded as quoted-printable with CRLF line endings.
func QPEncode(data []byte) []byte {
	var b bytes.Buffer
	qw := NewQPWriter(&b)
	// Writes to a bytes.Buffer don't fail.
	qw.Write(data)
	qw.Close()
	return b.Bytes()
}

// NeedsQP returns whether text needs quoted-printable (or base64) for
// transport: when it has bytes that are not 7-bit ASCII, lines of 950 or more
// characters, control characters other than tab, or bare carriage returns.
func NeedsQP(text []byte) bool {
	n := 0
	for i, c := range text {
		switch {
		case c == '\n':
			n = 0
			continue
		case c == '\r':
			if i+1 >= len(text) || text[i+1] != '\n' {
				return true
			}
			continue
		case c >= 0x80, c == 0, c < ' ' && c != '\t', c == 0x7f:
			return true
		}
		n++
		if n >= 950 {
			return true
		}
	}
	return false
}

// QPEncodeHeader returns data in the quoted-printable variant for encoded words
// in headers (RFC 2047 "Q"): spaces become underscores, and "=", "?", "_",
// tabs, control and 8-bit characters are escaped. No line wrapping is done.
func QPEncodeHeader(data []byte) []byte {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(data))
	for _, c := range data {
		switch {
		case c == ' ':
			out = append(out, '_')
		case c > ' ' && c < 0x7f && c != '=' && c != '?' && c != '_':
			out = append(out, c)
		default:
			out = append(out, '=', hex[c>>4], hex[c&0xf])
		}
	}
	return out
}

// QPHeaderLen returns the length of the header encoding of data.
func QPHeaderLen(data []byte) int {
	n := 0
	for _, c := range data {
		if c >= ' ' && c < 0x7f && c != '=' && c != '?' && c != '_' {
			n++
		} else {
			n += 3
		}
	}
	return n
}

// NewQPReader returns a reader that decodes quoted-printable data from r.
// Trailing whitespace on lines is removed, "=" at the end of a line is a soft
// line break, and "=XX" is replaced by its byte. An "=" followed by anything
// else is an error wrapping ErrMalformed. Line endings are passed through as
// is.
func NewQPReader(r io.Reader) io.Reader {
	return &qpReader{br: bufio.NewReader(r)}
}

type qpReader struct {
	br   *bufio.Reader
	out  []byte // Decoded, not yet returned.
	rerr error
}

func (r *qpReader) Read(buf []byte) (int, error) {
	for len(r.out) == 0 {
		if r.rerr != nil {
			return 0, r.rerr
		}
		line, err := r.br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// Very long line, decode what we have, but keep trailing whitespace and a
			// partial escape for the next read.
			line = append([]byte(nil), line...)
			cut := len(line)
			o := max(0, cut-2)
			if i := bytes.LastIndexByte(line[o:], '='); i >= 0 {
				cut = o + i
			}
			cut = len(bytes.TrimRight(line[:cut], " \t"))
			if cut > 0 {
				rest := line[cut:]
				line = line[:cut]
				r.br = bufio.NewReader(io.MultiReader(bytes.NewReader(rest), r.br))
			}
			err = nil
		} else if err != nil && err != io.EOF {
			r.rerr = err
		} else if err == io.EOF {
			r.rerr = io.EOF
		}
		var derr error
		r.out, derr = qpDecodeLine(r.out[:0], line)
		if derr != nil {
			r.rerr = derr
			r.out = nil
		}
	}
	n := copy(buf, r.out)
	r.out = r.out[n:]
	return n, nil
}

// qpDecodeLine decodes one line, including its line ending if any.
func qpDecodeLine(out, line []byte) ([]byte, error) {
	var eol []byte
	if bytes.HasSuffix(line, []byte("\r\n")) {
		eol = line[len(line)-2:]
	} else if bytes.HasSuffix(line, []byte("\n")) {
		eol = line[len(line)-1:]
	}
	line = bytes.TrimRight(line[:len(line)-len(eol)], " \t")
	if bytes.HasSuffix(line, []byte("=")) {
		line = line[:len(line)-1]
		eol = nil
	}
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c != '=' {
			out = append(out, c)
			continue
		}
		if i+2 >= len(line) {
			return nil, fmt.Errorf("%w: quoted-printable: truncated escape %q", ErrMalformed, line[i:])
		}
		h, ok1 := unhex(line[i+1])
		l, ok2 := unhex(line[i+2])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: quoted-printable: invalid escape %q", ErrMalformed, line[i:i+3])
		}
		out = append(out, h<<4|l)
		i += 2
	}
	return append(out, eol...), nil
}

// QPDecode decodes quoted-printable data. Soft line breaks are removed, "=XX"
// escapes are replaced by their byte. Invalid sequences give an error wrapping
// ErrMalformed.
func QPDecode(data []byte) ([]byte, error) {
	return io.ReadAll(NewQPReader(bytes.NewReader(data)))
}

// QPDecodeHeader decodes the header variant of quoted-printable, with
// underscores for spaces.
func QPDecodeHeader(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch c {
		case '_':
			out = append(out, ' ')
		case '=':
			if i+2 >= len(data) {
				return nil, fmt.Errorf("%w: truncated escape", ErrMalformed)
			}
			h, ok1 := unhex(data[i+1])
			l, ok2 := unhex(data[i+2])
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: invalid escape %q", ErrMalformed, data[i:i+3])
			}
			out = append(out, h<<4|l)
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
