package message

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Encoding is a Content-Transfer-Encoding.
type Encoding string

const (
	Enc7bit   Encoding = "7bit"
	Enc8bit   Encoding = "8bit"
	EncQP     Encoding = "quoted-printable"
	EncBase64 Encoding = "base64"
)

// ParseEncoding parses the configured preferred encoding for text with 8-bit
// data. An empty string is quoted-printable.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(strings.ToLower(s)) {
	case "", EncQP, "qp":
		return EncQP, nil
	case Enc8bit:
		return Enc8bit, nil
	case EncBase64, "b64":
		return EncBase64, nil
	}
	return "", fmt.Errorf("unknown encoding %q", s)
}

// Lines of this length or longer must be encoded.
const maxLineLength = 950

// Class holds properties of text or data that determine how it can be sent.
type Class struct {
	Size      int64
	Has8bit   bool // Bytes with the high bit set.
	HasNUL    bool // NUL bytes, data is binary.
	HasCTL    bool // Control characters other than tab and line endings, or a bare CR.
	LongLines bool // A line of maxLineLength or more.
	EndsNL    bool // Data is empty or ends with a newline.
}

// Classify reads all of r and returns its class.
func Classify(r io.Reader) (Class, error) {
	c := Class{EndsNL: true}
	br := bufio.NewReader(r)
	var n int
	var prevCR bool
	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		} else if err != nil {
			return c, err
		}
		c.Size++
		if prevCR && b != '\n' {
			c.HasCTL = true
		}
		prevCR = b == '\r'
		c.EndsNL = b == '\n'
		switch {
		case b == '\n':
			n = 0
			continue
		case b == '\r':
			continue
		case b == 0:
			c.HasNUL = true
		case b >= 0x80:
			c.Has8bit = true
		case b < ' ' && b != '\t' || b == 0x7f:
			c.HasCTL = true
		}
		n++
		if n >= maxLineLength {
			c.LongLines = true
		}
	}
	if prevCR {
		c.HasCTL = true
	}
	return c, nil
}

// Binary returns whether the data cannot be sent as text.
func (c Class) Binary() bool {
	return c.HasNUL
}

// Encoding returns the transfer encoding for text of class c. Pref is the
// configured preference for 8-bit text: quoted-printable, 8bit or base64.
func (c Class) Encoding(pref Encoding) Encoding {
	switch {
	case c.HasNUL:
		return EncBase64
	case !c.Has8bit && !c.LongLines && !c.HasCTL:
		return Enc7bit
	case pref == EncBase64:
		return EncBase64
	case pref == Enc8bit && !c.LongLines && !c.HasCTL:
		return Enc8bit
	}
	return EncQP
}
