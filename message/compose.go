package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/mjl-/mailout/codec"
)

var (
	ErrMessageSize = errors.New("message too large")
	ErrCompose     = errors.New("compose")
)

// Composer helps compose a message. Operations that fail call panic, which should
// be caught with recover(), checking for ErrCompose and optionally ErrMessageSize.
// Writes are buffered. Messages are written with LF line endings, conversion to
// CRLF happens when sending.
type Composer struct {
	Has8bit bool  // Whether message contains 8bit data.
	Size    int64 // Total bytes written.

	bw      *bufio.Writer
	maxSize int64 // If greater than zero, writes beyond maximum size raise ErrMessageSize.
}

// NewComposer initializes a new composer with a buffered writer around w, and
// with a maximum message size if maxSize is greater than zero.
// Operations on a Composer do not return an error. Caller must use recover() to
// catch ErrCompose and optionally ErrMessageSize errors.
func NewComposer(w io.Writer, maxSize int64) *Composer {
	return &Composer{bw: bufio.NewWriter(w), maxSize: maxSize}
}

// Write implements io.Writer, but calls panic (that is handled higher up) on
// i/o errors.
func (c *Composer) Write(buf []byte) (int, error) {
	if c.maxSize > 0 && c.Size+int64(len(buf)) > c.maxSize {
		c.Checkf(ErrMessageSize, "writing message")
	}
	if !c.Has8bit {
		for _, b := range buf {
			if b&0x80 != 0 {
				c.Has8bit = true
				break
			}
		}
	}
	n, err := c.bw.Write(buf)
	if n > 0 {
		c.Size += int64(n)
	}
	c.Checkf(err, "write")
	return n, nil
}

// WriteString writes s.
func (c *Composer) WriteString(s string) {
	_, _ = c.Write([]byte(s))
}

// Checkf checks err, panicing with sentinel error value.
func (c *Composer) Checkf(err error, format string, args ...any) {
	if err != nil {
		// We expose the original error too, needed at least for ErrMessageSize
		// and for charset errors that cause a retry with another charset.
		panic(fmt.Errorf("%w: %w: %v", ErrCompose, err, fmt.Sprintf(format, args...)))
	}
}

// Flush writes any buffered output.
func (c *Composer) Flush() {
	err := c.bw.Flush()
	c.Checkf(err, "flush")
}

// Header writes a message header field.
func (c *Composer) Header(k, v string) {
	c.WriteString(k + ": " + v + "\n")
}

// Line writes an empty line.
func (c *Composer) Line() {
	c.WriteString("\n")
}

// lfWriter drops the CRs from the output of the quoted-printable writer. That
// writer only writes CR as part of a CRLF line break: a bare CR in the input is
// turned into a line break too, so it ends up as LF in the message.
type lfWriter struct {
	w io.Writer
}

func (w lfWriter) Write(buf []byte) (int, error) {
	o := 0
	for i, b := range buf {
		if b != '\r' {
			continue
		}
		if i > o {
			if _, err := w.w.Write(buf[o:i]); err != nil {
				return o, err
			}
		}
		o = i + 1
	}
	if o < len(buf) {
		if _, err := w.w.Write(buf[o:]); err != nil {
			return o, err
		}
	}
	return len(buf), nil
}

// nlWriter passes data through, and on close writes a newline if the data did
// not end with one.
type nlWriter struct {
	w    io.Writer
	last byte
}

func (w *nlWriter) Write(buf []byte) (int, error) {
	if len(buf) > 0 {
		w.last = buf[len(buf)-1]
	}
	return w.w.Write(buf)
}

func (w *nlWriter) Close() error {
	if w.last != 0 && w.last != '\n' {
		w.last = '\n'
		_, err := w.w.Write([]byte("\n"))
		return err
	}
	return nil
}

// PartWriter returns a writer that encodes data written to it with enc and
// writes it to the composer. Close must be called to write the last data. After
// close, the part ends with a newline if any data was written.
func (c *Composer) PartWriter(enc Encoding) io.WriteCloser {
	nw := &nlWriter{w: c}
	switch enc {
	case EncQP:
		return &chainCloser{codec.NewQPWriter(lfWriter{nw}), nw}
	case EncBase64:
		return codec.NewB64Writer(c, 0)
	}
	return nw
}

// chainCloser closes the encoding writer and then the writer it writes to.
type chainCloser struct {
	io.WriteCloser
	next io.Closer
}

func (c *chainCloser) Close() error {
	err := c.WriteCloser.Close()
	if xerr := c.next.Close(); err == nil {
		err = xerr
	}
	return err
}
