// Package xio has common i/o functions for the protocol and message code.
package xio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mjl-/mailout/mlog"
)

// ErrLineTooLong is returned by Linepool.Readline.
var ErrLineTooLong = errors.New("line from remote too long")

// Linepool caches byte slices for reuse while reading line-terminated protocol
// responses.
type Linepool struct {
	c    chan []byte
	size int
}

// NewLinepool makes a new pool, initially empty, but holding at most "max"
// buffers of "size" bytes each. Size is the maximum length of a line.
func NewLinepool(max, size int) *Linepool {
	return &Linepool{
		c:    make(chan []byte, max),
		size: size,
	}
}

func (p *Linepool) get() []byte {
	select {
	case buf := <-p.c:
		return buf
	default:
		return make([]byte, p.size)
	}
}

// put returns buf to the pool after clearing the first n bytes, the part that
// held line data. Buffers of the wrong size are dropped.
func (p *Linepool) put(log mlog.Log, buf []byte, n int) {
	if len(buf) != p.size {
		log.Error("buffer with bad size returned, ignoring", slog.Int("badsize", len(buf)), slog.Int("expsize", p.size))
		return
	}
	clear(buf[:n])
	select {
	case p.c <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line. Line is returned without \n or
// \r\n. If the line was too long, ErrLineTooLong is returned. If an EOF is
// encountered before a \n, io.ErrUnexpectedEOF is returned, also when some data
// was read.
func (p *Linepool) Readline(log mlog.Log, r *bufio.Reader) (line string, rerr error) {
	var nread int
	buf := p.get()
	defer func() {
		p.put(log, buf, nread)
	}()

	// We don't want to consume data until we finally see a newline, which may be
	// never. A line that does not fit is an unrecoverable protocol error.
	for {
		if nread >= len(buf) {
			return "", fmt.Errorf("%w: no newline after all %d bytes", ErrLineTooLong, nread)
		}
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c == '\n' {
			n := nread
			if n > 0 && buf[n-1] == '\r' {
				n--
			}
			s := string(buf[:n])
			nread++
			return s, nil
		}
		buf[nread] = c
		nread++
	}
}
