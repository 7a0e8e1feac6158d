package mbox

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// span is the location of a message in an mbox file, excluding its From line
// and the empty line separating it from the next message.
type span struct {
	fromLine string
	start    int64
	end      int64
}

// Folder is an mbox file opened for reading messages by number, for "#N"
// message references and for resending. It implements attach.MessageSource.
// Changes to the file after Open are not seen.
type Folder struct {
	path     string
	messages []span
}

// Open reads the mbox file at path and indexes its messages. A file that does
// not exist is an empty folder.
func Open(path string) (*Folder, error) {
	fo := &Folder{path: path}
	f, err := os.Open(path)
	if err != nil && os.IsNotExist(err) {
		return fo, nil
	} else if err != nil {
		return nil, fmt.Errorf("opening mbox: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	var lineno int
	prevempty := true
	var prevlen int64 // Length of previous line if it was empty.
	var cur *span
	finish := func(end int64) {
		if cur == nil {
			return
		}
		cur.end = end
		// The empty line before the next From line is a separator.
		if prevempty && cur.end-prevlen >= cur.start {
			cur.end -= prevlen
		}
		fo.messages = append(fo.messages, *cur)
		cur = nil
	}
	for {
		line, err := r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading mbox: %w", err)
		}
		if len(line) > 0 {
			lineno++
			if prevempty && bytes.HasPrefix(line, fromWord) {
				finish(offset)
				cur = &span{fromLine: strings.TrimRight(string(line), "\r\n"), start: offset + int64(len(line))}
			} else if cur == nil {
				return nil, fmt.Errorf(`%s:%d: first line does not start with "From "`, path, lineno)
			}
			offset += int64(len(line))
			prevempty = string(line) == "\n" || string(line) == "\r\n"
			prevlen = 0
			if prevempty {
				prevlen = int64(len(line))
			}
		}
		if err == io.EOF {
			break
		}
	}
	finish(offset)
	return fo, nil
}

// Count returns the number of messages.
func (fo *Folder) Count() int {
	return len(fo.messages)
}

// Received returns the time from the From line of message n, or the zero time.
func (fo *Folder) Received(n int) time.Time {
	if n < 1 || n > len(fo.messages) {
		return time.Time{}
	}
	t := strings.SplitN(fo.messages[n-1].fromLine, " ", 3)
	if len(t) != 3 {
		return time.Time{}
	}
	for _, l := range []string{time.ANSIC, time.UnixDate, time.RubyDate} {
		if tm, err := time.Parse(l, strings.TrimSpace(t[2])); err == nil {
			return tm
		}
	}
	return time.Time{}
}

// Message returns message n, starting at 1, without From line and with
// ">From" quoting removed.
func (fo *Folder) Message(n int) (io.ReadCloser, error) {
	if n < 1 || n > len(fo.messages) {
		return nil, fmt.Errorf("%w: %d, folder has %d messages", ErrNoMessage, n, len(fo.messages))
	}
	s := fo.messages[n-1]
	f, err := os.Open(fo.path)
	if err != nil {
		return nil, fmt.Errorf("opening mbox: %w", err)
	}
	return &messageReader{
		f:  f,
		br: bufio.NewReader(io.NewSectionReader(f, s.start, s.end-s.start)),
	}, nil
}

// messageReader reads a message, unquoting ">From" lines.
type messageReader struct {
	f    *os.File
	br   *bufio.Reader
	line []byte // Remaining unquoted data of current line.
	err  error
}

func (r *messageReader) Read(buf []byte) (int, error) {
	for len(r.line) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.line, r.err = r.br.ReadBytes('\n')
		if r.err != nil && r.err != io.EOF {
			r.line = nil
		}
		if bytes.HasPrefix(r.line, []byte(">")) && bytes.HasPrefix(bytes.TrimLeft(r.line, ">"), fromWord) {
			r.line = r.line[1:]
		}
	}
	n := copy(buf, r.line)
	r.line = r.line[n:]
	return n, nil
}

func (r *messageReader) Close() error {
	return r.f.Close()
}
