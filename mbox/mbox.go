// Package mbox appends messages to mbox files and reads them back.
//
// Messages are stored after a "From <sender> <date>" line and followed by an
// empty line. Lines in a message starting with zero or more ">" followed by
// "From " get an additional ">" (mboxrd), which is removed again when
// reading.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrNoMessage is returned for message numbers that are not in the folder.
var ErrNoMessage = errors.New("no such message")

var fromWord = []byte("From ")

// Write writes msg in mbox format to w. Lines in msg may end with CRLF or LF,
// they are written with LF. An empty from is written as "MAILER-DAEMON".
func Write(w io.Writer, from string, received time.Time, msg io.Reader) error {
	if from == "" {
		from = "MAILER-DAEMON"
	}
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "From %s %s\n", from, received.Format(time.ANSIC)); err != nil {
		return fmt.Errorf("writing from line: %w", err)
	}
	r := bufio.NewReader(msg)
	for {
		line, rerr := r.ReadBytes('\n')
		if rerr != io.EOF && rerr != nil {
			return fmt.Errorf("reading message: %w", rerr)
		}
		if len(line) > 0 {
			if bytes.HasSuffix(line, []byte("\r\n")) {
				line = line[:len(line)-1]
				line[len(line)-1] = '\n'
			} else if !bytes.HasSuffix(line, []byte("\n")) {
				line = append(line, '\n')
			}
			if bytes.HasPrefix(bytes.TrimLeft(line, ">"), fromWord) {
				if err := bw.WriteByte('>'); err != nil {
					return fmt.Errorf("writing escaping >: %w", err)
				}
			}
			if _, err := bw.Write(line); err != nil {
				return fmt.Errorf("writing line: %w", err)
			}
		}
		if rerr == io.EOF {
			break
		}
	}
	if err := bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing end of message newline: %w", err)
	}
	return bw.Flush()
}

// Append appends msg in mbox format to the file at path, creating it with
// mode 0600 if needed. On error, the file is truncated to its original size.
func Append(path, from string, received time.Time, msg io.Reader) (rerr error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("opening mbox: %w", err)
	}
	defer func() {
		err := f.Close()
		if rerr == nil && err != nil {
			rerr = fmt.Errorf("closing mbox: %w", err)
		}
	}()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}
	size := fi.Size()

	// Messages must be preceded by an empty line, also when another program
	// left the file without one.
	if size > 0 {
		last, err := lastBytes(path, size)
		if err != nil {
			return err
		}
		if n := countNL(last); n < 2 {
			if _, err := f.Write([]byte("\n\n")[n:]); err != nil {
				return fmt.Errorf("writing separator: %w", err)
			}
		}
	}

	if err := Write(f, from, received, msg); err != nil {
		if terr := f.Truncate(size); terr != nil {
			err = errors.Join(err, fmt.Errorf("truncating mbox after error: %w", terr))
		}
		return err
	}
	return nil
}

// lastBytes returns the last two bytes of the file, with a leading 0 for
// files of one byte.
func lastBytes(path string, size int64) ([2]byte, error) {
	var b [2]byte
	f, err := os.Open(path)
	if err != nil {
		return b, fmt.Errorf("opening mbox: %w", err)
	}
	defer f.Close()
	off := max(0, size-2)
	n, err := f.ReadAt(b[2-(size-off):], off)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == size-off) {
		return b, fmt.Errorf("reading end of mbox: %w", err)
	}
	return b, nil
}

// countNL returns the number of trailing newlines in b.
func countNL(b [2]byte) int {
	if b[1] != '\n' {
		return 0
	} else if b[0] != '\n' {
		return 1
	}
	return 2
}
