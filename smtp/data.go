package smtp

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

var dotcrlf = []byte(".\r\n")

// DataWrite reads a message from r and writes it to w as the data of an SMTP
// DATA command, ../rfc/5321:2003
//
// Lines may end in LF or CRLF, they are written with CRLF. Every line starting
// with a dot gets an extra dot. A missing final line ending is added, followed
// by the terminating ".\r\n". If stripBcc is set, Bcc fields in the message
// header, including their continuation lines, are left out.
func DataWrite(w io.Writer, r io.Reader, stripBcc bool) error {
	br := bufio.NewReaderSize(r, 8*1024)
	bw := bufio.NewWriterSize(w, 8*1024)

	inHeader := true
	skip := false
	bol := true     // At beginning of line.
	pendCR := false // CR at end of a partial line, may be followed by LF.
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			full := line[len(line)-1] == '\n'
			text := line
			if full {
				text = bytes.TrimSuffix(text[:len(text)-1], []byte("\r"))
			}
			if pendCR && line[0] != '\n' {
				text = append([]byte{'\r'}, text...)
			}
			pendCR = false
			if !full && len(text) > 0 && text[len(text)-1] == '\r' {
				pendCR = true
				text = text[:len(text)-1]
			}

			if bol && inHeader && (full || len(text) > 0) {
				switch {
				case len(text) == 0:
					inHeader = false
					skip = false
				case text[0] == ' ' || text[0] == '\t':
					// Continuation line, skipped along with its field.
				default:
					skip = stripBcc && isBcc(text)
				}
			}

			if !skip || !inHeader {
				if bol && len(text) > 0 && text[0] == '.' {
					if err := bw.WriteByte('.'); err != nil {
						return err
					}
				}
				if _, err := bw.Write(text); err != nil {
					return err
				}
				if full {
					if _, err := bw.WriteString("\r\n"); err != nil {
						return err
					}
				}
			}
			bol = full
		}
		if err == bufio.ErrBufferFull {
			continue
		} else if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if pendCR && !skip {
		if err := bw.WriteByte('\r'); err != nil {
			return err
		}
	}
	if !bol {
		if _, err := bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := bw.Write(dotcrlf); err != nil {
		return err
	}
	return bw.Flush()
}

// isBcc returns whether a header line starts a Bcc field.
func isBcc(line []byte) bool {
	name, _, ok := bytes.Cut(line, []byte(":"))
	return ok && strings.EqualFold(strings.TrimRight(string(name), " \t"), "bcc")
}
