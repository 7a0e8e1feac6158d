package xio

import (
	"io"
)

// CRLFWriter replaces bare \n line endings with \r\n while writing through to
// an underlying writer, and records whether 8-bit data was written.
type CRLFWriter struct {
	w       io.Writer
	Has8bit bool
	Size    int64 // Bytes written to the underlying writer.
	lastCR  bool
}

// NewCRLFWriter returns a writer that canonicalizes line endings for the wire.
func NewCRLFWriter(w io.Writer) *CRLFWriter {
	return &CRLFWriter{w: w}
}

// Write implements io.Writer. The returned count refers to bytes of buf.
func (w *CRLFWriter) Write(buf []byte) (int, error) {
	wrote := 0
	o := 0
	for i, b := range buf {
		if b&0x80 != 0 {
			w.Has8bit = true
		}
		if b != '\n' || (i > 0 && buf[i-1] == '\r') || (i == 0 && w.lastCR) {
			continue
		}
		if i > o {
			n, err := w.w.Write(buf[o:i])
			wrote += n
			w.Size += int64(n)
			if err != nil {
				return wrote, err
			}
		}
		n, err := w.w.Write([]byte("\r\n"))
		w.Size += int64(n)
		if n == 2 {
			wrote++
		}
		if err != nil {
			return wrote, err
		}
		o = i + 1
	}
	if o < len(buf) {
		n, err := w.w.Write(buf[o:])
		wrote += n
		w.Size += int64(n)
		if err != nil {
			return wrote, err
		}
	}
	if len(buf) > 0 {
		w.lastCR = buf[len(buf)-1] == '\r'
	}
	return wrote, nil
}
