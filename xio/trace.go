package xio

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/mjl-/mailout/mlog"
)

// TraceWriter logs each line written through it, with a prefix like "LC: ".
// Partial lines are held back until their newline is written, or until Flush.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
	pend   []byte
}

// NewTraceWriter wraps "w" into a writer that logs all written lines to "log"
// with log level trace, prefixed with "prefix".
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log: log, prefix: prefix, w: w, level: mlog.LevelTrace}
}

// Write logs complete lines, then writes buf to the underlying writer.
func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.pend = traceLines(w.log, w.level, w.prefix, append(w.pend, buf...))
	return w.w.Write(buf)
}

// Flush logs a pending partial line, if any.
func (w *TraceWriter) Flush() {
	if len(w.pend) > 0 {
		w.log.Trace(w.level, w.prefix, w.pend)
		w.pend = nil
	}
}

// SetTrace changes the trace level for subsequent writes, e.g. to traceauth
// while sending credentials or tracedata during DATA. A pending partial line is
// logged at the previous level first.
func (w *TraceWriter) SetTrace(level slog.Level) {
	w.Flush()
	w.level = level
}

// TraceReader logs each line read through it.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
	pend   []byte
}

// NewTraceReader wraps reader "r" into a reader that logs all lines read to
// "log" with log level trace, prefixed with "prefix".
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log: log, prefix: prefix, r: r, level: mlog.LevelTrace}
}

// Read does a single Read on its underlying reader, logs completed lines, and
// returns the data read.
func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.pend = traceLines(r.log, r.level, r.prefix, append(r.pend, buf[:n]...))
	}
	if err != nil && len(r.pend) > 0 {
		r.log.Trace(r.level, r.prefix, r.pend)
		r.pend = nil
	}
	return n, err
}

// SetTrace changes the trace level for subsequent reads.
func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}

// traceLines logs each complete line in buf without its line ending and returns
// the remaining partial line.
func traceLines(log mlog.Log, level slog.Level, prefix string, buf []byte) []byte {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		log.Trace(level, prefix, bytes.TrimSuffix(buf[:i], []byte("\r")))
		buf = buf[i+1:]
	}
	if len(buf) == 0 {
		return nil
	}
	return append([]byte(nil), buf...)
}
