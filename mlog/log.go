// Package mlog providers helpers on top of slog.Logger.
//
// Packages of mailout that are allowed to log should take a parameter of type
// *slog.Logger and use mlog.New to wrap it. Each package has a "pkg" attribute
// that is used to match against the configured per-package log level. Log
// levels below debug are used for protocol traces: trace for SMTP lines,
// traceauth for lines with credentials, tracedata for message data.
//
// Print should be used for lines that always should be printed, regardless of
// configured log levels. Useful for subcommands.
//
// Fatal stops the program. Its log text is always printed.
package mlog

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

// Logfmt enables logfmt output instead of the default human-readable format.
var Logfmt bool

// Log levels, ordered by increasing verbosity from Print to Tracedata.
const (
	LevelPrint     slog.Level = 12 // Printed regardless of configured log level.
	LevelFatal     slog.Level = 10 // Printed regardless of configured log level.
	LevelError     slog.Level = slog.LevelError
	LevelInfo      slog.Level = slog.LevelInfo
	LevelDebug     slog.Level = slog.LevelDebug
	LevelTrace     slog.Level = -6
	LevelTraceauth slog.Level = -8
	LevelTracedata slog.Level = -10
)

// LevelStrings maps a level to its name in configuration and log output.
var LevelStrings = map[slog.Level]string{
	LevelPrint:     "print",
	LevelFatal:     "fatal",
	LevelError:     "error",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Levels maps a level name from configuration or a flag to a level.
var Levels = map[string]slog.Level{
	"print":     LevelPrint,
	"fatal":     LevelFatal,
	"error":     LevelError,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Config returns a copy of the current log level configuration.
func Config() map[string]slog.Level {
	c := config.Load().(map[string]slog.Level)
	r := make(map[string]slog.Level, len(c))
	for k, v := range c {
		r[k] = v
	}
	return r
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging.
var CidKey key = "cid"

var cidCounter atomic.Int64

func init() {
	cidCounter.Store(time.Now().UnixMilli())
}

// Cid returns a new connection/command id, for correlating log lines of a single
// send.
func Cid() int64 {
	return cidCounter.Add(1)
}

// Log wraps an slog.Logger, providing convenience functions.
type Log struct {
	*slog.Logger
}

// New returns a Log that adds a "pkg" attribute. If logger is nil, a new
// Logger is created with a custom handler that writes to stderr, honoring the
// configured log levels.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = slog.New(&handler{w: os.Stderr})
	}
	return Log{logger}.WithPkg(pkg)
}

// WithCid adds a attribute "cid".
// Also see WithContext.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. Context are often passed to
// functions, especially between packages, to pass a "cid" for an operation. At
// the start of a function (especially if exported) a variable "log" is often
// instantiated from a package-level logger, with WithContext for its cid.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With adds attributes to to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	if len(attrs) == 0 {
		return l
	}
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithPkg ensures pkg is added as attribute to logged lines. If the handler is
// an mlog handler, pkg is only added as attribute if it differs from the
// existing pkg.
func (l Log) WithPkg(pkg string) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		return Log{slog.New(h.withPkg(pkg))}
	}
	return l.With(slog.String("pkg", pkg))
}

// WithFunc sets fn to be called for additional attributes. Fn is only called
// when the line is logged.
// If the underlying handler is not an mlog handler, fn is called immediately.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	if h, ok := l.Logger.Handler().(*handler); ok {
		nh := h.clone()
		nh.fn = fn
		return Log{slog.New(nh)}
	}
	return l.With(fn()...)
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}

// todo: consider logging call-site information? e.g. trace logging on which line, and errors from which line.

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelDebug, msg, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelInfo, msg, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelError, msg, attrs...)
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelPrint, msg, attrs...)
}

func (l Log) Fatal(msg string, attrs ...slog.Attr) { l.Fatalx(msg, nil, attrs...) }

func (l Log) Fatalx(msg string, err error, attrs ...slog.Attr) {
	if err != nil {
		attrs = append([]slog.Attr{errAttr(err)}, attrs...)
	}
	l.Logger.LogAttrs(noctx, LevelFatal, msg, attrs...)
	os.Exit(1)
}

// Trace logs data at trace level, with the data as the message and prefix as
// attribute. If the configured level is trace but level is traceauth or
// tracedata, the data is replaced with "***" or "...".
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	h, ok := l.Logger.Handler().(*handler)
	if !ok {
		l.Logger.LogAttrs(noctx, level, prefix+string(data))
		return
	}
	h.write(level, time.Now(), prefix, data)
}

// handler writes log lines to w, honoring the per-package log level
// configuration.
type handler struct {
	w     io.Writer
	pkg   string
	attrs []slog.Attr
	group string
	fn    func() []slog.Attr
}

var writeMutex sync.Mutex

func (h *handler) clone() *handler {
	nh := *h
	nh.attrs = append([]slog.Attr{}, h.attrs...)
	return &nh
}

func (h *handler) withPkg(pkg string) *handler {
	nh := h.clone()
	if nh.pkg != pkg {
		if nh.pkg != "" {
			nh.attrs = append(nh.attrs, slog.String("pkg", nh.pkg))
		}
		nh.pkg = pkg
	}
	return nh
}

// configured returns the level configured for the package of the handler, and
// the maximum (most verbose) level that would pass.
func (h *handler) configured() slog.Level {
	c := config.Load().(map[string]slog.Level)
	if l, ok := c[h.pkg]; ok {
		return l
	}
	for _, a := range h.attrs {
		if a.Key != "pkg" {
			continue
		}
		if l, ok := c[a.Value.String()]; ok {
			return l
		}
	}
	return c[""]
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelFatal {
		return true
	}
	cl := h.configured()
	if level >= cl {
		return true
	}
	// Trace levels below the configured trace level are replaced, not dropped.
	return cl <= LevelTrace && level < LevelTrace
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})
	return h.handle(r.Level, r.Time, r.Message, attrs)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if a.Key == "pkg" {
			nh = nh.withPkg(a.Value.String())
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := h.clone()
	if nh.group != "" {
		nh.group += "." + name
	} else {
		nh.group = name
	}
	return nh
}

func (h *handler) write(level slog.Level, t time.Time, prefix string, data []byte) {
	cl := h.configured()
	if level < cl {
		switch {
		case cl <= LevelTrace && level == LevelTraceauth:
			data = []byte("***")
		case cl <= LevelTrace && level == LevelTracedata:
			data = []byte("...")
		default:
			return
		}
	}
	h.handle(LevelTrace, t, prefix+string(data), nil)
}

func (h *handler) handle(level slog.Level, t time.Time, msg string, attrs []slog.Attr) error {
	if level < h.configured() {
		return nil
	}
	if level < LevelTrace {
		level = LevelTrace
	}

	var all []slog.Attr
	if h.pkg != "" {
		all = append(all, slog.String("pkg", h.pkg))
	}
	all = append(all, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		all = append(all, a)
	}
	if h.fn != nil {
		all = append(all, h.fn()...)
	}

	// We build up a buffer so we can do a single atomic write of the data.
	// Otherwise partial log lines may interleave.
	b := &bytes.Buffer{}
	if Logfmt {
		fmt.Fprintf(b, "l=%s m=%s", LevelStrings[level], logfmtValue(msg))
		for _, a := range all {
			v := stringValue(a.Key == "cid", false, a.Value.Any())
			fmt.Fprintf(b, " %s=%s", a.Key, logfmtValue(v))
		}
	} else {
		fmt.Fprintf(b, "%s: %s", LevelStrings[level], logfmtValue(msg))
		for _, a := range all {
			if a.Key == "err" {
				if err, ok := a.Value.Any().(error); ok && err != nil {
					fmt.Fprintf(b, ": %s", logfmtValue(err.Error()))
				}
			}
		}
		var n int
		for _, a := range all {
			if a.Key == "err" {
				continue
			}
			if n == 0 {
				b.WriteString(" (")
			} else {
				b.WriteString("; ")
			}
			n++
			v := stringValue(a.Key == "cid", false, a.Value.Any())
			fmt.Fprintf(b, "%s: %s", a.Key, logfmtValue(v))
		}
		if n > 0 {
			b.WriteString(")")
		}
	}
	b.WriteString("\n")

	writeMutex.Lock()
	defer writeMutex.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringValue(iscid, nested bool, v any) string {
	// Handle some common types first.
	if v == nil {
		return ""
	}
	switch r := v.(type) {
	case string:
		return r
	case int:
		return strconv.Itoa(r)
	case int64:
		if iscid {
			return fmt.Sprintf("%x", v)
		}
		return strconv.FormatInt(r, 10)
	case bool:
		if r {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return base64.RawURLEncoding.EncodeToString(r)
	case []string:
		if nested && len(r) == 0 {
			// Drop field from logging.
			return ""
		}
		return "[" + strings.Join(r, ",") + "]"
	case error:
		return r.Error()
	case time.Duration:
		return r.String()
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return ""
	}

	if r, ok := v.(fmt.Stringer); ok {
		return r.String()
	}

	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
		return stringValue(iscid, nested, rv.Interface())
	}
	if rv.Kind() == reflect.Slice {
		n := rv.Len()
		if nested && n == 0 {
			// Drop field.
			return ""
		}
		b := &strings.Builder{}
		b.WriteString("[")
		for i := 0; i < n; i++ {
			if i > 0 {
				b.WriteString(";")
			}
			b.WriteString(stringValue(false, true, rv.Index(i).Interface()))
		}
		b.WriteString("]")
		return b.String()
	} else if rv.Kind() != reflect.Struct {
		return fmt.Sprintf("%v", v)
	}
	n := rv.NumField()
	t := rv.Type()
	b := &strings.Builder{}
	first := true
	for i := 0; i < n; i++ {
		fv := rv.Field(i)
		if !t.Field(i).IsExported() {
			continue
		}
		if fv.Kind() == reflect.Struct || fv.Kind() == reflect.Ptr || fv.Kind() == reflect.Interface {
			// Don't recurse.
			continue
		}
		vs := stringValue(false, true, fv.Interface())
		if vs == "" {
			continue
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		k := strings.ToLower(t.Field(i).Name)
		b.WriteString(k + "=" + logfmtValue(vs))
	}
	return b.String()
}

type errWriter struct {
	log   Log
	level slog.Level
	msg   string
}

func (w *errWriter) Write(buf []byte) (int, error) {
	err := errors.New(strings.TrimSpace(string(buf)))
	w.log.Logger.LogAttrs(noctx, w.level, w.msg, errAttr(err))
	return len(buf), nil
}

// ErrWriter returns a writer that turns each write into a logging call on "log"
// with given "level" and "msg" and the written content as an error.
// Can be used for making a Go log.Logger for use with libraries that log
// through the standard library logger.
func ErrWriter(log Log, level slog.Level, msg string) io.Writer {
	return &errWriter{log, level, msg}
}
