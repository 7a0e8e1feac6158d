// Package charset converts text between character sets and negotiates the
// output charset of outgoing text.
//
// Each conversion uses its own Converter, there is no shared state.
package charset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"github.com/mjl-/mailout/mlog"
)

var (
	// ErrUnknown is returned for charset names that are not known.
	ErrUnknown = errors.New("unknown charset")

	// ErrUnrepresentable is returned when text has a character that cannot be
	// represented in the output charset.
	ErrUnrepresentable = errors.New("character not representable in charset")

	// ErrInvalidInput is returned when input is not valid in its declared
	// charset.
	ErrInvalidInput = errors.New("invalid input for charset")

	// ErrExhausted is returned by Negotiate when no candidate charset could
	// represent the text.
	ErrExhausted = errors.New("no candidate charset can represent text")
)

// Names used when no conversion is needed.
const (
	Charset7bit = "US-ASCII"
	Charset8bit = "UTF-8"
)

var metricAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mailout_charset_attempts_total",
		Help: "Charset conversion attempts during negotiation, by result.",
	},
	[]string{
		"result", // ok, retry, error
	},
)

// Common names that are not registered with IANA.
var aliases = map[string]string{
	"utf8":    "UTF-8",
	"ascii":   "US-ASCII",
	"latin-1": "ISO-8859-1",
}

func lookup(name string) (encoding.Encoding, string, error) {
	if a, ok := aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		name = a
	}
	enc, err := ianaindex.MIME.Encoding(name)
	if err != nil || enc == nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	canon, err := ianaindex.MIME.Name(enc)
	if err != nil {
		canon = strings.ToUpper(name)
	}
	return enc, canon, nil
}

// Canonical returns the preferred MIME name for a charset, e.g. "UTF-8" for
// "utf8".
func Canonical(name string) (string, error) {
	_, canon, err := lookup(name)
	return canon, err
}

// IsUTF8 returns whether name is a UTF-8 charset name.
func IsUTF8(name string) bool {
	_, canon, err := lookup(name)
	return err == nil && canon == "UTF-8"
}

// Converter converts text from one charset to another.
type Converter struct {
	From, To string // Canonical names.
	t        transform.Transformer
	closed   bool
}

// Open returns a converter from charset "from" to charset "to".
func Open(from, to string) (*Converter, error) {
	fenc, fcanon, err := lookup(from)
	if err != nil {
		return nil, err
	}
	tenc, tcanon, err := lookup(to)
	if err != nil {
		return nil, err
	}

	var ts []transform.Transformer
	if fcanon == "UTF-8" {
		// The decoder would replace invalid bytes with U+FFFD. We want to know.
		ts = append(ts, encoding.UTF8Validator)
	} else {
		ts = append(ts, fenc.NewDecoder())
	}
	if tcanon != "UTF-8" {
		ts = append(ts, tenc.NewEncoder())
	}
	return &Converter{From: fcanon, To: tcanon, t: transform.Chain(ts...)}, nil
}

// mapError turns transformation errors into ErrUnrepresentable and
// ErrInvalidInput. Other errors, e.g. from reading or writing, are returned
// as is.
func (c *Converter) mapError(err error) error {
	var repl interface{ Replacement() byte }
	switch {
	case err == nil:
		return nil
	case errors.Is(err, encoding.ErrInvalidUTF8):
		return fmt.Errorf("%w: %s", ErrInvalidInput, c.From)
	case errors.As(err, &repl):
		return fmt.Errorf("%w: %s", ErrUnrepresentable, c.To)
	}
	return err
}

// Convert reads text from src and writes it converted to dst.
func (c *Converter) Convert(dst io.Writer, src io.Reader) error {
	if c.closed {
		return errors.New("converter is closed")
	}
	c.t.Reset()
	_, err := io.Copy(dst, transform.NewReader(src, c.t))
	return c.mapError(err)
}

// Bytes converts buf.
func (c *Converter) Bytes(buf []byte) ([]byte, error) {
	var b bytes.Buffer
	if err := c.Convert(&b, bytes.NewReader(buf)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Reset clears state of a previous conversion. Convert resets too.
func (c *Converter) Reset() {
	c.t.Reset()
}

// Close releases the converter, it cannot be used afterwards.
func (c *Converter) Close() error {
	c.closed = true
	return nil
}

// Is7bit returns whether buf only has 7-bit ASCII bytes.
func Is7bit(buf []byte) bool {
	for _, c := range buf {
		if c >= 0x80 {
			return false
		}
	}
	return true
}

// Iterator walks an ordered list of candidate output charsets.
type Iterator struct {
	base []string
	list []string
	i    int
}

// NewIterator returns an iterator over the candidates, in order. Empty and
// duplicate names are skipped.
func NewIterator(candidates ...string) *Iterator {
	it := &Iterator{base: dedup(candidates)}
	it.Reset("")
	return it
}

// Candidates builds the candidate list from configuration: each of
// sendcharsets (comma-separated), then charset8bit (UTF-8 if empty), then the
// locale charset.
func Candidates(sendcharsets, charset8bit, locale string) []string {
	var l []string
	for _, s := range strings.Split(sendcharsets, ",") {
		l = append(l, strings.TrimSpace(s))
	}
	if charset8bit == "" {
		charset8bit = Charset8bit
	}
	l = append(l, charset8bit, locale)
	return dedup(l)
}

func dedup(l []string) []string {
	var r []string
	seen := map[string]bool{}
	for _, s := range l {
		k := strings.ToLower(strings.TrimSpace(s))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		r = append(r, strings.TrimSpace(s))
	}
	return r
}

// Reset starts iteration again. If initial is not empty it is tried first,
// before the other candidates.
func (it *Iterator) Reset(initial string) {
	it.list = it.base
	if initial != "" {
		it.list = dedup(append([]string{initial}, it.base...))
	}
	it.i = 0
}

// Current returns the current candidate. False is returned when the iterator
// is exhausted.
func (it *Iterator) Current() (string, bool) {
	if it.i >= len(it.list) {
		return "", false
	}
	return it.list[it.i], true
}

// Advance moves to the next candidate. It returns false when there are no more
// candidates.
func (it *Iterator) Advance() bool {
	if it.i < len(it.list) {
		it.i++
	}
	return it.i < len(it.list)
}

// Exhausted returns whether all candidates have been tried.
func (it *Iterator) Exhausted() bool {
	return it.i >= len(it.list)
}

// Remaining returns the candidates not yet tried, including the current one.
func (it *Iterator) Remaining() []string {
	if it.i >= len(it.list) {
		return nil
	}
	return it.list[it.i:]
}

// Negotiate calls try for each remaining candidate until it succeeds. Before
// each attempt src is positioned at the offset it had when Negotiate was
// called. A failure with ErrUnrepresentable or ErrInvalidInput moves on to the
// next candidate, other errors are returned immediately. When all candidates
// failed, an error wrapping ErrExhausted is returned. On success, the charset
// used is returned.
func Negotiate(log mlog.Log, it *Iterator, src io.Seeker, try func(cs string) error) (string, error) {
	offset, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", fmt.Errorf("get offset of text: %w", err)
	}
	var tried []string
	for {
		cs, ok := it.Current()
		if !ok {
			return "", fmt.Errorf("%w (tried %s)", ErrExhausted, strings.Join(tried, ", "))
		}
		if _, err := src.Seek(offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek to start of text: %w", err)
		}
		tried = append(tried, cs)
		err := try(cs)
		if err == nil {
			metricAttempts.WithLabelValues("ok").Inc()
			return cs, nil
		} else if !errors.Is(err, ErrUnrepresentable) && !errors.Is(err, ErrInvalidInput) {
			metricAttempts.WithLabelValues("error").Inc()
			return "", err
		}
		metricAttempts.WithLabelValues("retry").Inc()
		log.Debugx("charset cannot represent text, trying next", err, slog.String("charset", cs))
		it.Advance()
	}
}
