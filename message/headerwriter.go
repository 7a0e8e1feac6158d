package message

import (
	"strings"

	"github.com/mjl-/mailout/arena"
)

// Line lengths at which header fields are folded.
const (
	addrFoldLen    = 72
	textFoldLen    = 78
	encodedFoldLen = 76
)

// HeaderWriter helps create a header field, folding to the next line when it
// would become too large. Lines end in a bare LF and continuation lines start
// with a single space. Text is kept in arena memory when an arena is set, it is
// invalidated by a reset of the arena.
type HeaderWriter struct {
	a        *arena.Arena
	ab       *arena.Builder
	sb       strings.Builder
	lineLen  int
	encoded  bool // Current line has an encoded word.
	nonfirst bool
}

// NewHeaderWriter starts a header field with key, e.g. "To". A nil arena uses
// regular heap memory.
func NewHeaderWriter(a *arena.Arena, key string) *HeaderWriter {
	w := &HeaderWriter{a: a}
	if a != nil {
		w.ab = a.Builder(128)
	}
	w.write(key + ":")
	w.lineLen = len(key) + 1
	return w
}

func (w *HeaderWriter) write(s string) {
	if w.ab != nil {
		w.ab.WriteString(s)
	} else {
		w.sb.WriteString(s)
	}
}

// Addrs adds addresses as comma-separated list. Lines are folded at the spaces
// in and between addresses before a word that would end beyond column 72, so a
// long display name of several encoded words spans lines. Words themselves are
// never split.
func (w *HeaderWriter) Addrs(addrs ...string) {
	for _, s := range addrs {
		if w.nonfirst {
			w.write(",")
			w.lineLen++
		}
		for _, word := range strings.Split(s, " ") {
			w.word(word, addrFoldLen)
		}
		w.nonfirst = true
	}
}

// Words adds text, folding at spaces before a word that would end beyond column
// 78. Words longer than a line are not split.
func (w *HeaderWriter) Words(text string) {
	for _, word := range strings.Split(text, " ") {
		w.word(word, textFoldLen)
	}
	w.nonfirst = true
}

// word adds a space and word, first folding if the line would become longer
// than limit. Lines with encoded words are kept within 76 columns, RFC 2047
// section 2.
func (w *HeaderWriter) word(word string, limit int) {
	encoded := strings.HasPrefix(word, "=?") && strings.HasSuffix(word, "?=")
	if (encoded || w.encoded) && limit > encodedFoldLen {
		limit = encodedFoldLen
	}
	if w.lineLen > 1 && w.lineLen+1+len(word) > limit {
		w.write("\n")
		w.lineLen = 0
		w.encoded = false
	}
	w.write(" " + word)
	w.lineLen += 1 + len(word)
	w.encoded = w.encoded || encoded
}

// Raw adds text as is, without folding, preceded by a space.
func (w *HeaderWriter) Raw(text string) {
	w.write(" " + text)
	w.lineLen += 1 + len(text)
	w.nonfirst = true
}

// String ends the field with a newline and returns it. The writer must not be
// used afterwards.
func (w *HeaderWriter) String() string {
	w.write("\n")
	w.lineLen = 0
	if w.ab != nil {
		return w.ab.String()
	}
	return w.sb.String()
}
