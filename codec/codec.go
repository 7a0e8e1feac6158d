// Package codec implements the content transfer encodings of outgoing
// messages: quoted-printable and base64, and RFC 2047 encoded words for header
// values.
//
// Decode functions return errors wrapping ErrMalformed for invalid input, so
// callers can tell bad data apart from failing I/O.
package codec

import (
	"errors"
)

// ErrMalformed is returned for invalid encoded input.
var ErrMalformed = errors.New("malformed encoded data")

const (
	// MaxLineLength is the maximum line length in encoded output, excluding
	// line ending.
	MaxLineLength = 76
)
