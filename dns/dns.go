// Package dns parses internationalized domain names (IDNA) for EHLO names and
// SMTP server hosts, and provides a strict, logging DNS resolver for dialing.
package dns

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/idna"

	"github.com/mjl-/adns"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errEmpty       = errors.New("empty dns name")
)

// Domain is a parsed domain name. ASCII is used on the wire unless SMTPUTF8 is
// in effect, and for lookups.
type Domain struct {
	ASCII   string // Lower case, with A-labels (xn--...) for IDNA names.
	Unicode string // U-labels, only set for IDNA names.
}

// Name returns the unicode name for IDNA names, the ASCII name otherwise.
func (d Domain) Name() string {
	return d.XName(true)
}

// XName returns the unicode name only if utf8 is set, e.g. when the server
// announced SMTPUTF8.
func (d Domain) XName(utf8 bool) string {
	if utf8 && d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns both forms for IDNA names, for logging and error messages.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses an ASCII or unicode domain name, without trailing dot.
// The result is IDN-canonicalized and lower case, so compare parsed Domains
// instead of strings.
func ParseDomain(s string) (Domain, error) {
	switch {
	case s == "":
		return Domain{}, errEmpty
	case strings.HasSuffix(s, "."):
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("idna to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("idna to unicode: %w", err)
	}
	d := Domain{ASCII: ascii}
	if unicode != ascii {
		d.Unicode = unicode
	}
	return d, nil
}

// IsNotFound returns whether err is a DNS error for a name without the
// requested records, from the standard library or adns.
func IsNotFound(err error) bool {
	var netErr *net.DNSError
	var adnsErr *adns.DNSError
	switch {
	case errors.As(err, &netErr):
		return netErr.IsNotFound
	case errors.As(err, &adnsErr):
		return adnsErr.IsNotFound
	}
	return false
}
