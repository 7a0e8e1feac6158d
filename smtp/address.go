package smtp

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mjl-/mailout/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Localpart is the decoded part of an address before the "@". Quoted strings
// are stored without their quotes and escaping backslashes.
type Localpart string

// String returns the localpart as used in SMTP: as dot-string if possible,
// otherwise as quoted-string.
func (lp Localpart) String() string {
	// ../rfc/5321:2322 ../rfc/6531:414
	dotstr := lp != ""
	for _, e := range strings.Split(string(lp), ".") {
		if e == "" {
			dotstr = false
			break
		}
		for _, c := range e {
			if !isatext(c) {
				dotstr = false
				break
			}
		}
	}
	if dotstr {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// IsInternational returns whether the localpart has non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is an envelope address, for MAIL FROM and RCPT TO.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address for use in SMTP commands. Unless smtputf8 is set,
// the domain is in its ASCII (IDNA) form. A non-ASCII localpart is always
// returned as is.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// IsInternational returns whether the address needs the SMTPUTF8 extension.
func (a Address) IsInternational() bool {
	return a.Localpart.IsInternational()
}

// String returns the address with a unicode domain, if any.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// ParseAddress parses an address of the form "localpart@domain", without
// display name or angle brackets. UTF-8 is allowed. Errors wrap ErrBadAddress.
func ParseAddress(s string) (Address, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	rem, ok := strings.CutPrefix(rem, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	} else if rem == "" {
		return Address{}, fmt.Errorf("%w: missing domain", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses a localpart, e.g. for unqualified local recipients.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

func parseLocalpart(s string) (lp Localpart, remain string, rerr error) {
	p := &parser{s: s}
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		err, ok := x.(parseError)
		if !ok {
			panic(x)
		}
		rerr = fmt.Errorf("%w: %s", ErrBadLocalpart, err.err)
	}()

	lp = p.xlocalpart()
	return lp, p.s[p.o:], nil
}

type parseError struct{ err error }

type parser struct {
	s string
	o int
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(parseError{fmt.Errorf(format, args...)})
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.s[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xlocalpart() Localpart {
	// ../rfc/5321:2316
	var s string
	if p.take(`"`) {
		s = p.xquotedRest()
	} else {
		s = p.xatom()
		for p.take(".") {
			s += "." + p.xatom()
		}
	}
	// Generated addresses in the wild can be longer than the 64 octets of ../rfc/5321:3486
	if len(s) > 128 {
		p.xerrorf("localpart longer than 128 octets")
	}
	return Localpart(s)
}

// xquotedRest parses a quoted-string after its opening quote.
func (p *parser) xquotedRest() string {
	var b strings.Builder
	var esc bool
	for {
		if p.o >= len(p.s) {
			p.xerrorf("missing end of quoted string")
		}
		c, size := rune(p.s[p.o]), 1
		if c >= 0x80 {
			c, size = decodeRune(p.s[p.o:])
		}
		p.o += size
		switch {
		case esc:
			if c < ' ' || c == 0x7f {
				p.xerrorf("bad escaped character %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String()
		case c >= ' ' && c < 0x7f || c > 0x7f:
			b.WriteRune(c)
		default:
			p.xerrorf("invalid character %q", c)
		}
	}
}

func (p *parser) xatom() string {
	start := p.o
	for _, c := range p.s[p.o:] {
		if !isatext(c) {
			break
		}
		p.o += len(string(c))
	}
	if p.o == start {
		if p.o < len(p.s) {
			p.xerrorf("expected atom, got %q", p.s[p.o])
		}
		p.xerrorf("expected atom")
	}
	return p.s[start:p.o]
}

// isatext returns whether c can be part of an atom. Non-ASCII is allowed, ../rfc/6531:414
func isatext(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c > 0x7f && c != 0xfffd:
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// decodeRune returns the first rune of s. Invalid UTF-8 is returned as NUL, so
// it is rejected.
func decodeRune(s string) (rune, int) {
	c, size := utf8.DecodeRuneInString(s)
	if c == utf8.RuneError && size <= 1 {
		return 0, 1
	}
	return c, size
}
