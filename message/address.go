package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
)

// ErrAddress is returned for addresses that cannot be parsed.
var ErrAddress = errors.New("invalid address")

// Address is a sender or recipient. For file and pipe addressees, Addr is the
// path or the "|command" and Name is empty.
type Address struct {
	Name string // Display name, optional. In UTF-8.
	Addr string // Address, "localpart@domain".
}

// IsPipe returns whether the address is a "|command" that gets the message on
// its standard input.
func (a Address) IsPipe() bool {
	return strings.HasPrefix(a.Addr, "|")
}

// IsFile returns whether the address is a file to append the message to: an
// absolute or relative path, a "~/" path or a "+folder".
func (a Address) IsFile() bool {
	s := a.Addr
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "~/") || strings.HasPrefix(s, "+")
}

// IsFileOrPipe returns whether the address is not delivered as email.
func (a Address) IsFileOrPipe() bool {
	return a.IsFile() || a.IsPipe()
}

// String returns the address as it would be written in a message header,
// without encoding.
func (a Address) String() string {
	if a.Name == "" {
		return a.Addr
	}
	return (&mail.Address{Name: a.Name, Address: a.Addr}).String()
}

// ParseAddress parses a single address, e.g. "Mox <mox@example.org>", a file
// path or a pipe command.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if a := (Address{Addr: s}); a.IsFileOrPipe() {
		return a, nil
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrAddress, s, err)
	}
	return Address{addr.Name, addr.Address}, nil
}

// ParseAddressList parses a comma-separated list of addresses. File and pipe
// addressees can be present as separate elements.
func ParseAddressList(s string) ([]Address, error) {
	var l []Address
	for _, e := range splitList(s) {
		if strings.TrimSpace(e) == "" {
			continue
		}
		a, err := ParseAddress(e)
		if err != nil {
			return nil, err
		}
		l = append(l, a)
	}
	return l, nil
}

// splitList splits on commas outside of quotes and angle brackets.
func splitList(s string) []string {
	var l []string
	var quoted, esc bool
	var angle int
	o := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case esc:
			esc = false
		case c == '\\' && quoted:
			esc = true
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '<':
			angle++
		case c == '>' && angle > 0:
			angle--
		case c == ',' && angle == 0:
			l = append(l, s[o:i])
			o = i + 1
		}
	}
	return append(l, s[o:])
}

// Domain returns the domain of the address, or an empty string.
func (a Address) Domain() string {
	if i := strings.LastIndexByte(a.Addr, '@'); i >= 0 {
		return a.Addr[i+1:]
	}
	return ""
}

// Equal compares addresses case-insensitively, ignoring display names.
func (a Address) Equal(o Address) bool {
	return strings.EqualFold(a.Addr, o.Addr)
}
