package scram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mjl-/mailout/codec"
)

// parser for server messages. Attribute names are matched case-sensitively,
// values keep their casing.
type parser struct {
	s string
	o int
}

type parseError struct{ err error }

func (e parseError) Error() string {
	return e.err.Error()
}

func (e parseError) Unwrap() error {
	return e.err
}

func newParser(buf []byte) *parser {
	return &parser{s: string(buf)}
}

// recover turns a parseError panic into an error wrapping ErrInvalidEncoding,
// or into the SCRAM Error it wraps.
func (p *parser) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	perr, ok := x.(parseError)
	if !ok {
		panic(x)
	}
	var xerr Error
	if errors.As(perr.err, &xerr) {
		*rerr = perr.err
		return
	}
	*rerr = fmt.Errorf("%w: %s", ErrInvalidEncoding, perr.err)
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(parseError{fmt.Errorf(format, args...)})
}

func (p *parser) xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(parseError{fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)})
	}
}

func (p *parser) xempty() {
	if p.o != len(p.s) {
		p.xerrorf("leftover data")
	}
}

func (p *parser) xnonempty() {
	if p.o >= len(p.s) {
		p.xerrorf("unexpected end")
	}
}

func (p *parser) xbyte() byte {
	p.xnonempty()
	c := p.s[p.o]
	p.o++
	return c
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.s[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
}

func (p *parser) xnonce() string {
	p.xtake("r=")
	o := p.o
	for ; o < len(p.s); o++ {
		c := p.s[o]
		if c <= ' ' || c >= 0x7f || c == ',' {
			break
		}
	}
	if o == p.o {
		p.xerrorf("empty nonce")
	}
	r := p.s[p.o:o]
	p.o = o
	return r
}

// xattrval skips an extension attribute.
func (p *parser) xattrval() {
	c := p.xbyte()
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		p.xerrorf("expected alpha for attr-val")
	}
	p.xtake("=")
	p.xvalue()
}

func (p *parser) xvalue() string {
	for o, c := range p.s[p.o:] {
		if c == 0 || c == ',' {
			if o == 0 {
				p.xerrorf("invalid empty value")
			}
			r := p.s[p.o : p.o+o]
			p.o += o
			return r
		}
	}
	p.xnonempty()
	r := p.s[p.o:]
	p.o = len(p.s)
	return r
}

func (p *parser) xbase64() []byte {
	o := p.o
	for ; o < len(p.s); o++ {
		c := p.s[o]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '/' || c == '+' || c == '=') {
			break
		}
	}
	buf, err := codec.B64Decode([]byte(p.s[p.o:o]), 0)
	p.xcheckf(err, "decoding base64")
	p.o = o
	return buf
}

func (p *parser) xsalt() []byte {
	p.xtake("s=")
	return p.xbase64()
}

func (p *parser) xiterations() int {
	p.xtake("i=")
	o := p.o
	for ; o < len(p.s) && p.s[o] >= '0' && p.s[o] <= '9'; o++ {
	}
	if o == p.o || p.s[p.o] == '0' {
		p.xerrorf("invalid iteration count")
	}
	v, err := strconv.ParseInt(p.s[p.o:o], 10, 32)
	p.xcheckf(err, "parsing int")
	p.o = o
	return int(v)
}
