package smtp

import (
	"errors"
	"testing"
)

func TestParseLocalpart(t *testing.T) {
	test := func(s string, expErr error) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("localpart %q: got err %v, expected %v", s, err, expErr)
		}
	}

	test("user", nil)
	test("a", nil)
	test("a.b.c", nil)
	test(`""`, nil)
	test(`"ok"`, nil)
	test(`"a.bc"`, nil)
	test("jöhn", nil)
	test("", ErrBadLocalpart)
	test(`"`, ErrBadLocalpart)          // Missing closing quote.
	test("\x00", ErrBadLocalpart)       // Control character.
	test("\"\\", ErrBadLocalpart)       // Ending with backslash.
	test("\"\x01", ErrBadLocalpart)     // Control character in quoted string.
	test(`""leftover`, ErrBadLocalpart) // Data after closing quote.
	test("a..b", ErrBadLocalpart)
	test("bad\xff", ErrBadLocalpart)
}

func TestParseAddress(t *testing.T) {
	test := func(s string, expErr error) {
		t.Helper()
		_, err := ParseAddress(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("address %q: got err %v, expected %v", s, err, expErr)
		}
	}

	test("user@example.com", nil)
	test(`"john doe"@example.com`, nil)
	test("user@@example.com", ErrBadAddress)
	test("user", ErrBadAddress)
	test("@example.com", ErrBadAddress)
	test(`"@example.com`, ErrBadAddress)
	test("\x00@example.com", ErrBadAddress)
	test("\"\x01@example.com", ErrBadAddress)
	test(`""leftover@example.com`, ErrBadAddress)
	test("user@", ErrBadAddress)

	a, err := ParseAddress("mjl@xn--mnchen-3ya.example")
	if err != nil {
		t.Fatalf("parse address: %v", err)
	}
	if a.Pack(false) != "mjl@xn--mnchen-3ya.example" || a.String() != "mjl@münchen.example" {
		t.Fatalf("unexpected address forms %q %q", a.Pack(false), a.String())
	}
}

func TestPackLocalpart(t *testing.T) {
	l := []struct {
		input, expect string
	}{
		{``, `""`},     // No atom.
		{`a.`, `"a."`}, // Empty atom.
		{`a.b`, `a.b`},
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"},
		{` `, `" "`},
		{`a"b`, `"a\"b"`},
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("packing localpart %q, expected %q, got %q", e.input, e.expect, r)
		}
	}
}
