package message

import (
	"testing"
)

func TestTrimRe(t *testing.T) {
	test := func(subject, expRest string, expTrimmed bool) {
		t.Helper()
		rest, trimmed := TrimRe(subject)
		if rest != expRest || trimmed != expTrimmed {
			t.Fatalf("TrimRe(%q) got %q, %v, expected %q, %v", subject, rest, trimmed, expRest, expTrimmed)
		}
	}

	test("hello", "hello", false)
	test("Re: hello", "hello", true)
	test("RE:re: Re:  hello", "hello", true)
	test("Re:", "", true)
	test("Reply", "Reply", false)
	test(" re: x", "x", true)
}
