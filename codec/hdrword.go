package codec

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// maxWordLen is the maximum length of an encoded word, RFC 2047 section 2.
const maxWordLen = 75

// HeaderSafe returns whether s can be used in a header value as is: printable
// 7-bit ASCII, space and tab.
func HeaderSafe(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x7f || c < ' ' && c != '\t' {
			return false
		}
	}
	return true
}

// looksEncoded returns whether w could be mistaken for an encoded word by a
// reader. Such words must be encoded themselves.
func looksEncoded(w string) bool {
	return strings.HasPrefix(w, "=?") && strings.HasSuffix(w, "?=")
}

// EncodeWord encodes data, already in charset cs, as one or more encoded words
// separated by a space. Q encoding is used unless base64 is shorter. For UTF-8,
// words are only split on character boundaries.
func EncodeWord(cs string, data []byte) string {
	useB := len(base64.StdEncoding.EncodeToString(data)) < QPHeaderLen(data)
	prefix := "=?" + cs + "?Q?"
	if useB {
		prefix = "=?" + cs + "?B?"
	}
	room := maxWordLen - len(prefix) - len("?=")
	isUTF8 := strings.EqualFold(cs, "utf-8")

	var words []string
	for len(data) > 0 {
		// Find the longest prefix of data that fits.
		n := 0
		for n < len(data) {
			next := n + 1
			if isUTF8 {
				_, size := utf8.DecodeRune(data[n:])
				next = n + size
			}
			var enclen int
			if useB {
				enclen = base64.StdEncoding.EncodedLen(next)
			} else {
				enclen = QPHeaderLen(data[:next])
			}
			if enclen > room && n > 0 {
				break
			}
			n = next
		}
		var enc string
		if useB {
			enc = base64.StdEncoding.EncodeToString(data[:n])
		} else {
			enc = string(QPEncodeHeader(data[:n]))
		}
		words = append(words, prefix+enc+"?=")
		data = data[n:]
	}
	return strings.Join(words, " ")
}

// EncodeWords encodes the words of value that are not header-safe as encoded
// words in charset cs, leaving safe words as they are. Consecutive unsafe words
// are encoded together, including the spaces between them, because whitespace
// between adjacent encoded words is ignored by readers. Conv converts text to
// cs, it returns an error if that is not possible.
func EncodeWords(cs, value string, conv func(s string) ([]byte, error)) (string, error) {
	if HeaderSafe(value) && !strings.Contains(value, "=?") {
		return value, nil
	}

	words := strings.Split(value, " ")
	var out []string
	for i := 0; i < len(words); {
		w := words[i]
		if HeaderSafe(w) && !looksEncoded(w) {
			out = append(out, w)
			i++
			continue
		}
		j := i + 1
		for j < len(words) && (!HeaderSafe(words[j]) || looksEncoded(words[j])) {
			j++
		}
		text := strings.Join(words[i:j], " ")
		buf, err := conv(text)
		if err != nil {
			return "", err
		}
		out = append(out, EncodeWord(cs, buf))
		i = j
	}
	return strings.Join(out, " "), nil
}
