package message

import (
	cryptorand "crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// randString returns n random characters from the URL-safe base64 alphabet.
func randString(n int) string {
	buf := make([]byte, (n*6+7)/8)
	if _, err := cryptorand.Read(buf); err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)[:n]
}

// MessageID returns a new Message-ID value, including <>. With a hostname, the
// form is <YYYYMMDDhhmmss.RAND@hostname> with 16 random characters. Otherwise
// the sender address is used, as <YYYYMMDDhhmmss.RAND%localpart@domain> with 8
// random characters. If neither is available, an empty string is returned and
// the MTA is expected to add a Message-ID.
func MessageID(now time.Time, hostname string, from *Address) string {
	t := now.UTC().Format("20060102150405")
	if hostname != "" {
		return "<" + t + "." + randString(16) + "@" + hostname + ">"
	}
	if from != nil && from.Domain() != "" {
		return "<" + t + "." + randString(8) + "%" + from.Addr + ">"
	}
	return ""
}
