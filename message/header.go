package message

import (
	"github.com/mjl-/mailout/attach"
)

// Field is a custom header field, added after the generated fields.
type Field struct {
	Key   string
	Value string
}

// Header holds the fields of a message being composed. It is read-only during
// assembly.
type Header struct {
	From         []Address // If empty, Options.From is used.
	Sender       *Address  // If nil, Options.Sender is used.
	ReplyTo      []Address // If empty, Options.ReplyTo is used.
	Organization string    // If empty, Options.Organization is used.

	To  []Address
	Cc  []Address
	Bcc []Address

	Subject    string
	References []string // Message-IDs with <>, oldest first. The last is also used for In-Reply-To.

	Attachments *attach.List // Optional.
	Charset     string       // Preferred output charset, tried first.
	Custom      []Field

	// For replies.
	ListReply   bool      // Reply to a mailing list.
	ListPost    string    // Address in List-Post of the replied-to message.
	ReceivedMFT []Address // Mail-Followup-To of the replied-to message.
}

// Recipients returns To, Cc and Bcc, in that order.
func (h *Header) Recipients() []Address {
	l := make([]Address, 0, len(h.To)+len(h.Cc)+len(h.Bcc))
	l = append(l, h.To...)
	l = append(l, h.Cc...)
	return append(l, h.Bcc...)
}

// ListKind is how a recipient relates to mailing lists.
type ListKind int

const (
	ListOther      ListKind = iota // Not a known list.
	ListKnown                      // A list we are not subscribed to.
	ListSubscribed                 // A list we are subscribed to.
)

func (k ListKind) String() string {
	switch k {
	case ListKnown:
		return "known"
	case ListSubscribed:
		return "subscribed"
	}
	return "other"
}

// ListClassifier returns the list kind of an address.
type ListClassifier func(addr string) ListKind
