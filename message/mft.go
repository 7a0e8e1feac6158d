package message

import (
	"strings"
)

// own returns whether addr is one of our own addresses.
func (a *assembler) own(addr Address) bool {
	for _, f := range a.from {
		if f.Equal(addr) {
			return true
		}
	}
	if a.sender != nil && a.sender.Equal(addr) {
		return true
	}
	for _, s := range a.opts.Alternates {
		if strings.EqualFold(s, addr.Addr) {
			return true
		}
	}
	return false
}

// followupTo returns the addresses for a Mail-Followup-To header, or nil if
// none should be added.
//
// It is only considered for replies to lists, replies to messages that had a
// Mail-Followup-To, or if always configured. Recipients that are lists we are
// subscribed to are added. Lists we are not subscribed to are added along with
// ourselves, so replies reach us. Other recipients are added, except when
// replying to a list, where only those from a received Mail-Followup-To are
// kept.
func (a *assembler) followupTo() []Address {
	hdr := a.hdr
	hadMFT := len(hdr.ReceivedMFT) > 0
	if !hdr.ListReply && !hadMFT && !a.opts.FollowupTo {
		return nil
	}

	var anyList, needSender bool
	var mft []Address
	seen := map[string]bool{}
	for _, addr := range append(append([]Address{}, hdr.To...), hdr.Cc...) {
		key := strings.ToLower(addr.Addr)
		if addr.IsFileOrPipe() || a.own(addr) || seen[key] {
			continue
		}
		seen[key] = true

		kind := ListOther
		if a.opts.Lists != nil {
			kind = a.opts.Lists(addr.Addr)
		}
		if kind == ListOther && hdr.ListPost != "" && strings.EqualFold(hdr.ListPost, addr.Addr) {
			kind = ListKnown
		}

		switch kind {
		case ListKnown:
			needSender = true
			anyList = true
			mft = append(mft, addr)
		case ListSubscribed:
			anyList = true
			mft = append(mft, addr)
		default:
			if !hdr.ListReply {
				mft = append(mft, addr)
			} else if hadMFT {
				for _, o := range hdr.ReceivedMFT {
					if o.Equal(addr) {
						mft = append(mft, addr)
						break
					}
				}
			}
		}
	}

	if !anyList && !hadMFT || len(mft) == 0 {
		return nil
	}
	if (needSender || !anyList && hadMFT) && a.envelope != nil {
		mft = append([]Address{*a.envelope}, mft...)
	}
	return mft
}
