package deliver

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/mjl-/mailout/attach"
	"github.com/mjl-/mailout/message"
	"github.com/mjl-/mailout/mta"
)

// addAuto adds the autocc and autobcc addresses to hdr.
func (s *send) addAuto(hdr *message.Header) error {
	cc, err := message.ParseAddressList(s.s.String("autocc"))
	if err != nil {
		return fmt.Errorf("autocc: %w", err)
	}
	bcc, err := message.ParseAddressList(s.s.String("autobcc"))
	if err != nil {
		return fmt.Errorf("autobcc: %w", err)
	}
	hdr.Cc = append(hdr.Cc, cc...)
	hdr.Bcc = append(hdr.Bcc, bcc...)
	return nil
}

// expandAddr returns whether file and pipe addressees are allowed, from the
// expandaddr setting.
func (s *send) expandAddr() (files, pipes bool) {
	for _, w := range strings.Split(s.s.String("expandaddr"), ",") {
		switch strings.TrimSpace(strings.ToLower(w)) {
		case "all":
			files, pipes = true, true
		case "fcc", "file":
			files = true
		case "pipe":
			pipes = true
		}
	}
	return
}

// validate checks the recipients: email addresses must parse, file and pipe
// addressees must be allowed by expandaddr.
func (s *send) validate(rcpts []message.Address) error {
	if len(rcpts) == 0 {
		return ErrNoRecipients
	}
	files, pipes := s.expandAddr()
	for _, a := range rcpts {
		switch {
		case a.IsPipe():
			if !pipes {
				return fmt.Errorf("%w: %s", ErrExpandAddr, a.Addr)
			}
			if strings.TrimSpace(a.Addr[1:]) == "" {
				return fmt.Errorf("%w: empty pipe command", message.ErrAddress)
			}
		case a.IsFile():
			if !files {
				return fmt.Errorf("%w: %s", ErrExpandAddr, a.Addr)
			}
		default:
			if _, err := mail.ParseAddress(a.Addr); err != nil {
				return fmt.Errorf("%w: %q: %v", message.ErrAddress, a.Addr, err)
			}
		}
	}
	return nil
}

// expandFolder returns the path for a file addressee or record setting: a
// "+name" is a file in the folder directory, "~/" is the home directory.
func (s *send) expandFolder(p string) string {
	if name, ok := strings.CutPrefix(p, "+"); ok {
		dir := s.s.String("folder")
		if dir == "" {
			dir = "~"
		}
		return filepath.Join(attach.ExpandPath(dir), name)
	}
	return attach.ExpandPath(p)
}

// outof delivers to the file and pipe addressees, and returns the remaining
// email recipients without duplicates.
func (s *send) outof(ctx context.Context, rcpts []message.Address) []message.Address {
	wait := s.flags.Batch || s.s.Bool("sendwait") || s.s.Bool("verbose")

	var r []message.Address
	seen := map[string]bool{}
	for _, a := range rcpts {
		key := strings.ToLower(a.Addr)
		if seen[key] {
			continue
		}
		seen[key] = true

		if !a.IsFileOrPipe() {
			r = append(r, a)
			continue
		}

		start := time.Now()
		var transport string
		var err error
		if a.IsPipe() {
			transport = "pipe"
			err = s.pipe(ctx, a.Addr[1:], wait)
		} else {
			transport = "file"
			err = s.appendMbox(s.expandFolder(a.Addr))
		}
		s.attempt(ctx, transport, []string{a.Addr}, start, err)
		if err != nil {
			s.log.Errorx("delivering to addressee", err, slog.String("addressee", a.Addr))
			s.fail(a.Addr, err)
		} else {
			s.log.Debug("delivered to addressee", slog.String("addressee", a.Addr))
		}
	}
	return r
}

func (s *send) pipe(ctx context.Context, command string, wait bool) error {
	f, err := s.openMsg()
	if err != nil {
		return err
	}
	defer f.Close()
	return mta.Pipe(ctx, s.log.Logger, command, wait, s.d.Reaper, f)
}
