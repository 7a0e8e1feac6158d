package attach

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/mjl-/mailout/charset"
	"github.com/mjl-/mailout/mlog"
)

// Prompter asks the user for input during interactive editing. Implementations
// return ErrInterrupted when the user interrupts, e.g. with control-c.
type Prompter interface {
	// Line asks for a line of input, with initial as editable default. An empty
	// string means no value.
	Line(ctx context.Context, prompt, initial string) (string, error)

	// Confirm asks a yes/no question.
	Confirm(ctx context.Context, question string, def bool) (bool, error)

	// Notify shows a message, e.g. an error about the input.
	Notify(msg string)
}

// EditOptions configure the interactive editor.
type EditOptions struct {
	// Ask for fields beyond the filename.
	AskContentType bool
	AskDisposition bool
	AskContentID   bool
	AskDescription bool

	// Ask for input and output charsets of text attachments and try the
	// conversion right away.
	PromptCharsets bool

	// Charset of files without an explicitly given charset.
	LocaleCharset string

	// Candidate output charsets, used as defaults and to iterate through when a
	// conversion fails.
	Charsets *charset.Iterator

	// Source of messages for "#N" references. Optional.
	Source MessageSource
}

// Edit lets the user revise each attachment in the list, a blank filename
// removes the attachment. Then new attachments are asked for until a blank
// filename is given.
//
// If the user interrupts, or ctx is canceled, the attachment being edited is
// discarded, others are kept, and ErrInterrupted is returned.
func Edit(ctx context.Context, elog *slog.Logger, l *List, p Prompter, opts EditOptions) error {
	log := mlog.New("attach", elog)

	for i := 0; i < len(l.items); {
		a, err := l.editOne(ctx, log, p, opts, i+1, l.items[i])
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				log.Check(l.Remove(i), "discarding interrupted attachment")
			}
			return err
		}
		if a == nil {
			log.Check(l.Remove(i), "removing attachment")
			continue
		}
		if orig := l.items[i]; orig.TempFile != nil && orig.TempFile != a.TempFile {
			log.Check(orig.TempFile.Close(), "closing replaced temporary file")
		}
		l.items[i] = a
		i++
	}

	for {
		a, err := l.editOne(ctx, log, p, opts, len(l.items)+1, nil)
		if err != nil {
			return err
		} else if a == nil {
			return nil
		}
		l.items = append(l.items, a)
	}
}

// prompt wraps the prompter, turning context cancelation into ErrInterrupted.
func prompt(ctx context.Context, p Prompter, label, initial string) (string, error) {
	if ctx.Err() != nil {
		return "", ErrInterrupted
	}
	s, err := p.Line(ctx, label, initial)
	if err != nil && ctx.Err() != nil {
		return "", ErrInterrupted
	}
	return strings.TrimSpace(s), err
}

func confirm(ctx context.Context, p Prompter, question string, def bool) (bool, error) {
	if ctx.Err() != nil {
		return false, ErrInterrupted
	}
	ok, err := p.Confirm(ctx, question, def)
	if err != nil && ctx.Err() != nil {
		return false, ErrInterrupted
	}
	return ok, err
}

// editOne edits a copy of orig, or a new attachment if orig is nil. A nil
// attachment without error means the user gave an empty filename.
func (l *List) editOne(ctx context.Context, log mlog.Log, p Prompter, opts EditOptions, num int, orig *Attachment) (rna *Attachment, rerr error) {
	var a *Attachment
	var initial string
	if orig != nil {
		na := *orig
		a = &na
		if a.IsMessage() {
			initial = a.Name
		} else {
			initial = a.Path
		}
	} else {
		a = &Attachment{}
	}
	defer func() {
		// A temporary file made for a discarded edit is not owned by anyone.
		if rna != a && a.TempFile != nil && (orig == nil || a.TempFile != orig.TempFile) {
			log.Check(a.TempFile.Close(), "closing temporary file")
		}
	}()

	label := fmt.Sprintf("#%d\tfilename: ", num)
	for {
		name, err := prompt(ctx, p, label, initial)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, nil
		}

		if n := parseMessageRef(name); n > 0 {
			if err := l.setMessage(a, n, opts.Source); err != nil {
				p.Notify(fmt.Sprintf("%s: %v", name, err))
				initial = name
				continue
			}
			break
		}

		path := ExpandPath(name)
		if err := checkReadable(path); err != nil {
			p.Notify(fmt.Sprintf("%s: %v", name, err))
			initial = name
			continue
		}
		if orig == nil || orig.IsMessage() || orig.Path != path {
			if a.TempFile != nil && (orig == nil || a.TempFile != orig.TempFile) {
				log.Check(a.TempFile.Close(), "closing temporary file")
			}
			a.TempFile = nil
			l.fillIn(a, path)
		}
		break
	}

	// Message references have no other fields to edit.
	if a.IsMessage() {
		return a, nil
	}

	fields := []struct {
		ask   bool
		label string
		v     *string
	}{
		{opts.AskContentType, "content-type", &a.ContentType},
		{opts.AskDisposition, "content-disposition", &a.Disposition},
		{opts.AskContentID, "content-id", &a.ContentID},
		{opts.AskDescription, "content-description", &a.Description},
	}
	for _, f := range fields {
		if !f.ask {
			continue
		}
		s, err := prompt(ctx, p, fmt.Sprintf("#%d\t%s: ", num, f.label), *f.v)
		if err != nil {
			return nil, err
		}
		*f.v = s
	}
	if a.ContentType == "" {
		a.ContentType = "application/octet-stream"
	}
	if a.Disposition == "" {
		a.Disposition = "attachment"
	}

	if err := l.editCharsets(ctx, log, p, opts, num, a, orig); err != nil {
		return nil, err
	}
	return a, nil
}

// editCharsets runs the charset part of editing an attachment.
func (l *List) editCharsets(ctx context.Context, log mlog.Log, p Prompter, opts EditOptions, num int, a, orig *Attachment) error {
	if !opts.PromptCharsets {
		// Only the input charset can be given.
		s, err := prompt(ctx, p, fmt.Sprintf("#%d\tinput charset: ", num), a.InputCharset)
		if err != nil {
			return err
		}
		a.InputCharset = s
		if s != "" {
			a.Mode = ModeFixInput
		} else if a.Mode != ModeTempFile {
			a.Mode = ModeDefault
		}
		return nil
	}

	if a.Class() != ClassText {
		ok, err := confirm(ctx, p, "Filename doesn't indicate text content - edit charsets nonetheless?", false)
		if err != nil {
			return err
		}
		if !ok {
			a.Mode = ModeDefault
			return nil
		}
	}

	it := opts.Charsets
	if it == nil {
		it = charset.NewIterator(charset.Candidates("", "", opts.LocaleCharset)...)
	}
	it.Reset("")

	for {
		next, _ := it.Current()
		in, err := prompt(ctx, p, fmt.Sprintf("#%d\tinput charset: ", num), orDefault(a.InputCharset, opts.LocaleCharset))
		if err != nil {
			return err
		}
		out, err := prompt(ctx, p, fmt.Sprintf("#%d\toutput charset: ", num), orDefault(a.OutputCharset, next))
		if err != nil {
			return err
		}

		switch {
		case in != "" && out == "":
			a.InputCharset, a.OutputCharset, a.Mode = in, "", ModeFixInput
			return nil
		case in == "" && out == "":
			in, out = opts.LocaleCharset, next
			it.Advance()
		case in == "":
			in = opts.LocaleCharset
		}
		if out == "" {
			p.Notify("no output charset left to try")
			it.Reset("")
			continue
		}

		tf, err := convertTemp(a.Path, in, out)
		if err == nil {
			if a.TempFile != nil && (orig == nil || a.TempFile != orig.TempFile) {
				log.Check(a.TempFile.Close(), "closing temporary file")
			}
			a.InputCharset, a.OutputCharset, a.Mode, a.TempFile = in, out, ModeTempFile, tf
			log.Debug("converted attachment", slog.String("name", a.Name), slog.String("from", in), slog.String("to", out))
			return nil
		}
		if !errors.Is(err, charset.ErrUnrepresentable) && !errors.Is(err, charset.ErrInvalidInput) && !errors.Is(err, charset.ErrUnknown) {
			return err
		}
		p.Notify(fmt.Sprintf("#%d: cannot convert from %s to %s: %v", num, in, out, err))
		a.InputCharset, a.OutputCharset = "", ""
		if a.Mode == ModeTempFile && (orig == nil || a.TempFile != orig.TempFile) {
			a.Mode = ModeDefault
		}
		if it.Exhausted() {
			p.Notify("iteration exhausted, restarting")
			it.Reset("")
		}
	}
}

func orDefault(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// convertTemp converts the file at path into a temporary file. The temporary
// file is removed from the file system right away, only the open file remains.
func convertTemp(path, from, to string) (rf *os.File, rerr error) {
	conv, err := charset.Open(from, to)
	if err != nil {
		return nil, err
	}
	defer conv.Close()

	src, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tf, err := os.CreateTemp("", "mailout-attach-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary file: %w", err)
	}
	defer func() {
		if rerr != nil {
			tf.Close()
		}
	}()
	if err := os.Remove(tf.Name()); err != nil {
		return nil, fmt.Errorf("removing temporary file: %w", err)
	}
	if err := conv.Convert(tf, src); err != nil {
		return nil, err
	}
	if _, err := tf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return tf, nil
}

// Describe returns a line describing the attachment, for listings.
func Describe(num int, a *Attachment) string {
	var b strings.Builder
	b.WriteString("#" + strconv.Itoa(num) + "\t" + a.Name)
	if !a.IsMessage() {
		b.WriteString(" (" + a.ContentType)
		if a.InputCharset != "" || a.OutputCharset != "" {
			b.WriteString("; " + orDefault(a.InputCharset, "?") + " -> " + orDefault(a.OutputCharset, "?"))
		}
		b.WriteString(")")
	}
	return b.String()
}
