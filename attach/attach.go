// Package attach keeps the attachments of a message being composed: files and
// references to other messages, with their MIME metadata and charset handling.
package attach

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// ErrBadMessageRef is returned for "#N" references outside the message
	// range of the mailbox.
	ErrBadMessageRef = errors.New("message reference out of range")

	// ErrInterrupted is returned when the user interrupted an interactive edit.
	ErrInterrupted = errors.New("interrupted")
)

// MessageSource gives access to the messages of the current mailbox, to attach
// or resend them.
type MessageSource interface {
	// Count returns the number of messages.
	Count() int

	// Message returns the full message, header and body, for message number n,
	// starting at 1.
	Message(n int) (io.ReadCloser, error)
}

// Mode is how the charset of a text attachment is handled when sending.
type Mode int

const (
	// ModeDefault converts from the input charset to each candidate output
	// charset in turn, until one can represent the text.
	ModeDefault Mode = iota

	// ModeFixOutput converts to OutputCharset only, one attempt.
	ModeFixOutput

	// ModeFixInput does not convert, the data is declared to be in
	// InputCharset.
	ModeFixInput

	// ModeTempFile sends the already converted data in TempFile, declared as
	// OutputCharset.
	ModeTempFile
)

func (m Mode) String() string {
	switch m {
	case ModeDefault:
		return "default"
	case ModeFixOutput:
		return "fixoutput"
	case ModeFixInput:
		return "fixinput"
	case ModeTempFile:
		return "tempfile"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Class is the rough kind of content of an attachment.
type Class int

const (
	ClassBinary Class = iota
	ClassText
	ClassMessage
)

// Attachment is a file or a message reference to send as MIME part. Exactly
// one of Path and MsgNum is set.
type Attachment struct {
	Path   string // Local file, for file attachments.
	MsgNum int    // Message number, for message references.

	Name        string // Display name, the basename of Path, or "#N".
	ContentType string // Without parameters.
	Disposition string // "attachment" by default.
	ContentID   string // Optional, without <>.
	Description string // Optional.

	InputCharset  string
	OutputCharset string
	Mode          Mode

	// With ModeTempFile, the converted data. Owned by the attachment, closed
	// when the attachment is released.
	TempFile *os.File
}

// IsMessage returns whether a is a reference to a message.
func (a *Attachment) IsMessage() bool {
	return a.MsgNum > 0
}

// Class returns the content class, based on content type.
func (a *Attachment) Class() Class {
	ct := strings.ToLower(a.ContentType)
	switch {
	case a.IsMessage() || ct == "message/rfc822":
		return ClassMessage
	case strings.HasPrefix(ct, "text/"):
		return ClassText
	}
	return ClassBinary
}

// Open returns the data to send for a file attachment. For ModeTempFile, the
// temporary file is positioned at its start and closing the returned reader
// does not close the temporary file.
func (a *Attachment) Open() (io.ReadCloser, error) {
	if a.IsMessage() {
		return nil, fmt.Errorf("attachment %s is a message reference", a.Name)
	}
	if a.Mode == ModeTempFile {
		if a.TempFile == nil {
			return nil, fmt.Errorf("attachment %s: missing converted data", a.Name)
		}
		if _, err := a.TempFile.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to start of converted data: %w", err)
		}
		return io.NopCloser(a.TempFile), nil
	}
	return os.Open(a.Path)
}

// release closes and removes the temporary file, if any.
func (a *Attachment) release() error {
	if a.TempFile == nil {
		return nil
	}
	err := a.TempFile.Close()
	a.TempFile = nil
	if a.Mode == ModeTempFile {
		a.Mode = ModeDefault
	}
	return err
}

// Classifier determines content types from file names.
type Classifier struct {
	types map[string]string // Lower-case extension without dot, to type.
}

// NewClassifier returns a classifier that first looks at the mime.types-style
// files (e.g. ~/.mime.types), then at the system types known to package mime.
// Missing files are ignored.
func NewClassifier(paths ...string) (*Classifier, error) {
	c := &Classifier{types: map[string]string{}}
	for _, p := range paths {
		if err := c.load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return c, nil
}

// load parses lines of the form "type ext ext ...", with # comments.
func (c *Classifier) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "/") {
			continue
		}
		for _, ext := range fields[1:] {
			c.types[strings.ToLower(strings.TrimPrefix(ext, "."))] = strings.ToLower(fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}

// TypeByName returns the content type for a file name, without parameters.
// An empty string is returned when the extension is not known.
func (c *Classifier) TypeByName(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		return ""
	}
	if c != nil {
		if t, ok := c.types[ext]; ok {
			return t
		}
	}
	t := mime.TypeByExtension("." + ext)
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return ""
	}
	return mt
}

// TypeByContent guesses a type by looking at the start of a file: text/plain
// for valid UTF-8 without NUL bytes, application/octet-stream otherwise.
func TypeByContent(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 1024)
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]
	// Don't fail on a multibyte character cut off at the end.
	for i := 0; i < utf8.UTFMax && len(buf) > 0 && !utf8.Valid(buf); i++ {
		buf = buf[:len(buf)-1]
	}
	if n > 0 && len(buf) == 0 || !utf8.Valid(buf) || strings.ContainsRune(string(buf), 0) {
		return "application/octet-stream"
	}
	return "text/plain"
}

// List is the ordered list of attachments of a message.
type List struct {
	Classifier *Classifier // Optional, for content types.
	items      []*Attachment
}

// Len returns the number of attachments.
func (l *List) Len() int {
	return len(l.items)
}

// At returns the i-th attachment, starting at 0.
func (l *List) At(i int) *Attachment {
	return l.items[i]
}

// All returns the attachments in order. The slice must not be modified.
func (l *List) All() []*Attachment {
	return l.items
}

// Remove removes the i-th attachment, releasing its temporary file.
func (l *List) Remove(i int) error {
	if i < 0 || i >= len(l.items) {
		return fmt.Errorf("no attachment %d", i)
	}
	err := l.items[i].release()
	l.items = append(l.items[:i], l.items[i+1:]...)
	return err
}

// Close releases all temporary files and empties the list.
func (l *List) Close() error {
	var errs []error
	for _, a := range l.items {
		if err := a.release(); err != nil {
			errs = append(errs, err)
		}
	}
	l.items = nil
	return errors.Join(errs...)
}

// ExpandPath expands a leading "~/" to the home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// fillIn sets the fields derived from the path of a file attachment.
func (l *List) fillIn(a *Attachment, path string) {
	a.Path = path
	a.MsgNum = 0
	a.Name = filepath.Base(path)
	a.ContentType = l.Classifier.TypeByName(a.Name)
	if a.ContentType == "" {
		a.ContentType = TypeByContent(path)
	}
	a.Disposition = "attachment"
	a.ContentID = ""
	a.InputCharset = ""
	a.OutputCharset = ""
	a.Mode = ModeDefault
}

// checkReadable returns an error if path cannot be opened for reading or is not
// a regular file.
func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s: not a regular file", path)
	}
	return nil
}

// Add resolves a file and appends it as attachment. The file must be readable,
// otherwise nothing is added and the error is returned.
func (l *List) Add(path string) (*Attachment, error) {
	path = ExpandPath(path)
	if err := checkReadable(path); err != nil {
		return nil, err
	}
	a := &Attachment{}
	l.fillIn(a, path)
	l.items = append(l.items, a)
	return a, nil
}

func (l *List) setMessage(a *Attachment, n int, src MessageSource) error {
	if src == nil || n < 1 || n > src.Count() {
		return fmt.Errorf("%w: #%d", ErrBadMessageRef, n)
	}
	*a = Attachment{
		MsgNum:      n,
		Name:        "#" + strconv.Itoa(n),
		ContentType: "message/rfc822",
		Disposition: "inline",
		Description: "Attached message content",
	}
	return nil
}

// AddMessage appends a reference to message n of src. N must be within the
// message count of src.
func (l *List) AddMessage(n int, src MessageSource) (*Attachment, error) {
	a := &Attachment{}
	if err := l.setMessage(a, n, src); err != nil {
		return nil, err
	}
	l.items = append(l.items, a)
	return a, nil
}

// parseMessageRef parses "#N", returning 0 if s is not a message reference.
func parseMessageRef(s string) int {
	if !strings.HasPrefix(s, "#") {
		return 0
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

// Append adds the comma-separated files and "#N" message references in names.
// Each name is added independently, names that fail are reported in the
// returned error while the others are added.
func (l *List) Append(names string, src MessageSource) error {
	var errs []error
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var err error
		if n := parseMessageRef(name); n > 0 {
			_, err = l.AddMessage(n, src)
		} else {
			_, err = l.Add(name)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
