package mta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/mjl-/mailout/mlog"
)

var pkglog = mlog.New("mta", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestArgs(t *testing.T) {
	test := func(opts Options, rcpts []string, exp string) {
		t.Helper()
		args := Args(opts, rcpts)
		if s := strings.Join(args, " "); s != exp {
			t.Fatalf("got %q, expected %q", s, exp)
		}
	}

	test(Options{}, []string{"mjl@example.org"}, "sendmail -i -- mjl@example.org")
	test(Options{Progname: "mox", MeToo: true, Verbose: true}, []string{"a@example.org", "b@example.org"}, "mox -i -m -v -- a@example.org b@example.org")
	test(Options{Arguments: SplitArguments(" -oi  -odb "), From: "mox@example.org"}, nil, "sendmail -i -oi -odb -f mox@example.org --")

	// A recipient looking like a flag stays behind "--".
	args := Args(Options{}, []string{"-bogus@example.org"})
	exp := []string{"sendmail", "-i", "--", "-bogus@example.org"}
	if !reflect.DeepEqual(args, exp) {
		t.Fatalf("got %v, expected %v", args, exp)
	}
}

// writeScript writes a fake MTA that stores its arguments and standard input
// in dir, and exits with status. The shell sets $0 to the script path, so
// argv[0] is not visible.
func writeScript(t *testing.T, dir, status string) string {
	t.Helper()
	p := filepath.Join(dir, "sendmail")
	script := "#!/bin/sh\necho \"$*\" >" + filepath.Join(dir, "args") + "\ncat >" + filepath.Join(dir, "stdin") + "\nexit " + status + "\n"
	err := os.WriteFile(p, []byte(script), 0755)
	tcheck(t, err, "write script")
	return p
}

func msgFile(t *testing.T, msg string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "msg")
	tcheck(t, err, "create message file")
	t.Cleanup(func() { f.Close() })
	_, err = f.WriteString(msg)
	tcheck(t, err, "write message")
	_, err = f.Seek(0, 0)
	tcheck(t, err, "seek")
	return f
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := writeScript(t, dir, "0")

	const msg = "Subject: test\n\nhi\n"
	opts := Options{Path: path, Progname: "mailer", From: "mox@example.org", Wait: true}
	err := Send(ctx, pkglog.Logger, opts, []string{"mjl@example.org"}, msgFile(t, msg))
	tcheck(t, err, "send")

	buf, err := os.ReadFile(filepath.Join(dir, "args"))
	tcheck(t, err, "read args")
	if s := string(buf); s != "-i -f mox@example.org -- mjl@example.org\n" {
		t.Fatalf("args: got %q", s)
	}
	buf, err = os.ReadFile(filepath.Join(dir, "stdin"))
	tcheck(t, err, "read stdin")
	if string(buf) != msg {
		t.Fatalf("stdin: got %q, expected %q", buf, msg)
	}

	// Failing MTA.
	path = writeScript(t, t.TempDir(), "75")
	err = Send(ctx, pkglog.Logger, Options{Path: path, Wait: true}, []string{"mjl@example.org"}, msgFile(t, msg))
	if !errors.Is(err, ErrFailed) || !strings.Contains(err.Error(), "exit status 75") {
		t.Fatalf("got err %v, expected ErrFailed with status", err)
	}

	// Missing MTA.
	err = Send(ctx, pkglog.Logger, Options{Path: filepath.Join(dir, "absent"), Wait: true}, nil, msgFile(t, msg))
	if err == nil || errors.Is(err, ErrFailed) {
		t.Fatalf("got err %v, expected start failure", err)
	}
}

func TestDetach(t *testing.T) {
	dir := t.TempDir()
	path := writeScript(t, dir, "1")

	r := &Reaper{}
	const msg = "Subject: detached\n\nhi\n"
	err := Send(context.Background(), pkglog.Logger, Options{Path: path, Reaper: r}, []string{"mjl@example.org"}, msgFile(t, msg))
	tcheck(t, err, "send")

	// Exit status of detached children is only logged.
	r.Wait()
	if l := r.Pending(); len(l) != 0 {
		t.Fatalf("pending children after wait: %v", l)
	}
	buf, err := os.ReadFile(filepath.Join(dir, "stdin"))
	tcheck(t, err, "read stdin")
	if string(buf) != msg {
		t.Fatalf("stdin: got %q, expected %q", buf, msg)
	}
}

func TestPipe(t *testing.T) {
	t.Setenv("SHELL", "/bin/sh")
	ctx := context.Background()
	out := filepath.Join(t.TempDir(), "out")

	err := Pipe(ctx, pkglog.Logger, "tr a-z A-Z >"+out, true, nil, msgFile(t, "hello\n"))
	tcheck(t, err, "pipe")
	buf, err := os.ReadFile(out)
	tcheck(t, err, "read output")
	if string(buf) != "HELLO\n" {
		t.Fatalf("got %q", buf)
	}

	err = Pipe(ctx, pkglog.Logger, "exit 3", true, nil, msgFile(t, "hello\n"))
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("got %v, expected ErrFailed", err)
	}

	r := &Reaper{}
	err = Pipe(ctx, pkglog.Logger, "cat >"+out, false, r, msgFile(t, "detached\n"))
	tcheck(t, err, "detached pipe")
	r.Wait()
	buf, err = os.ReadFile(out)
	tcheck(t, err, "read output")
	if string(buf) != "detached\n" {
		t.Fatalf("got %q", buf)
	}
}

func TestInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Pipe(ctx, pkglog.Logger, "sleep 10", true, nil, msgFile(t, ""))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, expected context.Canceled", err)
	}
}
