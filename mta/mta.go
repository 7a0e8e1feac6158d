// Package mta hands messages to a local sendmail-compatible mail transfer agent
// and runs pipe addressees.
//
// Children are either waited for, with their exit status checked, or detached:
// started with the message file as standard input and reaped in the background.
package mta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/mjl-/mailout/mlog"
)

// ErrFailed is returned when the MTA or a pipe command exits with an error
// status.
var ErrFailed = errors.New("mta failed")

// DefaultPath is the MTA used when Options.Path is empty.
const DefaultPath = "/usr/sbin/sendmail"

// Options configure an MTA invocation.
type Options struct {
	Path      string   // Program to execute. Default DefaultPath.
	Progname  string   // argv[0]. Default "sendmail".
	Arguments []string // Passed through before -f, e.g. from sendmail-arguments.
	From      string   // Envelope sender, passed with -f. Optional.
	MeToo     bool     // Pass -m, don't remove the sender from recipients.
	Verbose   bool     // Pass -v, implies Wait.
	Wait      bool     // Wait for the MTA and check its exit status.

	// For detached children. If nil, DefaultReaper is used.
	Reaper *Reaper
}

// Args returns the argument vector for the MTA, including argv[0]:
//
//	progname -i [-m] [-v] [arguments...] [-f from] -- rcpt...
func Args(opts Options, rcpts []string) []string {
	progname := opts.Progname
	if progname == "" {
		progname = "sendmail"
	}
	args := []string{progname, "-i"}
	if opts.MeToo {
		args = append(args, "-m")
	}
	if opts.Verbose {
		args = append(args, "-v")
	}
	args = append(args, opts.Arguments...)
	if opts.From != "" {
		args = append(args, "-f", opts.From)
	}
	args = append(args, "--")
	return append(args, rcpts...)
}

// SplitArguments splits a sendmail-arguments setting on whitespace.
func SplitArguments(s string) []string {
	return strings.Fields(s)
}

// Send runs the MTA with the message from msg on its standard input. With Wait
// or Verbose, Send returns after the MTA exits, with an error wrapping ErrFailed
// for a non-zero exit status. Otherwise, Send returns after starting the MTA.
//
// Msg should be an *os.File positioned at the start of the message: a
// detached child then reads it directly, also when this process exits before
// the child is done.
func Send(ctx context.Context, elog *slog.Logger, opts Options, rcpts []string, msg io.Reader) error {
	log := mlog.New("mta", elog).WithContext(ctx)

	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	args := Args(opts, rcpts)
	log.Debug("starting mta", slog.String("path", path), slog.Any("args", args))

	cmd := &exec.Cmd{
		Path:   path,
		Args:   args,
		Stdin:  msg,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if opts.Verbose || opts.Wait {
		return run(ctx, log, cmd, path)
	}
	return detach(log, opts.Reaper, cmd, path)
}

// Pipe runs command with "sh -c", with the message on its standard input, for
// "|command" addressees. Waiting is as with Send.
func Pipe(ctx context.Context, elog *slog.Logger, command string, wait bool, reaper *Reaper, msg io.Reader) error {
	log := mlog.New("mta", elog).WithContext(ctx)

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	log.Debug("starting pipe", slog.String("command", command))
	cmd := exec.Command(shell, "-c", command)
	cmd.Stdin = msg
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if wait {
		return run(ctx, log, cmd, command)
	}
	return detach(log, reaper, cmd, command)
}

func run(ctx context.Context, log mlog.Log, cmd *exec.Cmd, what string) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", what, err)
	}

	// Stop the child when we are interrupted.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.Check(cmd.Process.Kill(), "killing child after interrupt", slog.Int("pid", cmd.Process.Pid))
		case <-done:
		}
	}()

	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", what, ctx.Err())
		}
		return fmt.Errorf("%w: %s: exit status %d", ErrFailed, what, exitErr.ExitCode())
	} else if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	log.Debug("child finished", slog.String("what", what))
	return nil
}

func detach(log mlog.Log, r *Reaper, cmd *exec.Cmd, what string) error {
	if r == nil {
		r = DefaultReaper
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", what, err)
	}
	r.track(log, cmd, what)
	return nil
}

// Reaper waits for detached children, so they don't linger as zombies, and
// logs their exit status.
type Reaper struct {
	mu   sync.Mutex
	pids map[int]string // Child pid to description.
	wg   sync.WaitGroup
}

// DefaultReaper reaps children started without an explicit reaper.
var DefaultReaper = &Reaper{}

func (r *Reaper) track(log mlog.Log, cmd *exec.Cmd, what string) {
	pid := cmd.Process.Pid
	r.mu.Lock()
	if r.pids == nil {
		r.pids = map[int]string{}
	}
	r.pids[pid] = what
	r.mu.Unlock()
	log.Debug("detached child", slog.Int("pid", pid), slog.String("what", what))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		err := cmd.Wait()
		r.mu.Lock()
		delete(r.pids, pid)
		r.mu.Unlock()
		if err != nil {
			log.Errorx("detached child failed", err, slog.Int("pid", pid), slog.String("what", what))
		} else {
			log.Debug("detached child finished", slog.Int("pid", pid))
		}
	}()
}

// Pending returns the pids of children that have not exited yet, sorted.
func (r *Reaper) Pending() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		l = append(l, pid)
	}
	slices.Sort(l)
	return l
}

// Wait waits until all tracked children have exited.
func (r *Reaper) Wait() {
	r.wg.Wait()
}
