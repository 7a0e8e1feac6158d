// Package buildvar provides the version of a mailout build, and helpers that
// depend on how mailout runs.
package buildvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"testing"
)

// Version is set from the Go module build information: the module version, or
// the VCS revision for development builds.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = versionFrom(buildInfo)
}

func versionFrom(bi *debug.BuildInfo) string {
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	var rev, modified string
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return "(devel)"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if modified == "true" {
		rev += "+modifications"
	}
	return rev
}

// UserAgent returns the value for the User-Agent header.
func UserAgent() string {
	return "mailout/" + Version
}

var skipRegisterLogging = testing.Testing()

// RegisterLogger returns the logger for bstore.Options.RegisterLogger. Under
// test, nil is returned for databases that don't exist yet, to prevent
// logging about their schema creation.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !skipRegisterLogging {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
