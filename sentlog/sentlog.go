// Package sentlog keeps a database of delivery attempts.
package sentlog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/mailout/buildvar"
	"github.com/mjl-/mailout/mlog"
)

// Attempt is a single delivery attempt of a message, to all its recipients
// over one transport.
type Attempt struct {
	ID         int64
	Time       time.Time `bstore:"nonzero,index"`
	Transport  string    `bstore:"nonzero,index"` // smtp, ses, sendmail, file, pipe.
	MailFrom   string
	Recipients []string
	MessageID  string // With <>, empty if the message has none.
	Subject    string
	Size       int64
	Result     string // ok, error, interrupted.
	Error      string // Empty on success.
	Duration   time.Duration
}

// DBTypes are the types stored in the database.
var DBTypes = []any{Attempt{}}

// DB is an opened sent log.
type DB struct {
	log mlog.Log
	db  *bstore.DB
}

// Open opens the database at path, creating it and its directory if needed.
func Open(ctx context.Context, elog *slog.Logger, path string) (*DB, error) {
	log := mlog.New("sentlog", elog)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating directory for sent log: %w", err)
	}
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0600, RegisterLogger: buildvar.RegisterLogger(path, elog)}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("opening sent log: %w", err)
	}
	return &DB{log, db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Add stores a and sets its ID. A zero Time is set to the current time.
func (d *DB) Add(ctx context.Context, a *Attempt) error {
	if a.Time.IsZero() {
		a.Time = time.Now()
	}
	if err := d.db.Insert(ctx, a); err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	d.log.Debug("logged delivery attempt", slog.Int64("id", a.ID), slog.String("transport", a.Transport), slog.String("result", a.Result))
	return nil
}

// List returns attempts since the given time, most recent first. A zero
// transport matches all transports, a zero limit returns all matches.
func (d *DB) List(ctx context.Context, since time.Time, transport string, limit int) ([]Attempt, error) {
	q := bstore.QueryDB[Attempt](ctx, d.db)
	if !since.IsZero() {
		q.FilterGreaterEqual("Time", since)
	}
	if transport != "" {
		q.FilterNonzero(Attempt{Transport: transport})
	}
	q.SortDesc("Time")
	if limit > 0 {
		q.Limit(limit)
	}
	return q.List()
}

// Prune removes attempts from before the given time, returning the number
// removed.
func (d *DB) Prune(ctx context.Context, before time.Time) (int, error) {
	n, err := bstore.QueryDB[Attempt](ctx, d.db).FilterLess("Time", before).Delete()
	if err != nil {
		return 0, fmt.Errorf("removing old attempts: %w", err)
	}
	return n, nil
}
