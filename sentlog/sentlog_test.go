package sentlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/mailout/mlog"
)

var pkglog = mlog.New("sentlog", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestSentlog(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "sub", "sentlog.db")
	db, err := Open(ctx, pkglog.Logger, p)
	tcheck(t, err, "open")
	defer func() {
		tcheck(t, db.Close(), "close")
	}()

	now := time.Now().Round(0)
	attempts := []Attempt{
		{Time: now.Add(-3 * time.Hour), Transport: "smtp", MailFrom: "mox@example.org", Recipients: []string{"mjl@example.org"}, Result: "ok"},
		{Time: now.Add(-2 * time.Hour), Transport: "sendmail", MailFrom: "mox@example.org", Recipients: []string{"a@example.org", "b@example.org"}, Result: "error", Error: "mta failed: exit status 75"},
		{Transport: "smtp", MailFrom: "mox@example.org", Recipients: []string{"mjl@example.org"}, MessageID: "<test@example.org>", Size: 123, Result: "ok", Duration: time.Second},
	}
	for i := range attempts {
		err := db.Add(ctx, &attempts[i])
		tcheck(t, err, "add")
		if attempts[i].ID == 0 {
			t.Fatalf("id not set")
		}
	}
	if attempts[2].Time.IsZero() {
		t.Fatalf("time not set")
	}

	l, err := db.List(ctx, time.Time{}, "", 0)
	tcheck(t, err, "list")
	if len(l) != 3 || l[0].ID != attempts[2].ID || l[2].ID != attempts[0].ID {
		t.Fatalf("list: got %v", l)
	}
	if l[1].Error != attempts[1].Error || len(l[1].Recipients) != 2 {
		t.Fatalf("attempt not stored completely: %v", l[1])
	}

	l, err = db.List(ctx, time.Time{}, "smtp", 1)
	tcheck(t, err, "list with filter")
	if len(l) != 1 || l[0].ID != attempts[2].ID {
		t.Fatalf("list with transport and limit: got %v", l)
	}

	l, err = db.List(ctx, now.Add(-150*time.Minute), "", 0)
	tcheck(t, err, "list since")
	if len(l) != 2 {
		t.Fatalf("list since: got %d attempts, expected 2", len(l))
	}

	n, err := db.Prune(ctx, now.Add(-time.Hour))
	tcheck(t, err, "prune")
	if n != 2 {
		t.Fatalf("pruned %d, expected 2", n)
	}
	l, err = db.List(ctx, time.Time{}, "", 0)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("got %d attempts after prune, expected 1", len(l))
	}
}
