package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/srvctl/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	ctx := context.Background()

	rec := history.Record{
		Server:    "mail",
		PID:       12345,
		Mode:      "daemon",
		BaseDir:   "/srv/mail",
		StartedAt: time.Now().Add(-time.Minute).UTC(),
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}
	rec.Error = "exit status 1"
	if err := sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: rec}); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen: schema creation is idempotent and rows persisted
	sink, err = New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx, "mail")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	ctx := context.Background()

	// zero StartedAt is stored as NULL
	ev := history.Event{Type: history.EventStop, OccurredAt: time.Now(), Record: history.Record{Server: "web", PID: 7}}
	if err := sink.Send(ctx, ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(ctx, "web")
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
	if n, _ := sink.Count(ctx, "other"); n != 0 {
		t.Fatalf("unexpected rows for other server: %d", n)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
