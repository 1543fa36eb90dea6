package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-relay/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "relay.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.StoreConfig{})

	if _, err := s.Select(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update(ctx, Credential{UserID: "u1", Token: "x"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update of missing user should fail, got %v", err)
	}
	if err := s.Insert(ctx, Credential{UserID: "u1", Token: "tok-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ctx, Credential{UserID: "u1", Token: "tok-2"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	s.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	if err := s.Save(ctx, Credential{UserID: "u1", Token: "tok-3"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	c, err := s.Select(ctx, "u1")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if c.Token != "tok-3" || !c.UpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected credential %+v", c)
	}

	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "u1"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := s.Select(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestEphemeralKeepsDataInMemory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.StoreConfig{RetentionMode: "ephemeral"})
	if err := s.Save(ctx, Credential{UserID: "u1", Token: "tok"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if c, err := s.Select(ctx, "u1"); err != nil || c.Token != "tok" {
		t.Fatalf("select: %+v %v", c, err)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.StoreConfig{})

	for i, state := range []string{"connecting", "open", "retrying"} {
		evt := ConnectionEvent{UserID: "u1", State: state, Backend: "primary", RetryCount: i, HealthScore: 50 + i}
		if err := s.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.AppendEvent(ctx, ConnectionEvent{UserID: "u2", State: "idle"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.ListEvents(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 || events[0].State != "connecting" || events[2].State != "retrying" || events[2].HealthScore != 52 {
		t.Fatalf("unexpected events %+v", events)
	}
	all, err := s.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, config.StoreConfig{RetentionDays: 1, MaxEvents: 2})

	s.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.AppendEvent(ctx, ConnectionEvent{UserID: "u1", State: "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, state := range []string{"a", "b", "c"} {
		if err := s.AppendEvent(ctx, ConnectionEvent{UserID: "u1", State: state}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s.Save(ctx, Credential{UserID: "u1", Token: "tok"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	events, err := s.ListEvents(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].State != "b" || events[1].State != "c" {
		t.Fatalf("expected newest two events, got %+v", events)
	}
	if _, err := s.Select(ctx, "u1"); err != nil {
		t.Fatalf("credentials must survive prune: %v", err)
	}
}
