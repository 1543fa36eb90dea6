// Package store persists relay credentials and a timeline of connection
// state changes in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-relay/internal/config"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Credential is the session secret for one user.
type Credential struct {
	UserID    string
	Token     string
	UpdatedAt time.Time
}

// ConnectionEvent is one entry of the connection timeline.
type ConnectionEvent struct {
	ID          int64
	UserID      string
	State       string
	Backend     string
	Endpoint    string
	Error       string
	ErrorKind   string
	RetryCount  int
	HealthScore int
	CreatedAt   time.Time
}

// Store wraps a SQLite database. Ephemeral mode keeps everything in memory
// for the life of the process.
type Store struct {
	db    *sql.DB
	cfg   config.StoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	var dsn string
	if cfg.RetentionMode == "ephemeral" {
		dsn = "file::memory:"
	} else {
		dir := filepath.Dir(cfg.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps the in-memory database alive and serializes
	// writers on the file.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log.With(slog.String("component", "store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart && cfg.RetentionMode != "ephemeral" {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS credentials (
    user_id TEXT PRIMARY KEY,
    token TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS connection_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT,
    state TEXT NOT NULL,
    backend TEXT,
    endpoint TEXT,
    error TEXT,
    error_kind TEXT,
    retry_count INTEGER,
    health_score INTEGER,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connection_events_user_created ON connection_events(user_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() int64 {
	return s.clock().UTC().UnixMilli()
}

// Select returns the stored credential for userID.
func (s *Store) Select(ctx context.Context, userID string) (Credential, error) {
	var c Credential
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, token, updated_at FROM credentials WHERE user_id = ?`, userID,
	).Scan(&c.UserID, &c.Token, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}

// Insert adds a credential. It fails with ErrExists when the user already
// has one.
func (s *Store) Insert(ctx context.Context, c Credential) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(user_id, token, updated_at) VALUES(?, ?, ?) ON CONFLICT(user_id) DO NOTHING`,
		c.UserID, c.Token, s.now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

// Update replaces the token of an existing credential.
func (s *Store) Update(ctx context.Context, c Credential) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET token = ?, updated_at = ? WHERE user_id = ?`,
		c.Token, s.now(), c.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Save inserts or updates.
func (s *Store) Save(ctx context.Context, c Credential) error {
	err := s.Insert(ctx, c)
	if errors.Is(err, ErrExists) {
		return s.Update(ctx, c)
	}
	return err
}

// Delete removes a credential. Deleting a missing user is not an error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id = ?`, userID)
	return err
}

// AppendEvent writes a timeline entry.
func (s *Store) AppendEvent(ctx context.Context, evt ConnectionEvent) error {
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events(user_id, state, backend, endpoint, error, error_kind, retry_count, health_score, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.UserID, evt.State, evt.Backend, evt.Endpoint, evt.Error, evt.ErrorKind, evt.RetryCount, evt.HealthScore, created)
	return err
}

// ListEvents returns up to limit entries for userID, oldest first. An empty
// userID lists every user.
func (s *Store) ListEvents(ctx context.Context, userID string, limit int) ([]ConnectionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, state, backend, endpoint, error, error_kind, retry_count, health_score, created_at
		 FROM connection_events WHERE (? = '' OR user_id = ?) ORDER BY created_at ASC, id ASC LIMIT ?`,
		userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.State, &e.Backend, &e.Endpoint, &e.Error, &e.ErrorKind, &e.RetryCount, &e.HealthScore, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention to the timeline. Credentials are never
// pruned.
func (s *Store) Prune(ctx context.Context) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM connection_events WHERE created_at < ?`, cutoff.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM connection_events WHERE id IN (
			SELECT id FROM connection_events ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
