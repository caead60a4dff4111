//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// Serializes Mutate's read-modify-write against other writers.
	mu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, start_time, end_time, recurrence, notified
		 FROM events ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var ev model.Event
		var rec string
		var notified int
		if err := rows.Scan(&ev.ID, &ev.Title, &ev.Description, &ev.StartTime, &ev.EndTime, &rec, &notified); err != nil {
			return nil, err
		}
		ev.Recurrence = model.Recurrence(rec)
		ev.Notified = notified != 0
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *sqliteStore) Mutate(ctx context.Context, fn func(events []model.Event) ([]model.Event, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.Load(ctx)
	if err != nil {
		return err
	}
	next, err := fn(events)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return err
	}
	for _, ev := range next {
		notified := 0
		if ev.Notified {
			notified = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events(id, title, description, start_time, end_time, recurrence, notified)
			 VALUES(?,?,?,?,?,?,?)`,
			ev.ID, ev.Title, ev.Description, ev.StartTime, ev.EndTime, string(ev.Recurrence), notified,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Notified(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM notified`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = true
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkNotified(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO notified(key, at) VALUES(?,?)
			 ON CONFLICT(key) DO NOTHING`,
			key, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}
