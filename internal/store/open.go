package store

import (
	"context"
	"errors"
	"strings"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

// Store is the persistence API used by the API handlers and the reminder
// scheduler.
//
// Load must tolerate a missing or empty backing resource by yielding an
// empty slice. Mutate applies fn to the current template set and persists
// the result atomically; fn returning an error aborts without partial
// writes. Notified state is kept separately, keyed by Occurrence.Key, so
// marking one occurrence delivered never touches its template.
type Store interface {
	Load(ctx context.Context) ([]model.Event, error)
	Mutate(ctx context.Context, fn func(events []model.Event) ([]model.Event, error)) error
	Notified(ctx context.Context) (map[string]bool, error)
	MarkNotified(ctx context.Context, keys []string) error
	Close() error
}

// Open initializes the configured store. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
