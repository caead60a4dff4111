package store

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

// Config configures storage.
//
// Driver values:
//   - "file" (default): JSON snapshot + notified journal, dependency-free
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
