package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration settings travel as strings ("90m", "1h30m") so yaml and json
// configs read identically. They are parsed at apply time against the
// field's dotted path, which keeps rejection messages actionable.

// ParseDurationField parses one duration setting. Empty and zero input both
// yield def, so omitting a field and writing "0s" mean the same thing.
// Negative values are rejected.
func ParseDurationField(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must not be negative", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// CheckDurations validates every duration-string field without applying it.
// The reload validator runs this so a bad edit is rejected before any
// running service sees it.
func (c *Config) CheckDurations() error {
	fields := []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"reminder.window", c.Reminder.Window},
	}
	for _, f := range fields {
		if _, err := ParseDurationField(f.path, f.raw, 0); err != nil {
			return err
		}
	}
	return nil
}
