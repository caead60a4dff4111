package config

import "strings"

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	API      APIConfig      `json:"api"`
	Reminder ReminderConfig `json:"reminder"`
	SMTP     SMTPConfig     `json:"smtp,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console,omitempty"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	// Driver selects the backend: "file" (default) or "sqlite".
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite only).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
}

// ReminderConfig controls the periodic reminder pass.
//
// All durations are Go duration strings (e.g. "30s", "1m", "1h").
//
// Defaults (when fields are omitted/zero):
//   - interval: "60s"
//   - window: "1h"
//   - horizon: 4
type ReminderConfig struct {
	Enabled bool `json:"enabled"`

	// Interval between passes. Accepts a duration ("60s") or a cron spec
	// ("*/5 * * * *").
	Interval string `json:"interval,omitempty"`

	// Window is how far ahead of now an occurrence counts as due.
	Window string `json:"window,omitempty"`

	// Horizon is the number of future instances materialized per recurring
	// event.
	Horizon int `json:"horizon,omitempty"`
}

type SMTPConfig struct {
	Enabled  bool     `json:"enabled,omitempty"`
	Host     string   `json:"host,omitempty"`
	Port     int      `json:"port,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	From     string   `json:"from,omitempty"`
	To       []string `json:"to,omitempty"`
	// RatePerMin caps outgoing reminder mails. 0 means a conservative
	// default.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

type PprofConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Address string `json:"address,omitempty"`
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		c.Storage.Path = "./data/events.json"
	}
	if strings.TrimSpace(c.API.Address) == "" {
		c.API.Address = ":8080"
	}
	return c
}
