package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <path>                           (event templates, JSON array)
//   - <prefix>.notified.snapshot.json  (periodic snapshot of notified keys)
//   - <prefix>.notified.journal.jsonl  (append-only journal)
//
// The template file is replaced atomically (tmp + rename) on every Mutate.
// The journal is periodically compacted into the snapshot; compaction also
// drops keys whose source template no longer exists.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath string

	notifiedSnapshotPath string
	notifiedJournalFile  *os.File
	notified             map[string]int64 // key -> unix milli marked

	notifiedWrites int
	closed         bool
}

type notifiedRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".notified.snapshot.json"
	journalPath := prefix + ".notified.journal.jsonl"

	// Load notified keys from snapshot + journal.
	notified := map[string]int64{}
	_ = loadNotifiedSnapshot(snapPath, notified)
	_ = replayNotifiedJournal(journalPath, notified)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:                  log,
		eventsPath:           path,
		notifiedSnapshotPath: snapPath,
		notifiedJournalFile:  jf,
		notified:             notified,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.notifiedJournalFile != nil {
		err := s.notifiedJournalFile.Close()
		s.notifiedJournalFile = nil
		return err
	}
	return nil
}

func (s *fileStore) Load(ctx context.Context) ([]model.Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.loadLocked()
}

func (s *fileStore) loadLocked() ([]model.Event, error) {
	b, err := os.ReadFile(s.eventsPath)
	if errors.Is(err, os.ErrNotExist) {
		return []model.Event{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return []model.Event{}, nil
	}
	var events []model.Event
	if err := json.Unmarshal(b, &events); err != nil {
		// Corrupt data fails the caller's pass; it is never silently
		// replaced with an empty set.
		return nil, fmt.Errorf("decode %s: %w", s.eventsPath, err)
	}
	return events, nil
}

func (s *fileStore) saveLocked(events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.eventsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.eventsPath)
}

func (s *fileStore) Mutate(ctx context.Context, fn func(events []model.Event) ([]model.Event, error)) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	events, err := s.loadLocked()
	if err != nil {
		return err
	}
	next, err := fn(events)
	if err != nil {
		return err
	}
	return s.saveLocked(next)
}

func (s *fileStore) Notified(ctx context.Context) (map[string]bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]bool, len(s.notified))
	for k := range s.notified {
		out[k] = true
	}
	return out, nil
}

func (s *fileStore) MarkNotified(ctx context.Context, keys []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.notifiedJournalFile == nil {
		return errors.New("notified journal closed")
	}

	now := time.Now().UnixMilli()
	enc := json.NewEncoder(s.notifiedJournalFile)
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, ok := s.notified[key]; ok {
			continue
		}
		if err := enc.Encode(notifiedRecord{Key: key, At: now}); err != nil {
			return err
		}
		s.notified[key] = now
		s.notifiedWrites++
	}

	if s.notifiedWrites >= 1000 {
		s.notifiedWrites = 0
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("notified compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	// Drop keys for templates that have been deleted.
	if events, err := s.loadLocked(); err == nil {
		live := make(map[string]bool, len(events))
		for _, ev := range events {
			live[ev.ID] = true
		}
		for key := range s.notified {
			id, _, ok := strings.Cut(key, "#")
			if ok && !live[id] {
				delete(s.notified, key)
			}
		}
	}

	tmp := s.notifiedSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.notified); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.notifiedSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.notifiedJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.notifiedJournalFile.Seek(0, 2)
	return err
}

func loadNotifiedSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayNotifiedJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r notifiedRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return sc.Err()
}
