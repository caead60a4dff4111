package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

func newTestStore(t *testing.T) (Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st, path
}

func TestLoadMissingFileYieldsEmpty(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	events, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %v, want empty", events)
	}
}

func TestLoadEmptyFileYieldsEmpty(t *testing.T) {
	t.Parallel()
	st, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	events, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("events = %v, want empty", events)
	}
}

func TestLoadCorruptFileFails(t *testing.T) {
	t.Parallel()
	st, path := newTestStore(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Load(context.Background()); err == nil {
		t.Fatal("expected error for corrupt store")
	}
}

func TestMutatePersists(t *testing.T) {
	t.Parallel()
	st, path := newTestStore(t)
	ctx := context.Background()

	ev := model.Event{ID: "a", Title: "Dentist", StartTime: "2025-07-01T10:00:00", EndTime: "2025-07-01T11:00:00"}
	err := st.Mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		return append(events, ev), nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// Reopen from disk to prove durability.
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	events, err := st2.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 || events[0] != ev {
		t.Fatalf("events = %+v", events)
	}
}

func TestMutateErrorAbortsWrite(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	seed := model.Event{ID: "a", Title: "Keep me"}
	if err := st.Mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		return append(events, seed), nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	err := st.Mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	events, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 || events[0].ID != "a" {
		t.Fatalf("failed mutation leaked a partial write: %+v", events)
	}
}

func TestNotifiedKeysSurviveReopen(t *testing.T) {
	t.Parallel()
	st, path := newTestStore(t)
	ctx := context.Background()

	if err := st.MarkNotified(ctx, []string{"a#1", "a#2", "", "a#1"}); err != nil {
		t.Fatalf("MarkNotified: %v", err)
	}
	got, err := st.Notified(ctx)
	if err != nil {
		t.Fatalf("Notified: %v", err)
	}
	if len(got) != 2 || !got["a#1"] || !got["a#2"] {
		t.Fatalf("notified = %v", got)
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	st2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	got, err = st2.Notified(ctx)
	if err != nil {
		t.Fatalf("Notified after reopen: %v", err)
	}
	if !got["a#1"] || !got["a#2"] {
		t.Fatalf("journal did not replay: %v", got)
	}
}

// Concurrent mutations must both land: the store serializes writers, so an
// API-side update and a scheduler-side write cannot silently revert each
// other.
func TestConcurrentMutationsBothLand(t *testing.T) {
	t.Parallel()
	st, _ := newTestStore(t)
	ctx := context.Background()

	if err := st.Mutate(ctx, func(events []model.Event) ([]model.Event, error) {
		return append(events, model.Event{ID: "a", Title: "before"}), nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = st.Mutate(ctx, func(events []model.Event) ([]model.Event, error) {
			for i := range events {
				if events[i].ID == "a" {
					events[i].Title = "after"
				}
			}
			return events, nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = st.MarkNotified(ctx, []string{"a#0"})
	}()
	wg.Wait()

	events, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(events) != 1 || events[0].Title != "after" {
		t.Fatalf("update lost: %+v", events)
	}
	notified, err := st.Notified(ctx)
	if err != nil {
		t.Fatalf("Notified: %v", err)
	}
	if !notified["a#0"] {
		t.Fatalf("mark lost: %v", notified)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
