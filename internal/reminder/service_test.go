package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

// ---- fakes ----

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	events   []model.Event
	notified map[string]int64

	loadErr error
	markErr error
}

func newFakeStore(events ...model.Event) *fakeStore {
	return &fakeStore{events: events, notified: map[string]int64{}}
}

func (s *fakeStore) Load(ctx context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]model.Event(nil), s.events...), nil
}

func (s *fakeStore) Mutate(ctx context.Context, fn func([]model.Event) ([]model.Event, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(append([]model.Event(nil), s.events...))
	if err != nil {
		return err
	}
	s.events = next
	return nil
}

func (s *fakeStore) Notified(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.notified))
	for k := range s.notified {
		out[k] = true
	}
	return out, nil
}

func (s *fakeStore) MarkNotified(ctx context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	for _, k := range keys {
		s.notified[k] = 1
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeSink struct {
	mu    sync.Mutex
	sent  []string // occurrence keys in send order
	fail  bool
	calls int
}

func (s *fakeSink) Notify(ctx context.Context, occ model.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("smtp: connection refused")
	}
	s.sent = append(s.sent, occ.Key())
	return nil
}

func (s *fakeSink) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSink) SetFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

// ---- helpers ----

func newService(st *fakeStore, sink Sink, clock Clock) *Service {
	return New(Config{Enabled: true, Window: time.Hour, Horizon: 4}, st, sink, clock, logx.Nop())
}

func standup() model.Event {
	return model.Event{
		ID:         "standup",
		Title:      "Standup",
		StartTime:  "2025-07-01T09:00:00",
		EndTime:    "2025-07-01T09:15:00",
		Recurrence: model.RecurDaily,
	}
}

// ---- tests ----

func TestPassNotifiesDueOccurrenceOnce(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := sink.Sent(); len(got) != 1 || got[0] != "standup#1" {
		t.Fatalf("sent = %v, want [standup#1]", got)
	}

	// Second pass, same data state, no time advance: sink must not fire
	// again.
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := sink.Calls(); got != 1 {
		t.Fatalf("sink called %d times, want 1", got)
	}
}

func TestPassMarksOnlyTheDueOccurrence(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	// Marking occurrence 1 delivered must not suppress occurrence 2: a day
	// later the next instance fires.
	clock.Set(time.Date(2025, 7, 3, 8, 30, 0, 0, time.Local))
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	want := []string{"standup#1", "standup#2"}
	got := sink.Sent()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("sent = %v, want %v", got, want)
	}
}

func TestSinkFailureRetriesNextPass(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	sink := &fakeSink{}
	sink.SetFail(true)
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	// Failure must not abort the pass or mark the occurrence.
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	notified, _ := st.Notified(context.Background())
	if len(notified) != 0 {
		t.Fatalf("notified = %v, want empty after sink failure", notified)
	}

	sink.SetFail(false)
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := sink.Sent(); len(got) != 1 || got[0] != "standup#1" {
		t.Fatalf("sent = %v, want retry to succeed", got)
	}
}

func TestSinkFailureDoesNotAbortRemainingOccurrences(t *testing.T) {
	t.Parallel()
	// Two separate events due at the same time; the first send fails, the
	// second must still be attempted.
	ev1 := model.Event{ID: "a", Title: "A", StartTime: "2025-07-02T09:00:00", EndTime: "2025-07-02T10:00:00"}
	ev2 := model.Event{ID: "b", Title: "B", StartTime: "2025-07-02T09:10:00", EndTime: "2025-07-02T10:00:00"}
	st := newFakeStore(ev1, ev2)

	failFirst := &selectiveSink{failKeys: map[string]bool{"a#0": true}}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, failFirst, clock)

	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if len(failFirst.sent) != 1 || failFirst.sent[0] != "b#0" {
		t.Fatalf("sent = %v, want [b#0]", failFirst.sent)
	}
	notified, _ := st.Notified(context.Background())
	if !notified["b#0"] || notified["a#0"] {
		t.Fatalf("notified = %v", notified)
	}
}

type selectiveSink struct {
	mu       sync.Mutex
	failKeys map[string]bool
	sent     []string
}

func (s *selectiveSink) Notify(ctx context.Context, occ model.Occurrence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKeys[occ.Key()] {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, occ.Key())
	return nil
}

func TestStoreFailureAbortsPass(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	st.loadErr = errors.New("disk on fire")
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	if err := svc.RunPass(context.Background()); err == nil {
		t.Fatal("expected pass to fail on store error")
	}
	if sink.Calls() != 0 {
		t.Fatal("sink invoked despite store failure")
	}

	// Next pass after the store recovers works normally.
	st.mu.Lock()
	st.loadErr = nil
	st.mu.Unlock()
	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass after recovery: %v", err)
	}
	if got := sink.Calls(); got != 1 {
		t.Fatalf("sink calls = %d, want 1", got)
	}
}

func TestMalformedTimestampSkipsOccurrenceOnly(t *testing.T) {
	t.Parallel()
	bad := model.Event{ID: "bad", Title: "Bad", StartTime: "someday", EndTime: "x"}
	good := model.Event{ID: "good", Title: "Good", StartTime: "2025-07-02T09:00:00", EndTime: "2025-07-02T10:00:00"}
	st := newFakeStore(bad, good)
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if got := sink.Sent(); len(got) != 1 || got[0] != "good#0" {
		t.Fatalf("sent = %v, want [good#0]", got)
	}
}

func TestNotDueOutsideWindow(t *testing.T) {
	t.Parallel()
	ev := model.Event{ID: "later", Title: "Later", StartTime: "2025-07-02T11:00:00", EndTime: "2025-07-02T12:00:00"}
	st := newFakeStore(ev)
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	if err := svc.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if sink.Calls() != 0 {
		t.Fatal("sink fired for an occurrence outside the window")
	}
}

func TestMarkFailureSurfacesAsPassError(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	st.markErr = errors.New("journal full")
	sink := &fakeSink{}
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := newService(st, sink, clock)

	if err := svc.RunPass(context.Background()); err == nil {
		t.Fatal("expected error when notified state cannot be persisted")
	}
	// The delivery itself happened; only the bookkeeping failed.
	if got := sink.Calls(); got != 1 {
		t.Fatalf("sink calls = %d, want 1", got)
	}
}

// gateSink blocks every delivery until release is closed, so tests can pin
// a pass inside the sink.
type gateSink struct {
	enterOnce sync.Once
	entered   chan struct{}
	release   chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gateSink) Notify(ctx context.Context, occ model.Occurrence) error {
	s.enterOnce.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func TestStopReturnsWithPassInFlight(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	sink := newGateSink()
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := New(Config{Enabled: true, Interval: "10ms", Window: time.Hour, Horizon: 4},
		st, sink, clock, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// First pass is pinned inside the sink; give the schedule time to queue
	// more passes behind it.
	<-sink.entered
	time.Sleep(50 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		svc.Stop(context.Background())
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(sink.release)

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a pass was in flight")
	}
}

func TestApplyIntervalChangeWithPassInFlight(t *testing.T) {
	t.Parallel()
	st := newFakeStore(standup())
	sink := newGateSink()
	clock := &fakeClock{now: time.Date(2025, 7, 2, 8, 30, 0, 0, time.Local)}
	svc := New(Config{Enabled: true, Interval: "10ms", Window: time.Hour, Horizon: 4},
		st, sink, clock, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-sink.entered
	time.Sleep(50 * time.Millisecond)

	applied := make(chan struct{})
	go func() {
		svc.Apply(Config{Enabled: true, Interval: "25ms", Window: time.Hour, Horizon: 4})
		close(applied)
	}()
	time.Sleep(20 * time.Millisecond)
	close(sink.release)

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("Apply did not return while a pass was in flight")
	}
	svc.Stop(context.Background())
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	svc := New(Config{Enabled: true, Interval: "1h"}, st, &fakeSink{}, &fakeClock{now: time.Now()}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent.
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	svc.Stop(context.Background())
	svc.Stop(context.Background())
}

func TestStartRejectsBadInterval(t *testing.T) {
	t.Parallel()
	svc := New(Config{Enabled: true, Interval: "whenever"}, newFakeStore(), &fakeSink{}, nil, logx.Nop())
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error for unparseable interval")
	}
}
