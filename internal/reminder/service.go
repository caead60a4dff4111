package reminder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"eventd/internal/model"
	"eventd/internal/recur"
	"eventd/internal/store"
	logx "eventd/pkg/logx"
)

// Clock abstracts wall-clock reads so due-soon evaluation is testable
// without real waits.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the real wall clock.
func SystemClock() Clock { return systemClock{} }

// Sink delivers one reminder. Implementations may block on network I/O and
// may fail; the service treats a failure as retryable.
type Sink interface {
	Notify(ctx context.Context, occ model.Occurrence) error
}

type Config struct {
	Enabled bool

	// Interval between passes: a Go duration ("60s") or a cron spec.
	Interval string

	// Window is how far ahead an occurrence counts as due. Both window
	// bounds are inclusive.
	Window time.Duration

	// Horizon is the number of future instances expanded per recurring
	// event.
	Horizon int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Interval) == "" {
		c.Interval = "60s"
	}
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.Horizon <= 0 {
		c.Horizon = recur.DefaultHorizon
	}
	return c
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	st    store.Store
	sink  Sink
	clock Clock

	parser cron.Parser
	c      *cron.Cron
	stopCh chan struct{}
	runCtx context.Context

	// passMu keeps passes from overlapping when a pass outlives the
	// interval.
	passMu sync.Mutex
}

func New(cfg Config, st store.Store, sink Sink, clock Clock, log logx.Logger) *Service {
	if clock == nil {
		clock = systemClock{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		st:     st,
		sink:   sink,
		clock:  clock,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates pass parameters at runtime. An interval change restarts the
// cron schedule.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	restart := s.stopCh != nil && cfg.Interval != s.cfg.Interval
	s.cfg = cfg
	var old *cron.Cron
	if restart {
		old = s.c
		s.c = nil
	}
	s.mu.Unlock()
	if !restart {
		return
	}

	// Drain the old schedule without holding s.mu: an in-flight pass takes
	// it to read its parameters.
	if old != nil {
		<-old.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		// Stopped while draining; leave the schedule down.
		return
	}
	if err := s.startCronLocked(s.runCtx); err != nil {
		s.log.Error("reminder schedule restart failed", logx.Err(err))
		return
	}
	s.log.Info("reminder schedule restarted", logx.String("interval", s.cfg.Interval))
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	if !s.cfg.Enabled {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx = ctx

	if err := s.startCronLocked(ctx); err != nil {
		s.stopCh = nil
		return err
	}

	// First pass runs immediately; cron only fires after one interval.
	go func() {
		if err := s.RunPass(ctx); err != nil {
			s.log.Warn("reminder pass failed", logx.Err(err))
		}
	}()

	s.log.Info("reminder scheduler started",
		logx.String("interval", s.cfg.Interval),
		logx.Duration("window", s.cfg.Window),
		logx.Int("horizon", s.cfg.Horizon))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	// Drain without holding s.mu: an in-flight pass takes it to read its
	// parameters.
	if c != nil {
		<-c.Stop().Done()
	}
	s.log.Info("reminder scheduler stopped")
}

func (s *Service) startCronLocked(ctx context.Context) error {
	spec, err := s.cronSpecLocked()
	if err != nil {
		return err
	}
	c := cron.New(cron.WithParser(s.parser))
	_, err = c.AddFunc(spec, func() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := s.RunPass(ctx); err != nil {
			s.log.Warn("reminder pass failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("reminder interval %q: %w", s.cfg.Interval, err)
	}
	s.c = c
	c.Start()
	return nil
}

// cronSpecLocked maps the configured interval to a cron spec. Durations
// become "@every d"; anything else is handed to the cron parser as-is.
func (s *Service) cronSpecLocked() (string, error) {
	raw := strings.TrimSpace(s.cfg.Interval)
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("reminder interval must be > 0")
		}
		return "@every " + d.String(), nil
	}
	if _, err := s.parser.Parse(raw); err != nil {
		return "", fmt.Errorf("reminder interval %q: %w", raw, err)
	}
	return raw, nil
}

// RunPass executes one full pass. It is exported so tests (and one-shot
// tooling) can drive passes against a fake clock.
func (s *Service) RunPass(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.mu.Lock()
	window := s.cfg.Window
	horizon := s.cfg.Horizon
	s.mu.Unlock()

	events, err := s.st.Load(ctx)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	notified, err := s.st.Notified(ctx)
	if err != nil {
		return fmt.Errorf("load notified state: %w", err)
	}

	now := s.clock.Now()
	occs := recur.ExpandAll(events, horizon, func(err error) {
		s.log.Warn("skipping event this pass", logx.Err(err))
	})

	var marked []string
	for _, occ := range occs {
		due, err := recur.DueSoon(occ, now, window)
		if err != nil {
			// Malformed timestamp: skip just this occurrence, retry once
			// the stored data is fixed.
			s.log.Warn("skipping occurrence this pass", logx.String("key", occ.Key()), logx.Err(err))
			continue
		}
		if !due || notified[occ.Key()] {
			continue
		}

		// No store lock is held here; a slow sink cannot stall API writes.
		if err := s.sink.Notify(ctx, occ); err != nil {
			s.log.Error("reminder send failed, will retry next pass",
				logx.String("key", occ.Key()),
				logx.String("title", occ.Title),
				logx.Err(err))
			continue
		}
		s.log.Info("reminder sent",
			logx.String("key", occ.Key()),
			logx.String("title", occ.Title),
			logx.String("start", occ.StartTime))
		marked = append(marked, occ.Key())
	}

	if len(marked) == 0 {
		return nil
	}
	if err := s.st.MarkNotified(ctx, marked); err != nil {
		// Deliveries happened but could not be recorded; the next pass
		// will re-send. Surface loudly.
		return fmt.Errorf("persist notified state: %w", err)
	}
	return nil
}
