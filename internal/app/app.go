// Package app wires config, storage, the reminder scheduler, the mail sink,
// and the HTTP API into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eventd/internal/api"
	"eventd/internal/config"
	"eventd/internal/mail"
	"eventd/internal/reminder"
	"eventd/internal/store"
	logx "eventd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	st    store.Store
	rem   *reminder.Service
	api   *api.Server
	pprof *pprofServer

	updates chan *config.Config
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	cfgm.SetValidator(validateConfig)

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sink, err := buildSink(cfg, log)
	if err != nil {
		return nil, err
	}

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	rem := reminder.New(remCfg, st, sink, reminder.SystemClock(),
		log.With(logx.String("comp", "reminder")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logSvc,
		log:     log,
		st:      st,
		rem:     rem,
		api:     api.NewServer(st, log),
		pprof:   newPprofServer(log),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	cfg := a.cfgm.Get()

	if err := a.rem.Start(runCtx); err != nil {
		cancel()
		return err
	}
	a.api.Apply(runCtx, api.Config{
		Enabled: cfg.API.Enabled,
		Address: cfg.API.Address,
		Horizon: cfg.Reminder.Horizon,
	})
	a.pprof.Apply(runCtx, cfg.Pprof.Enabled, cfg.Pprof.Address)

	// Config hot reload: watch the file and re-apply on change.
	updates := a.cfgm.Subscribe(4)
	a.updates = updates
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(runCtx, cfg)
			}
		}
	}()

	a.log.Info("eventd started", logx.String("config", a.cfgPath))
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		// The validator should have caught this; keep the old settings.
		a.log.Warn("reminder config not applied", logx.Err(err))
	} else {
		a.rem.Apply(remCfg)
	}

	a.api.Apply(ctx, api.Config{
		Enabled: cfg.API.Enabled,
		Address: cfg.API.Address,
		Horizon: cfg.Reminder.Horizon,
	})
	a.pprof.Apply(ctx, cfg.Pprof.Enabled, cfg.Pprof.Address)

	// Storage and SMTP settings are bound at construction time. Flag it so
	// an operator is not left wondering why edits had no effect.
	a.log.Debug("config applied (storage/smtp changes need a restart)")
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.cfgm.Unsubscribe(a.updates)
	a.rem.Stop(ctx)
	a.api.Stop(ctx)
	a.pprof.Stop(ctx)
	a.wg.Wait()
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("eventd stopped")
	_ = a.logs.Close()
	return nil
}

func buildSink(cfg *config.Config, log logx.Logger) (reminder.Sink, error) {
	if !cfg.SMTP.Enabled {
		log.Info("smtp disabled; reminders will only be logged")
		return reminder.NewLogSink(log.With(logx.String("comp", "sink"))), nil
	}
	return mail.New(mail.Config{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		Username:   cfg.SMTP.Username,
		Password:   cfg.SMTP.Password,
		From:       cfg.SMTP.From,
		To:         cfg.SMTP.To,
		RatePerMin: cfg.SMTP.RatePerMin,
	}, log.With(logx.String("comp", "mail")))
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	window, err := config.ParseDurationField("reminder.window", cfg.Reminder.Window, time.Hour)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		Enabled:  cfg.Reminder.Enabled,
		Interval: cfg.Reminder.Interval,
		Window:   window,
		Horizon:  cfg.Reminder.Horizon,
	}, nil
}

// validateConfig gates hot reloads: a config that fails here is rejected
// without touching the running services.
func validateConfig(ctx context.Context, cfg *config.Config) error {
	_ = ctx
	return cfg.CheckDurations()
}
