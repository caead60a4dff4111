package reminder

import (
	"context"

	"eventd/internal/model"
	logx "eventd/pkg/logx"
)

// logSink is the fallback sink used when no mail transport is configured.
// It only records the reminder in the log, which keeps the daemon useful in
// development setups.
type logSink struct {
	log logx.Logger
}

func NewLogSink(log logx.Logger) Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return logSink{log: log}
}

func (s logSink) Notify(ctx context.Context, occ model.Occurrence) error {
	_ = ctx
	s.log.Info("reminder (log only)",
		logx.String("title", occ.Title),
		logx.String("start", occ.StartTime))
	return nil
}
