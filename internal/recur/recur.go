// Package recur turns stored event templates into concrete occurrences and
// decides which occurrences fall inside the reminder window.
//
// Expansion is a pure function of its input: no wall clock, no I/O. Calling
// it twice with the same templates yields identical output, and occurrences
// keep the relative order of their source templates.
package recur

import (
	"fmt"
	"time"

	"eventd/internal/model"
)

// DefaultHorizon is the number of future instances materialized for a
// recurring template when no explicit horizon is configured.
const DefaultHorizon = 4

// Expand materializes one template.
//
// A non-recurring event yields exactly one occurrence (index 0) with all
// fields verbatim. A recurring event yields horizon shifted occurrences with
// indexes 1..horizon; the base instance itself is not emitted, matching the
// long-standing behavior callers depend on.
//
// A recurring event whose start time cannot be parsed yields an error and no
// occurrences; the caller skips the event for this pass and the event expands
// normally once the stored data is fixed.
func Expand(ev model.Event, horizon int) ([]model.Occurrence, error) {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	if ev.Recurrence.IsZero() {
		return []model.Occurrence{{Event: ev, SourceID: ev.ID, Index: 0}}, nil
	}

	base, layout, err := model.ParseTime(ev.StartTime)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", ev.ID, err)
	}

	period := ev.Recurrence.Period()
	out := make([]model.Occurrence, 0, horizon)
	for i := 1; i <= horizon; i++ {
		clone := ev
		clone.StartTime = base.Add(time.Duration(i) * period).Format(layout)
		out = append(out, model.Occurrence{Event: clone, SourceID: ev.ID, Index: i})
	}
	return out, nil
}

// ExpandAll expands every template in order. Templates that fail to expand
// are reported through onErr (may be nil) and skipped; they do not abort the
// rest of the batch.
func ExpandAll(events []model.Event, horizon int, onErr func(err error)) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		occs, err := Expand(ev, horizon)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			continue
		}
		out = append(out, occs...)
	}
	return out
}

// DueSoon reports whether the occurrence starts inside [now, now+window].
// Both bounds are inclusive: an occurrence starting exactly now, or exactly
// window from now, counts as due.
//
// A malformed start time is returned as an error so the caller can skip just
// this occurrence and retry it on a later pass.
func DueSoon(occ model.Occurrence, now time.Time, window time.Duration) (bool, error) {
	start, _, err := model.ParseTime(occ.StartTime)
	if err != nil {
		return false, err
	}
	if start.Before(now) {
		return false, nil
	}
	return !start.After(now.Add(window)), nil
}
