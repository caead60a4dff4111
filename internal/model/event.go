package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recurrence is the closed set of supported repeat frequencies.
// The empty string means the event does not repeat.
type Recurrence string

const (
	RecurNone    Recurrence = ""
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
)

// ErrBadRecurrence is returned when a recurrence value is not one of the
// recognized frequencies. Unknown values are rejected at the API boundary
// rather than silently coerced to a period.
var ErrBadRecurrence = errors.New("unknown recurrence")

// ParseRecurrence validates a user-supplied recurrence value.
func ParseRecurrence(s string) (Recurrence, error) {
	switch Recurrence(strings.ToLower(strings.TrimSpace(s))) {
	case RecurNone:
		return RecurNone, nil
	case RecurDaily:
		return RecurDaily, nil
	case RecurWeekly:
		return RecurWeekly, nil
	case RecurMonthly:
		return RecurMonthly, nil
	default:
		return RecurNone, fmt.Errorf("%w: %q", ErrBadRecurrence, s)
	}
}

// Period maps a recurrence to its fixed step. The mapping is total:
// monthly is approximated as 30 days, and anything the validator did not
// catch (e.g. legacy stored data) falls back to the same 30-day step so a
// stored value can never wedge an expansion.
func (r Recurrence) Period() time.Duration {
	switch r {
	case RecurDaily:
		return 24 * time.Hour
	case RecurWeekly:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

func (r Recurrence) IsZero() bool { return r == RecurNone }

// Event is the stored, user-authored template.
//
// StartTime and EndTime are kept as the raw strings received on the wire.
// Parsing is deferred to the point of use so a malformed timestamp is a
// recoverable per-event condition instead of a load failure.
type Event struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartTime   string     `json:"start_time"`
	EndTime     string     `json:"end_time"`
	Recurrence  Recurrence `json:"recurrence,omitempty"`
	// Notified is the legacy single-flag field kept for wire compatibility.
	// The reminder engine tracks delivery per occurrence key instead.
	Notified bool `json:"notified"`
}

// Occurrence is one concrete instance derived from an event template.
// Occurrences are recomputed on demand and never stored.
type Occurrence struct {
	Event
	// SourceID is the template the occurrence was derived from.
	SourceID string `json:"source_id"`
	// Index is the repeat ordinal: 0 for the base occurrence of a
	// non-recurring event, 1..horizon for shifted instances.
	Index int `json:"index"`
}

// Key identifies the occurrence for notified-state tracking.
func (o Occurrence) Key() string {
	return o.SourceID + "#" + strconv.Itoa(o.Index)
}

// Timestamp layouts accepted on the wire, tried in order. Zone-less forms
// are interpreted in local time; fractional seconds are accepted wherever a
// seconds field is, so the seconds-precision layouts cover them too.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime parses a stored timestamp and reports the layout that matched,
// so shifted times can be formatted back in the same style.
func ParseTime(s string) (time.Time, string, error) {
	raw := strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("malformed timestamp %q", s)
}
