package ledger

import "time"

// =============================================================================
// TIME UTILITIES - Calendar-day arithmetic
// =============================================================================

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

func AddCalendarDays(t time.Time, days int) time.Time { return t.AddDate(0, 0, days) }

// StartOfDay returns midnight of t's calendar day in t's location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// PendingCutoff is the latest state-change time a pending task may have and
// still be released by a sweep with the given horizon.
func PendingCutoff(now time.Time, days int) time.Time { return now.AddDate(0, 0, -days) }

func timePtr(t time.Time) *time.Time { return &t }
