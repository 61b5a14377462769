// Package timeline computes firing instants from a recipe schedule.
//
// Everything here is a pure function of (schedule, now): no clock reads,
// no I/O. Wall-clock arithmetic happens in the recipe's timezone and the
// results are converted to UTC.
package timeline

import (
	"fmt"
	"time"

	"github.com/threadswap/pushpilot/pkg/models"
)

// Times is the derived timing window for one upcoming firing, in UTC.
type Times struct {
	// Firing is the next firing instant.
	Firing time.Time
	// PreSend is Firing minus the schedule's lead time. The executor
	// starts waiting at PreSend and accepts cancellation until Firing.
	PreSend time.Time
	// CancelWindowEnd is Firing plus the recipe's cancellation window,
	// used by the control surface for safe-cancel checks.
	CancelWindowEnd time.Time
}

const dateLayout = "2006-01-02"

// Next returns the next firing window for the schedule, or ok=false when
// the schedule has expired (end date passed, or a one-shot whose instant
// is already in the past). The error return covers malformed schedules
// only; an expired schedule is not an error.
func Next(s models.Schedule, cancelWindow time.Duration, now time.Time) (Times, bool, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return Times{}, false, fmt.Errorf("loading timezone %q: %w", s.Timezone, err)
	}
	execMinutes, err := s.ExecutionTimeMinutes()
	if err != nil {
		return Times{}, false, err
	}

	// The next instant must be strictly after now; a trigger elapsing
	// exactly at now would re-fire immediately on reschedule.
	cutoff := now.Add(time.Second)
	localNow := now.In(loc)

	var firing time.Time
	switch s.Frequency {
	case models.FrequencyOnce:
		start, err := time.ParseInLocation(dateLayout, s.StartDate, loc)
		if err != nil {
			return Times{}, false, fmt.Errorf("parsing start date %q: %w", s.StartDate, err)
		}
		firing = localInstant(start, execMinutes, loc)
		if firing.Before(cutoff) {
			return Times{}, false, nil
		}

	case models.FrequencyDaily:
		day := dateOf(localNow, loc)
		if s.StartDate != "" {
			if start, err := time.ParseInLocation(dateLayout, s.StartDate, loc); err == nil && start.After(day) {
				day = start
			}
		}
		firing = localInstant(day, execMinutes, loc)
		for firing.Before(cutoff) {
			day = day.AddDate(0, 0, 1)
			firing = localInstant(day, execMinutes, loc)
		}

	case models.FrequencyWeekly:
		day := dateOf(localNow, loc)
		weekday := localNow.Weekday()
		if s.StartDate != "" {
			if start, err := time.ParseInLocation(dateLayout, s.StartDate, loc); err == nil {
				weekday = start.Weekday()
				if start.After(day) {
					day = start
				}
			}
		}
		for day.Weekday() != weekday {
			day = day.AddDate(0, 0, 1)
		}
		firing = localInstant(day, execMinutes, loc)
		for firing.Before(cutoff) {
			day = day.AddDate(0, 0, 7)
			firing = localInstant(day, execMinutes, loc)
		}

	default:
		return Times{}, false, fmt.Errorf("unknown frequency %q", s.Frequency)
	}

	if s.EndDate != "" {
		end, err := time.ParseInLocation(dateLayout, s.EndDate, loc)
		if err != nil {
			return Times{}, false, fmt.Errorf("parsing end date %q: %w", s.EndDate, err)
		}
		// End date gates new firings only: the last allowed firing is on
		// the end date itself.
		if firing.After(localInstant(end, 24*60-1, loc)) {
			return Times{}, false, nil
		}
	}

	lead := time.Duration(s.LeadTimeMinutes) * time.Minute
	return Times{
		Firing:          firing.UTC(),
		PreSend:         firing.Add(-lead).UTC(),
		CancelWindowEnd: firing.Add(cancelWindow).UTC(),
	}, true, nil
}

// dateOf truncates t to midnight of its local day.
func dateOf(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// localInstant resolves day + minutes-from-midnight to an absolute
// instant, handling both DST anomalies:
//   - spring-forward gap: the wall clock does not exist; shift to the
//     first instant after the gap
//   - fall-back overlap: the wall clock occurs twice; choose the earlier
//     occurrence
func localInstant(day time.Time, minutes int, loc *time.Location) time.Time {
	hh, mm := minutes/60, minutes%60
	t := time.Date(day.Year(), day.Month(), day.Day(), hh, mm, 0, 0, loc)

	if t.Hour() != hh || t.Minute() != mm {
		// Normalization moved the wall clock: the requested time fell in
		// a DST gap. Walk back to the first instant after the gap, where
		// the minute-before jumps discontinuously.
		for {
			prev := t.Add(-time.Minute)
			if prev.Hour()*60+prev.Minute() != wallMinutes(t)-1 && wallMinutes(t) != 0 {
				return t
			}
			if wallMinutes(t) == 0 && wallMinutes(prev) != 24*60-1 {
				return t
			}
			t = prev
		}
	}

	// Disambiguate a fall-back overlap: if subtracting the zone's DST
	// delta lands on the same wall clock, that is the earlier occurrence.
	earlier := t.Add(-time.Hour)
	if earlier.Hour() == hh && earlier.Minute() == mm && earlier.Day() == t.Day() {
		return earlier
	}
	return t
}

func wallMinutes(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
