package scheduler

import (
	"time"

	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/timeline"
)

// recipeSchedule adapts a recipe schedule to the cron trigger interface.
// Triggers elapse at the pre-send instant, not the firing instant: the
// executor owns the window between the two.
//
// suppress carries the ledger's last-fired instant; a computed firing
// equal to it already happened (before a restart), so the trigger skips
// to the following occurrence.
type recipeSchedule struct {
	schedule     models.Schedule
	cancelWindow time.Duration
	suppress     time.Time
}

// Next returns the next trigger activation strictly after t, or the zero
// time when the schedule has expired.
//
// The cron runner calls Next with the activation instant right after
// every activation, and activations happen at pre-send. An occurrence
// whose pre-send is not after t therefore already activated (or, on
// install, is fired directly by the scheduler), so Next always arms the
// following occurrence rather than re-arming inside the window.
func (s recipeSchedule) Next(t time.Time) time.Time {
	times, ok, err := timeline.Next(s.schedule, s.cancelWindow, t)
	if err != nil || !ok {
		return time.Time{}
	}

	for (!s.suppress.IsZero() && times.Firing.Equal(s.suppress)) || !times.PreSend.After(t) {
		times, ok, err = timeline.Next(s.schedule, s.cancelWindow, times.Firing)
		if err != nil || !ok {
			return time.Time{}
		}
	}
	return times.PreSend
}
