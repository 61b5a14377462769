package scheduler

import (
	"sort"
	"time"
)

// JobSnapshot is the debug view of one installed trigger. NextAt is the
// next firing instant; NextPreSendAt is the trigger activation that
// precedes it by the recipe's lead time.
type JobSnapshot struct {
	RecipeID      string     `json:"recipeId"`
	RecipeName    string     `json:"recipeName"`
	NextAt        *time.Time `json:"nextAt,omitempty"`        // next firing instant, UTC
	NextPreSendAt *time.Time `json:"nextPreSendAt,omitempty"` // next trigger activation, UTC
	IsRunning     bool       `json:"isRunning"`
	InstallFailed string     `json:"installFailed,omitempty"`
}

// Snapshot is the full scheduler state for the debug endpoint.
// RecentOverloadDropped counts drops since the last restoration resume;
// OverloadDropped is the lifetime total.
type Snapshot struct {
	InstanceID            string        `json:"instanceId"`
	Jobs                  []JobSnapshot `json:"jobs"`
	OverloadDropped       int64         `json:"overloadDropped"`
	RecentOverloadDropped int64         `json:"recentOverloadDropped"`
	OverlapDropped        int64         `json:"overlapDropped"`
}

// DebugSnapshot returns a point-in-time copy of the job map, ordered by
// recipe id.
func (s *Scheduler) DebugSnapshot() Snapshot {
	s.mu.Lock()
	jobs := make([]JobSnapshot, 0, len(s.jobs))
	for id, j := range s.jobs {
		snap := JobSnapshot{
			RecipeID:      id,
			RecipeName:    j.recipe.Name,
			IsRunning:     j.isRunning,
			InstallFailed: j.installFailed,
		}
		if j.installFailed == "" {
			// Cron entries arm at pre-send; the firing instant follows
			// after the recipe's lead time.
			if next := s.cron.Entry(j.entryID).Next; !next.IsZero() {
				preSend := next.UTC()
				firing := preSend.Add(time.Duration(j.recipe.Schedule.LeadTimeMinutes) * time.Minute)
				snap.NextAt = &firing
				snap.NextPreSendAt = &preSend
			}
		}
		jobs = append(jobs, snap)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].RecipeID < jobs[k].RecipeID })
	dropped := s.overloadDropped.Load()
	return Snapshot{
		InstanceID:            s.instanceID,
		Jobs:                  jobs,
		OverloadDropped:       dropped,
		RecentOverloadDropped: dropped - s.overloadAcked.Load(),
		OverlapDropped:        s.overlapDropped.Load(),
	}
}
