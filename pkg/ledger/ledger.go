// Package ledger records, per recipe, the most recent firing instant and
// its outcome. The scheduler reads it to suppress duplicate firings of the
// same instant; the restorer writes one record per restoration run.
package ledger

import (
	"context"
	"time"
)

// Entry is one recipe's most recent firing.
type Entry struct {
	RecipeID    string    `json:"recipeId"`
	LastFiredAt time.Time `json:"lastFiredAt"`
	Outcome     string    `json:"outcome"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// RestorationFailure names one recipe that could not be scheduled.
type RestorationFailure struct {
	RecipeID string `json:"recipeId"`
	Reason   string `json:"reason"`
}

// RestorationRecord is the durable result of one restoration run.
type RestorationRecord struct {
	InstanceID     string               `json:"instanceId"`
	StartedAt      time.Time            `json:"startedAt"`
	ExpectedCount  int                  `json:"expectedCount"`
	ScheduledCount int                  `json:"scheduledCount"`
	Divergence     int                  `json:"divergence"`
	Failures       []RestorationFailure `json:"failures,omitempty"`
}

// Success reports whether the run scheduled everything it expected to.
func (r *RestorationRecord) Success() bool {
	return r.Divergence == 0
}

// Ledger is the durable execution history consumed by the scheduler and
// the control surface.
type Ledger interface {
	// RecordFiring upserts the recipe's most recent firing.
	RecordFiring(ctx context.Context, recipeID string, firedAt time.Time, outcome string) error

	// LastFired returns the recipe's most recent entry, or nil if the
	// recipe has never fired.
	LastFired(ctx context.Context, recipeID string) (*Entry, error)

	// RecordRestoration appends one restoration run.
	RecordRestoration(ctx context.Context, rec *RestorationRecord) error

	// LastRestoration returns the most recent restoration record, or nil
	// if no restore has run yet.
	LastRestoration(ctx context.Context) (*RestorationRecord, error)
}
