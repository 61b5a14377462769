// Package restore converges the scheduler to the recipe store: on
// startup and on demand it enumerates all recipes, schedules every
// schedulable one, and records the outcome durably so operators can see
// whether the engine silently diverged.
package restore

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/threadswap/pushpilot/pkg/ledger"
	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/store"
)

// RecipeLister enumerates recipes from the store.
type RecipeLister interface {
	List(filter store.Filter) ([]*models.Recipe, error)
}

// JobScheduler is the subset of the scheduler the restorer drives.
type JobScheduler interface {
	Schedule(recipe *models.Recipe) error
	Resume()
}

// Restorer reconciles scheduler state against the store.
type Restorer struct {
	instanceID string
	recipes    RecipeLister
	scheduler  JobScheduler
	ledger     ledger.Ledger
}

// New creates a Restorer.
func New(instanceID string, recipes RecipeLister, scheduler JobScheduler, lgr ledger.Ledger) *Restorer {
	return &Restorer{
		instanceID: instanceID,
		recipes:    recipes,
		scheduler:  scheduler,
		ledger:     lgr,
	}
}

// Restore schedules every schedulable recipe and writes a restoration
// record. Idempotent: re-scheduling an installed recipe replaces its
// trigger. A positive divergence is logged per failing recipe but never
// crashes the process; the caller surfaces it through health.
func (r *Restorer) Restore(ctx context.Context) (*ledger.RestorationRecord, error) {
	record := &ledger.RestorationRecord{
		InstanceID: r.instanceID,
		StartedAt:  time.Now().UTC(),
	}

	// Restoration is the operator's recovery path after an emergency
	// stop, so it lifts the stop before scheduling.
	r.scheduler.Resume()

	recipes, err := r.recipes.List(store.Filter{})
	if err != nil {
		return nil, err
	}

	for _, recipe := range recipes {
		if !recipe.Schedulable() {
			continue
		}
		record.ExpectedCount++
		if err := r.scheduler.Schedule(recipe); err != nil {
			record.Failures = append(record.Failures, ledger.RestorationFailure{
				RecipeID: recipe.ID,
				Reason:   err.Error(),
			})
			continue
		}
		record.ScheduledCount++
	}
	record.Divergence = record.ExpectedCount - record.ScheduledCount

	sort.Slice(record.Failures, func(i, j int) bool {
		return record.Failures[i].RecipeID < record.Failures[j].RecipeID
	})

	if record.Divergence > 0 {
		for _, failure := range record.Failures {
			slog.Error("Restoration could not schedule recipe",
				"recipe_id", failure.RecipeID, "reason", failure.Reason)
		}
	}
	slog.Info("Restoration finished",
		"expected", record.ExpectedCount,
		"scheduled", record.ScheduledCount,
		"divergence", record.Divergence)

	if err := r.ledger.RecordRestoration(ctx, record); err != nil {
		// The in-memory record is still authoritative for this run; a
		// failed durable write only degrades history.
		slog.Error("Recording restoration failed", "error", err)
	}
	return record, nil
}
