// Package executor drives one firing through the delivery pipeline:
// lead-time wait, audience materialization, cancellation window, then
// per-step cadence filtering, personalization, token fetch, batched
// transport submits, and per-user tracking.
//
// Steps within a firing are strictly sequential; transport batches within
// a step run with a bounded concurrency of two. Firings of different
// recipes are independent.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/threadswap/pushpilot/pkg/audience"
	"github.com/threadswap/pushpilot/pkg/cadence"
	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/timeline"
	"github.com/threadswap/pushpilot/pkg/transport"
)

// Materializer produces per-step audience artifacts for a firing.
type Materializer interface {
	Materialize(ctx context.Context, rec *models.Recipe, testMode bool, em *events.Emitter) ([]*models.AudienceArtifact, error)
}

// CadenceGateway filters audiences and tracks delivered pushes.
type CadenceGateway interface {
	Filter(ctx context.Context, userIDs []string, layerID int) cadence.FilterResult
	Track(ctx context.Context, track cadence.TrackRequest) error
}

// TokenFetcher resolves user ids to device tokens.
type TokenFetcher interface {
	FetchDeviceTokens(ctx context.Context, userIDs []string) (map[string][]string, error)
}

// DefaultTrackDrain bounds how long a step waits for in-flight tracking
// calls after its last batch.
const DefaultTrackDrain = 5 * time.Second

// Executor runs firings. It owns each firing's per-step progress and a
// registry of active runs used for cancellation and debug snapshots.
type Executor struct {
	materializer Materializer
	cadence      CadenceGateway
	tokens       TokenFetcher
	sender       transport.Sender
	bus          *events.Bus
	trackDrain   time.Duration

	// now is swapped in tests.
	now func() time.Time

	mu     sync.Mutex
	active map[string]*run // firing id -> run
}

// run is the live state of one executing firing.
type run struct {
	firing *models.Firing
	recipe *models.Recipe
	times  timeline.Times

	cancelOnce sync.Once
	cancelCh   chan struct{}
	cancelWhy  string

	killOnce sync.Once
	killCh   chan struct{}

	mu sync.Mutex // guards firing mutation for snapshots
}

func (r *run) cancel(reason string) {
	r.cancelOnce.Do(func() {
		r.cancelWhy = reason
		close(r.cancelCh)
	})
}

func (r *run) kill() {
	r.killOnce.Do(func() { close(r.killCh) })
}

// New creates an Executor. A zero trackDrain selects the default.
func New(materializer Materializer, gateway CadenceGateway, tokens TokenFetcher, sender transport.Sender, bus *events.Bus, trackDrain time.Duration) *Executor {
	if trackDrain <= 0 {
		trackDrain = DefaultTrackDrain
	}
	return &Executor{
		materializer: materializer,
		cadence:      gateway,
		tokens:       tokens,
		sender:       sender,
		bus:          bus,
		trackDrain:   trackDrain,
		now:          time.Now,
		active:       make(map[string]*run),
	}
}

// Execute drives the firing to a terminal state and returns it. The
// firing's Status, Steps, and EndedAt are updated in place. The firing's
// event topic is closed before Execute returns, so SSE subscribers see
// end-of-stream exactly once per firing.
func (e *Executor) Execute(ctx context.Context, rec *models.Recipe, firing *models.Firing, times timeline.Times) models.FiringStatus {
	r := &run{
		firing:   firing,
		recipe:   rec,
		times:    times,
		cancelCh: make(chan struct{}),
		killCh:   make(chan struct{}),
	}

	e.mu.Lock()
	e.active[firing.ID] = r
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, firing.ID)
		e.mu.Unlock()
		e.bus.Close(firing.ID)
	}()

	status := e.execute(ctx, r)

	r.mu.Lock()
	firing.Status = status
	ended := e.now().UTC()
	firing.EndedAt = &ended
	r.mu.Unlock()
	return status
}

// Cancel requests cancellation of the recipe's active firing. Honored only
// inside the cancellation window, between pre-send and the firing instant.
// Returns false with a reason when there is nothing to cancel.
func (e *Executor) Cancel(recipeID, reason string) (bool, string) {
	e.mu.Lock()
	var target *run
	for _, r := range e.active {
		if r.firing.RecipeID == recipeID {
			target = r
			break
		}
	}
	e.mu.Unlock()

	if target == nil {
		return false, "no active firing for recipe"
	}
	now := e.now()
	if now.Before(target.times.PreSend) {
		return false, "firing has not reached its pre-send window"
	}
	if !now.Before(target.times.Firing) {
		return false, "firing instant already passed, send is in flight"
	}
	target.cancel(reason)
	return true, ""
}

// Kill force-terminates a firing regardless of its window. Used by the
// manual-test kill endpoint and by emergency stop.
func (e *Executor) Kill(firingID string) bool {
	e.mu.Lock()
	r, ok := e.active[firingID]
	e.mu.Unlock()
	if ok {
		r.kill()
	}
	return ok
}

// KillByRecipe force-terminates the recipe's active firings. Returns
// false when the recipe has none.
func (e *Executor) KillByRecipe(recipeID string) bool {
	e.mu.Lock()
	var runs []*run
	for _, r := range e.active {
		if r.firing.RecipeID == recipeID {
			runs = append(runs, r)
		}
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.kill()
	}
	return len(runs) > 0
}

// KillAll force-terminates every active firing and returns how many were
// signalled.
func (e *Executor) KillAll() int {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.kill()
	}
	return len(runs)
}

// ActiveFirings returns copies of all in-flight firings for the debug
// endpoint.
func (e *Executor) ActiveFirings() []models.Firing {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	firings := make([]models.Firing, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		f := *r.firing
		f.Steps = append([]models.StepProgress(nil), r.firing.Steps...)
		r.mu.Unlock()
		firings = append(firings, f)
	}
	return firings
}

// ActiveCount returns the number of in-flight firings.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// execute is the firing state machine proper.
func (e *Executor) execute(ctx context.Context, r *run) models.FiringStatus {
	firing, rec := r.firing, r.recipe
	em := e.bus.NewEmitter(firing.ID, rec.ID)

	em.Emit(events.LevelInfo, events.StageInit,
		fmt.Sprintf("firing %s for recipe %s (%s), send at %s",
			firing.ID, rec.Name, firing.Mode, r.times.Firing.Format(time.RFC3339)))
	em.Emit(events.LevelInfo, events.StageConfig,
		fmt.Sprintf("%d steps, max audience %d, lead time %dm",
			len(rec.PushSequence), rec.Settings.MaxAudienceSize, rec.Schedule.LeadTimeMinutes))

	// Wait for lead-time: nothing runs before the pre-send instant. A
	// process restart during this wait loses nothing; restoration re-arms
	// the trigger.
	if st, done := e.waitUntil(ctx, r, em, r.times.PreSend, true); done {
		return st
	}

	e.setStatus(r, models.FiringStatusMaterializing)
	testAudiences := firing.Mode == models.ModeTestLiveSend
	artifacts, err := e.materializer.Materialize(ctx, rec, testAudiences, em)
	if err != nil {
		em.Emit(events.LevelError, events.StageScript, err.Error())
		return models.FiringStatusFailed
	}

	// Cancellation window: between pre-send and the firing instant a
	// cancel signal is honored. After the firing instant it is a no-op.
	e.setStatus(r, models.FiringStatusWaitingCancellation)
	if st, done := e.waitUntil(ctx, r, em, r.times.Firing, true); done {
		return st
	}

	e.setStatus(r, models.FiringStatusSending)
	r.mu.Lock()
	firing.Steps = make([]models.StepProgress, len(rec.PushSequence))
	for i := range rec.PushSequence {
		firing.Steps[i] = models.StepProgress{
			SequenceOrder: rec.PushSequence[i].SequenceOrder,
			Status:        models.StepStatusPending,
		}
	}
	r.mu.Unlock()

	anyFailed := false
	for i := range rec.PushSequence {
		step := &rec.PushSequence[i]

		if delay := step.Timing.DelayAfterPrevious; delay > 0 {
			em.Emit(events.LevelInfo, events.StageExecution,
				fmt.Sprintf("step %d: waiting %dm after previous step", step.SequenceOrder, delay))
			target := e.now().Add(time.Duration(delay) * time.Minute)
			if st, done := e.waitUntil(ctx, r, em, target, false); done {
				return st
			}
		}

		var artifact *models.AudienceArtifact
		for _, a := range artifacts {
			if a.StepOrder == step.SequenceOrder {
				artifact = a
				break
			}
		}
		progress := e.runStep(ctx, r, em, step, artifact)

		r.mu.Lock()
		firing.Steps[i] = progress
		r.mu.Unlock()
		if progress.Status == models.StepStatusFailed {
			anyFailed = true
		}
	}

	if anyFailed {
		em.Emit(events.LevelError, events.StageComplete, "firing finished with failed steps")
		return models.FiringStatusFailed
	}
	em.Emit(events.LevelSuccess, events.StageComplete, "firing completed")
	return models.FiringStatusCompleted
}

// waitUntil sleeps until target, waking up for context cancellation, a
// kill signal, or (when cancellable) a cancellation request. Returns a
// terminal status and done=true when the wait was interrupted.
func (e *Executor) waitUntil(ctx context.Context, r *run, em *events.Emitter, target time.Time, cancellable bool) (models.FiringStatus, bool) {
	remaining := target.Sub(e.now())
	if remaining <= 0 {
		// The instant already passed; still honor a cancel that raced in
		// before the window closed.
		if cancellable {
			select {
			case <-r.cancelCh:
				em.Emit(events.LevelWarning, events.StageCancel, "firing cancelled: "+r.cancelWhy)
				return models.FiringStatusCancelled, true
			default:
			}
		}
		return "", false
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	cancelCh := r.cancelCh
	if !cancellable {
		cancelCh = nil
	}

	select {
	case <-timer.C:
		return "", false
	case <-cancelCh:
		em.Emit(events.LevelWarning, events.StageCancel, "firing cancelled: "+r.cancelWhy)
		return models.FiringStatusCancelled, true
	case <-r.killCh:
		em.Emit(events.LevelWarning, events.StageKilled, "firing killed")
		return models.FiringStatusCancelled, true
	case <-ctx.Done():
		em.Emit(events.LevelWarning, events.StageKilled, "engine shutting down, firing aborted")
		return models.FiringStatusCancelled, true
	}
}

func (e *Executor) setStatus(r *run, status models.FiringStatus) {
	r.mu.Lock()
	r.firing.Status = status
	r.mu.Unlock()
}

var _ Materializer = (*audience.Materializer)(nil)
var _ CadenceGateway = (*cadence.Gateway)(nil)
