// Package scheduler owns the mapping from recipe id to a live cron
// trigger. It installs, replaces, and removes triggers, serializes
// firings per recipe, and dispatches elapsed triggers onto a worker pool
// consumed by the executor.
//
// The job map is guarded by one lock held only across map mutations,
// never across I/O. A saturated worker pool drops the firing rather than
// queueing it: queueing a missed wall-clock instant would turn into a
// stampede.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/threadswap/pushpilot/pkg/ledger"
	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/store"
	"github.com/threadswap/pushpilot/pkg/timeline"
)

// ErrStopped is returned by Schedule after an emergency stop, until a
// restoration run resumes the scheduler.
var ErrStopped = errors.New("scheduler is stopped by emergency stop")

// FiringExecutor drives one firing to a terminal state.
type FiringExecutor interface {
	Execute(ctx context.Context, rec *models.Recipe, firing *models.Firing, times timeline.Times) models.FiringStatus
}

// RecipeSource is the subset of the recipe store the scheduler reads.
type RecipeSource interface {
	Load(id string) (*models.Recipe, error)
}

// job is one installed trigger. Owned exclusively by the scheduler.
type job struct {
	recipe    *models.Recipe
	entryID   cron.EntryID
	isRunning bool

	// installFailed records why the trigger could not be installed. Such
	// jobs stay in the map so divergence reporting can name them.
	installFailed string
}

// dispatch is one elapsed trigger handed to a worker.
type dispatch struct {
	recipe *models.Recipe
	firing *models.Firing
	times  timeline.Times
}

// Scheduler owns the live triggers.
type Scheduler struct {
	instanceID string
	cron       *cron.Cron
	ledger     ledger.Ledger
	exec       FiringExecutor
	source     RecipeSource

	workerCount int
	dispatchCh  chan dispatch

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool

	overloadDropped atomic.Int64
	overlapDropped  atomic.Int64

	// overloadAcked is the overloadDropped value at the last restoration
	// resume. Drops above this baseline are the ones health reporting
	// still cares about.
	overloadAcked atomic.Int64

	wg       sync.WaitGroup
	quitCh   chan struct{}
	quitOnce sync.Once
	started  bool
}

// New creates a Scheduler. Triggers do not run until Start is called.
func New(instanceID string, lgr ledger.Ledger, exec FiringExecutor, source RecipeSource, workerCount int) *Scheduler {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Scheduler{
		instanceID:  instanceID,
		cron:        cron.New(cron.WithLocation(time.UTC)),
		ledger:      lgr,
		exec:        exec,
		source:      source,
		workerCount: workerCount,
		dispatchCh:  make(chan dispatch),
		quitCh:      make(chan struct{}),
		jobs:        make(map[string]*job),
	}
}

// Start launches the cron runner, the firing workers, and the store
// change-event loop. Safe to call once.
func (s *Scheduler) Start(ctx context.Context, changes <-chan store.ChangeEvent) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		slog.Warn("Scheduler already started, ignoring duplicate Start call")
		return
	}
	s.started = true
	s.mu.Unlock()

	slog.Info("Starting scheduler", "instance_id", s.instanceID, "workers", s.workerCount)
	s.cron.Start()

	for i := 0; i < s.workerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", s.instanceID, i)
		s.wg.Add(1)
		go s.runWorker(ctx, workerID)
	}

	if changes != nil {
		s.wg.Add(1)
		go s.runChangeLoop(ctx, changes)
	}
}

// Stop halts trigger emission and signals workers to quit once their
// current firing finishes, then waits for the drain or the context to
// expire. The caller aborts remaining firings by cancelling the engine
// context after a timed-out Stop.
func (s *Scheduler) Stop(ctx context.Context) {
	slog.Info("Stopping scheduler")
	cronDone := s.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	s.quitOnce.Do(func() { close(s.quitCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		slog.Warn("Scheduler shutdown timeout exceeded, firings still in flight")
	}
}

// Schedule installs or atomically replaces the recipe's trigger, so a
// lead-time or execution-time change takes effect immediately. The
// ledger's last-fired instant suppresses a trigger that would repeat an
// already-executed firing after a restart.
func (s *Scheduler) Schedule(recipe *models.Recipe) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.mu.Unlock()

	if !recipe.Schedulable() {
		s.Unschedule(recipe.ID)
		return nil
	}

	cancelWindow := time.Duration(recipe.Settings.CancellationWindowMinutes) * time.Minute
	now := time.Now().UTC()

	// Validate the schedule up front so a bad recipe is recorded as
	// install-failed instead of silently skipped.
	times, ok, err := timeline.Next(recipe.Schedule, cancelWindow, now)
	if err != nil {
		s.markInstallFailed(recipe, err.Error())
		return fmt.Errorf("scheduling recipe %s: %w", recipe.ID, err)
	}

	var suppress time.Time
	entry, err := s.ledger.LastFired(context.Background(), recipe.ID)
	if err != nil {
		slog.Warn("Ledger read failed, scheduling without duplicate suppression",
			"recipe_id", recipe.ID, "error", err)
	} else if entry != nil {
		suppress = entry.LastFiredAt
	}

	recipeID := recipe.ID
	sched := recipeSchedule{
		schedule:     recipe.Schedule,
		cancelWindow: cancelWindow,
		suppress:     suppress,
	}
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(recipeID) }))

	s.mu.Lock()
	if existing := s.jobs[recipeID]; existing != nil && existing.entryID != 0 {
		s.cron.Remove(existing.entryID)
	}
	wasRunning := s.jobs[recipeID] != nil && s.jobs[recipeID].isRunning
	s.jobs[recipeID] = &job{recipe: recipe, entryID: entryID, isRunning: wasRunning}
	s.mu.Unlock()

	slog.Info("Recipe scheduled",
		"recipe_id", recipeID, "recipe_name", recipe.Name,
		"frequency", recipe.Schedule.Frequency, "timezone", recipe.Schedule.Timezone)

	// A recipe installed inside its own window (pre-send elapsed, firing
	// still ahead) gets no cron activation for that occurrence, because
	// activations happen at pre-send. Fire it now; the executor skips the
	// elapsed part of the wait, and the ledger check in fire suppresses
	// instants that already ran before a restart.
	if ok && !times.PreSend.After(now) {
		s.fire(recipeID)
	}
	return nil
}

// Unschedule removes the recipe's trigger. Idempotent. An in-flight
// firing is not cancelled; only new firings are suppressed.
func (s *Scheduler) Unschedule(recipeID string) {
	s.mu.Lock()
	existing := s.jobs[recipeID]
	if existing != nil {
		if existing.entryID != 0 {
			s.cron.Remove(existing.entryID)
		}
		delete(s.jobs, recipeID)
	}
	s.mu.Unlock()

	if existing != nil {
		slog.Info("Recipe unscheduled", "recipe_id", recipeID)
	}
}

// Reschedule reloads the recipe from the store and reinstalls its
// trigger with freshly computed parameters.
func (s *Scheduler) Reschedule(recipeID string) error {
	recipe, err := s.source.Load(recipeID)
	if err != nil {
		return err
	}
	return s.Schedule(recipe)
}

// EmergencyStop removes every trigger and refuses new Schedule calls
// until Resume. In-window firings are cancelled by the control surface;
// in-flight sends run to completion.
func (s *Scheduler) EmergencyStop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, j := range s.jobs {
		if j.entryID != 0 {
			s.cron.Remove(j.entryID)
		}
		delete(s.jobs, id)
		removed++
	}
	s.stopped = true
	slog.Error("EMERGENCY STOP: all triggers removed, scheduler halted until restore", "removed", removed)
	return removed
}

// Resume lifts an emergency stop. Called by the restorer before it
// re-schedules recipes; a restoration run is the operator's recovery
// path, so it also acknowledges overload drops counted before it.
func (s *Scheduler) Resume() {
	s.overloadAcked.Store(s.overloadDropped.Load())
	s.mu.Lock()
	if s.stopped {
		s.stopped = false
		slog.Info("Scheduler resumed")
	}
	s.mu.Unlock()
}

// JobCount returns the number of successfully installed triggers.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, j := range s.jobs {
		if j.installFailed == "" {
			count++
		}
	}
	return count
}

// fire handles one elapsed trigger: it serializes firings per recipe via
// the is-running flag, recomputes the firing window, applies ledger
// suppression, and dispatches to a worker without blocking.
func (s *Scheduler) fire(recipeID string) {
	s.mu.Lock()
	j := s.jobs[recipeID]
	if j == nil || s.stopped {
		s.mu.Unlock()
		return
	}
	if j.isRunning {
		s.mu.Unlock()
		n := s.overlapDropped.Add(1)
		slog.Warn("Firing dropped: previous firing still executing",
			"recipe_id", recipeID, "overlap_dropped_total", n)
		return
	}
	j.isRunning = true
	recipe := j.recipe
	s.mu.Unlock()

	clearRunning := func() {
		s.mu.Lock()
		if j := s.jobs[recipeID]; j != nil {
			j.isRunning = false
		}
		s.mu.Unlock()
	}

	cancelWindow := time.Duration(recipe.Settings.CancellationWindowMinutes) * time.Minute
	times, ok, err := timeline.Next(recipe.Schedule, cancelWindow, time.Now().UTC())
	if err != nil || !ok {
		clearRunning()
		if err != nil {
			slog.Error("Trigger elapsed but firing window is not computable",
				"recipe_id", recipeID, "error", err)
		}
		return
	}

	if entry, err := s.ledger.LastFired(context.Background(), recipeID); err == nil &&
		entry != nil && entry.LastFiredAt.Equal(times.Firing) {
		clearRunning()
		slog.Warn("Firing suppressed: instant already recorded in ledger",
			"recipe_id", recipeID, "instant", times.Firing)
		return
	}

	firing := &models.Firing{
		ID:          uuid.NewString(),
		RecipeID:    recipeID,
		ScheduledAt: times.Firing,
		Mode:        models.ModeLive,
		Status:      models.FiringStatusPending,
		StartedAt:   time.Now().UTC(),
	}

	select {
	case s.dispatchCh <- dispatch{recipe: recipe, firing: firing, times: times}:
	default:
		clearRunning()
		n := s.overloadDropped.Add(1)
		slog.Error("Firing dropped: worker pool saturated",
			"recipe_id", recipeID, "firing_id", firing.ID,
			"instant", times.Firing, "overload_dropped_total", n)
	}
}

// runWorker executes dispatched firings one at a time. On terminal state
// it appends the outcome to the ledger and clears the is-running flag.
func (s *Scheduler) runWorker(ctx context.Context, workerID string) {
	defer s.wg.Done()
	log := slog.With("worker_id", workerID)
	log.Info("Firing worker started")

	for {
		select {
		case <-s.quitCh:
			log.Info("Firing worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, firing worker shutting down")
			return
		case d := <-s.dispatchCh:
			status := s.exec.Execute(ctx, d.recipe, d.firing, d.times)

			// The ledger write uses a background context: a firing that
			// completed must be recorded even during shutdown.
			if err := s.ledger.RecordFiring(context.Background(),
				d.recipe.ID, d.times.Firing, string(models.OutcomeOf(status))); err != nil {
				log.Error("Ledger append failed",
					"recipe_id", d.recipe.ID, "firing_id", d.firing.ID, "error", err)
			}

			s.mu.Lock()
			if j := s.jobs[d.recipe.ID]; j != nil {
				j.isRunning = false
			}
			s.mu.Unlock()

			log.Info("Firing finished",
				"recipe_id", d.recipe.ID, "firing_id", d.firing.ID, "status", status)
		}
	}
}

// runChangeLoop converges the job map to store mutations: an upsert
// schedules or unschedules based on the recipe's current schedulability,
// a delete removes the trigger.
func (s *Scheduler) runChangeLoop(ctx context.Context, changes <-chan store.ChangeEvent) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quitCh:
			return
		case <-ctx.Done():
			return
		case ev, open := <-changes:
			if !open {
				return
			}
			switch ev.Kind {
			case store.ChangeDelete:
				s.Unschedule(ev.RecipeID)
			case store.ChangeUpsert:
				recipe, err := s.source.Load(ev.RecipeID)
				if err != nil {
					slog.Error("Change event for unloadable recipe",
						"recipe_id", ev.RecipeID, "error", err)
					continue
				}
				if err := s.Schedule(recipe); err != nil {
					slog.Error("Change event scheduling failed",
						"recipe_id", ev.RecipeID, "error", err)
				}
			}
		}
	}
}

func (s *Scheduler) markInstallFailed(recipe *models.Recipe, reason string) {
	s.mu.Lock()
	if existing := s.jobs[recipe.ID]; existing != nil && existing.entryID != 0 {
		s.cron.Remove(existing.entryID)
	}
	s.jobs[recipe.ID] = &job{recipe: recipe, installFailed: reason}
	s.mu.Unlock()

	slog.Error("Recipe trigger install failed",
		"recipe_id", recipe.ID, "recipe_name", recipe.Name, "reason", reason)
}
