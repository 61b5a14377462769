package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/threadswap/pushpilot/pkg/cadence"
	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/transport"
)

// batchConcurrency is the in-flight transport call ceiling within one
// step.
const batchConcurrency = 2

// messageGroup collects the users and tokens that share byte-identical
// rendered content, so they can be submitted as common batches.
type messageGroup struct {
	msg    transport.Message
	users  []string
	tokens []string          // flattened, batch-sliced at submit
	owner  map[string]string // token -> user id, for failure attribution
}

// runStep executes one sequence step against its audience artifact and
// returns the step's progress record. Step failures never abort the
// firing; later steps still run.
func (e *Executor) runStep(ctx context.Context, r *run, em *events.Emitter, step *models.PushStep, artifact *models.AudienceArtifact) models.StepProgress {
	progress := models.StepProgress{
		SequenceOrder: step.SequenceOrder,
		Status:        models.StepStatusFailed,
	}
	fail := func(msg string) models.StepProgress {
		progress.Error = msg
		em.Emit(events.LevelError, events.StageExecution,
			fmt.Sprintf("step %d failed: %s", step.SequenceOrder, msg))
		return progress
	}

	if artifact == nil {
		return fail("no audience artifact materialized")
	}
	progress.AudienceSize = len(artifact.Rows)

	settings := r.recipe.Settings
	if len(artifact.Rows) > settings.MaxAudienceSize {
		return fail(fmt.Sprintf("audience size %d exceeds ceiling %d",
			len(artifact.Rows), settings.MaxAudienceSize))
	}
	if warn := settings.AlertThresholds.AudienceSizeWarn; warn > 0 && len(artifact.Rows) > warn {
		em.Emit(events.LevelWarning, events.StageMonitor,
			fmt.Sprintf("step %d audience size %d exceeds warn threshold %d",
				step.SequenceOrder, len(artifact.Rows), warn))
	}

	if missing := missingPlaceholders(step, artifact); len(missing) > 0 {
		return fail(fmt.Sprintf("placeholders %v not present in artifact columns %v",
			missing, artifact.Columns))
	}

	// Cadence filter. The test layer bypasses the gateway entirely.
	rowsByUser := make(map[string]models.AudienceRow, len(artifact.Rows))
	userIDs := make([]string, 0, len(artifact.Rows))
	for _, row := range artifact.Rows {
		if _, dup := rowsByUser[row.UserID]; dup {
			continue
		}
		rowsByUser[row.UserID] = row
		userIDs = append(userIDs, row.UserID)
	}

	eligible := userIDs
	if step.LayerID != models.TestLayerID {
		result := e.cadence.Filter(ctx, userIDs, step.LayerID)
		if result.Degraded {
			em.Emit(events.LevelWarning, events.StageFilter,
				fmt.Sprintf("step %d cadence degraded, proceeding unfiltered: %s",
					step.SequenceOrder, result.DegradedReason))
		} else {
			em.Emit(events.LevelInfo, events.StageFilter,
				fmt.Sprintf("step %d layer %d: %d eligible, %d excluded",
					step.SequenceOrder, step.LayerID, len(result.EligibleIDs), result.ExcludedCount))
		}
		eligible = result.EligibleIDs
	} else {
		em.Emit(events.LevelInfo, events.StageFilter,
			fmt.Sprintf("step %d uses test layer, cadence bypassed (%d users)",
				step.SequenceOrder, len(eligible)))
	}
	progress.Eligible = len(eligible)
	if len(eligible) == 0 {
		progress.Status = models.StepStatusSkipped
		em.Emit(events.LevelInfo, events.StageExecution,
			fmt.Sprintf("step %d skipped: no eligible users", step.SequenceOrder))
		return progress
	}

	tokensByUser, err := e.tokens.FetchDeviceTokens(ctx, eligible)
	if err != nil {
		return fail(fmt.Sprintf("token fetch: %v", err))
	}
	if len(tokensByUser) == 0 {
		return fail("token service returned zero tokens for the step")
	}

	// Group users by rendered content so identical messages share
	// multicast batches while personalization stays per-user.
	groups := make(map[string]*messageGroup)
	for _, userID := range eligible {
		userTokens := tokensByUser[userID]
		if len(userTokens) == 0 {
			continue
		}
		row := rowsByUser[userID]
		msg := transport.Message{
			Title:    renderTemplate(step.Title, row),
			Body:     renderTemplate(step.Body, row),
			DeepLink: renderTemplate(step.DeepLink, row),
		}
		key := msg.Title + "\x00" + msg.Body + "\x00" + msg.DeepLink
		group := groups[key]
		if group == nil {
			group = &messageGroup{msg: msg, owner: make(map[string]string)}
			groups[key] = group
		}
		group.users = append(group.users, userID)
		for _, token := range userTokens {
			group.tokens = append(group.tokens, token)
			group.owner[token] = userID
		}
	}

	if r.firing.Mode == models.ModeDryRun {
		sent := 0
		for _, group := range groups {
			sent += len(group.users)
			em.Emit(events.LevelInfo, events.StageDryRun,
				fmt.Sprintf("step %d dry-run: would send %q to %d users (%d tokens)",
					step.SequenceOrder, group.msg.Title, len(group.users), len(group.tokens)))
		}
		progress.Sent = sent
		progress.Status = models.StepStatusSent
		em.Emit(events.LevelSuccess, events.StageDryRun,
			fmt.Sprintf("step %d dry-run complete, no transport submits", step.SequenceOrder))
		return progress
	}

	succeededUsers, sent, failed := e.submitGroups(ctx, em, step, groups)
	progress.Sent = sent
	progress.Failed = failed

	if total := sent + failed; total > 0 {
		rate := float64(failed) / float64(total)
		if warn := settings.AlertThresholds.FailureRateWarn; warn > 0 && rate > warn {
			em.Emit(events.LevelWarning, events.StageMonitor,
				fmt.Sprintf("step %d failure rate %.0f%% exceeds warn threshold %.0f%%",
					step.SequenceOrder, rate*100, warn*100))
		}
	}

	progress.Tracked = e.trackDeliveries(ctx, em, r.recipe, step, groups, succeededUsers)

	progress.Status = models.StepStatusSent
	em.Emit(events.LevelSuccess, events.StageExecution,
		fmt.Sprintf("step %d sent: %d token successes, %d failures, %d users tracked",
			step.SequenceOrder, sent, failed, progress.Tracked))
	return progress
}

// submitGroups slices each message group into batches of at most
// transport.MaxBatchSize tokens and submits them with a bounded
// concurrency of batchConcurrency. Returns the set of users with at least
// one successful token, plus token success and failure totals.
func (e *Executor) submitGroups(ctx context.Context, em *events.Emitter, step *models.PushStep, groups map[string]*messageGroup) (map[string]bool, int, int) {
	sem := semaphore.NewWeighted(batchConcurrency)

	var mu sync.Mutex
	succeededUsers := make(map[string]bool)
	sent, failed := 0, 0

	var wg sync.WaitGroup
	for _, group := range groups {
		for start := 0; start < len(group.tokens); start += transport.MaxBatchSize {
			end := start + transport.MaxBatchSize
			if end > len(group.tokens) {
				end = len(group.tokens)
			}
			batch := group.tokens[start:end]

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				failed += len(batch)
				mu.Unlock()
				continue
			}
			wg.Add(1)
			go func(group *messageGroup, batch []string) {
				defer wg.Done()
				defer sem.Release(1)

				result, err := e.sender.SendMulticast(ctx, group.msg, batch)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					// The whole batch is recorded failed; the step
					// continues with the next batch.
					failed += len(batch)
					em.Emit(events.LevelWarning, events.StageLiveSend,
						fmt.Sprintf("step %d batch of %d failed: %v", step.SequenceOrder, len(batch), err))
					return
				}

				sent += result.SuccessCount
				failed += result.FailureCount
				failedTokens := make(map[string]bool, len(result.FailedTokens))
				for _, token := range result.FailedTokens {
					failedTokens[token] = true
				}
				for _, token := range batch {
					if !failedTokens[token] {
						succeededUsers[group.owner[token]] = true
					}
				}
				em.Emit(events.LevelInfo, events.StageLiveSend,
					fmt.Sprintf("step %d batch of %d: %d ok, %d failed",
						step.SequenceOrder, len(batch), result.SuccessCount, result.FailureCount))
			}(group, batch)
		}
	}
	wg.Wait()

	return succeededUsers, sent, failed
}

// trackDeliveries records each delivered user with the cadence service.
// Tracking is fire-and-forget: failures are logged and counted, and the
// step waits at most trackDrain for stragglers.
func (e *Executor) trackDeliveries(ctx context.Context, em *events.Emitter, rec *models.Recipe, step *models.PushStep, groups map[string]*messageGroup, succeededUsers map[string]bool) int {
	if len(succeededUsers) == 0 {
		return 0
	}

	var mu sync.Mutex
	tracked, trackFailed := 0, 0

	var wg sync.WaitGroup
	for _, group := range groups {
		for _, userID := range group.users {
			if !succeededUsers[userID] {
				continue
			}
			wg.Add(1)
			go func(group *messageGroup, userID string) {
				defer wg.Done()
				trackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.trackDrain)
				defer cancel()
				err := e.cadence.Track(trackCtx, cadence.TrackRequest{
					UserID:              userID,
					LayerID:             step.LayerID,
					PushTitle:           group.msg.Title,
					PushBody:            group.msg.Body,
					AudienceDescription: rec.Name,
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					trackFailed++
				} else {
					tracked++
				}
			}(group, userID)
		}
	}

	// Short drain only: tracking must not stall the step.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.trackDrain):
		em.Emit(events.LevelWarning, events.StageMonitor,
			fmt.Sprintf("step %d tracking drain timed out", step.SequenceOrder))
	}

	mu.Lock()
	defer mu.Unlock()
	if trackFailed > 0 {
		em.Emit(events.LevelWarning, events.StageMonitor,
			fmt.Sprintf("step %d: %d tracking calls failed", step.SequenceOrder, trackFailed))
	}
	return tracked
}
