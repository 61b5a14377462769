package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadswap/pushpilot/pkg/cadence"
	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/models"
	"github.com/threadswap/pushpilot/pkg/timeline"
	"github.com/threadswap/pushpilot/pkg/transport"
)

type fakeMaterializer struct {
	artifacts []*models.AudienceArtifact
	err       error
	testMode  bool
}

func (f *fakeMaterializer) Materialize(_ context.Context, _ *models.Recipe, testMode bool, _ *events.Emitter) ([]*models.AudienceArtifact, error) {
	f.testMode = testMode
	return f.artifacts, f.err
}

type fakeCadence struct {
	mu           sync.Mutex
	filterCalls  int
	filterResult *cadence.FilterResult // nil means echo the input
	tracked      []string
	trackErr     error
}

func (f *fakeCadence) Filter(_ context.Context, userIDs []string, _ int) cadence.FilterResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterCalls++
	if f.filterResult != nil {
		return *f.filterResult
	}
	return cadence.FilterResult{EligibleIDs: userIDs}
}

func (f *fakeCadence) Track(_ context.Context, track cadence.TrackRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracked = append(f.tracked, track.UserID)
	return nil
}

type fakeTokens struct {
	byUser map[string][]string
	err    error
}

func (f *fakeTokens) FetchDeviceTokens(_ context.Context, userIDs []string) (map[string][]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]string)
	for _, id := range userIDs {
		if tokens, ok := f.byUser[id]; ok {
			out[id] = tokens
		}
	}
	return out, nil
}

type fakeSender struct {
	mu      sync.Mutex
	batches [][]string
	msgs    []transport.Message
	fail    bool
}

func (f *fakeSender) SendMulticast(_ context.Context, msg transport.Message, tokens []string) (transport.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), tokens...))
	f.msgs = append(f.msgs, msg)
	if f.fail {
		return transport.BatchResult{}, fmt.Errorf("transport down")
	}
	return transport.BatchResult{SuccessCount: len(tokens)}, nil
}

func testRecipe(layerID int) *models.Recipe {
	r := &models.Recipe{
		ID:       "r1",
		Name:     "Welcome push",
		Type:     models.RecipeTypeScriptBased,
		Status:   models.RecipeStatusActive,
		IsActive: true,
		Schedule: models.Schedule{
			Timezone:        "UTC",
			Frequency:       models.FrequencyDaily,
			ExecutionTime:   "12:00",
			LeadTimeMinutes: 30,
		},
		PushSequence: []models.PushStep{
			{SequenceOrder: 1, Title: "hi {{name}}", Body: "welcome", LayerID: layerID},
		},
	}
	r.ApplyDefaults()
	return r
}

func testArtifact(users ...string) *models.AudienceArtifact {
	rows := make([]models.AudienceRow, 0, len(users))
	for _, u := range users {
		rows = append(rows, models.AudienceRow{UserID: u, Fields: map[string]string{"name": "user-" + u}})
	}
	return &models.AudienceArtifact{
		StepOrder: 1,
		Name:      "offer-creators",
		Columns:   []string{"user_id", "name"},
		Rows:      rows,
	}
}

func immediateTimes(cancelWindow time.Duration) timeline.Times {
	now := time.Now().UTC()
	return timeline.Times{Firing: now, PreSend: now, CancelWindowEnd: now.Add(cancelWindow)}
}

func newFiring(mode models.ExecutionMode) *models.Firing {
	return &models.Firing{
		ID:       "f1",
		RecipeID: "r1",
		Mode:     mode,
		Status:   models.FiringStatusPending,
	}
}

func TestExecuteCompletedFiring(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1", "u2")}}
	gateway := &fakeCadence{}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}, "u2": {"t2"}}}
	sender := &fakeSender{}
	exec := New(mat, gateway, tok, sender, events.NewBus(), time.Second)

	firing := newFiring(models.ModeLive)
	status := exec.Execute(context.Background(), testRecipe(3), firing, immediateTimes(0))

	assert.Equal(t, models.FiringStatusCompleted, status)
	assert.Equal(t, models.FiringStatusCompleted, firing.Status)
	require.NotNil(t, firing.EndedAt)
	require.Len(t, firing.Steps, 1)
	assert.Equal(t, models.StepStatusSent, firing.Steps[0].Status)
	assert.Equal(t, 2, firing.Steps[0].AudienceSize)
	assert.Equal(t, 2, firing.Steps[0].Sent)
	assert.Equal(t, 1, gateway.filterCalls)
	// Personalized titles differ per user, so each user is its own group.
	assert.Len(t, sender.batches, 2)
	assert.ElementsMatch(t, []string{"u1", "u2"}, gateway.tracked)
	assert.Equal(t, 0, exec.ActiveCount())
}

func TestExecuteGroupsIdenticalContent(t *testing.T) {
	artifact := testArtifact("u1", "u2", "u3")
	for i := range artifact.Rows {
		artifact.Rows[i].Fields["name"] = "friend" // same rendered content
	}
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{artifact}}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}, "u2": {"t2"}, "u3": {"t3"}}}
	sender := &fakeSender{}
	exec := New(mat, &fakeCadence{}, tok, sender, events.NewBus(), time.Second)

	status := exec.Execute(context.Background(), testRecipe(3), newFiring(models.ModeLive), immediateTimes(0))

	require.Equal(t, models.FiringStatusCompleted, status)
	require.Len(t, sender.batches, 1)
	assert.Len(t, sender.batches[0], 3)
	assert.Equal(t, "hi friend", sender.msgs[0].Title)
}

func TestExecuteBatchSizeBound(t *testing.T) {
	artifact := &models.AudienceArtifact{StepOrder: 1, Columns: []string{"user_id", "name"}}
	byUser := make(map[string][]string)
	for i := 0; i < 1200; i++ {
		id := fmt.Sprintf("u%04d", i)
		artifact.Rows = append(artifact.Rows, models.AudienceRow{
			UserID: id, Fields: map[string]string{"name": "friend"},
		})
		byUser[id] = []string{"tok-" + id}
	}
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{artifact}}
	sender := &fakeSender{}
	rec := testRecipe(3)
	rec.Settings.MaxAudienceSize = 5000
	exec := New(mat, &fakeCadence{}, &fakeTokens{byUser: byUser}, sender, events.NewBus(), time.Second)

	status := exec.Execute(context.Background(), rec, newFiring(models.ModeLive), immediateTimes(0))

	require.Equal(t, models.FiringStatusCompleted, status)
	require.Len(t, sender.batches, 3) // 500 + 500 + 200
	total := 0
	for _, batch := range sender.batches {
		assert.LessOrEqual(t, len(batch), transport.MaxBatchSize)
		total += len(batch)
	}
	assert.Equal(t, 1200, total)
}

func TestExecuteTestLayerBypassesCadence(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1", "u2")}}
	gateway := &fakeCadence{}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}, "u2": {"t2"}}}
	exec := New(mat, gateway, tok, &fakeSender{}, events.NewBus(), time.Second)

	firing := newFiring(models.ModeLive)
	status := exec.Execute(context.Background(), testRecipe(models.TestLayerID), firing, immediateTimes(0))

	require.Equal(t, models.FiringStatusCompleted, status)
	assert.Equal(t, 0, gateway.filterCalls)
	assert.Equal(t, 2, firing.Steps[0].Eligible)
}

func TestExecuteCadenceDegradedFailsOpen(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1", "u2")}}
	gateway := &fakeCadence{filterResult: &cadence.FilterResult{
		EligibleIDs: []string{"u1", "u2"}, Degraded: true, DegradedReason: "filter-audience returned 500",
	}}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}, "u2": {"t2"}}}
	bus := events.NewBus()
	exec := New(mat, gateway, tok, &fakeSender{}, bus, time.Second)

	firing := newFiring(models.ModeLive)
	ch, _, unsubscribe := bus.Subscribe(firing.ID)
	defer unsubscribe()

	var warned bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			if ev.Stage == events.StageFilter && ev.Level == events.LevelWarning {
				warned = true
			}
		}
	}()

	status := exec.Execute(context.Background(), testRecipe(3), firing, immediateTimes(0))
	<-done

	assert.Equal(t, models.FiringStatusCompleted, status)
	assert.True(t, warned, "expected a FILTER warning event for the degraded cadence call")
	assert.ElementsMatch(t, []string{"u1", "u2"}, gateway.tracked)
}

func TestExecuteDryRunSkipsTransport(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1")}}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}}}
	sender := &fakeSender{}
	gateway := &fakeCadence{}
	exec := New(mat, gateway, tok, sender, events.NewBus(), time.Second)

	firing := newFiring(models.ModeDryRun)
	status := exec.Execute(context.Background(), testRecipe(3), firing, immediateTimes(0))

	require.Equal(t, models.FiringStatusCompleted, status)
	assert.Empty(t, sender.batches)
	assert.Empty(t, gateway.tracked)
	assert.Equal(t, 1, firing.Steps[0].Sent)
	assert.False(t, mat.testMode, "dry-run uses real audiences")
}

func TestExecuteTestLiveSendUsesTestAudiences(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1")}}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}}}
	sender := &fakeSender{}
	exec := New(mat, &fakeCadence{}, tok, sender, events.NewBus(), time.Second)

	status := exec.Execute(context.Background(), testRecipe(models.TestLayerID), newFiring(models.ModeTestLiveSend), immediateTimes(0))

	require.Equal(t, models.FiringStatusCompleted, status)
	assert.True(t, mat.testMode, "test-live-send selects test artifacts")
	assert.Len(t, sender.batches, 1)
}

func TestExecuteFailures(t *testing.T) {
	t.Run("materialization failure is terminal", func(t *testing.T) {
		mat := &fakeMaterializer{err: fmt.Errorf("materialization failed: script timed out")}
		exec := New(mat, &fakeCadence{}, &fakeTokens{}, &fakeSender{}, events.NewBus(), time.Second)

		status := exec.Execute(context.Background(), testRecipe(3), newFiring(models.ModeLive), immediateTimes(0))
		assert.Equal(t, models.FiringStatusFailed, status)
	})

	t.Run("audience ceiling aborts the step", func(t *testing.T) {
		mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1", "u2", "u3")}}
		sender := &fakeSender{}
		rec := testRecipe(3)
		rec.Settings.MaxAudienceSize = 2
		exec := New(mat, &fakeCadence{}, &fakeTokens{}, sender, events.NewBus(), time.Second)

		firing := newFiring(models.ModeLive)
		status := exec.Execute(context.Background(), rec, firing, immediateTimes(0))

		assert.Equal(t, models.FiringStatusFailed, status)
		assert.Equal(t, models.StepStatusFailed, firing.Steps[0].Status)
		assert.Empty(t, sender.batches)
	})

	t.Run("missing placeholder column fails the step", func(t *testing.T) {
		artifact := testArtifact("u1")
		artifact.Columns = []string{"user_id"}
		mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{artifact}}
		exec := New(mat, &fakeCadence{}, &fakeTokens{}, &fakeSender{}, events.NewBus(), time.Second)

		firing := newFiring(models.ModeLive)
		status := exec.Execute(context.Background(), testRecipe(3), firing, immediateTimes(0))

		assert.Equal(t, models.FiringStatusFailed, status)
		assert.Contains(t, firing.Steps[0].Error, "name")
	})

	t.Run("zero tokens fails the step", func(t *testing.T) {
		mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1")}}
		exec := New(mat, &fakeCadence{}, &fakeTokens{byUser: map[string][]string{}}, &fakeSender{}, events.NewBus(), time.Second)

		status := exec.Execute(context.Background(), testRecipe(3), newFiring(models.ModeLive), immediateTimes(0))
		assert.Equal(t, models.FiringStatusFailed, status)
	})

	t.Run("transport failure records the batch failed but finishes the step", func(t *testing.T) {
		mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1")}}
		tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}}}
		gateway := &fakeCadence{}
		exec := New(mat, gateway, tok, &fakeSender{fail: true}, events.NewBus(), time.Second)

		firing := newFiring(models.ModeLive)
		status := exec.Execute(context.Background(), testRecipe(3), firing, immediateTimes(0))

		// A sent step with failures is still terminal-sent; only the
		// counters reflect the loss.
		assert.Equal(t, models.FiringStatusCompleted, status)
		assert.Equal(t, models.StepStatusSent, firing.Steps[0].Status)
		assert.Equal(t, 1, firing.Steps[0].Failed)
		assert.Empty(t, gateway.tracked)
	})
}

func TestCancelInWindow(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1")}}
	tok := &fakeTokens{byUser: map[string][]string{"u1": {"t1"}}}
	sender := &fakeSender{}
	exec := New(mat, &fakeCadence{}, tok, sender, events.NewBus(), time.Second)

	now := time.Now().UTC()
	times := timeline.Times{
		PreSend:         now,
		Firing:          now.Add(2 * time.Second),
		CancelWindowEnd: now.Add(4 * time.Second),
	}
	firing := newFiring(models.ModeLive)

	statusCh := make(chan models.FiringStatus, 1)
	go func() {
		statusCh <- exec.Execute(context.Background(), testRecipe(3), firing, times)
	}()

	// Wait for the run to enter its cancellation window, then cancel.
	require.Eventually(t, func() bool {
		ok, _ := exec.Cancel("r1", "operator request")
		return ok
	}, time.Second, 10*time.Millisecond)

	select {
	case status := <-statusCh:
		assert.Equal(t, models.FiringStatusCancelled, status)
	case <-time.After(3 * time.Second):
		t.Fatal("firing did not terminate after cancel")
	}
	assert.Empty(t, sender.batches, "cancel must land before any transport submit")
}

func TestCancelOutsideWindow(t *testing.T) {
	exec := New(&fakeMaterializer{}, &fakeCadence{}, &fakeTokens{}, &fakeSender{}, events.NewBus(), time.Second)

	ok, why := exec.Cancel("missing", "x")
	assert.False(t, ok)
	assert.Equal(t, "no active firing for recipe", why)
}

func TestKillByRecipe(t *testing.T) {
	mat := &fakeMaterializer{artifacts: []*models.AudienceArtifact{testArtifact("u1")}}
	exec := New(mat, &fakeCadence{}, &fakeTokens{byUser: map[string][]string{"u1": {"t1"}}}, &fakeSender{}, events.NewBus(), time.Second)

	now := time.Now().UTC()
	times := timeline.Times{PreSend: now.Add(5 * time.Second), Firing: now.Add(10 * time.Second)}
	statusCh := make(chan models.FiringStatus, 1)
	go func() {
		statusCh <- exec.Execute(context.Background(), testRecipe(3), newFiring(models.ModeLive), times)
	}()

	require.Eventually(t, func() bool { return exec.KillByRecipe("r1") }, time.Second, 10*time.Millisecond)

	select {
	case status := <-statusCh:
		assert.Equal(t, models.FiringStatusCancelled, status)
	case <-time.After(3 * time.Second):
		t.Fatal("firing did not terminate after kill")
	}
	assert.False(t, exec.KillByRecipe("r1"), "no active firing remains")
}

func TestRenderTemplate(t *testing.T) {
	row := models.AudienceRow{UserID: "u9", Fields: map[string]string{"name": "Ada", "city": "Paris"}}

	assert.Equal(t, "hi Ada from Paris", renderTemplate("hi {{name}} from {{city}}", row))
	assert.Equal(t, "u9", renderTemplate("{{user_id}}", row))
	assert.Equal(t, "plain", renderTemplate("plain", row))
	assert.Equal(t, "spaced Ada", renderTemplate("spaced {{ name }}", row))
}

func TestMissingPlaceholders(t *testing.T) {
	artifact := &models.AudienceArtifact{Columns: []string{"user_id", "name"}}
	step := &models.PushStep{Title: "hi {{name}}", Body: "go {{missing}}", DeepLink: "https://a.example/{{user_id}}"}

	assert.Equal(t, []string{"missing"}, missingPlaceholders(step, artifact))
}
