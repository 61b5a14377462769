package audience

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threadswap/pushpilot/pkg/events"
	"github.com/threadswap/pushpilot/pkg/models"
)

func testEmitter(t *testing.T) (*events.Emitter, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return bus.NewEmitter("firing-1", "recipe-1"), bus
}

func writeArtifact(t *testing.T, dir, name, content string, modTime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
}

func scriptRecipe(scriptName string, steps int) *models.Recipe {
	rec := &models.Recipe{
		ID:       "rec-1",
		Name:     "Daily Offers",
		Type:     models.RecipeTypeScriptBased,
		Audience: models.AudienceCriteria{ScriptName: scriptName},
	}
	for i := 1; i <= steps; i++ {
		rec.PushSequence = append(rec.PushSequence, models.PushStep{
			SequenceOrder: i,
			Title:         "hello {{first_name}}",
			Body:          "body",
			LayerID:       3,
		})
	}
	return rec
}

func TestMaterializeScriptBased(t *testing.T) {
	scriptDir := t.TempDir()
	artifactDir := t.TempDir()
	writeScript(t, scriptDir, "layer3-audiences.sh", `echo "building audiences"`)

	now := time.Now()
	writeArtifact(t, artifactDir, "offer-creators.csv",
		"user_id,first_name\nu1,Ann\nu2,Bob\n", now.Add(-time.Hour))
	writeArtifact(t, artifactDir, "closet-adders.csv",
		"user_id,first_name\nu3,Cal\n", now.Add(-time.Hour))

	m := New(scriptDir, artifactDir, nil, 0)
	em, _ := testEmitter(t)

	rec := scriptRecipe("layer3-audiences.sh", 2)
	artifacts, err := m.Materialize(context.Background(), rec, false, em)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	assert.Equal(t, 1, artifacts[0].StepOrder)
	assert.Equal(t, "offer-creators", artifacts[0].Name)
	require.Len(t, artifacts[0].Rows, 2)
	assert.Equal(t, "u1", artifacts[0].Rows[0].UserID)
	assert.Equal(t, "Ann", artifacts[0].Rows[0].Fields["first_name"])

	assert.Equal(t, "closet-adders", artifacts[1].Name)
	require.Len(t, artifacts[1].Rows, 1)
}

func TestMaterializeScriptOutputStreamsToEvents(t *testing.T) {
	scriptDir := t.TempDir()
	artifactDir := t.TempDir()
	writeScript(t, scriptDir, "aud.sh", `echo "phase one"; echo "warn line" >&2`)
	writeArtifact(t, artifactDir, "offer-creators.csv", "user_id\nu1\n", time.Now())

	m := New(scriptDir, artifactDir, nil, 0)
	bus := events.NewBus()
	em := bus.NewEmitter("f1", "rec-1")

	_, err := m.Materialize(context.Background(), scriptRecipe("aud.sh", 1), false, em)
	require.NoError(t, err)

	_, replay, cancel := bus.Subscribe("f1")
	defer cancel()

	var messages []string
	var sawWarning bool
	for _, ev := range replay {
		messages = append(messages, ev.Message)
		if ev.Level == events.LevelWarning && ev.Message == "warn line" {
			sawWarning = true
		}
	}
	assert.Contains(t, messages, "phase one")
	assert.True(t, sawWarning)
}

func TestMaterializeScriptFailure(t *testing.T) {
	scriptDir := t.TempDir()
	writeScript(t, scriptDir, "broken.sh", `echo "dying"; exit 3`)

	m := New(scriptDir, t.TempDir(), nil, 0)
	em, _ := testEmitter(t)

	_, err := m.Materialize(context.Background(), scriptRecipe("broken.sh", 1), false, em)
	require.Error(t, err)
	var mErr *MaterializationError
	assert.True(t, errors.As(err, &mErr))
}

func TestMaterializeScriptTimeout(t *testing.T) {
	scriptDir := t.TempDir()
	writeScript(t, scriptDir, "slow.sh", `sleep 5`)

	m := New(scriptDir, t.TempDir(), nil, 50*time.Millisecond)
	em, _ := testEmitter(t)

	_, err := m.Materialize(context.Background(), scriptRecipe("slow.sh", 1), false, em)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestMaterializeRejectsTraversalScriptName(t *testing.T) {
	m := New(t.TempDir(), t.TempDir(), nil, 0)
	em, _ := testEmitter(t)

	_, err := m.Materialize(context.Background(), scriptRecipe("../evil.sh", 1), false, em)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid script name")
}

func TestSelectArtifact(t *testing.T) {
	t.Run("newest modified wins", func(t *testing.T) {
		dir := t.TempDir()
		now := time.Now()
		writeArtifact(t, dir, "old-offer-creators.csv", "user_id\nu1\n", now.Add(-2*time.Hour))
		writeArtifact(t, dir, "fresh-offer-creators.csv", "user_id\nu2\n", now.Add(-time.Minute))

		m := New(t.TempDir(), dir, nil, 0)
		rec := scriptRecipe("aud.sh", 1)
		path, category, err := m.selectArtifact(rec, &rec.PushSequence[0], familyLayer3, false)
		require.NoError(t, err)
		assert.Equal(t, "fresh-offer-creators.csv", filepath.Base(path))
		assert.Equal(t, "offer-creators", category)
	})

	t.Run("test mode selects TEST artifacts only", func(t *testing.T) {
		dir := t.TempDir()
		now := time.Now()
		writeArtifact(t, dir, "offer-creators.csv", "user_id\nu1\n", now)
		writeArtifact(t, dir, "offer-creators-TEST.csv", "user_id\ntest1\n", now.Add(-time.Hour))

		m := New(t.TempDir(), dir, nil, 0)
		rec := scriptRecipe("aud.sh", 1)

		path, _, err := m.selectArtifact(rec, &rec.PushSequence[0], familyLayer3, true)
		require.NoError(t, err)
		assert.Equal(t, "offer-creators-TEST.csv", filepath.Base(path))

		path, _, err = m.selectArtifact(rec, &rec.PushSequence[0], familyLayer3, false)
		require.NoError(t, err)
		assert.Equal(t, "offer-creators.csv", filepath.Base(path))
	})

	t.Run("new-user waterfall mapping", func(t *testing.T) {
		dir := t.TempDir()
		now := time.Now()
		for _, name := range []string{
			"no-shoes-new-user.csv", "no-bio-new-user.csv", "no-offers-new-user.csv",
			"no-wishlist-new-user.csv", "new-stars-new-user.csv",
		} {
			writeArtifact(t, dir, name, "user_id\nu1\n", now)
		}

		m := New(t.TempDir(), dir, nil, 0)
		rec := scriptRecipe("new-user-waterfall.sh", 5)
		require.Equal(t, familyNewUser, audienceFamily(rec))

		for i, want := range newUserCategories {
			path, category, err := m.selectArtifact(rec, &rec.PushSequence[i], familyNewUser, false)
			require.NoError(t, err)
			assert.Equal(t, want, category)
			assert.Equal(t, want+".csv", filepath.Base(path))
		}
	})

	t.Run("step audience name overrides category", func(t *testing.T) {
		dir := t.TempDir()
		writeArtifact(t, dir, "vip-sellers.csv", "user_id\nu1\n", time.Now())

		m := New(t.TempDir(), dir, nil, 0)
		rec := scriptRecipe("aud.sh", 1)
		rec.PushSequence[0].AudienceName = "vip-sellers"

		path, category, err := m.selectArtifact(rec, &rec.PushSequence[0], familyLayer3, false)
		require.NoError(t, err)
		assert.Equal(t, "vip-sellers", category)
		assert.Equal(t, "vip-sellers.csv", filepath.Base(path))
	})

	t.Run("missing artifact fails", func(t *testing.T) {
		m := New(t.TempDir(), t.TempDir(), nil, 0)
		rec := scriptRecipe("aud.sh", 1)
		_, _, err := m.selectArtifact(rec, &rec.PushSequence[0], familyLayer3, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no artifact")
	})

	t.Run("step beyond category list fails", func(t *testing.T) {
		m := New(t.TempDir(), t.TempDir(), nil, 0)
		rec := scriptRecipe("aud.sh", 4)
		_, _, err := m.selectArtifact(rec, &rec.PushSequence[3], familyLayer3, false)
		require.Error(t, err)
	})
}

func TestReadArtifact(t *testing.T) {
	t.Run("parses rows and fields", func(t *testing.T) {
		dir := t.TempDir()
		writeArtifact(t, dir, "offer-creators.csv",
			"user_id,first_name,city\nu1,Ann,Austin\nu2,Bob,Boston\n,skip,me\n", time.Now())

		artifact, err := readArtifact(filepath.Join(dir, "offer-creators.csv"), 1, "offer-creators")
		require.NoError(t, err)
		assert.Equal(t, []string{"user_id", "first_name", "city"}, artifact.Columns)
		require.Len(t, artifact.Rows, 2) // blank user_id row is dropped
		assert.Equal(t, "Boston", artifact.Rows[1].Fields["city"])
		assert.True(t, artifact.HasColumn("city"))
	})

	t.Run("missing user_id column fails", func(t *testing.T) {
		dir := t.TempDir()
		writeArtifact(t, dir, "bad.csv", "uid,name\nu1,Ann\n", time.Now())

		_, err := readArtifact(filepath.Join(dir, "bad.csv"), 1, "bad")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "user_id")
	})
}

func TestMaterializeInline(t *testing.T) {
	t.Run("same rows for every step", func(t *testing.T) {
		querier := &fakeQuerier{rows: []models.AudienceRow{
			{UserID: "u1", Fields: map[string]string{"first_name": "Ann"}},
			{UserID: "u2", Fields: map[string]string{"first_name": "Bob"}},
		}}
		m := New(t.TempDir(), t.TempDir(), querier, 0)
		em, _ := testEmitter(t)

		rec := scriptRecipe("", 2)
		rec.Audience.InlineFilter = map[string]string{"segment": "sellers"}

		artifacts, err := m.Materialize(context.Background(), rec, false, em)
		require.NoError(t, err)
		require.Len(t, artifacts, 2)
		assert.Equal(t, artifacts[0].Rows, artifacts[1].Rows)
		assert.Equal(t, []string{"user_id", "first_name"}, artifacts[0].Columns)
		assert.Equal(t, map[string]string{"segment": "sellers"}, querier.gotFilter)
	})

	t.Run("no analytics backend fails", func(t *testing.T) {
		m := New(t.TempDir(), t.TempDir(), nil, 0)
		em, _ := testEmitter(t)

		rec := scriptRecipe("", 1)
		_, err := m.Materialize(context.Background(), rec, false, em)
		require.Error(t, err)
	})
}

type fakeQuerier struct {
	rows      []models.AudienceRow
	gotFilter map[string]string
	err       error
}

func (f *fakeQuerier) QueryAudience(_ context.Context, filter map[string]string) ([]models.AudienceRow, error) {
	f.gotFilter = filter
	return f.rows, f.err
}
