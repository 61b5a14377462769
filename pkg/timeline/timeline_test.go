package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/threadswap/pushpilot/pkg/models"
)

func mustUTC(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed.UTC()
}

func TestNextDaily(t *testing.T) {
	sched := models.Schedule{
		Timezone:        "America/Chicago",
		Frequency:       models.FrequencyDaily,
		StartDate:       "2025-01-10",
		ExecutionTime:   "13:00",
		LeadTimeMinutes: 30,
	}

	t.Run("before start date fires on start date", func(t *testing.T) {
		now := mustUTC(t, "2025-01-05T12:00:00Z")
		times, ok, err := Next(sched, 2*time.Minute, now)
		require.NoError(t, err)
		require.True(t, ok)
		// 13:00 CST = 19:00 UTC
		assert.Equal(t, mustUTC(t, "2025-01-10T19:00:00Z"), times.Firing)
		assert.Equal(t, mustUTC(t, "2025-01-10T18:30:00Z"), times.PreSend)
		assert.Equal(t, mustUTC(t, "2025-01-10T19:02:00Z"), times.CancelWindowEnd)
	})

	t.Run("same day before execution time", func(t *testing.T) {
		now := mustUTC(t, "2025-01-12T15:00:00Z")
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mustUTC(t, "2025-01-12T19:00:00Z"), times.Firing)
	})

	t.Run("same day after execution time rolls to tomorrow", func(t *testing.T) {
		now := mustUTC(t, "2025-01-12T19:30:00Z")
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mustUTC(t, "2025-01-13T19:00:00Z"), times.Firing)
	})

	t.Run("exactly at execution time rolls forward", func(t *testing.T) {
		now := mustUTC(t, "2025-01-12T19:00:00Z")
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mustUTC(t, "2025-01-13T19:00:00Z"), times.Firing)
	})

	t.Run("end date expires schedule", func(t *testing.T) {
		expired := sched
		expired.EndDate = "2025-01-11"
		now := mustUTC(t, "2025-01-12T00:00:00Z")
		_, ok, err := Next(expired, 0, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("determinism", func(t *testing.T) {
		now := mustUTC(t, "2025-01-12T15:00:00Z")
		a, okA, errA := Next(sched, time.Minute, now)
		b, okB, errB := Next(sched, time.Minute, now)
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, okA, okB)
		assert.Equal(t, a, b)
	})
}

func TestNextOnce(t *testing.T) {
	sched := models.Schedule{
		Timezone:        "America/New_York",
		Frequency:       models.FrequencyOnce,
		StartDate:       "2025-06-15",
		ExecutionTime:   "09:00",
		LeadTimeMinutes: 30,
	}

	t.Run("future instant", func(t *testing.T) {
		now := mustUTC(t, "2025-06-01T00:00:00Z")
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		// 09:00 EDT = 13:00 UTC
		assert.Equal(t, mustUTC(t, "2025-06-15T13:00:00Z"), times.Firing)
	})

	t.Run("past instant expires", func(t *testing.T) {
		now := mustUTC(t, "2025-06-15T13:00:01Z")
		_, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestNextWeekly(t *testing.T) {
	// 2025-01-10 is a Friday.
	sched := models.Schedule{
		Timezone:        "America/Chicago",
		Frequency:       models.FrequencyWeekly,
		StartDate:       "2025-01-10",
		ExecutionTime:   "13:00",
		LeadTimeMinutes: 30,
	}

	t.Run("fires on the start date weekday", func(t *testing.T) {
		now := mustUTC(t, "2025-01-11T00:00:00Z") // Saturday
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		firing := times.Firing.In(mustLoc(t, "America/Chicago"))
		assert.Equal(t, time.Friday, firing.Weekday())
		assert.Equal(t, mustUTC(t, "2025-01-17T19:00:00Z"), times.Firing)
	})

	t.Run("same weekday after execution time rolls a week", func(t *testing.T) {
		now := mustUTC(t, "2025-01-17T20:00:00Z") // Friday, after 13:00 local
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mustUTC(t, "2025-01-24T19:00:00Z"), times.Firing)
	})
}

func TestNextDST(t *testing.T) {
	loc := mustLoc(t, "America/Chicago")

	t.Run("spring forward gap shifts to first instant after the gap", func(t *testing.T) {
		// 2025-03-09: 02:00-03:00 CST does not exist.
		sched := models.Schedule{
			Timezone:        "America/Chicago",
			Frequency:       models.FrequencyDaily,
			ExecutionTime:   "02:30",
			LeadTimeMinutes: 30,
		}
		now := mustUTC(t, "2025-03-09T06:00:00Z") // 00:00 CST on transition day
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		local := times.Firing.In(loc)
		assert.Equal(t, 3, local.Hour())
		assert.Equal(t, 0, local.Minute())
		assert.Equal(t, 9, local.Day())
	})

	t.Run("fall back overlap picks the earlier occurrence", func(t *testing.T) {
		// 2025-11-02: 01:00-02:00 occurs twice (CDT then CST).
		sched := models.Schedule{
			Timezone:        "America/Chicago",
			Frequency:       models.FrequencyDaily,
			ExecutionTime:   "01:30",
			LeadTimeMinutes: 30,
		}
		now := mustUTC(t, "2025-11-02T04:00:00Z") // 23:00 CDT the evening before
		times, ok, err := Next(sched, 0, now)
		require.NoError(t, err)
		require.True(t, ok)
		// Earlier occurrence is 01:30 CDT = 06:30 UTC (later would be 07:30).
		assert.Equal(t, mustUTC(t, "2025-11-02T06:30:00Z"), times.Firing)
	})
}

func TestNextErrors(t *testing.T) {
	t.Run("bad timezone", func(t *testing.T) {
		sched := models.Schedule{Timezone: "Nowhere/Here", Frequency: models.FrequencyDaily, ExecutionTime: "10:00"}
		_, _, err := Next(sched, 0, time.Now())
		assert.Error(t, err)
	})

	t.Run("bad execution time", func(t *testing.T) {
		sched := models.Schedule{Timezone: "UTC", Frequency: models.FrequencyDaily, ExecutionTime: "noon"}
		_, _, err := Next(sched, 0, time.Now())
		assert.Error(t, err)
	})
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}
