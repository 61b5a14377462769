package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerFirings(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	got, err := l.LastFired(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	at := time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC)
	require.NoError(t, l.RecordFiring(ctx, "rec-1", at, "completed"))

	got, err = l.LastFired(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.LastFiredAt.Equal(at))
	assert.Equal(t, "completed", got.Outcome)

	later := at.Add(24 * time.Hour)
	require.NoError(t, l.RecordFiring(ctx, "rec-1", later, "cancelled"))

	got, err = l.LastFired(ctx, "rec-1")
	require.NoError(t, err)
	assert.True(t, got.LastFiredAt.Equal(later))
}

func TestMemoryLedgerRestorations(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	got, err := l.LastRestoration(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, l.RecordRestoration(ctx, &RestorationRecord{
		InstanceID: "local", StartedAt: time.Now().UTC(), ExpectedCount: 2, ScheduledCount: 2,
	}))
	require.NoError(t, l.RecordRestoration(ctx, &RestorationRecord{
		InstanceID: "local", StartedAt: time.Now().UTC(), ExpectedCount: 3, ScheduledCount: 2, Divergence: 1,
	}))

	got, err = l.LastRestoration(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.ExpectedCount)
	assert.False(t, got.Success())
}
