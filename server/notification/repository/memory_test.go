package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/common/priority"
	"workshop_rt/server/notification/domain"
)

func scheduled(id string, prio priority.Level, at time.Time) domain.Notification {
	return domain.Notification{
		ID:           id,
		Type:         "generic",
		Recipient:    "cust-1",
		Channels:     []domain.Channel{domain.ChannelPush},
		Priority:     prio,
		Status:       domain.StatusScheduled,
		MaxAttempts:  3,
		Outcomes:     map[domain.Channel]domain.ChannelOutcome{},
		ScheduledFor: &at,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

func TestClaimDueHandsOutEachNotificationOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 3, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, scheduled("low", priority.Low, now.Add(-time.Hour))))
	require.NoError(t, store.Create(ctx, scheduled("high", priority.High, now.Add(-time.Minute))))
	require.NoError(t, store.Create(ctx, scheduled("later", priority.Critical, now.Add(time.Hour))))

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "high", claimed[0].ID)
	assert.Equal(t, "low", claimed[1].ID)
	assert.Equal(t, domain.StatusProcessing, claimed[0].Status)

	again, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	stored, err := store.Get(ctx, "high")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
}

func TestUpdateNeverReopensFinalNotification(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 3, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	n := scheduled("n-1", priority.Normal, now)
	require.NoError(t, store.Create(ctx, n))

	n.Status = domain.StatusDelivered
	n.ScheduledFor = nil
	require.NoError(t, store.Update(ctx, n))

	n.Status = domain.StatusScheduled
	n.ScheduledFor = &now
	assert.ErrorIs(t, store.Update(ctx, n), domain.ErrFinal)
	stored, err := store.Get(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)

	n.ID = "missing"
	assert.ErrorIs(t, store.Update(ctx, n), apperr.ErrNotFound)
}

func TestRequeueStaleOnlyTouchesOldProcessing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 3, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()

	old := scheduled("old", priority.Normal, now)
	old.Status = domain.StatusProcessing
	old.ScheduledFor = nil
	old.UpdatedAt = now.Add(-time.Hour)
	fresh := old
	fresh.ID = "fresh"
	fresh.UpdatedAt = now.Add(-time.Second)
	for _, n := range []domain.Notification{old, fresh} {
		require.NoError(t, store.Create(ctx, n))
	}

	count, err := store.RequeueStale(ctx, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledFor)
	assert.Equal(t, now, *got.ScheduledFor)

	got, err = store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
}
