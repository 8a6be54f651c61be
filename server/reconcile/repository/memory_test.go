package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workshop_rt/server/common/apperr"
	"workshop_rt/server/reconcile/domain"
)

func TestMemoryDocumentsChecksumGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryDocuments(func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) })

	doc, err := store.Create(ctx, "work_order", "wo-1", json.RawMessage(`{"status":"scheduled"}`), "tech-1")
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Checksum)

	_, err = store.Create(ctx, "work_order", "wo-1", json.RawMessage(`{}`), "tech-2")
	assert.True(t, errors.Is(err, apperr.ErrConflictDetected))

	_, err = store.Update(ctx, "work_order", "wo-1", json.RawMessage(`{"status":"in_progress"}`), "stale", "tech-2")
	assert.True(t, errors.Is(err, apperr.ErrConflictDetected))

	updated, err := store.Update(ctx, "work_order", "wo-1", json.RawMessage(`{"status":"in_progress"}`), doc.Checksum, "tech-2")
	require.NoError(t, err)
	assert.NotEqual(t, doc.Checksum, updated.Checksum)
	assert.Equal(t, "tech-2", updated.ModifiedBy)

	_, err = store.Update(ctx, "work_order", "missing", json.RawMessage(`{}`), "", "tech-2")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "work_order", "wo-1", updated.Checksum))
	ok, err := store.Exists(ctx, "work_order", "wo-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryOperationsMarkResolvedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOperations()
	c := domain.Conflict{ID: "c-1", Status: domain.ConflictOpen, Flags: []domain.ConflictKind{domain.ConflictChecksumMismatch}}
	require.NoError(t, store.SaveConflict(ctx, c))

	c.Status = domain.ConflictResolved
	require.NoError(t, store.MarkResolved(ctx, c))
	assert.ErrorIs(t, store.MarkResolved(ctx, c), apperr.ErrAlreadyResolved)
	assert.ErrorIs(t, store.MarkResolved(ctx, domain.Conflict{ID: "nope"}), apperr.ErrNotFound)

	open, err := store.ListConflicts(ctx, domain.ConflictOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestMemoryOperationsListOrderedBySeq(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryOperations()
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, store.SaveOperation(ctx, domain.SyncOperation{ID: id, Seq: int64(3 - i), Status: domain.OpPending, ContentHash: "h"}))
	}
	ops, err := store.ListOperations(ctx, domain.OpPending)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{"b", "a", "c"}, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	same, err := store.FindByContentHash(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, same, 3)
}
