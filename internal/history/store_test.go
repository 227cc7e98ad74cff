package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	run := &Run{
		ConfigID:     "home",
		DueKind:      "regular",
		Status:       StatusCompleted,
		SnapshotID:   "abc123",
		FilesNew:     3,
		FilesChanged: 1,
		SizeBytes:    4096,
		StartedAt:    start,
		FinishedAt:   start.Add(90 * time.Second),
	}
	require.NoError(t, store.Record(ctx, run))
	assert.NotEqual(t, uuid.Nil, run.ID)

	got, err := store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ConfigID, got.ConfigID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "abc123", got.SnapshotID)
	assert.Equal(t, int64(4096), got.SizeBytes)
	assert.True(t, start.Equal(got.StartedAt))
	assert.Equal(t, 90*time.Second, got.Duration())
}

func TestSQLiteStore_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)

	_, err = store.Last(context.Background(), "home")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteStore_RecentAndLast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"home", "work", "home"} {
		status := StatusCompleted
		if i == 2 {
			status = StatusFailed
		}
		require.NoError(t, store.Record(ctx, &Run{
			ConfigID:     "x",
			Status:       status,
			ErrorMessage: id,
			StartedAt:    base.Add(time.Duration(i) * time.Hour),
			FinishedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
		}))
	}
	require.NoError(t, store.Record(ctx, &Run{
		ConfigID:   "home",
		Status:     StatusAborted,
		StartedAt:  base,
		FinishedAt: base.Add(time.Minute),
	}))

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, StatusFailed, recent[0].Status)
	assert.Equal(t, "work", recent[1].ErrorMessage)

	last, err := store.Last(ctx, "home")
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, last.Status)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusCompleted: 2, StatusFailed: 1, StatusAborted: 1}, counts)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewSQLiteStore(dir, zerolog.Nop())
	require.NoError(t, err)
	run := &Run{ConfigID: "home", Status: StatusCompleted, StartedAt: time.Now(), FinishedAt: time.Now()}
	require.NoError(t, store.Record(ctx, run))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dir, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(ctx, run.ID)
	assert.NoError(t, err)
}
