package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbrain/segqueue/internal/queue"
)

func newQueuedItem(projectID uuid.UUID, priority int, createdAt time.Time) *queue.Item {
	return &queue.Item{
		ID:        uuid.New(),
		ImageID:   uuid.New(),
		ProjectID: projectID,
		UserID:    uuid.New(),
		Model:     queue.DefaultModel,
		Threshold: queue.DefaultThreshold,
		Priority:  priority,
		Status:    queue.StatusQueued,
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_CreateItem(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	t.Run("stores and retrieves", func(t *testing.T) {
		store := queue.NewMemoryStore()
		item := newQueuedItem(projectID, 0, time.Now())

		require.NoError(t, store.CreateItem(ctx, item))

		got, err := store.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, got.ID)
		assert.Equal(t, queue.StatusQueued, got.Status)
	})

	t.Run("rejects second active item for same image", func(t *testing.T) {
		store := queue.NewMemoryStore()
		first := newQueuedItem(projectID, 0, time.Now())
		require.NoError(t, store.CreateItem(ctx, first))

		second := newQueuedItem(projectID, 0, time.Now())
		second.ImageID = first.ImageID
		assert.ErrorIs(t, store.CreateItem(ctx, second), queue.ErrImageInFlight)
	})

	t.Run("allows new item once predecessor is terminal", func(t *testing.T) {
		store := queue.NewMemoryStore()
		first := newQueuedItem(projectID, 0, time.Now())
		require.NoError(t, store.CreateItem(ctx, first))

		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, store.CompleteItem(ctx, claimed.ID, 3))

		second := newQueuedItem(projectID, 0, time.Now())
		second.ImageID = first.ImageID
		assert.NoError(t, store.CreateItem(ctx, second))
	})

	t.Run("rejects nil item", func(t *testing.T) {
		store := queue.NewMemoryStore()
		assert.Error(t, store.CreateItem(ctx, nil))
	})
}

func TestMemoryStore_ClaimNext(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	t.Run("priority first, creation time breaks ties", func(t *testing.T) {
		store := queue.NewMemoryStore()
		base := time.Now()

		a := newQueuedItem(projectID, 0, base)
		b := newQueuedItem(projectID, 5, base.Add(time.Second))
		c := newQueuedItem(projectID, 5, base.Add(2*time.Second))
		for _, item := range []*queue.Item{a, b, c} {
			require.NoError(t, store.CreateItem(ctx, item))
		}

		var order []uuid.UUID
		for range 3 {
			claimed, err := store.ClaimNext(ctx)
			require.NoError(t, err)
			assert.Equal(t, queue.StatusProcessing, claimed.Status)
			require.NotNil(t, claimed.StartedAt)
			order = append(order, claimed.ID)
		}

		assert.Equal(t, []uuid.UUID{b.ID, c.ID, a.ID}, order)
	})

	t.Run("empty queue", func(t *testing.T) {
		store := queue.NewMemoryStore()
		_, err := store.ClaimNext(ctx)
		assert.ErrorIs(t, err, queue.ErrNoItemToClaim)
	})

	t.Run("one winner for a single contended item", func(t *testing.T) {
		store := queue.NewMemoryStore()
		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))

		var (
			wins   atomic.Int64
			misses atomic.Int64
			wg     sync.WaitGroup
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.ClaimNext(ctx); err == nil {
					wins.Add(1)
				} else {
					misses.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), wins.Load())
		assert.Equal(t, int64(15), misses.Load())
	})

	t.Run("concurrent claims yield distinct items", func(t *testing.T) {
		store := queue.NewMemoryStore()
		const n = 8
		for range n {
			require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))
		}

		var (
			mu      sync.Mutex
			claimed []uuid.UUID
			wg      sync.WaitGroup
		)
		for range n * 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				item, err := store.ClaimNext(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				claimed = append(claimed, item.ID)
				mu.Unlock()
			}()
		}
		wg.Wait()

		require.Len(t, claimed, n)
		seen := make(map[uuid.UUID]struct{}, n)
		for _, id := range claimed {
			_, dup := seen[id]
			assert.False(t, dup, "item %s claimed twice", id)
			seen[id] = struct{}{}
		}
	})
}

func TestMemoryStore_TerminalTransitions(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	claimOne := func(t *testing.T, store *queue.MemoryStore) *queue.Item {
		t.Helper()
		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		return claimed
	}

	t.Run("complete records polygon count and timestamp", func(t *testing.T) {
		store := queue.NewMemoryStore()
		claimed := claimOne(t, store)

		require.NoError(t, store.CompleteItem(ctx, claimed.ID, 12))

		got, err := store.GetItem(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, got.Status)
		assert.Equal(t, 12, got.PolygonCount)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("fail records cause", func(t *testing.T) {
		store := queue.NewMemoryStore()
		claimed := claimOne(t, store)

		require.NoError(t, store.FailItem(ctx, claimed.ID, "inference refused"))

		got, err := store.GetItem(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "inference refused", *got.Error)
	})

	t.Run("terminal state is immutable", func(t *testing.T) {
		store := queue.NewMemoryStore()
		claimed := claimOne(t, store)
		require.NoError(t, store.CompleteItem(ctx, claimed.ID, 1))

		assert.ErrorIs(t, store.FailItem(ctx, claimed.ID, "too late"), queue.ErrAlreadyTerminal)
		assert.ErrorIs(t, store.CompleteItem(ctx, claimed.ID, 2), queue.ErrAlreadyTerminal)

		got, err := store.GetItem(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusCompleted, got.Status)
		assert.Equal(t, 1, got.PolygonCount)
	})

	t.Run("unclaimed item cannot reach a terminal state", func(t *testing.T) {
		store := queue.NewMemoryStore()
		item := newQueuedItem(projectID, 0, time.Now())
		require.NoError(t, store.CreateItem(ctx, item))

		assert.ErrorIs(t, store.CompleteItem(ctx, item.ID, 1), queue.ErrItemNotClaimed)
		assert.ErrorIs(t, store.FailItem(ctx, item.ID, "never started"), queue.ErrItemNotClaimed)

		got, err := store.GetItem(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusQueued, got.Status)
	})
}

func TestMemoryStore_DeleteQueued(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()

	t.Run("removes queued item", func(t *testing.T) {
		store := queue.NewMemoryStore()
		item := newQueuedItem(projectID, 0, time.Now())
		require.NoError(t, store.CreateItem(ctx, item))

		removed, err := store.DeleteQueued(ctx, item.ID)
		require.NoError(t, err)
		assert.Equal(t, item.ID, removed.ID)

		_, err = store.GetItem(ctx, item.ID)
		assert.ErrorIs(t, err, queue.ErrItemNotFound)
	})

	t.Run("processing item is a conflict", func(t *testing.T) {
		store := queue.NewMemoryStore()
		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)

		_, err = store.DeleteQueued(ctx, claimed.ID)
		assert.ErrorIs(t, err, queue.ErrItemProcessing)
	})

	t.Run("terminal item is a conflict", func(t *testing.T) {
		store := queue.NewMemoryStore()
		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)
		require.NoError(t, store.CompleteItem(ctx, claimed.ID, 1))

		_, err = store.DeleteQueued(ctx, claimed.ID)
		assert.ErrorIs(t, err, queue.ErrAlreadyTerminal)
	})

	t.Run("absent item", func(t *testing.T) {
		store := queue.NewMemoryStore()
		_, err := store.DeleteQueued(ctx, uuid.New())
		assert.ErrorIs(t, err, queue.ErrItemNotFound)
	})
}

func TestMemoryStore_ScopedDeletes(t *testing.T) {
	ctx := context.Background()

	t.Run("by project skips processing and other projects", func(t *testing.T) {
		store := queue.NewMemoryStore()
		projectID := uuid.New()
		otherProject := uuid.New()

		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 10, time.Now())))
		claimed, err := store.ClaimNext(ctx)
		require.NoError(t, err)

		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))
		require.NoError(t, store.CreateItem(ctx, newQueuedItem(projectID, 0, time.Now())))
		other := newQueuedItem(otherProject, 0, time.Now())
		require.NoError(t, store.CreateItem(ctx, other))

		removed, err := store.DeleteQueuedByProject(ctx, projectID)
		require.NoError(t, err)
		assert.Len(t, removed, 2)

		_, err = store.GetItem(ctx, claimed.ID)
		assert.NoError(t, err, "processing item must survive")
		_, err = store.GetItem(ctx, other.ID)
		assert.NoError(t, err, "other project's item must survive")
	})

	t.Run("by batch", func(t *testing.T) {
		store := queue.NewMemoryStore()
		projectID := uuid.New()
		batchID := uuid.New()

		inBatch := newQueuedItem(projectID, 0, time.Now())
		inBatch.BatchID = &batchID
		require.NoError(t, store.CreateItem(ctx, inBatch))
		loose := newQueuedItem(projectID, 0, time.Now())
		require.NoError(t, store.CreateItem(ctx, loose))

		removed, err := store.DeleteQueuedByBatch(ctx, batchID)
		require.NoError(t, err)
		require.Len(t, removed, 1)
		assert.Equal(t, inBatch.ID, removed[0].ID)

		_, err = store.GetItem(ctx, loose.ID)
		assert.NoError(t, err)
	})
}

func TestMemoryStore_StatsAndListing(t *testing.T) {
	ctx := context.Background()
	projectID := uuid.New()
	store := queue.NewMemoryStore()
	base := time.Now()

	high := newQueuedItem(projectID, 10, base.Add(time.Second))
	low := newQueuedItem(projectID, 0, base)
	require.NoError(t, store.CreateItem(ctx, low))
	require.NoError(t, store.CreateItem(ctx, high))
	require.NoError(t, store.CreateItem(ctx, newQueuedItem(uuid.New(), 0, base)))

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID)

	stats, err := store.Stats(ctx, projectID)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Total: 2, Queued: 1, Processing: 1}, stats)

	processing, err := store.CountProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processing)

	items, err := store.ListByProject(ctx, projectID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, high.ID, items[0].ID, "dispatch order lists high priority first")
	assert.Equal(t, low.ID, items[1].ID)
}
