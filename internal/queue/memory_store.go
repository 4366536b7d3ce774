package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store for tests and local development. All
// conditional transitions are serialized on a single mutex, which gives the
// same exactly-one-winner guarantee the Postgres store gets from conditional
// updates.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[uuid.UUID]*Item),
	}
}

// CreateItem implements Store.
func (ms *MemoryStore) CreateItem(ctx context.Context, item *Item) error {
	if item == nil {
		return errors.New("item cannot be nil")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, existing := range ms.items {
		if existing.ImageID == item.ImageID && existing.Active() {
			return ErrImageInFlight
		}
	}

	// Clone to prevent external mutation of stored state.
	cp := *item
	ms.items[item.ID] = &cp
	return nil
}

// GetItem implements Store.
func (ms *MemoryStore) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	item, ok := ms.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

// ActiveItemForImage implements Store.
func (ms *MemoryStore) ActiveItemForImage(ctx context.Context, imageID uuid.UUID) (*Item, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, item := range ms.items {
		if item.ImageID == imageID && item.Active() {
			cp := *item
			return &cp, nil
		}
	}
	return nil, ErrItemNotFound
}

// ClaimNext implements Store. Selection is priority-first with creation time
// breaking ties, matching the dispatch ordering contract.
func (ms *MemoryStore) ClaimNext(ctx context.Context) (*Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var best *Item
	for _, item := range ms.items {
		if item.Status != StatusQueued {
			continue
		}
		if best == nil ||
			item.Priority > best.Priority ||
			(item.Priority == best.Priority && item.CreatedAt.Before(best.CreatedAt)) {
			best = item
		}
	}

	if best == nil {
		return nil, ErrNoItemToClaim
	}

	now := time.Now()
	best.Status = StatusProcessing
	best.StartedAt = &now

	cp := *best
	return &cp, nil
}

// CompleteItem implements Store.
func (ms *MemoryStore) CompleteItem(ctx context.Context, id uuid.UUID, polygonCount int) error {
	return ms.finish(id, func(item *Item) {
		item.Status = StatusCompleted
		item.PolygonCount = polygonCount
	})
}

// FailItem implements Store.
func (ms *MemoryStore) FailItem(ctx context.Context, id uuid.UUID, cause string) error {
	return ms.finish(id, func(item *Item) {
		item.Status = StatusFailed
		item.Error = &cause
	})
}

// finish applies a terminal transition, conditional on processing status.
func (ms *MemoryStore) finish(id uuid.UUID, apply func(*Item)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[id]
	if !ok {
		return ErrItemNotFound
	}
	switch item.Status {
	case StatusQueued:
		return ErrItemNotClaimed
	case StatusCompleted, StatusFailed:
		return ErrAlreadyTerminal
	}

	now := time.Now()
	apply(item)
	item.CompletedAt = &now
	return nil
}

// DeleteQueued implements Store.
func (ms *MemoryStore) DeleteQueued(ctx context.Context, id uuid.UUID) (*Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	item, ok := ms.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}

	switch item.Status {
	case StatusProcessing:
		return nil, ErrItemProcessing
	case StatusCompleted, StatusFailed:
		return nil, ErrAlreadyTerminal
	}

	delete(ms.items, id)
	cp := *item
	return &cp, nil
}

// DeleteQueuedByProject implements Store.
func (ms *MemoryStore) DeleteQueuedByProject(ctx context.Context, projectID uuid.UUID) ([]Item, error) {
	return ms.deleteQueuedWhere(func(item *Item) bool {
		return item.ProjectID == projectID
	})
}

// DeleteQueuedByBatch implements Store.
func (ms *MemoryStore) DeleteQueuedByBatch(ctx context.Context, batchID uuid.UUID) ([]Item, error) {
	return ms.deleteQueuedWhere(func(item *Item) bool {
		return item.BatchID != nil && *item.BatchID == batchID
	})
}

func (ms *MemoryStore) deleteQueuedWhere(match func(*Item) bool) ([]Item, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var removed []Item
	for id, item := range ms.items {
		if item.Status == StatusQueued && match(item) {
			removed = append(removed, *item)
			delete(ms.items, id)
		}
	}
	return removed, nil
}

// CountProcessing implements Store.
func (ms *MemoryStore) CountProcessing(ctx context.Context) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	count := 0
	for _, item := range ms.items {
		if item.Status == StatusProcessing {
			count++
		}
	}
	return count, nil
}

// Stats implements Store.
func (ms *MemoryStore) Stats(ctx context.Context, projectID uuid.UUID) (Stats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stats Stats
	for _, item := range ms.items {
		if item.ProjectID != projectID {
			continue
		}
		stats.Total++
		switch item.Status {
		case StatusQueued:
			stats.Queued++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// ListByProject implements Store.
func (ms *MemoryStore) ListByProject(ctx context.Context, projectID uuid.UUID) ([]Item, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var items []Item
	for _, item := range ms.items {
		if item.ProjectID == projectID {
			items = append(items, *item)
		}
	}

	slices.SortFunc(items, func(a, b Item) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return items, nil
}
