package queue

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence boundary for queue items. All status transitions
// are conditional on the expected prior status so that claim races and
// cancel-vs-claim races resolve deterministically at the store level, never
// through in-process locks.
type Store interface {
	// CreateItem inserts a new queued item. Returns ErrImageInFlight if the
	// image already has an item in queued or processing state.
	CreateItem(ctx context.Context, item *Item) error

	// GetItem returns the item by id or ErrItemNotFound.
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)

	// ActiveItemForImage returns the image's queued or processing item, or
	// ErrItemNotFound when the image has no active item.
	ActiveItemForImage(ctx context.Context, imageID uuid.UUID) (*Item, error)

	// ClaimNext atomically claims the next eligible queued item ordered by
	// priority descending then creation time ascending: the claim transitions
	// the item to processing and stamps StartedAt. Exactly one caller wins a
	// contended item. Returns ErrNoItemToClaim when the queue is empty.
	ClaimNext(ctx context.Context) (*Item, error)

	// CompleteItem transitions processing -> completed, recording the polygon
	// count and CompletedAt. Returns ErrItemNotClaimed on a still-queued item
	// and ErrAlreadyTerminal on a finished one.
	CompleteItem(ctx context.Context, id uuid.UUID, polygonCount int) error

	// FailItem transitions processing -> failed, recording the cause and
	// CompletedAt. Same error contract as CompleteItem.
	FailItem(ctx context.Context, id uuid.UUID, cause string) error

	// DeleteQueued removes a queued item. Returns ErrItemProcessing if the
	// item is in flight, ErrAlreadyTerminal if it finished, ErrItemNotFound
	// if it does not exist.
	DeleteQueued(ctx context.Context, id uuid.UUID) (*Item, error)

	// DeleteQueuedByProject removes every queued item for the project and
	// returns the removed items. Processing items are left untouched.
	DeleteQueuedByProject(ctx context.Context, projectID uuid.UUID) ([]Item, error)

	// DeleteQueuedByBatch removes every queued item sharing the batch id and
	// returns the removed items.
	DeleteQueuedByBatch(ctx context.Context, batchID uuid.UUID) ([]Item, error)

	// CountProcessing returns the number of items currently processing across
	// all projects. The worker uses it to enforce the global ceiling.
	CountProcessing(ctx context.Context) (int, error)

	// Stats computes the aggregate counts for a project on demand.
	Stats(ctx context.Context, projectID uuid.UUID) (Stats, error)

	// ListByProject returns the project's items in dispatch order: priority
	// descending, creation time ascending.
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]Item, error)
}

// ImageStore is the external datastore collaborator holding image records.
// The queue service only reads images for validation and writes the
// denormalized segmentation status.
type ImageStore interface {
	// GetImage returns the image or ErrImageNotFound.
	GetImage(ctx context.Context, id uuid.UUID) (*Image, error)

	// SetSegmentationStatus updates the denormalized status on the image.
	SetSegmentationStatus(ctx context.Context, imageID uuid.UUID, status ImageStatus) error

	// ProjectProgress returns the project's image count and how many of those
	// images are segmented, used for project:update events.
	ProjectProgress(ctx context.Context, projectID uuid.UUID) (imageCount, segmentedCount int, err error)
}
