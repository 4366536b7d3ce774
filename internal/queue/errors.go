package queue

import "errors"

var (
	// ErrImageInFlight is returned when an image already has a queued or
	// processing item and the caller did not request re-segmentation.
	ErrImageInFlight = errors.New("image already has an active segmentation item")

	// ErrItemNotFound is returned when the referenced queue item does not exist.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrImageNotFound is returned when the referenced image does not exist.
	ErrImageNotFound = errors.New("image not found")

	// ErrItemProcessing is returned when cancellation targets an item whose
	// inference call is already in flight.
	ErrItemProcessing = errors.New("queue item is processing and cannot be cancelled")

	// ErrAlreadyTerminal is returned on attempts to transition an item out of
	// a completed or failed state.
	ErrAlreadyTerminal = errors.New("queue item is already in a terminal state")

	// ErrItemNotClaimed is returned when a terminal transition targets an item
	// that is still queued, i.e. was never claimed.
	ErrItemNotClaimed = errors.New("queue item has not been claimed")

	// ErrNoItemToClaim is returned by ClaimNext when no eligible queued item
	// exists. Workers treat it as an idle tick, not a failure.
	ErrNoItemToClaim = errors.New("no queued item to claim")

	// ErrStoreUnavailable wraps transient datastore failures so callers can
	// surface a retryable error instead of a hard one.
	ErrStoreUnavailable = errors.New("queue store temporarily unavailable")

	// ErrNoImagesInBatch is returned when a batch enqueue carries no image ids.
	ErrNoImagesInBatch = errors.New("no images to enqueue")
)
