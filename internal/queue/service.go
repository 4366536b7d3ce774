package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pixelbrain/segqueue/internal/fanout"
)

// Service owns queue membership and cancellation, the
// at-most-one-in-flight-per-image invariant, and the events that follow
// every mutation. It is constructed once and passed to collaborators; there
// is no global instance.
type Service struct {
	store  Store
	images ImageStore
	events fanout.Publisher
	log    *slog.Logger
}

// NewService wires the service to its collaborators.
func NewService(store Store, images ImageStore, events fanout.Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:  store,
		images: images,
		events: events,
		log:    log,
	}
}

// EnqueueRequest carries the parameters of a single enqueue. Nil Threshold
// and empty Model fall back to the segmentation defaults.
type EnqueueRequest struct {
	ImageID        uuid.UUID
	UserID         uuid.UUID
	Model          string
	Threshold      *float64
	Priority       int
	DetectHoles    bool
	ForceResegment bool
	BatchID        *uuid.UUID
}

// BatchRequest enqueues several images of one project under a shared batch id.
type BatchRequest struct {
	ImageIDs       []uuid.UUID
	ProjectID      uuid.UUID
	UserID         uuid.UUID
	Model          string
	Threshold      *float64
	Priority       int
	DetectHoles    bool
	ForceResegment bool
}

// BatchFailure reports why one image of a batch could not be enqueued.
type BatchFailure struct {
	ImageID uuid.UUID `json:"imageId"`
	Reason  string    `json:"reason"`
}

// BatchResult is the outcome of a batch enqueue. Failures never abort the
// batch; each image is resolved independently.
type BatchResult struct {
	BatchID     uuid.UUID      `json:"batchId"`
	QueuedCount int            `json:"queuedCount"`
	Items       []Item         `json:"queueItems"`
	Failures    []BatchFailure `json:"failures,omitempty"`
}

// CancelResult is the outcome of a project- or batch-wide cancellation.
type CancelResult struct {
	CancelledCount int       `json:"cancelledCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// Enqueue creates a queued item for the image. An image with an active item
// is rejected with ErrImageInFlight unless the caller requests
// re-segmentation, in which case a queued predecessor is superseded; a
// processing predecessor is rejected until it reaches a terminal state.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Item, error) {
	img, err := s.images.GetImage(ctx, req.ImageID)
	if err != nil {
		return nil, err
	}

	if active, err := s.store.ActiveItemForImage(ctx, req.ImageID); err == nil {
		if !req.ForceResegment || active.Status == StatusProcessing {
			return nil, ErrImageInFlight
		}
		// Supersede the queued predecessor. If the worker claimed it in the
		// meantime, the conditional delete loses and we report the conflict.
		if _, err := s.store.DeleteQueued(ctx, active.ID); err != nil {
			if errors.Is(err, ErrItemProcessing) {
				return nil, ErrImageInFlight
			}
			if !errors.Is(err, ErrItemNotFound) && !errors.Is(err, ErrAlreadyTerminal) {
				return nil, err
			}
		}
	} else if !errors.Is(err, ErrItemNotFound) {
		return nil, err
	}

	item := s.buildItem(img, req)
	if err := s.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}

	// The item is committed at this point; a failed image-status write must
	// not surface as an enqueue error, or the caller's retry hits a conflict
	// against its own item.
	if err := s.images.SetSegmentationStatus(ctx, img.ID, ImageStatusQueued); err != nil {
		s.log.Warn("image status update failed after enqueue",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}

	s.emitItemEvent(ctx, item, ImageStatusQueued, nil)
	s.emitStats(ctx, item.ProjectID)
	return item, nil
}

// EnqueueBatch applies Enqueue per image under a shared batch id. Per-image
// failures are collected in the result rather than aborting the batch, and a
// single stats event trails the whole operation.
func (s *Service) EnqueueBatch(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if len(req.ImageIDs) == 0 {
		return nil, ErrNoImagesInBatch
	}

	batchID := uuid.New()
	result := &BatchResult{BatchID: batchID}

	for _, imageID := range req.ImageIDs {
		item, err := s.enqueueBatchItem(ctx, imageID, batchID, req)
		if err != nil {
			result.Failures = append(result.Failures, BatchFailure{
				ImageID: imageID,
				Reason:  err.Error(),
			})
			continue
		}
		result.Items = append(result.Items, *item)
		result.QueuedCount++
	}

	s.emitStats(ctx, req.ProjectID)
	return result, nil
}

// enqueueBatchItem mirrors Enqueue without the per-item stats event.
func (s *Service) enqueueBatchItem(ctx context.Context, imageID, batchID uuid.UUID, req BatchRequest) (*Item, error) {
	img, err := s.images.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.ProjectID != req.ProjectID {
		return nil, ErrImageNotFound
	}

	single := EnqueueRequest{
		ImageID:     imageID,
		UserID:      req.UserID,
		Model:       req.Model,
		Threshold:   req.Threshold,
		Priority:    req.Priority,
		DetectHoles: req.DetectHoles,
		BatchID:     &batchID,
	}

	if active, err := s.store.ActiveItemForImage(ctx, imageID); err == nil {
		if !req.ForceResegment || active.Status == StatusProcessing {
			return nil, ErrImageInFlight
		}
		if _, err := s.store.DeleteQueued(ctx, active.ID); err != nil && errors.Is(err, ErrItemProcessing) {
			return nil, ErrImageInFlight
		}
	} else if !errors.Is(err, ErrItemNotFound) {
		return nil, err
	}

	item := s.buildItem(img, single)
	if err := s.store.CreateItem(ctx, item); err != nil {
		return nil, err
	}
	if err := s.images.SetSegmentationStatus(ctx, imageID, ImageStatusQueued); err != nil {
		s.log.Warn("image status update failed after enqueue",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}

	s.emitItemEvent(ctx, item, ImageStatusQueued, nil)
	return item, nil
}

func (s *Service) buildItem(img *Image, req EnqueueRequest) *Item {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	threshold := DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	return &Item{
		ID:          uuid.New(),
		ImageID:     img.ID,
		ProjectID:   img.ProjectID,
		UserID:      req.UserID,
		Model:       model,
		Threshold:   threshold,
		DetectHoles: req.DetectHoles,
		Priority:    req.Priority,
		Status:      StatusQueued,
		BatchID:     req.BatchID,
		CreatedAt:   time.Now(),
	}
}

// Cancel removes a queued item. Cancelling an item that is already gone is
// idempotent success; a processing or terminal item is a hard conflict so
// the caller knows inference is still running or already finished.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	item, err := s.store.DeleteQueued(ctx, id)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil
		}
		return err
	}

	if err := s.images.SetSegmentationStatus(ctx, item.ImageID, ImageStatusNone); err != nil {
		s.log.Warn("image status reset failed after cancel",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}

	s.emitItemEvent(ctx, item, ImageStatusNone, nil)
	s.emitStats(ctx, item.ProjectID)
	return nil
}

// CancelByProject removes every queued item of the project. Processing items
// are untouched.
func (s *Service) CancelByProject(ctx context.Context, projectID uuid.UUID) (*CancelResult, error) {
	removed, err := s.store.DeleteQueuedByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	s.resetImages(ctx, removed)

	result := &CancelResult{CancelledCount: len(removed), Timestamp: time.Now()}
	s.publish(ctx, fanout.ProjectRoom(projectID), fanout.Event{
		Type: fanout.EventQueueCancelled,
		Payload: fanout.QueueCancelled{
			ProjectID:      projectID,
			CancelledCount: result.CancelledCount,
			Timestamp:      result.Timestamp,
		},
	})
	s.emitStats(ctx, projectID)
	return result, nil
}

// CancelByBatch removes every queued item of the batch and notifies the
// requesting user.
func (s *Service) CancelByBatch(ctx context.Context, batchID, userID uuid.UUID) (*CancelResult, error) {
	removed, err := s.store.DeleteQueuedByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	s.resetImages(ctx, removed)

	result := &CancelResult{CancelledCount: len(removed), Timestamp: time.Now()}
	s.publish(ctx, fanout.UserRoom(userID), fanout.Event{
		Type: fanout.EventBatchCancelled,
		Payload: fanout.BatchCancelled{
			BatchID:        batchID,
			CancelledCount: result.CancelledCount,
			Timestamp:      result.Timestamp,
		},
	})
	if len(removed) > 0 {
		s.emitStats(ctx, removed[0].ProjectID)
	}
	return result, nil
}

// Stats returns the on-demand aggregate for a project.
func (s *Service) Stats(ctx context.Context, projectID uuid.UUID) (Stats, error) {
	return s.store.Stats(ctx, projectID)
}

// Items returns the project's items in dispatch order.
func (s *Service) Items(ctx context.Context, projectID uuid.UUID) ([]Item, error) {
	return s.store.ListByProject(ctx, projectID)
}

// markStarted reflects a won claim on the image record so readers see
// processing for the duration of the inference run. Called by the worker;
// the item row itself already transitioned inside the claim.
func (s *Service) markStarted(ctx context.Context, item *Item) {
	if err := s.images.SetSegmentationStatus(ctx, item.ImageID, ImageStatusProcessing); err != nil {
		s.log.Warn("image status update failed after claim",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}
}

// markCompleted records a successful inference result and propagates it.
// Called by the worker after the inference collaborator returns.
func (s *Service) markCompleted(ctx context.Context, item *Item, polygonCount int) error {
	if err := s.store.CompleteItem(ctx, item.ID, polygonCount); err != nil {
		return err
	}
	if err := s.images.SetSegmentationStatus(ctx, item.ImageID, ImageStatusSegmented); err != nil {
		s.log.Warn("image status update failed after completion",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}

	s.emitItemEvent(ctx, item, ImageStatusSegmented, &polygonCount)
	s.emitStats(ctx, item.ProjectID)
	s.emitProjectProgress(ctx, item)
	return nil
}

// markFailed records an inference failure and propagates it. The item stays
// visible with its error so the user can explicitly re-submit.
func (s *Service) markFailed(ctx context.Context, item *Item, cause string) error {
	if err := s.store.FailItem(ctx, item.ID, cause); err != nil {
		return err
	}
	if err := s.images.SetSegmentationStatus(ctx, item.ImageID, ImageStatusFailed); err != nil {
		s.log.Warn("image status update failed after failure",
			slog.String("item_id", item.ID.String()),
			slog.String("error", err.Error()))
	}

	s.emitItemEvent(ctx, item, ImageStatusFailed, nil)
	s.emitStats(ctx, item.ProjectID)
	return nil
}

func (s *Service) resetImages(ctx context.Context, items []Item) {
	for _, item := range items {
		if err := s.images.SetSegmentationStatus(ctx, item.ImageID, ImageStatusNone); err != nil {
			s.log.Warn("image status reset failed after cancel",
				slog.String("image_id", item.ImageID.String()),
				slog.String("error", err.Error()))
		}
	}
}

// emitItemEvent sends the item-level event to the owning user. It must
// always precede the aggregate event for the same mutation.
func (s *Service) emitItemEvent(ctx context.Context, item *Item, status ImageStatus, polygonCount *int) {
	s.publish(ctx, fanout.UserRoom(item.UserID), fanout.Event{
		Type: fanout.EventSegmentationUpdate,
		Payload: fanout.SegmentationUpdate{
			ImageID:      item.ImageID,
			ProjectID:    item.ProjectID,
			Status:       string(status),
			PolygonCount: polygonCount,
		},
	})
}

func (s *Service) emitStats(ctx context.Context, projectID uuid.UUID) {
	stats, err := s.store.Stats(ctx, projectID)
	if err != nil {
		s.log.Warn("stats aggregation failed for event",
			slog.String("project_id", projectID.String()),
			slog.String("error", err.Error()))
		return
	}
	s.publish(ctx, fanout.ProjectRoom(projectID), fanout.Event{
		Type: fanout.EventQueueStatsUpdate,
		Payload: fanout.QueueStatsUpdate{
			Queued:     stats.Queued,
			Processing: stats.Processing,
			Total:      stats.Total,
		},
	})
}

func (s *Service) emitProjectProgress(ctx context.Context, item *Item) {
	imageCount, segmentedCount, err := s.images.ProjectProgress(ctx, item.ProjectID)
	if err != nil {
		s.log.Warn("project progress lookup failed for event",
			slog.String("project_id", item.ProjectID.String()),
			slog.String("error", err.Error()))
		return
	}

	var pct float64
	if imageCount > 0 {
		pct = float64(segmentedCount) / float64(imageCount) * 100
	}
	now := time.Now()
	s.publish(ctx, fanout.ProjectRoom(item.ProjectID), fanout.Event{
		Type: fanout.EventProjectUpdate,
		Payload: fanout.ProjectUpdate{
			ProjectID: item.ProjectID,
			UserID:    item.UserID,
			Operation: "segmentation_completed",
			Updates: fanout.ProjectUpdateDetails{
				ImageCount:           &imageCount,
				SegmentedCount:       &segmentedCount,
				CompletionPercentage: &pct,
				LastActivity:         &now,
			},
		},
	})
}

// publish delivers an event best-effort. A failed delivery never rolls back
// or blocks the state change that triggered it.
func (s *Service) publish(ctx context.Context, room string, ev fanout.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, room, ev); err != nil {
		s.log.Warn("event delivery failed",
			slog.String("room", room),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
}
