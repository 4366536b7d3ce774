package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed from the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ImageStatus is the denormalized segmentation status kept on the owning
// image record. Mutated only by the queue service as a side effect of item
// transitions.
type ImageStatus string

const (
	ImageStatusNone       ImageStatus = "no_segmentation"
	ImageStatusQueued     ImageStatus = "queued"
	ImageStatusProcessing ImageStatus = "processing"
	ImageStatusSegmented  ImageStatus = "segmented"
	ImageStatusFailed     ImageStatus = "failed"
)

// Segmentation parameter defaults applied when a request omits them.
const (
	DefaultModel     = "sam2"
	DefaultThreshold = 0.5
	DefaultPriority  = 0
)

// Item is one unit of segmentation work.
type Item struct {
	ID           uuid.UUID  `json:"id"`
	ImageID      uuid.UUID  `json:"imageId"`
	ProjectID    uuid.UUID  `json:"projectId"`
	UserID       uuid.UUID  `json:"userId"`
	Model        string     `json:"model"`
	Threshold    float64    `json:"threshold"`
	DetectHoles  bool       `json:"detectHoles"`
	Priority     int        `json:"priority"`
	Status       Status     `json:"status"`
	BatchID      *uuid.UUID `json:"batchId,omitempty"`
	PolygonCount int        `json:"polygonCount,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Active reports whether the item still occupies its image's in-flight slot.
func (i *Item) Active() bool {
	return i.Status == StatusQueued || i.Status == StatusProcessing
}

// Stats is the on-demand aggregate over a project's queue items.
type Stats struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Image is the slice of the image record the queue subsystem touches.
// The full image entity lives in the external datastore.
type Image struct {
	ID                 uuid.UUID   `json:"id"`
	ProjectID          uuid.UUID   `json:"projectId"`
	SegmentationStatus ImageStatus `json:"segmentationStatus"`
}
