package fanout

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a push-channel event as seen on the wire.
type EventType string

const (
	EventSegmentationUpdate EventType = "segmentationUpdate"
	EventQueueStatsUpdate   EventType = "queueStatsUpdate"
	EventQueueCancelled     EventType = "queue:cancelled"
	EventBatchCancelled     EventType = "batch:cancelled"
	EventProjectUpdate      EventType = "project:update"
)

// Event is a typed payload addressed to a single room.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// SegmentationUpdate notifies the owning user that an image's item
// completed, failed, or was cancelled.
type SegmentationUpdate struct {
	ImageID      uuid.UUID `json:"imageId"`
	ProjectID    uuid.UUID `json:"projectId"`
	Status       string    `json:"status"`
	PolygonCount *int      `json:"polygonCount,omitempty"`
}

// QueueStatsUpdate carries refreshed counters to the project room after any
// mutation affecting the project's queue.
type QueueStatsUpdate struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Total      int `json:"total"`
}

// QueueCancelled reports a project-wide cancellation to the project room.
type QueueCancelled struct {
	ProjectID      uuid.UUID `json:"projectId"`
	CancelledCount int       `json:"cancelledCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// BatchCancelled reports a batch cancellation to the requesting user.
type BatchCancelled struct {
	BatchID        uuid.UUID `json:"batchId"`
	CancelledCount int       `json:"cancelledCount"`
	Timestamp      time.Time `json:"timestamp"`
}

// ProjectUpdate reports image count or completion percentage changes to the
// project room.
type ProjectUpdate struct {
	ProjectID uuid.UUID            `json:"projectId"`
	UserID    uuid.UUID            `json:"userId"`
	Operation string               `json:"operation"`
	Updates   ProjectUpdateDetails `json:"updates"`
}

// ProjectUpdateDetails holds the changed fields; absent fields are omitted.
type ProjectUpdateDetails struct {
	ImageCount           *int       `json:"imageCount,omitempty"`
	SegmentedCount       *int       `json:"segmentedCount,omitempty"`
	CompletionPercentage *float64   `json:"completionPercentage,omitempty"`
	LastActivity         *time.Time `json:"lastActivity,omitempty"`
	ThumbnailURL         *string    `json:"thumbnailUrl,omitempty"`
}

// UserRoom returns the personal room key for a user.
func UserRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}

// ProjectRoom returns the shared room key for a project.
func ProjectRoom(projectID uuid.UUID) string {
	return "project:" + projectID.String()
}
