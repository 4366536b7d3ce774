package inference

import (
	"context"

	"github.com/google/uuid"
)

// Point is one vertex of a polygon in image pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is a single segmentation contour.
type Polygon struct {
	Points     []Point `json:"points"`
	Label      string  `json:"label,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Request carries the segmentation parameters for one image.
type Request struct {
	ImageID     uuid.UUID `json:"imageId"`
	Model       string    `json:"model"`
	Threshold   float64   `json:"threshold"`
	DetectHoles bool      `json:"detectHoles"`
}

// Result is a successful segmentation response.
type Result struct {
	Polygons       []Polygon `json:"polygons"`
	Confidence     float64   `json:"confidence,omitempty"`
	ProcessingTime float64   `json:"processingTime,omitempty"`
}

// Client is the inference collaborator boundary. Implementations must
// respect the caller's context deadline; the queue worker bounds every call
// with a per-item timeout.
type Client interface {
	Segment(ctx context.Context, req Request) (*Result, error)
}
