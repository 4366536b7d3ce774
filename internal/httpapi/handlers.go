package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pixelbrain/segqueue/internal/fanout"
	"github.com/pixelbrain/segqueue/internal/queue"
)

type handlers struct {
	svc  *queue.Service
	hub  *fanout.Hub
	auth Authorizer
	log  *slog.Logger
}

// decodeJSON decodes a request body strictly: unknown fields are rejected so
// client typos surface as 400s instead of silently ignored parameters.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", ErrBadRequest, name)
	}
	return id, nil
}

type enqueueBody struct {
	Model          string   `json:"model,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Priority       int      `json:"priority,omitempty"`
	DetectHoles    bool     `json:"detectHoles,omitempty"`
	ForceResegment bool     `json:"forceResegment,omitempty"`
}

type enqueueResponse struct {
	QueueItem *queue.Item `json:"queueItem"`
	Message   string      `json:"message"`
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	caller, ok := userID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
		return
	}
	imageID, err := pathUUID(r, "imageId")
	if err != nil {
		writeError(w, err)
		return
	}

	var body enqueueBody
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := h.auth.CanAccessImage(r.Context(), caller, imageID); err != nil {
		writeError(w, ErrForbidden)
		return
	}

	item, err := h.svc.Enqueue(r.Context(), queue.EnqueueRequest{
		ImageID:        imageID,
		UserID:         caller,
		Model:          body.Model,
		Threshold:      body.Threshold,
		Priority:       body.Priority,
		DetectHoles:    body.DetectHoles,
		ForceResegment: body.ForceResegment,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, enqueueResponse{
		QueueItem: item,
		Message:   "image queued for segmentation",
	})
}

type batchBody struct {
	ImageIDs       []uuid.UUID `json:"imageIds"`
	ProjectID      uuid.UUID   `json:"projectId"`
	Model          string      `json:"model,omitempty"`
	Threshold      *float64    `json:"threshold,omitempty"`
	Priority       int         `json:"priority,omitempty"`
	DetectHoles    bool        `json:"detectHoles,omitempty"`
	ForceResegment bool        `json:"forceResegment,omitempty"`
}

type batchResponse struct {
	QueuedCount int                  `json:"queuedCount"`
	QueueItems  []queue.Item         `json:"queueItems"`
	Failures    []queue.BatchFailure `json:"failures,omitempty"`
	BatchID     uuid.UUID            `json:"batchId"`
	Message     string               `json:"message"`
}

func (h *handlers) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := userID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
		return
	}

	var body batchBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	if err := h.auth.CanAccessProject(r.Context(), caller, body.ProjectID); err != nil {
		writeError(w, ErrForbidden)
		return
	}

	result, err := h.svc.EnqueueBatch(r.Context(), queue.BatchRequest{
		ImageIDs:       body.ImageIDs,
		ProjectID:      body.ProjectID,
		UserID:         caller,
		Model:          body.Model,
		Threshold:      body.Threshold,
		Priority:       body.Priority,
		DetectHoles:    body.DetectHoles,
		ForceResegment: body.ForceResegment,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, batchResponse{
		QueuedCount: result.QueuedCount,
		QueueItems:  result.Items,
		Failures:    result.Failures,
		BatchID:     result.BatchID,
		Message:     fmt.Sprintf("%d of %d images queued", result.QueuedCount, len(body.ImageIDs)),
	})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "queue item cancelled"})
}

type cancelScopeResponse struct {
	ProjectID      *uuid.UUID `json:"projectId,omitempty"`
	BatchID        *uuid.UUID `json:"batchId,omitempty"`
	CancelledCount int        `json:"cancelledCount"`
	Timestamp      string     `json:"timestamp"`
}

func (h *handlers) cancelByProject(w http.ResponseWriter, r *http.Request) {
	caller, ok := userID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
		return
	}
	projectID, err := pathUUID(r, "projectId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.CanAccessProject(r.Context(), caller, projectID); err != nil {
		writeError(w, ErrForbidden)
		return
	}

	result, err := h.svc.CancelByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelScopeResponse{
		ProjectID:      &projectID,
		CancelledCount: result.CancelledCount,
		Timestamp:      result.Timestamp.UTC().Format(timeLayout),
	})
}

func (h *handlers) cancelByBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := userID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
		return
	}
	batchID, err := pathUUID(r, "batchId")
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.svc.CancelByBatch(r.Context(), batchID, caller)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cancelScopeResponse{
		BatchID:        &batchID,
		CancelledCount: result.CancelledCount,
		Timestamp:      result.Timestamp.UTC().Format(timeLayout),
	})
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	caller, ok := userID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
		return
	}
	projectID, err := pathUUID(r, "projectId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.CanAccessProject(r.Context(), caller, projectID); err != nil {
		writeError(w, ErrForbidden)
		return
	}

	stats, err := h.svc.Stats(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) items(w http.ResponseWriter, r *http.Request) {
	caller, ok := userID(r.Context())
	if !ok {
		writeError(w, ErrUnauthorized)
		return
	}
	projectID, err := pathUUID(r, "projectId")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.auth.CanAccessProject(r.Context(), caller, projectID); err != nil {
		writeError(w, ErrForbidden)
		return
	}

	items, err := h.svc.Items(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
