package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pixelbrain/segqueue/internal/fanout"
)

// heartbeatInterval keeps intermediate proxies from timing out idle streams.
const heartbeatInterval = 15 * time.Second

// events is the push channel: a server-sent-events stream that joins the
// project room and the caller's personal room. Room membership is dropped
// automatically when the client disconnects via the request context.
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
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

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, ErrInternal)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.hub.Join(r.Context(), uuid.NewString(),
		fanout.ProjectRoom(projectID),
		fanout.UserRoom(caller),
	)
	defer func() { _ = sub.Close() }()

	h.log.Debug("push channel connected",
		slog.String("user_id", caller.String()),
		slog.String("project_id", projectID.String()))

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev fanout.Event) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
