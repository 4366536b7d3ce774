package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pixelbrain/segqueue/internal/queue"
)

// HTTPError carries a status code and a stable machine-readable key.
type HTTPError struct {
	Code int
	Key  string
}

func (e HTTPError) Error() string {
	return e.Key
}

var (
	ErrBadRequest         = HTTPError{Code: http.StatusBadRequest, Key: "bad_request"}
	ErrUnauthorized       = HTTPError{Code: http.StatusUnauthorized, Key: "unauthorized"}
	ErrForbidden          = HTTPError{Code: http.StatusForbidden, Key: "forbidden"}
	ErrNotFound           = HTTPError{Code: http.StatusNotFound, Key: "not_found"}
	ErrConflict           = HTTPError{Code: http.StatusConflict, Key: "conflict"}
	ErrServiceUnavailable = HTTPError{Code: http.StatusServiceUnavailable, Key: "service_unavailable"}
	ErrInternal           = HTTPError{Code: http.StatusInternalServerError, Key: "internal_server_error"}
)

// errorDetail is the error body of the JSON envelope.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels onto the HTTP error taxonomy: conflicts
// for state-machine violations, 404 for missing or inaccessible resources,
// 503 for retryable store failures.
func writeError(w http.ResponseWriter, err error) {
	httpErr := toHTTPError(err)
	writeJSON(w, httpErr.Code, errorEnvelope{Error: errorDetail{
		Code:    httpErr.Key,
		Message: err.Error(),
	}})
}

func toHTTPError(err error) HTTPError {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	switch {
	case errors.Is(err, queue.ErrImageInFlight),
		errors.Is(err, queue.ErrItemProcessing),
		errors.Is(err, queue.ErrItemNotClaimed),
		errors.Is(err, queue.ErrAlreadyTerminal):
		return ErrConflict
	case errors.Is(err, queue.ErrItemNotFound),
		errors.Is(err, queue.ErrImageNotFound):
		return ErrNotFound
	case errors.Is(err, queue.ErrNoImagesInBatch):
		return ErrBadRequest
	case errors.Is(err, queue.ErrStoreUnavailable):
		return ErrServiceUnavailable
	default:
		return ErrInternal
	}
}
