package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrUnavailable wraps connectivity failures to the inference service.
	ErrUnavailable = errors.New("inference service unavailable")

	// ErrSegmentationFailed is returned when the service responded with an
	// error for the given image.
	ErrSegmentationFailed = errors.New("segmentation failed")
)

// Config holds the inference service endpoint settings.
type Config struct {
	BaseURL string `env:"INFERENCE_URL,required"` // BaseURL is the root URL of the segmentation service, e.g. "http://ml:8500".
}

// HTTPClient calls the segmentation service over HTTP/JSON. Timeouts are
// driven entirely by the request context; the worker sets the deadline.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates an inference client. A nil httpClient falls back to
// http.DefaultClient.
func NewHTTPClient(cfg Config, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}
}

// errorResponse is the service's error body shape.
type errorResponse struct {
	Error string `json:"error"`
}

// Segment implements Client.
func (c *HTTPClient) Segment(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode segmentation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/segment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build segmentation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, errors.Join(ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errBody errorResponse
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errBody); decodeErr == nil && errBody.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrSegmentationFailed, errBody.Error)
		}
		return nil, fmt.Errorf("%w: unexpected status %d", ErrSegmentationFailed, resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrSegmentationFailed, err)
	}
	return &result, nil
}
