package inference_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelbrain/segqueue/internal/inference"
)

func TestHTTPClient_Segment(t *testing.T) {
	imageID := uuid.New()

	t.Run("decodes a successful response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/segment", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req inference.Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, imageID, req.ImageID)
			assert.Equal(t, "sam2", req.Model)
			assert.Equal(t, 0.7, req.Threshold)

			_ = json.NewEncoder(w).Encode(inference.Result{
				Polygons: []inference.Polygon{
					{Points: []inference.Point{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 6}}},
					{Points: []inference.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}},
				},
				Confidence: 0.93,
			})
		}))
		t.Cleanup(srv.Close)

		client := inference.NewHTTPClient(inference.Config{BaseURL: srv.URL}, srv.Client())
		result, err := client.Segment(context.Background(), inference.Request{
			ImageID:   imageID,
			Model:     "sam2",
			Threshold: 0.7,
		})
		require.NoError(t, err)
		assert.Len(t, result.Polygons, 2)
		assert.Equal(t, 0.93, result.Confidence)
	})

	t.Run("surfaces the service's error message", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "image too small"})
		}))
		t.Cleanup(srv.Close)

		client := inference.NewHTTPClient(inference.Config{BaseURL: srv.URL}, srv.Client())
		_, err := client.Segment(context.Background(), inference.Request{ImageID: imageID})
		require.ErrorIs(t, err, inference.ErrSegmentationFailed)
		assert.Contains(t, err.Error(), "image too small")
	})

	t.Run("non-json error body falls back to the status code", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)

		client := inference.NewHTTPClient(inference.Config{BaseURL: srv.URL}, srv.Client())
		_, err := client.Segment(context.Background(), inference.Request{ImageID: imageID})
		require.ErrorIs(t, err, inference.ErrSegmentationFailed)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("connection failure maps to ErrUnavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		client := inference.NewHTTPClient(inference.Config{BaseURL: srv.URL}, nil)
		_, err := client.Segment(context.Background(), inference.Request{ImageID: imageID})
		assert.ErrorIs(t, err, inference.ErrUnavailable)
	})

	t.Run("honors the context deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		t.Cleanup(func() {
			close(release)
			srv.Close()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		t.Cleanup(cancel)

		client := inference.NewHTTPClient(inference.Config{BaseURL: srv.URL}, srv.Client())
		_, err := client.Segment(ctx, inference.Request{ImageID: imageID})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("trailing slash in base url is tolerated", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/segment", r.URL.Path)
			_ = json.NewEncoder(w).Encode(inference.Result{})
		}))
		t.Cleanup(srv.Close)

		client := inference.NewHTTPClient(inference.Config{BaseURL: srv.URL + "/"}, srv.Client())
		_, err := client.Segment(context.Background(), inference.Request{ImageID: imageID})
		assert.NoError(t, err)
	})
}
