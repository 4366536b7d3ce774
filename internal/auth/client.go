// Package auth is a thin HTTP client for the platform's authentication
// service. Token verification and project membership are owned by that
// service; this subsystem only consults it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the auth service rejects the token.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrAccessDenied is returned when the user lacks access to the resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnavailable wraps connectivity failures to the auth service.
	ErrUnavailable = errors.New("auth service unavailable")
)

// Config holds the auth service endpoint settings.
type Config struct {
	BaseURL string `env:"AUTH_URL,required"` // BaseURL is the root URL of the auth service, e.g. "http://auth:8400".
}

// Client verifies tokens and access grants against the auth service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an auth client. A nil httpClient falls back to
// http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}
}

// VerifyToken validates a bearer token and returns the caller's user id.
func (c *Client) VerifyToken(ctx context.Context, token string) (uuid.UUID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/verify", nil)
	if err != nil {
		return uuid.Nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return uuid.Nil, errors.Join(ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, ErrInvalidToken
	}

	id, err := uuid.Parse(resp.Header.Get("X-User-Id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed user id", ErrInvalidToken)
	}
	return id, nil
}

// CanAccessProject reports whether the user may act on the project.
func (c *Client) CanAccessProject(ctx context.Context, userID, projectID uuid.UUID) error {
	return c.checkAccess(ctx, fmt.Sprintf("/access/users/%s/projects/%s", userID, projectID))
}

// CanAccessImage reports whether the user may act on the image's project.
func (c *Client) CanAccessImage(ctx context.Context, userID, imageID uuid.UUID) error {
	return c.checkAccess(ctx, fmt.Sprintf("/access/users/%s/images/%s", userID, imageID))
}

func (c *Client) checkAccess(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound, http.StatusForbidden:
		return ErrAccessDenied
	default:
		return fmt.Errorf("%w: unexpected status %d", ErrUnavailable, resp.StatusCode)
	}
}
