package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Authorizer is the external authentication collaborator. Token verification
// and project membership live outside this subsystem.
type Authorizer interface {
	// VerifyToken validates a bearer token and returns the caller's user id.
	VerifyToken(ctx context.Context, token string) (uuid.UUID, error)

	// CanAccessProject reports whether the user may act on the project.
	CanAccessProject(ctx context.Context, userID, projectID uuid.UUID) error

	// CanAccessImage reports whether the user may act on the image's project.
	CanAccessImage(ctx context.Context, userID, imageID uuid.UUID) error
}

type contextKey struct{ name string }

var userIDKey = contextKey{"user_id"}

// userID returns the authenticated caller set by the auth middleware.
func userID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// withUserID is exposed for handler tests.
func withUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// authMiddleware verifies the bearer token (or, for push connections that
// cannot set headers, the token query parameter) and stores the caller's
// user id on the request context.
func authMiddleware(auth Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeError(w, ErrUnauthorized)
				return
			}

			id, err := auth.VerifyToken(r.Context(), token)
			if err != nil {
				writeError(w, ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return ""
}
