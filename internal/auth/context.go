package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const userIDKey contextKey = "userID"

// UserIDHeader carries the authenticated user identity, set by the gateway
// in front of this service.
const UserIDHeader = "X-User-Id"

// ContextWithUserID returns a new context that carries the authenticated user scope.
func ContextWithUserID(ctx context.Context, id uuid.UUID) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, userIDKey, id)
}

// UserIDFromContext retrieves the authenticated user scope from the context, if any.
func UserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	value := ctx.Value(userIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	id, ok := value.(uuid.UUID)
	if !ok {
		return uuid.Nil, false
	}
	if id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// EnforceUserScope ensures the provided user matches the authenticated scope when present.
func EnforceUserScope(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return fmt.Errorf("userId is required")
	}
	scopedID, ok := UserIDFromContext(ctx)
	if !ok {
		return nil
	}
	if scopedID != userID {
		return fmt.Errorf("userId %s does not match authenticated scope", userID)
	}
	return nil
}

// Middleware copies the gateway's user header into the request context.
// Requests without the header pass through unscoped.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid %s header: %v", UserIDHeader, err), http.StatusUnauthorized)
				return
			}
			r = r.WithContext(ContextWithUserID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}
