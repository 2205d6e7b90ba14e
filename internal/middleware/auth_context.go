package middleware

import (
	"context"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

type contextKey string

const (
	AuthContextKey contextKey = "auth_context"
	RequestIDKey   contextKey = "request_id"
)

// AuthContext holds the authenticated back-office identity for the request.
type AuthContext struct {
	UserID  uuid.UUID
	Role    data.Role
	TokenID string // jti
}

func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	val, ok := ctx.Value(AuthContextKey).(*AuthContext)
	return val, ok
}

func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, AuthContextKey, auth)
}

// RequestID returns the id assigned by RequestLogger, or "" outside it.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}
