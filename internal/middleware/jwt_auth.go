package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
)

type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*tokens.Claims, error)
}

type JWTAuth struct {
	tokens    TokenValidator
	blacklist auth.TokenBlacklist
}

// NewJWTAuth builds the bearer-token gate. blacklist may be nil when redis is
// not deployed; logout then only takes effect at access-token expiry.
func NewJWTAuth(t TokenValidator, b auth.TokenBlacklist) *JWTAuth {
	return &JWTAuth{tokens: t, blacklist: b}
}

// Middleware verifies the JWT and injects AuthContext.
func (m *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		claims, err := m.tokens.ValidateAccessToken(parts[1])
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if m.blacklist != nil {
			// Fail closed: a revoked token must not slip through because
			// redis hiccupped.
			blacklisted, err := m.blacklist.IsBlacklisted(r.Context(), claims.ID)
			if err != nil || blacklisted {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ac := &AuthContext{
			UserID:  userID,
			Role:    claims.Role,
			TokenID: claims.ID,
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// RequireRole gates a route group to the listed roles. It assumes Middleware
// already ran; a missing AuthContext is a server wiring bug and fails closed.
func RequireRole(roles ...data.Role) func(http.Handler) http.Handler {
	allowed := make(map[data.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, ok := GetAuthContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := allowed[ac.Role]; !ok {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin is RequireRole(data.RoleAdmin) under its common name.
func RequireAdmin() func(http.Handler) http.Handler {
	return RequireRole(data.RoleAdmin)
}
