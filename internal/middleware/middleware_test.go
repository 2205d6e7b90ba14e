package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
)

var (
	adminID    = uuid.New()
	operatorID = uuid.New()
)

type mockValidator struct{}

func (mockValidator) ValidateAccessToken(token string) (*tokens.Claims, error) {
	switch token {
	case "valid-admin":
		return &tokens.Claims{UserID: adminID.String(), Role: data.RoleAdmin, TokenType: tokens.Access}, nil
	case "valid-operator":
		return &tokens.Claims{UserID: operatorID.String(), Role: data.RoleOperator, TokenType: tokens.Access}, nil
	case "revoked":
		c := &tokens.Claims{UserID: adminID.String(), Role: data.RoleAdmin, TokenType: tokens.Access}
		c.ID = "revoked-jti"
		return c, nil
	}
	return nil, tokens.ErrInvalidToken
}

type mockBlacklist struct{}

func (mockBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return jti == "revoked-jti", nil
}

func (mockBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTAuthSuccess(t *testing.T) {
	mw := middleware.NewJWTAuth(mockValidator{}, mockBlacklist{})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer valid-admin")
	w := httptest.NewRecorder()

	mw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := middleware.GetAuthContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, adminID, ac.UserID)
		assert.Equal(t, data.RoleAdmin, ac.Role)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuthMissingHeader(t *testing.T) {
	mw := middleware.NewJWTAuth(mockValidator{}, mockBlacklist{})

	w := httptest.NewRecorder()
	mw.Middleware(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthMalformedHeader(t *testing.T) {
	mw := middleware.NewJWTAuth(mockValidator{}, mockBlacklist{})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwdw==")
	w := httptest.NewRecorder()

	mw.Middleware(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthRevokedToken(t *testing.T) {
	mw := middleware.NewJWTAuth(mockValidator{}, mockBlacklist{})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	w := httptest.NewRecorder()

	mw.Middleware(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJWTAuthNilBlacklistSkipsCheck(t *testing.T) {
	mw := middleware.NewJWTAuth(mockValidator{}, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer revoked")
	w := httptest.NewRecorder()

	mw.Middleware(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "no blacklist deployed means jti checks are skipped")
}

func TestRequireRoleAllowsListed(t *testing.T) {
	ctx := middleware.WithAuthContext(context.Background(), &middleware.AuthContext{
		UserID: adminID, Role: data.RoleAdmin,
	})
	req := httptest.NewRequest("DELETE", "/machines/1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	middleware.RequireAdmin()(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRoleForbidsOthers(t *testing.T) {
	ctx := middleware.WithAuthContext(context.Background(), &middleware.AuthContext{
		UserID: operatorID, Role: data.RoleOperator,
	})
	req := httptest.NewRequest("DELETE", "/machines/1", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	middleware.RequireAdmin()(okHandler()).ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireRoleWithoutAuthContext(t *testing.T) {
	w := httptest.NewRecorder()
	middleware.RequireAdmin()(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestLoggerSetsRequestID(t *testing.T) {
	var seen string
	handler := middleware.RequestLogger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.RequestID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
}

func TestRequestLoggerKeepsInboundID(t *testing.T) {
	handler := middleware.RequestLogger(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "upstream-id-1", w.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	handler := middleware.CORS([]string{"http://dash.upcar.example"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://dash.upcar.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://dash.upcar.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSUnlistedOriginGetsNoHeader(t *testing.T) {
	handler := middleware.CORS([]string{"http://dash.upcar.example"})(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:4444"
	assert.Equal(t, "10.0.0.5", middleware.ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", middleware.ClientIP(req))
}
