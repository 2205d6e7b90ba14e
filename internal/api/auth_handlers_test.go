package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benites031407/UpCarSistema-sub002/internal/api"
	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
)

type authSvcStub struct {
	user *data.User

	loginErr   error
	refreshErr error

	lastEmail    string
	lastIP       string
	lastResetBy  *uuid.UUID
	logoutCalled bool
}

func (s *authSvcStub) Login(_ context.Context, email, password, clientIP string) (*auth.TokenPair, *data.User, error) {
	s.lastEmail = email
	s.lastIP = clientIP
	if s.loginErr != nil {
		return nil, nil, s.loginErr
	}
	return &auth.TokenPair{AccessToken: "acc", RefreshToken: "ref", ExpiresIn: 900}, s.user, nil
}

func (s *authSvcStub) Refresh(_ context.Context, refreshPlain string) (*auth.TokenPair, error) {
	if s.refreshErr != nil {
		return nil, s.refreshErr
	}
	return &auth.TokenPair{AccessToken: "acc2", RefreshToken: "ref2", ExpiresIn: 900}, nil
}

func (s *authSvcStub) Logout(_ context.Context, claims *tokens.Claims, refreshPlain string) error {
	s.logoutCalled = true
	return nil
}

func (s *authSvcStub) RequestPasswordReset(_ context.Context, email string, requestedBy *uuid.UUID) error {
	s.lastEmail = email
	s.lastResetBy = requestedBy
	return nil
}

func (s *authSvcStub) ResetPassword(_ context.Context, plainToken, newPassword string) error {
	return nil
}

func (s *authSvcStub) ChangePassword(_ context.Context, userID uuid.UUID, current, newPassword string) error {
	return nil
}

type userGetterStub struct {
	user *data.User
}

func (s *userGetterStub) Get(_ context.Context, id uuid.UUID) (*data.User, error) {
	if s.user == nil {
		return nil, data.ErrUserNotFound
	}
	return s.user, nil
}

func userFixture() *data.User {
	return &data.User{
		ID:           uuid.New(),
		Email:        "ana@upcar.com.br",
		DisplayName:  "Ana",
		Role:         data.RoleAdmin,
		PasswordHash: "$argon2id$not-a-real-hash",
	}
}

func newAuthHandler(svc *authSvcStub, users *userGetterStub) *api.AuthHandler {
	tm := tokens.NewManager("test-signing-key", 15*time.Minute, time.Hour)
	return api.NewAuthHandler(svc, tm, users)
}

func TestLoginReturnsTokensAndUser(t *testing.T) {
	svc := &authSvcStub{user: userFixture()}
	h := newAuthHandler(svc, &userGetterStub{})

	body := `{"email":"ana@upcar.com.br","password":"s3cret-enough"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(body))
	req.RemoteAddr = "203.0.113.9:4431"
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ana@upcar.com.br", svc.lastEmail)
	assert.Equal(t, "203.0.113.9", svc.lastIP)

	var got api.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "acc", got.AccessToken)
	assert.Equal(t, "ref", got.RefreshToken)
	require.NotNil(t, got.User)
	assert.Equal(t, "ana@upcar.com.br", got.User.Email)

	// The DTO must not leak the stored hash.
	assert.NotContains(t, rec.Body.String(), "argon2id")
}

func TestLoginMissingFields(t *testing.T) {
	h := newAuthHandler(&authSvcStub{}, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(`{"email":"a@b.c"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginBadCredentials(t *testing.T) {
	svc := &authSvcStub{loginErr: auth.ErrInvalidCredentials}
	h := newAuthHandler(svc, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		bytes.NewBufferString(`{"email":"a@b.c","password":"wrong"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")
}

func TestLoginLockedAccount(t *testing.T) {
	svc := &authSvcStub{loginErr: auth.ErrAccountLocked}
	h := newAuthHandler(svc, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/login",
		bytes.NewBufferString(`{"email":"a@b.c","password":"pw"}`))
	rec := httptest.NewRecorder()
	h.Login(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRefreshRotation(t *testing.T) {
	h := newAuthHandler(&authSvcStub{}, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh",
		bytes.NewBufferString(`{"refresh_token":"ref"}`))
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got api.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "acc2", got.AccessToken)
	assert.Equal(t, "ref2", got.RefreshToken)
	assert.Nil(t, got.User)
}

func TestRefreshReuseDetected(t *testing.T) {
	h := newAuthHandler(&authSvcStub{refreshErr: auth.ErrTokenReused}, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh",
		bytes.NewBufferString(`{"refresh_token":"stolen"}`))
	rec := httptest.NewRecorder()
	h.Refresh(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutValidatesOwnToken(t *testing.T) {
	svc := &authSvcStub{}
	tm := tokens.NewManager("test-signing-key", 15*time.Minute, time.Hour)
	h := api.NewAuthHandler(svc, tm, &userGetterStub{})

	userID := uuid.New()
	access, err := tm.GenerateAccessToken(userID, data.RoleAdmin, "sess-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.logoutCalled)
}

func TestLogoutRejectsGarbageToken(t *testing.T) {
	svc := &authSvcStub{}
	h := newAuthHandler(svc, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	h.Logout(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, svc.logoutCalled)
}

func TestMeRequiresContext(t *testing.T) {
	h := newAuthHandler(&authSvcStub{}, &userGetterStub{})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeReturnsProfile(t *testing.T) {
	u := userFixture()
	h := newAuthHandler(&authSvcStub{}, &userGetterStub{user: u})

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(middleware.WithAuthContext(req.Context(),
		&middleware.AuthContext{UserID: u.ID, Role: u.Role}))
	rec := httptest.NewRecorder()
	h.Me(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), u.Email)
	assert.NotContains(t, rec.Body.String(), "argon2id")
}

func TestRequestResetAlwaysAccepted(t *testing.T) {
	svc := &authSvcStub{}
	h := newAuthHandler(svc, &userGetterStub{})

	req := httptest.NewRequest(http.MethodPost, "/auth/password-reset/request",
		bytes.NewBufferString(`{"email":"whoever@example.com"}`))
	rec := httptest.NewRecorder()
	h.RequestReset(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "whoever@example.com", svc.lastEmail)
	assert.Nil(t, svc.lastResetBy, "self-service requests carry no actor")
}
