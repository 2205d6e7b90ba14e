package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
)

// AuthService is the slice of the auth service these handlers drive.
type AuthService interface {
	Login(ctx context.Context, email, password, clientIP string) (*auth.TokenPair, *data.User, error)
	Refresh(ctx context.Context, refreshPlain string) (*auth.TokenPair, error)
	Logout(ctx context.Context, claims *tokens.Claims, refreshPlain string) error
	RequestPasswordReset(ctx context.Context, email string, requestedBy *uuid.UUID) error
	ResetPassword(ctx context.Context, plainToken, newPassword string) error
	ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string) error
}

// ClaimsValidator revalidates the raw bearer token on logout so the jti being
// blacklisted is provably the caller's own.
type ClaimsValidator interface {
	ValidateAccessToken(token string) (*tokens.Claims, error)
}

type UserGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*data.User, error)
}

type AuthHandler struct {
	Service AuthService
	Tokens  ClaimsValidator
	Users   UserGetter
}

func NewAuthHandler(svc AuthService, tok ClaimsValidator, users UserGetter) *AuthHandler {
	return &AuthHandler{Service: svc, Tokens: tok, Users: users}
}

type TokenResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	ExpiresIn    int           `json:"expires_in"`
	User         *userResponse `json:"user,omitempty"`
}

// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password required")
		return
	}

	pair, user, err := h.Service.Login(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		User:         toUserResponse(user),
	})
}

// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		respondError(w, http.StatusBadRequest, "refresh_token required")
		return
	}

	pair, err := h.Service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// POST /api/v1/auth/logout (authenticated)
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	// Body is optional: without a refresh token we still blacklist the jti.
	_ = json.NewDecoder(r.Body).Decode(&req)

	raw := bearerToken(r)
	claims, err := h.Tokens.ValidateAccessToken(raw)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	if err := h.Service.Logout(r.Context(), claims, req.RefreshToken); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// GET /api/v1/auth/me (authenticated)
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	user, err := h.Users.Get(r.Context(), ac.UserID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(user))
}

// POST /api/v1/auth/change-password (authenticated)
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.Service.ChangePassword(r.Context(), ac.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// POST /api/v1/auth/password-reset/request (public)
func (h *AuthHandler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Always 202: the response must not reveal whether the email exists.
	if err := h.Service.RequestPasswordReset(r.Context(), req.Email, nil); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reset_requested"})
}

// POST /api/v1/auth/password-reset/complete (public)
func (h *AuthHandler) CompleteReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.Service.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}
