package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
	"github.com/Benites031407/UpCarSistema-sub002/internal/users"
)

// UserService is the slice of account management these handlers drive.
type UserService interface {
	Create(ctx context.Context, in users.CreateInput, actorID uuid.UUID) (*data.User, error)
	Get(ctx context.Context, id uuid.UUID) (*data.User, error)
	List(ctx context.Context, limit, offset int) ([]*data.User, error)
	Update(ctx context.Context, id uuid.UUID, in users.UpdateInput, actorID uuid.UUID) (*data.User, error)
	Delete(ctx context.Context, id, actorID uuid.UUID) error
}

// ResetInitiator starts the password reset flow on behalf of an admin.
// Delivery of the reset link happens through the notification outbox, the
// token never appears in an API response.
type ResetInitiator interface {
	RequestPasswordReset(ctx context.Context, email string, requestedBy *uuid.UUID) error
}

type UserHandler struct {
	Service UserService
	Resets  ResetInitiator
}

func NewUserHandler(svc UserService, resets ResetInitiator) *UserHandler {
	return &UserHandler{Service: svc, Resets: resets}
}

// userResponse strips credential and lockout material off data.User.
type userResponse struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone,omitempty"`
	Role        data.Role `json:"role"`
	IsDisabled  bool      `json:"is_disabled"`
	CreatedAt   time.Time `json:"created_at"`
}

func toUserResponse(u *data.User) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Phone:       u.Phone,
		Role:        u.Role,
		IsDisabled:  u.IsDisabled,
		CreatedAt:   u.CreatedAt,
	}
}

// POST /api/v1/users
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req users.CreateInput
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.Service.Create(r.Context(), req, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, toUserResponse(u))
}

// GET /api/v1/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)
	list, err := h.Service.List(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	out := make([]*userResponse, 0, len(list))
	for _, u := range list {
		out = append(out, toUserResponse(u))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data": out,
		"meta": map[string]int{"limit": limit, "offset": offset, "count": len(out)},
	})
}

// GET /api/v1/users/{id}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := h.Service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(u))
}

// PATCH /api/v1/users/{id}
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	var req users.UpdateInput
	if !decodeBody(w, r, &req) {
		return
	}

	u, err := h.Service.Update(r.Context(), id, req, actor)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toUserResponse(u))
}

// DELETE /api/v1/users/{id}
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := h.Service.Delete(r.Context(), id, actor); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// POST /api/v1/users/{id}/password-reset
func (h *UserHandler) InitiateReset(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := h.Service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if err := h.Resets.RequestPasswordReset(r.Context(), u.Email, &actor); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "reset queued"})
}

// requireActor is for routes where the acting admin must be known; the JWT
// middleware guarantees that on protected routes, this guards direct use.
func requireActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return uuid.Nil, false
	}
	return ac.UserID, true
}
