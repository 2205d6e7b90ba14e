package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/rental"
)

// RentalService is the slice of the session lifecycle these handlers drive.
type RentalService interface {
	Start(ctx context.Context, in rental.StartInput) (*data.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*data.Session, error)
	List(ctx context.Context, f data.SessionFilter) ([]*data.Session, error)
	Stop(ctx context.Context, id uuid.UUID, reason, source string, actor *uuid.UUID) (*data.Session, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, actor *uuid.UUID) (*data.Session, error)
	PaymentsFor(ctx context.Context, sessionID uuid.UUID) ([]*data.Payment, error)
}

type SessionHandler struct {
	Service RentalService
}

func NewSessionHandler(svc RentalService) *SessionHandler {
	return &SessionHandler{Service: svc}
}

// POST /api/v1/public/sessions (public, rate limited)
//
// The kiosk posts the checkout here and hands payment_ref plus
// amount_centavos from the response to the payment gateway. The session
// stays pending_payment until the gateway webhook lands.
func (h *SessionHandler) StartPublic(w http.ResponseWriter, r *http.Request) {
	var req rental.StartInput
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := h.Service.Start(r.Context(), req)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// GET /api/v1/public/sessions/{id} (public, rate limited)
//
// Kiosk status poll while waiting for payment approval and during the run.
// The session id is random, knowing it is the capability.
func (h *SessionHandler) GetPublic(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.Service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// POST /api/v1/public/sessions/{id}/cancel (public, rate limited)
//
// Customer backs out of an unpaid checkout at the kiosk.
func (h *SessionHandler) CancelPublic(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.Service.Cancel(r.Context(), id, "canceled at kiosk", nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// POST /api/v1/public/sessions/{id}/stop (public, rate limited)
//
// Customer ends the wash early. No refund math here, prepaid time is
// forfeit when the customer walks away.
func (h *SessionHandler) StopPublic(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.Service.Stop(r.Context(), id, "stopped by customer", machines.SourceAPI, nil)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// GET /api/v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)

	f := data.SessionFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if s := q.Get("machine_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid machine_id filter")
			return
		}
		f.MachineID = id
	}
	if s := q.Get("status"); s != "" {
		st := data.SessionStatus(s)
		if !st.Valid() {
			respondError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
		f.Status = st
	}
	f.Phone = q.Get("phone")
	if s := q.Get("from"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid from, want YYYY-MM-DD or RFC3339")
			return
		}
		f.From = t
	}
	if s := q.Get("to"); s != "" {
		t, err := parseTimeParam(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid to, want YYYY-MM-DD or RFC3339")
			return
		}
		f.To = t
	}

	list, err := h.Service.List(r.Context(), f)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []*data.Session{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data": list,
		"meta": map[string]int{"limit": limit, "offset": offset, "count": len(list)},
	})
}

// GET /api/v1/sessions/{id}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.Service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// GET /api/v1/sessions/{id}/payments
func (h *SessionHandler) Payments(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	payments, err := h.Service.PaymentsFor(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if payments == nil {
		payments = []*data.Payment{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": payments})
}

// POST /api/v1/sessions/{id}/stop
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	if req.Reason == "" {
		req.Reason = "stopped by operator"
	}

	sess, err := h.Service.Stop(r.Context(), id, req.Reason, machines.SourceAPI, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// POST /api/v1/sessions/{id}/cancel
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // body optional

	sess, err := h.Service.Cancel(r.Context(), id, req.Reason, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// parseTimeParam accepts a bare date or a full RFC 3339 timestamp.
func parseTimeParam(v string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
