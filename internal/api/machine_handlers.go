package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/iot"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/middleware"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tariff"
)

// MachineService is the slice of the fleet service these handlers drive.
type MachineService interface {
	Register(ctx context.Context, in machines.RegisterInput, actor *uuid.UUID) (*data.Machine, error)
	Get(ctx context.Context, id uuid.UUID) (*data.Machine, error)
	GetByCode(ctx context.Context, code string) (*data.Machine, error)
	List(ctx context.Context, f data.MachineFilter) ([]*data.Machine, error)
	Update(ctx context.Context, id uuid.UUID, in machines.UpdateInput, actor *uuid.UUID) (*data.Machine, error)
	Decommission(ctx context.Context, id uuid.UUID, actor *uuid.UUID) error
	Transition(ctx context.Context, id uuid.UUID, to data.MachineStatus, reason, source string, actor *uuid.UUID) (*data.Machine, error)
	StartMaintenance(ctx context.Context, id uuid.UUID, reason string, actor *uuid.UUID) (*data.Machine, error)
	CompleteMaintenance(ctx context.Context, id uuid.UUID, actor *uuid.UUID) (*data.Machine, error)
	StatusHistory(ctx context.Context, id uuid.UUID, limit, offset int) ([]*data.StatusEvent, error)
}

// Pricer quotes kiosk checkouts from the live tariff.
type Pricer interface {
	Current() tariff.Snapshot
	RateFor(override *int64) int64
	QuoteFor(durationMins int, override *int64) (*tariff.Quote, error)
}

type MachineHandler struct {
	Service MachineService
	Pricer  Pricer

	// Unknown lists stations heartbeating with unregistered codes. Nil when
	// the broker is disabled.
	Unknown func() []iot.UnknownDevice
}

func NewMachineHandler(svc MachineService, pricer Pricer) *MachineHandler {
	return &MachineHandler{Service: svc, Pricer: pricer}
}

// POST /api/v1/machines
func (h *MachineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req machines.RegisterInput
	if !decodeBody(w, r, &req) {
		return
	}

	mc, err := h.Service.Register(r.Context(), req, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, mc)
}

// GET /api/v1/machines
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 50, 200)

	f := data.MachineFilter{Limit: limit, Offset: offset}
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		st := data.MachineStatus(s)
		if !st.Valid() {
			respondError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
		f.Status = st
	}
	if q.Get("needs_service") == "true" {
		v := true
		f.NeedsService = &v
	}
	if q.Get("include_disabled") == "true" {
		f.IncludeDisabled = true
	}
	f.Location = q.Get("location")

	list, err := h.Service.List(r.Context(), f)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if list == nil {
		list = []*data.Machine{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data": list,
		"meta": map[string]int{"limit": limit, "offset": offset, "count": len(list)},
	})
}

// GET /api/v1/machines/{id}
func (h *MachineHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	mc, err := h.Service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mc)
}

// PATCH /api/v1/machines/{id}
func (h *MachineHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	var req machines.UpdateInput
	if !decodeBody(w, r, &req) {
		return
	}

	mc, err := h.Service.Update(r.Context(), id, req, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mc)
}

// DELETE /api/v1/machines/{id}
func (h *MachineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	if err := h.Service.Decommission(r.Context(), id, actorID(r)); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "decommissioned"})
}

// POST /api/v1/machines/{id}/status
func (h *MachineHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	var req struct {
		Status data.MachineStatus `json:"status"`
		Reason string             `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	mc, err := h.Service.Transition(r.Context(), id, req.Status, req.Reason, machines.SourceAPI, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mc)
}

// POST /api/v1/machines/{id}/maintenance/start
func (h *MachineHandler) StartMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // body optional

	mc, err := h.Service.StartMaintenance(r.Context(), id, req.Reason, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mc)
}

// POST /api/v1/machines/{id}/maintenance/complete
func (h *MachineHandler) CompleteMaintenance(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	mc, err := h.Service.CompleteMaintenance(r.Context(), id, actorID(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, mc)
}

// GET /api/v1/machines/unknown
//
// Devices publishing heartbeats under codes nobody registered yet. Empty when
// MQTT is disabled.
func (h *MachineHandler) ListUnknown(w http.ResponseWriter, r *http.Request) {
	devices := []iot.UnknownDevice{}
	if h.Unknown != nil {
		devices = h.Unknown()
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": devices})
}

// GET /api/v1/machines/{id}/history
func (h *MachineHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := urlUUID(r, "id")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	limit, offset := pagination(r, 100, 500)

	events, err := h.Service.StatusHistory(r.Context(), id, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if events == nil {
		events = []*data.StatusEvent{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": events})
}

// availabilityResponse is what a kiosk frontend needs to render the checkout
// screen: can I rent this thing right now, and what does it cost.
type availabilityResponse struct {
	Code            string             `json:"code"`
	Name            string             `json:"name"`
	Location        string             `json:"location,omitempty"`
	Status          data.MachineStatus `json:"status"`
	Available       bool               `json:"available"`
	RatePerMin      int64              `json:"rate_per_min"`
	Currency        string             `json:"currency"`
	MinDurationMins int                `json:"min_duration_mins"`
	MaxDurationMins int                `json:"max_duration_mins"`
	Quote           *tariff.Quote      `json:"quote,omitempty"`
	CheckedAt       time.Time          `json:"checked_at"`
}

// GET /api/v1/public/machines/{code}[?duration_mins=N] (public, rate limited)
func (h *MachineHandler) PublicAvailability(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	mc, err := h.Service.GetByCode(r.Context(), code)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	snap := h.Pricer.Current()
	resp := availabilityResponse{
		Code:            mc.Code,
		Name:            mc.Name,
		Location:        mc.Location,
		Status:          mc.Status,
		Available:       mc.IsEnabled && mc.Status == data.StatusOnline,
		RatePerMin:      h.Pricer.RateFor(mc.PricePerMin),
		Currency:        snap.Currency,
		MinDurationMins: snap.MinDurationMins,
		MaxDurationMins: snap.MaxDurationMins,
		CheckedAt:       time.Now().UTC(),
	}

	if d := r.URL.Query().Get("duration_mins"); d != "" {
		mins, err := strconv.Atoi(d)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid duration_mins")
			return
		}
		quote, err := h.Pricer.QuoteFor(mins, mc.PricePerMin)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		resp.Quote = quote
	}

	respondJSON(w, http.StatusOK, resp)
}

// actorID pulls the acting admin out of the request context; nil for
// unauthenticated or system paths.
func actorID(r *http.Request) *uuid.UUID {
	if ac, ok := middleware.GetAuthContext(r.Context()); ok {
		id := ac.UserID
		return &id
	}
	return nil
}
