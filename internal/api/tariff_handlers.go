package api

import (
	"net/http"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/tariff"
)

// TariffSource exposes the live pricing config to the operator console.
type TariffSource interface {
	Current() tariff.Snapshot
	Reload() error
}

type TariffHandler struct {
	Source TariffSource
}

func NewTariffHandler(source TariffSource) *TariffHandler {
	return &TariffHandler{Source: source}
}

type tariffResponse struct {
	RatePerMin      int64     `json:"rate_per_min"`
	Currency        string    `json:"currency"`
	MinDurationMins int       `json:"min_duration_mins"`
	MaxDurationMins int       `json:"max_duration_mins"`
	PaymentTTLSecs  int       `json:"payment_ttl_secs"`
	LoadedAt        time.Time `json:"loaded_at"`
}

func toTariffResponse(s tariff.Snapshot) tariffResponse {
	return tariffResponse{
		RatePerMin:      s.RatePerMin,
		Currency:        s.Currency,
		MinDurationMins: s.MinDurationMins,
		MaxDurationMins: s.MaxDurationMins,
		PaymentTTLSecs:  int(s.PaymentTTL / time.Second),
		LoadedAt:        s.LoadedAt,
	}
}

// GET /api/v1/tariff
func (h *TariffHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, toTariffResponse(h.Source.Current()))
}

// POST /api/v1/tariff/reload
//
// Forces a re-read of the pricing file without waiting for the watcher.
// Parse errors go back verbatim, the caller is the operator who just
// edited the file.
func (h *TariffHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.Source.Reload(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toTariffResponse(h.Source.Current()))
}
