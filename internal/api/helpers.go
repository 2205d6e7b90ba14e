package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/machines"
	"github.com/Benites031407/UpCarSistema-sub002/internal/rental"
	"github.com/Benites031407/UpCarSistema-sub002/internal/reports"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tariff"
	"github.com/Benites031407/UpCarSistema-sub002/internal/users"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: response encode failed: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondServiceError translates domain sentinels into HTTP statuses in one
// place so every handler reports the same way. Unrecognized errors become an
// opaque 500; internals never leak to kiosks.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrRecordNotFound),
		errors.Is(err, data.ErrUserNotFound),
		errors.Is(err, data.ErrTokenNotFound):
		respondError(w, http.StatusNotFound, "not found")

	case errors.Is(err, machines.ErrInvalidCode),
		errors.Is(err, machines.ErrNameRequired),
		errors.Is(err, machines.ErrUnknownStatus),
		errors.Is(err, rental.ErrPhoneRequired),
		errors.Is(err, tariff.ErrDurationOutOfRange),
		errors.Is(err, users.ErrInvalidEmail),
		errors.Is(err, users.ErrInvalidRole),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, reports.ErrBadWindow),
		errors.Is(err, reports.ErrWindowTooWide),
		errors.Is(err, audit.ErrBadCursor):
		respondError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, rental.ErrMachineUnavailable),
		errors.Is(err, rental.ErrSessionNotActive),
		errors.Is(err, rental.ErrSessionClosed),
		errors.Is(err, rental.ErrAmountMismatch),
		errors.Is(err, machines.ErrIllegalTransition),
		errors.Is(err, machines.ErrStatusConflict),
		errors.Is(err, machines.ErrMachineBusy),
		errors.Is(err, data.ErrDuplicateCode),
		errors.Is(err, data.ErrEmailDuplicate),
		errors.Is(err, users.ErrSelfLockout):
		respondError(w, http.StatusConflict, err.Error())

	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrTokenReused):
		respondError(w, http.StatusUnauthorized, "invalid credentials")

	case errors.Is(err, auth.ErrAccountLocked):
		respondError(w, http.StatusForbidden, "account temporarily locked")

	case errors.Is(err, auth.ErrResetTokenInvalid):
		respondError(w, http.StatusBadRequest, "invalid or expired reset token")

	default:
		log.Printf("api: internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func urlUUID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

// pagination reads limit/offset with a hard cap so a client cannot page the
// whole table in one request.
func pagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
