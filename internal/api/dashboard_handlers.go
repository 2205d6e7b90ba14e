package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/reports"
	"github.com/Benites031407/UpCarSistema-sub002/internal/ws"
)

// TotalsStore supplies the revenue line on the dashboard.
type TotalsStore interface {
	Totals(ctx context.Context, w reports.Window) (*data.TotalsRow, error)
}

// DashboardHandler serves the REST snapshot behind the realtime dashboard.
// It is the same state the websocket pushes, plus today's totals, for
// clients that poll instead of holding a socket.
type DashboardHandler struct {
	Snapshot ws.SnapshotFunc
	Totals   TotalsStore
}

func NewDashboardHandler(snapshot ws.SnapshotFunc, totals TotalsStore) *DashboardHandler {
	return &DashboardHandler{Snapshot: snapshot, Totals: totals}
}

// GET /api/v1/dashboard/snapshot
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Snapshot(r.Context(), 500)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	now := time.Now().UTC()
	today := reports.Window{
		From: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		To:   now,
	}
	totals, err := h.Totals.Totals(r.Context(), today)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"machines":        snap.Machines,
		"active_sessions": snap.ActiveSessions,
		"counts":          snap.Counts,
		"telemetry":       snap.Telemetry,
		"today":           totals,
		"generated_at":    snap.GeneratedAt,
	})
}
