package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/reports"
)

// ReportService is the slice of the reporting service these handlers drive.
type ReportService interface {
	Usage(ctx context.Context, w reports.Window, machineID *uuid.UUID) (*reports.UsageReport, error)
	MachineSummary(ctx context.Context, w reports.Window) ([]*data.MachineSummaryRow, error)
	WriteUsageCSV(ctx context.Context, out io.Writer, w reports.Window, machineID *uuid.UUID) error
}

type ReportHandler struct {
	Service ReportService
}

func NewReportHandler(svc ReportService) *ReportHandler {
	return &ReportHandler{Service: svc}
}

// GET /api/v1/reports/usage?from=&to=&machine_id=
func (h *ReportHandler) Usage(w http.ResponseWriter, r *http.Request) {
	window, machineID, ok := h.reportParams(w, r)
	if !ok {
		return
	}
	report, err := h.Service.Usage(r.Context(), window, machineID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// GET /api/v1/reports/usage/export?from=&to=&machine_id=
//
// Streams CSV straight to the response, so errors after the first row can
// only be logged, not turned into an error status.
func (h *ReportHandler) ExportUsage(w http.ResponseWriter, r *http.Request) {
	window, machineID, ok := h.reportParams(w, r)
	if !ok {
		return
	}

	filename := fmt.Sprintf("usage_%s_%s.csv",
		window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := h.Service.WriteUsageCSV(r.Context(), w, window, machineID); err != nil {
		log.Printf("api: usage export: %v", err)
	}
}

// GET /api/v1/reports/machines?from=&to=
func (h *ReportHandler) Machines(w http.ResponseWriter, r *http.Request) {
	window, err := reports.ParseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"), time.Now().UTC())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	rows, err := h.Service.MachineSummary(r.Context(), window)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []*data.MachineSummaryRow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"from": window.From,
		"to":   window.To,
		"data": rows,
	})
}

func (h *ReportHandler) reportParams(w http.ResponseWriter, r *http.Request) (reports.Window, *uuid.UUID, bool) {
	q := r.URL.Query()
	window, err := reports.ParseWindow(q.Get("from"), q.Get("to"), time.Now().UTC())
	if err != nil {
		respondServiceError(w, err)
		return reports.Window{}, nil, false
	}
	var machineID *uuid.UUID
	if s := q.Get("machine_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid machine_id filter")
			return reports.Window{}, nil, false
		}
		machineID = &id
	}
	return window, machineID, true
}
