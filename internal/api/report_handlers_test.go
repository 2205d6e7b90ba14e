package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benites031407/UpCarSistema-sub002/internal/api"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/reports"
)

type reportSvcStub struct {
	lastWindow  reports.Window
	lastMachine *uuid.UUID
}

func (s *reportSvcStub) Usage(_ context.Context, w reports.Window, machineID *uuid.UUID) (*reports.UsageReport, error) {
	s.lastWindow = w
	s.lastMachine = machineID
	return &reports.UsageReport{
		From: w.From,
		To:   w.To,
		Days: []*data.UsageByDayRow{
			{Day: w.From, Sessions: 4, MinutesSold: 120, RevenueCentavos: 18000},
		},
		Totals: &data.TotalsRow{Sessions: 4, MinutesSold: 120, RevenueCentavos: 18000, UniqueCustomers: 3},
	}, nil
}

func (s *reportSvcStub) MachineSummary(_ context.Context, w reports.Window) ([]*data.MachineSummaryRow, error) {
	s.lastWindow = w
	return nil, nil
}

func (s *reportSvcStub) WriteUsageCSV(_ context.Context, out io.Writer, w reports.Window, machineID *uuid.UUID) error {
	s.lastWindow = w
	s.lastMachine = machineID
	fmt.Fprintln(out, "day,sessions,minutes_sold,revenue_centavos")
	fmt.Fprintln(out, "2026-03-01,4,120,18000")
	return nil
}

func newReportRouter(svc *reportSvcStub) http.Handler {
	h := api.NewReportHandler(svc)
	r := chi.NewRouter()
	r.Get("/reports/usage", h.Usage)
	r.Get("/reports/usage/export", h.ExportUsage)
	r.Get("/reports/machines", h.Machines)
	return r
}

func TestReportUsageParsesWindow(t *testing.T) {
	svc := &reportSvcStub{}
	router := newReportRouter(svc)
	machineID := uuid.New()

	req := httptest.NewRequest(http.MethodGet,
		"/reports/usage?from=2026-03-01&to=2026-03-10&machine_id="+machineID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), svc.lastWindow.From)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), svc.lastWindow.To)
	require.NotNil(t, svc.lastMachine)
	assert.Equal(t, machineID, *svc.lastMachine)

	var got reports.UsageReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.Totals)
	assert.Equal(t, int64(18000), got.Totals.RevenueCentavos)
}

func TestReportUsageRejectsBadWindow(t *testing.T) {
	router := newReportRouter(&reportSvcStub{})

	for name, query := range map[string]string{
		"inverted": "from=2026-03-10&to=2026-03-01",
		"garbage":  "from=next-tuesday",
		"too wide": "from=2020-01-01&to=2026-01-01",
		"bad uuid": "machine_id=not-a-uuid",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/reports/usage?"+query, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestReportExportStreamsCSV(t *testing.T) {
	svc := &reportSvcStub{}
	router := newReportRouter(svc)

	req := httptest.NewRequest(http.MethodGet,
		"/reports/usage/export?from=2026-03-01&to=2026-03-10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="usage_2026-03-01_2026-03-10.csv"`,
		rec.Header().Get("Content-Disposition"))
	assert.Contains(t, rec.Body.String(), "day,sessions,minutes_sold,revenue_centavos")
	assert.Contains(t, rec.Body.String(), "2026-03-01,4,120,18000")
}

func TestReportMachinesEmptyWindow(t *testing.T) {
	router := newReportRouter(&reportSvcStub{})

	req := httptest.NewRequest(http.MethodGet, "/reports/machines", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Data []*data.MachineSummaryRow `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotNil(t, got.Data, "empty result must serialize as [] not null")
	assert.Empty(t, got.Data)
}
