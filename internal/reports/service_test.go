package reports

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

type stubStore struct {
	days    []*data.UsageByDayRow
	summary []*data.MachineSummaryRow
	totals  *data.TotalsRow

	gotFrom, gotTo time.Time
	gotMachine     *uuid.UUID

	totalsCalled  bool
	totalsMachine *uuid.UUID
}

func (s *stubStore) UsageByDay(_ context.Context, from, to time.Time, machineID *uuid.UUID) ([]*data.UsageByDayRow, error) {
	s.gotFrom, s.gotTo, s.gotMachine = from, to, machineID
	return s.days, nil
}

func (s *stubStore) MachineSummary(_ context.Context, from, to time.Time) ([]*data.MachineSummaryRow, error) {
	s.gotFrom, s.gotTo = from, to
	return s.summary, nil
}

func (s *stubStore) Totals(_ context.Context, from, to time.Time, machineID *uuid.UUID) (*data.TotalsRow, error) {
	s.totalsCalled = true
	s.totalsMachine = machineID
	if s.totals != nil {
		return s.totals, nil
	}
	return &data.TotalsRow{}, nil
}

func TestParseWindowDefaults(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	w, err := ParseWindow("", "", now)
	require.NoError(t, err)
	assert.Equal(t, now, w.To)
	assert.Equal(t, now.AddDate(0, 0, -30), w.From)
}

func TestParseWindowFormats(t *testing.T) {
	now := time.Now()

	w, err := ParseWindow("2025-06-01", "2025-06-08", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), w.From)
	assert.Equal(t, time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC), w.To)

	w, err = ParseWindow("2025-06-01T10:30:00Z", "2025-06-01T18:00:00-03:00", now)
	require.NoError(t, err)
	assert.Equal(t, 10, w.From.Hour())
	assert.Equal(t, 21, w.To.Hour(), "offsets normalize to UTC")
}

func TestParseWindowRejectsBadInput(t *testing.T) {
	now := time.Now()

	_, err := ParseWindow("junk", "", now)
	assert.ErrorIs(t, err, ErrBadWindow)

	_, err = ParseWindow("2025-06-08", "2025-06-01", now)
	assert.ErrorIs(t, err, ErrBadWindow, "inverted window")

	_, err = ParseWindow("2020-01-01", "2025-01-01", now)
	assert.ErrorIs(t, err, ErrWindowTooWide)
}

func TestUsageCombinesSeriesAndTotals(t *testing.T) {
	store := &stubStore{
		days: []*data.UsageByDayRow{
			{Day: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), Sessions: 4, MinutesSold: 40, RevenueCentavos: 6000},
		},
		totals: &data.TotalsRow{Sessions: 4, MinutesSold: 40, RevenueCentavos: 6000, UniqueCustomers: 3},
	}
	svc := NewService(store)

	w, _ := ParseWindow("2025-06-01", "2025-06-02", time.Now())
	machineID := uuid.New()

	rep, err := svc.Usage(context.Background(), w, &machineID)
	require.NoError(t, err)
	assert.Len(t, rep.Days, 1)
	assert.Equal(t, 4, rep.Totals.Sessions)
	require.NotNil(t, store.gotMachine)
	assert.Equal(t, machineID, *store.gotMachine)

	// The totals block must answer for the same machine as the daily series,
	// not for the whole fleet.
	require.NotNil(t, store.totalsMachine)
	assert.Equal(t, machineID, *store.totalsMachine)
}

func TestTotalsWithoutFilterCoversFleet(t *testing.T) {
	store := &stubStore{totals: &data.TotalsRow{Sessions: 9}}
	svc := NewService(store)

	w, _ := ParseWindow("2025-06-01", "2025-06-02", time.Now())
	got, err := svc.Totals(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, 9, got.Sessions)
	assert.True(t, store.totalsCalled)
	assert.Nil(t, store.totalsMachine)
}

func TestUsageEmptyWindowReturnsEmptySlice(t *testing.T) {
	svc := NewService(&stubStore{})

	w, _ := ParseWindow("2025-06-01", "2025-06-02", time.Now())
	rep, err := svc.Usage(context.Background(), w, nil)
	require.NoError(t, err)

	// JSON must render [] rather than null for the chart frontend.
	assert.NotNil(t, rep.Days)
	assert.Empty(t, rep.Days)
}

func TestWriteUsageCSV(t *testing.T) {
	store := &stubStore{
		days: []*data.UsageByDayRow{
			{Day: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), Sessions: 2, MinutesSold: 20, RevenueCentavos: 3000},
			{Day: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), Sessions: 1, MinutesSold: 15, RevenueCentavos: 2250},
		},
	}
	svc := NewService(store)

	w, _ := ParseWindow("2025-06-01", "2025-06-03", time.Now())
	var buf bytes.Buffer
	require.NoError(t, svc.WriteUsageCSV(context.Background(), &buf, w, nil))

	want := "day,sessions,minutes_sold,revenue_centavos\n" +
		"2025-06-01,2,20,3000\n" +
		"2025-06-02,1,15,2250\n"
	assert.Equal(t, want, buf.String())
}
