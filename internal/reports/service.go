// Package reports aggregates usage sessions into the numbers the back office
// asks for: revenue and minutes per day, per machine, and for a whole window.
// All heavy lifting happens in SQL; this layer owns window validation and the
// CSV rendering of the daily series.
package reports

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

var (
	ErrBadWindow     = errors.New("invalid reporting window")
	ErrWindowTooWide = errors.New("reporting window too wide")
)

// maxWindow caps a single report at a year plus a leap day, so one request
// cannot walk the whole sessions table.
const maxWindow = 366 * 24 * time.Hour

// Window is a half-open [From, To) reporting interval in UTC.
type Window struct {
	From time.Time
	To   time.Time
}

// ParseWindow turns the from/to query values into a validated window. Empty
// values default to the last 30 days ending now. Values are accepted as
// YYYY-MM-DD or RFC 3339; a bare date means midnight UTC of that day.
func ParseWindow(fromStr, toStr string, now time.Time) (Window, error) {
	now = now.UTC()

	w := Window{From: now.AddDate(0, 0, -30), To: now}

	if fromStr != "" {
		t, err := parseTime(fromStr)
		if err != nil {
			return Window{}, fmt.Errorf("%w: from: %v", ErrBadWindow, err)
		}
		w.From = t
	}
	if toStr != "" {
		t, err := parseTime(toStr)
		if err != nil {
			return Window{}, fmt.Errorf("%w: to: %v", ErrBadWindow, err)
		}
		w.To = t
	}

	if !w.From.Before(w.To) {
		return Window{}, fmt.Errorf("%w: from must precede to", ErrBadWindow)
	}
	if w.To.Sub(w.From) > maxWindow {
		return Window{}, ErrWindowTooWide
	}
	return w, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC3339, got %q", s)
	}
	return t.UTC(), nil
}

type Store interface {
	UsageByDay(ctx context.Context, from, to time.Time, machineID *uuid.UUID) ([]*data.UsageByDayRow, error)
	MachineSummary(ctx context.Context, from, to time.Time) ([]*data.MachineSummaryRow, error)
	Totals(ctx context.Context, from, to time.Time, machineID *uuid.UUID) (*data.TotalsRow, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// UsageReport is the daily series plus its headline totals, so one response
// carries everything a chart page needs.
type UsageReport struct {
	From   time.Time             `json:"from"`
	To     time.Time             `json:"to"`
	Days   []*data.UsageByDayRow `json:"days"`
	Totals *data.TotalsRow       `json:"totals"`
}

func (s *Service) Usage(ctx context.Context, w Window, machineID *uuid.UUID) (*UsageReport, error) {
	days, err := s.store.UsageByDay(ctx, w.From, w.To, machineID)
	if err != nil {
		return nil, err
	}
	// The headline numbers carry the same machine scope as the daily series.
	totals, err := s.store.Totals(ctx, w.From, w.To, machineID)
	if err != nil {
		return nil, err
	}
	if days == nil {
		days = []*data.UsageByDayRow{}
	}
	return &UsageReport{From: w.From, To: w.To, Days: days, Totals: totals}, nil
}

func (s *Service) MachineSummary(ctx context.Context, w Window) ([]*data.MachineSummaryRow, error) {
	rows, err := s.store.MachineSummary(ctx, w.From, w.To)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*data.MachineSummaryRow{}
	}
	return rows, nil
}

// Totals returns fleet-wide headline numbers for a window.
func (s *Service) Totals(ctx context.Context, w Window) (*data.TotalsRow, error) {
	return s.store.Totals(ctx, w.From, w.To, nil)
}

// WriteUsageCSV streams the daily usage series as CSV. Amounts stay in
// centavos so spreadsheets do their own rounding.
func (s *Service) WriteUsageCSV(ctx context.Context, out io.Writer, w Window, machineID *uuid.UUID) error {
	days, err := s.store.UsageByDay(ctx, w.From, w.To, machineID)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(out)
	if err := cw.Write([]string{"day", "sessions", "minutes_sold", "revenue_centavos"}); err != nil {
		return err
	}
	for _, d := range days {
		rec := []string{
			d.Day.UTC().Format("2006-01-02"),
			strconv.Itoa(d.Sessions),
			strconv.FormatInt(d.MinutesSold, 10),
			strconv.FormatInt(d.RevenueCentavos, 10),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
