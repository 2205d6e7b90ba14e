package data

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageByDayRow is one day of sales. Revenue only counts sessions whose
// payment was approved; minutes count what was actually sold.
type UsageByDayRow struct {
	Day             time.Time `json:"day"`
	Sessions        int       `json:"sessions"`
	MinutesSold     int64     `json:"minutes_sold"`
	RevenueCentavos int64     `json:"revenue_centavos"`
}

// MachineSummaryRow aggregates sales and state per machine. Interruptions
// count sessions cut short by a fault; OfflineEvents counts transitions into
// offline during the window, a rough connectivity score.
type MachineSummaryRow struct {
	MachineID       uuid.UUID     `json:"machine_id"`
	Code            string        `json:"code"`
	Name            string        `json:"name"`
	Status          MachineStatus `json:"status"`
	Sessions        int           `json:"sessions"`
	MinutesSold     int64         `json:"minutes_sold"`
	RevenueCentavos int64         `json:"revenue_centavos"`
	Interruptions   int           `json:"interruptions"`
	OfflineEvents   int           `json:"offline_events"`
	LastSeenAt      *time.Time    `json:"last_seen_at,omitempty"`
}

// TotalsRow is the headline numbers for a reporting window.
type TotalsRow struct {
	Sessions        int   `json:"sessions"`
	MinutesSold     int64 `json:"minutes_sold"`
	RevenueCentavos int64 `json:"revenue_centavos"`
	UniqueCustomers int   `json:"unique_customers"`
}

type ReportModel struct {
	DB DBTX
}

// paidSessionWhere scopes aggregates to sessions that were actually paid and
// ran, keyed on activation time.
const paidSessionWhere = `
	s.status IN ('active', 'completed', 'interrupted')
	AND s.started_at IS NOT NULL
	AND s.started_at >= $1 AND s.started_at < $2`

func (m ReportModel) UsageByDay(ctx context.Context, from, to time.Time, machineID *uuid.UUID) ([]*UsageByDayRow, error) {
	query := `
		SELECT date_trunc('day', s.started_at) AS day,
		       COUNT(*),
		       COALESCE(SUM(s.duration_mins), 0),
		       COALESCE(SUM(s.amount_centavos), 0)
		FROM usage_sessions s
		WHERE ` + paidSessionWhere + `
		  AND ($3::uuid IS NULL OR s.machine_id = $3)
		GROUP BY day
		ORDER BY day ASC`

	rows, err := m.DB.QueryContext(ctx, query, from.UTC(), to.UTC(), machineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*UsageByDayRow
	for rows.Next() {
		var r UsageByDayRow
		if err := rows.Scan(&r.Day, &r.Sessions, &r.MinutesSold, &r.RevenueCentavos); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (m ReportModel) MachineSummary(ctx context.Context, from, to time.Time) ([]*MachineSummaryRow, error) {
	query := `
		SELECT mc.id, mc.code, mc.name, mc.status, mc.last_seen_at,
		       COUNT(s.id),
		       COALESCE(SUM(s.duration_mins), 0),
		       COALESCE(SUM(s.amount_centavos), 0),
		       COUNT(s.id) FILTER (WHERE s.status = 'interrupted'),
		       (SELECT COUNT(*) FROM machine_status_events e
		         WHERE e.machine_id = mc.id
		           AND e.to_status = 'offline'
		           AND e.occurred_at >= $1 AND e.occurred_at < $2)
		FROM machines mc
		LEFT JOIN usage_sessions s
		  ON s.machine_id = mc.id
		 AND s.status IN ('active', 'completed', 'interrupted')
		 AND s.started_at IS NOT NULL
		 AND s.started_at >= $1 AND s.started_at < $2
		WHERE mc.deleted_at IS NULL
		GROUP BY mc.id, mc.code, mc.name, mc.status, mc.last_seen_at
		ORDER BY mc.code ASC`

	rows, err := m.DB.QueryContext(ctx, query, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MachineSummaryRow
	for rows.Next() {
		var r MachineSummaryRow
		if err := rows.Scan(
			&r.MachineID, &r.Code, &r.Name, &r.Status, &r.LastSeenAt,
			&r.Sessions, &r.MinutesSold, &r.RevenueCentavos,
			&r.Interruptions, &r.OfflineEvents,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (m ReportModel) Totals(ctx context.Context, from, to time.Time, machineID *uuid.UUID) (*TotalsRow, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(s.duration_mins), 0),
		       COALESCE(SUM(s.amount_centavos), 0),
		       COUNT(DISTINCT NULLIF(s.customer_phone, ''))
		FROM usage_sessions s
		WHERE ` + paidSessionWhere + `
		  AND ($3::uuid IS NULL OR s.machine_id = $3)`

	var r TotalsRow
	err := m.DB.QueryRowContext(ctx, query, from.UTC(), to.UTC(), machineID).Scan(
		&r.Sessions, &r.MinutesSold, &r.RevenueCentavos, &r.UniqueCustomers,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
