package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrDuplicateCode = errors.New("machine code already exists")
)

// MachineStatus is the operational state of a vacuum station.
type MachineStatus string

const (
	StatusOnline      MachineStatus = "online"
	StatusOffline     MachineStatus = "offline"
	StatusInUse       MachineStatus = "in_use"
	StatusMaintenance MachineStatus = "maintenance"
)

// Valid reports whether s is one of the known machine states.
func (s MachineStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusInUse, StatusMaintenance:
		return true
	}
	return false
}

// Machine represents a coin-op vacuum station in the field.
type Machine struct {
	ID                uuid.UUID     `json:"id"`
	Code              string        `json:"code"`
	Name              string        `json:"name"`
	Location          string        `json:"location,omitempty"`
	Status            MachineStatus `json:"status"`
	StatusReason      string        `json:"status_reason,omitempty"`
	PricePerMin       *int64        `json:"price_per_min,omitempty"`
	FirmwareVersion   string        `json:"firmware_version,omitempty"`
	LastSeenAt        *time.Time    `json:"last_seen_at,omitempty"`
	LastStatusAt      time.Time     `json:"last_status_at"`
	UsageMinsTotal    int64         `json:"usage_mins_total"`
	UsageMinsSinceSvc int64         `json:"usage_mins_since_service"`
	SessionsSinceSvc  int           `json:"sessions_since_service"`
	NeedsService      bool          `json:"needs_service"`
	IsEnabled         bool          `json:"is_enabled"`
	Tags              []string      `json:"tags"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	DeletedAt         *time.Time    `json:"deleted_at,omitempty"`
}

// MachineFilter narrows List results. Zero values mean "no filter".
type MachineFilter struct {
	Status          MachineStatus
	NeedsService    *bool
	IncludeDisabled bool
	Location        string
	Limit           int
	Offset          int
}

type MachineModel struct {
	DB DBTX
}

const machineColumns = `
	id, code, name, location, status, status_reason, price_per_min,
	firmware_version, last_seen_at, last_status_at,
	usage_mins_total, usage_mins_since_service, sessions_since_service,
	needs_service, is_enabled, tags, created_at, updated_at, deleted_at`

func scanMachine(row interface{ Scan(...any) error }) (*Machine, error) {
	var m Machine
	var lastSeen sql.NullTime
	var tags []string

	err := row.Scan(
		&m.ID, &m.Code, &m.Name, &m.Location, &m.Status, &m.StatusReason, &m.PricePerMin,
		&m.FirmwareVersion, &lastSeen, &m.LastStatusAt,
		&m.UsageMinsTotal, &m.UsageMinsSinceSvc, &m.SessionsSinceSvc,
		&m.NeedsService, &m.IsEnabled, pq.Array(&tags), &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		m.LastSeenAt = &lastSeen.Time
	}
	m.Tags = tags
	return &m, nil
}

// Create inserts a new machine. Code uniqueness is enforced by the DB.
func (m MachineModel) Create(ctx context.Context, mc *Machine) error {
	query := `
		INSERT INTO machines (code, name, location, status, price_per_min, firmware_version, is_enabled, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, last_status_at, created_at, updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		mc.Code, mc.Name, mc.Location, mc.Status, mc.PricePerMin,
		mc.FirmwareVersion, mc.IsEnabled, pq.Array(mc.Tags),
	).Scan(&mc.ID, &mc.LastStatusAt, &mc.CreatedAt, &mc.UpdatedAt)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("machine code %q: %w", mc.Code, ErrDuplicateCode)
		}
		return err
	}
	return nil
}

func (m MachineModel) GetByID(ctx context.Context, id uuid.UUID) (*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = $1 AND deleted_at IS NULL`

	mc, err := scanMachine(m.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return mc, nil
}

// GetByCode resolves the short kiosk code printed on the unit.
func (m MachineModel) GetByCode(ctx context.Context, code string) (*Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE code = $1 AND deleted_at IS NULL`

	mc, err := scanMachine(m.DB.QueryRowContext(ctx, query, code))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return mc, nil
}

func (m MachineModel) List(ctx context.Context, f MachineFilter) ([]*Machine, error) {
	conds := []string{"deleted_at IS NULL"}
	args := []any{}
	argIdx := 1

	if f.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.NeedsService != nil {
		conds = append(conds, fmt.Sprintf("needs_service = $%d", argIdx))
		args = append(args, *f.NeedsService)
		argIdx++
	}
	if !f.IncludeDisabled {
		conds = append(conds, "is_enabled = TRUE")
	}
	if f.Location != "" {
		conds = append(conds, fmt.Sprintf("location ILIKE $%d", argIdx))
		args = append(args, "%"+f.Location+"%")
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + machineColumns + `
		FROM machines
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY code ASC` +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		mc, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// Update modifies the operator-editable fields. Status changes go through
// UpdateStatus so every transition is guarded and recorded.
func (m MachineModel) Update(ctx context.Context, mc *Machine) error {
	query := `
		UPDATE machines
		SET name = $1, location = $2, price_per_min = $3, is_enabled = $4, tags = $5, updated_at = NOW()
		WHERE id = $6 AND deleted_at IS NULL
		RETURNING updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		mc.Name, mc.Location, mc.PricePerMin, mc.IsEnabled, pq.Array(mc.Tags), mc.ID,
	).Scan(&mc.UpdatedAt)

	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

func (m MachineModel) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE machines
		SET deleted_at = NOW(), is_enabled = FALSE, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpdateStatus performs a compare-and-set transition. It succeeds only when
// the row is still in the expected `from` state, which makes concurrent
// session starts against the same machine race-safe without SELECT FOR UPDATE.
func (m MachineModel) UpdateStatus(ctx context.Context, id uuid.UUID, from, to MachineStatus, reason string) (bool, error) {
	query := `
		UPDATE machines
		SET status = $1, status_reason = $2, last_status_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = $4 AND deleted_at IS NULL`

	res, err := m.DB.ExecContext(ctx, query, to, reason, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkSeen records a heartbeat. Firmware is only written when the device
// reported one.
func (m MachineModel) MarkSeen(ctx context.Context, id uuid.UUID, at time.Time, firmware string) error {
	query := `
		UPDATE machines
		SET last_seen_at = $1,
		    firmware_version = CASE WHEN $2 <> '' THEN $2 ELSE firmware_version END,
		    updated_at = NOW()
		WHERE id = $3 AND deleted_at IS NULL`

	_, err := m.DB.ExecContext(ctx, query, at.UTC(), firmware, id)
	return err
}

// ListStale returns enabled machines that claim to be reachable but have not
// sent a heartbeat since the cutoff. The monitor sweeps these offline.
func (m MachineModel) ListStale(ctx context.Context, cutoff time.Time) ([]*Machine, error) {
	query := `SELECT ` + machineColumns + `
		FROM machines
		WHERE deleted_at IS NULL
		  AND is_enabled = TRUE
		  AND status IN ('online', 'in_use')
		  AND (last_seen_at IS NULL OR last_seen_at < $1)
		ORDER BY code ASC`

	rows, err := m.DB.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		mc, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// ListNeedingService returns idle machines flagged for service, candidates
// for automatic promotion to maintenance.
func (m MachineModel) ListNeedingService(ctx context.Context) ([]*Machine, error) {
	query := `SELECT ` + machineColumns + `
		FROM machines
		WHERE deleted_at IS NULL
		  AND needs_service = TRUE
		  AND status = 'online'
		ORDER BY code ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Machine
	for rows.Next() {
		mc, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

// RecordUsage accumulates sold minutes onto the wear counters after a
// session ends and flags the machine when either threshold is crossed.
func (m MachineModel) RecordUsage(ctx context.Context, id uuid.UUID, mins int64, usageLimit int64, sessionLimit int) error {
	query := `
		UPDATE machines
		SET usage_mins_total = usage_mins_total + $1,
		    usage_mins_since_service = usage_mins_since_service + $1,
		    sessions_since_service = sessions_since_service + 1,
		    needs_service = needs_service
		        OR (usage_mins_since_service + $1 >= $2)
		        OR (sessions_since_service + 1 >= $3),
		    updated_at = NOW()
		WHERE id = $4 AND deleted_at IS NULL`

	_, err := m.DB.ExecContext(ctx, query, mins, usageLimit, sessionLimit, id)
	return err
}

func (m MachineModel) SetNeedsService(ctx context.Context, id uuid.UUID, flag bool) error {
	query := `UPDATE machines SET needs_service = $1, updated_at = NOW() WHERE id = $2 AND deleted_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, flag, id)
	return err
}

// ResetServiceCounters clears the wear counters when a technician signs off
// on completed maintenance.
func (m MachineModel) ResetServiceCounters(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE machines
		SET usage_mins_since_service = 0,
		    sessions_since_service = 0,
		    needs_service = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// CountByStatus feeds the fleet gauges and the dashboard summary.
func (m MachineModel) CountByStatus(ctx context.Context) (map[MachineStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM machines
		WHERE deleted_at IS NULL AND is_enabled = TRUE
		GROUP BY status`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[MachineStatus]int)
	for rows.Next() {
		var s MachineStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// StatusEvent is one row of a machine's status audit trail.
type StatusEvent struct {
	ID         uuid.UUID     `json:"id"`
	MachineID  uuid.UUID     `json:"machine_id"`
	OccurredAt time.Time     `json:"occurred_at"`
	FromStatus MachineStatus `json:"from_status"`
	ToStatus   MachineStatus `json:"to_status"`
	Reason     string        `json:"reason,omitempty"`
	Source     string        `json:"source"`
}

type StatusEventModel struct {
	DB DBTX
}

func (m StatusEventModel) Insert(ctx context.Context, e *StatusEvent) error {
	query := `
		INSERT INTO machine_status_events (machine_id, from_status, to_status, reason, source)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, occurred_at`

	return m.DB.QueryRowContext(ctx, query,
		e.MachineID, e.FromStatus, e.ToStatus, e.Reason, e.Source,
	).Scan(&e.ID, &e.OccurredAt)
}

func (m StatusEventModel) ListByMachine(ctx context.Context, machineID uuid.UUID, limit, offset int) ([]*StatusEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, machine_id, occurred_at, from_status, to_status, reason, source
		FROM machine_status_events
		WHERE machine_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := m.DB.QueryContext(ctx, query, machineID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusEvent
	for rows.Next() {
		var e StatusEvent
		if err := rows.Scan(&e.ID, &e.MachineID, &e.OccurredAt, &e.FromStatus, &e.ToStatus, &e.Reason, &e.Source); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Prune drops status history older than the retention horizon.
func (m StatusEventModel) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM machine_status_events WHERE occurred_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
