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

// ErrOpenSessionExists means the machine already carries a pending or active
// session; the partial unique index on open sessions refused a second one.
var ErrOpenSessionExists = errors.New("machine already holds an open session")

// SessionStatus is the lifecycle state of a usage session.
type SessionStatus string

const (
	SessionPendingPayment SessionStatus = "pending_payment"
	SessionActive         SessionStatus = "active"
	SessionCompleted      SessionStatus = "completed"
	SessionExpired        SessionStatus = "expired"
	SessionCanceled       SessionStatus = "canceled"
	SessionInterrupted    SessionStatus = "interrupted"
	SessionFailed         SessionStatus = "failed"
)

// Valid reports whether s is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPendingPayment, SessionActive, SessionCompleted,
		SessionExpired, SessionCanceled, SessionInterrupted, SessionFailed:
		return true
	}
	return false
}

// Terminal reports whether the session can never change state again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionExpired, SessionCanceled, SessionInterrupted, SessionFailed:
		return true
	}
	return false
}

// Session is one paid run of a machine, from checkout to shutoff.
type Session struct {
	ID              uuid.UUID     `json:"id"`
	MachineID       uuid.UUID     `json:"machine_id"`
	Status          SessionStatus `json:"status"`
	CustomerPhone   string        `json:"customer_phone,omitempty"`
	CustomerName    string        `json:"customer_name,omitempty"`
	DurationMins    int           `json:"duration_mins"`
	RatePerMin      int64         `json:"rate_per_min"`
	AmountCentavos  int64         `json:"amount_centavos"`
	Currency        string        `json:"currency"`
	PaymentRef      string        `json:"payment_ref"`
	DeviceConfirmed bool          `json:"device_confirmed"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndsAt          *time.Time    `json:"ends_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	EndReason       string        `json:"end_reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// SessionFilter narrows List results. Zero values mean "no filter".
type SessionFilter struct {
	MachineID uuid.UUID
	Status    SessionStatus
	Phone     string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type SessionModel struct {
	DB DBTX
}

const sessionColumns = `
	id, machine_id, status, customer_phone, customer_name,
	duration_mins, rate_per_min, amount_centavos, currency, payment_ref,
	device_confirmed, started_at, ends_at, ended_at, end_reason,
	created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var startedAt, endsAt, endedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.MachineID, &s.Status, &s.CustomerPhone, &s.CustomerName,
		&s.DurationMins, &s.RatePerMin, &s.AmountCentavos, &s.Currency, &s.PaymentRef,
		&s.DeviceConfirmed, &startedAt, &endsAt, &endedAt, &s.EndReason,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		s.StartedAt = &startedAt.Time
	}
	if endsAt.Valid {
		s.EndsAt = &endsAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}

func (m SessionModel) Create(ctx context.Context, s *Session) error {
	query := `
		INSERT INTO usage_sessions (
			machine_id, status, customer_phone, customer_name,
			duration_mins, rate_per_min, amount_centavos, currency, payment_ref
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		s.MachineID, s.Status, s.CustomerPhone, s.CustomerName,
		s.DurationMins, s.RatePerMin, s.AmountCentavos, s.Currency, s.PaymentRef,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "usage_sessions_machine_open_key" {
			return ErrOpenSessionExists
		}
		return err
	}
	return nil
}

func (m SessionModel) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM usage_sessions WHERE id = $1`

	s, err := scanSession(m.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return s, nil
}

func (m SessionModel) GetByPaymentRef(ctx context.Context, ref string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM usage_sessions WHERE payment_ref = $1`

	s, err := scanSession(m.DB.QueryRowContext(ctx, query, ref))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetOpenByMachine returns the session currently holding the machine, if any.
// A machine has at most one open session at a time.
func (m SessionModel) GetOpenByMachine(ctx context.Context, machineID uuid.UUID) (*Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM usage_sessions
		WHERE machine_id = $1 AND status IN ('pending_payment', 'active')
		ORDER BY created_at DESC
		LIMIT 1`

	s, err := scanSession(m.DB.QueryRowContext(ctx, query, machineID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return s, nil
}

// Activate flips a paid session to active. Guarded on pending_payment so a
// duplicate webhook delivery cannot activate twice.
func (m SessionModel) Activate(ctx context.Context, id uuid.UUID, startedAt, endsAt time.Time) (bool, error) {
	query := `
		UPDATE usage_sessions
		SET status = 'active', started_at = $1, ends_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'pending_payment'`

	res, err := m.DB.ExecContext(ctx, query, startedAt.UTC(), endsAt.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Finish closes an active session with the given terminal status. Guarded on
// active so the natural-expiry timer and a manual stop cannot both win.
func (m SessionModel) Finish(ctx context.Context, id uuid.UUID, status SessionStatus, endedAt time.Time, reason string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish with non-terminal status %q", status)
	}
	query := `
		UPDATE usage_sessions
		SET status = $1, ended_at = $2, end_reason = $3, updated_at = NOW()
		WHERE id = $4 AND status = 'active'`

	res, err := m.DB.ExecContext(ctx, query, status, endedAt.UTC(), reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Cancel voids a session that was never paid.
func (m SessionModel) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	query := `
		UPDATE usage_sessions
		SET status = 'canceled', ended_at = NOW(), end_reason = $1, updated_at = NOW()
		WHERE id = $2 AND status = 'pending_payment'`

	res, err := m.DB.ExecContext(ctx, query, reason, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpirePending voids all checkout sessions older than the cutoff and returns
// them so callers can release the machines they were holding.
func (m SessionModel) ExpirePending(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	query := `
		UPDATE usage_sessions
		SET status = 'expired', ended_at = NOW(), end_reason = 'payment window elapsed', updated_at = NOW()
		WHERE status = 'pending_payment' AND created_at < $1
		RETURNING ` + sessionColumns

	rows, err := m.DB.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListActive returns every running session, used to rebuild stop timers on boot.
func (m SessionModel) ListActive(ctx context.Context) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM usage_sessions
		WHERE status = 'active'
		ORDER BY ends_at ASC`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListUnconfirmed returns active sessions started before the cutoff whose
// device never acknowledged the start command.
func (m SessionModel) ListUnconfirmed(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM usage_sessions
		WHERE status = 'active' AND device_confirmed = FALSE AND started_at < $1
		ORDER BY started_at ASC`

	rows, err := m.DB.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m SessionModel) SetDeviceConfirmed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE usage_sessions SET device_confirmed = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

func (m SessionModel) List(ctx context.Context, f SessionFilter) ([]*Session, error) {
	conds := []string{"1=1"}
	args := []any{}
	argIdx := 1

	if f.MachineID != uuid.Nil {
		conds = append(conds, fmt.Sprintf("machine_id = $%d", argIdx))
		args = append(args, f.MachineID)
		argIdx++
	}
	if f.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, f.Status)
		argIdx++
	}
	if f.Phone != "" {
		conds = append(conds, fmt.Sprintf("customer_phone = $%d", argIdx))
		args = append(args, f.Phone)
		argIdx++
	}
	if !f.From.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, f.From.UTC())
		argIdx++
	}
	if !f.To.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, f.To.UTC())
		argIdx++
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + sessionColumns + `
		FROM usage_sessions
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY created_at DESC` +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
