package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus mirrors what the charge provider last told us.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentExpired  PaymentStatus = "expired"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment is our record of a provider charge for one session. The provider
// reference is the correlation key used by webhook deliveries.
type Payment struct {
	ID             uuid.UUID     `json:"id"`
	SessionID      uuid.UUID     `json:"session_id"`
	Provider       string        `json:"provider"`
	ProviderRef    string        `json:"provider_ref"`
	AmountCentavos int64         `json:"amount_centavos"`
	Currency       string        `json:"currency"`
	Status         PaymentStatus `json:"status"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type PaymentModel struct {
	DB DBTX
}

const paymentColumns = `
	id, session_id, provider, provider_ref, amount_centavos, currency,
	status, paid_at, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (*Payment, error) {
	var p Payment
	var paidAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.SessionID, &p.Provider, &p.ProviderRef, &p.AmountCentavos, &p.Currency,
		&p.Status, &paidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		p.PaidAt = &paidAt.Time
	}
	return &p, nil
}

func (m PaymentModel) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (session_id, provider, provider_ref, amount_centavos, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		p.SessionID, p.Provider, p.ProviderRef, p.AmountCentavos, p.Currency, p.Status,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (m PaymentModel) GetByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider_ref = $1`

	p, err := scanPayment(m.DB.QueryRowContext(ctx, query, ref))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return p, nil
}

// MarkPaid records the provider's approval. Guarded on pending so redelivered
// webhooks are no-ops at the row level.
func (m PaymentModel) MarkPaid(ctx context.Context, ref string, paidAt time.Time) (bool, error) {
	query := `
		UPDATE payments
		SET status = 'paid', paid_at = $1, updated_at = NOW()
		WHERE provider_ref = $2 AND status = 'pending'`

	res, err := m.DB.ExecContext(ctx, query, paidAt.UTC(), ref)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateStatusBySession moves every payment of a session from one state to
// another, used when the session itself expires or is canceled.
func (m PaymentModel) UpdateStatusBySession(ctx context.Context, sessionID uuid.UUID, from, to PaymentStatus) (int64, error) {
	query := `
		UPDATE payments
		SET status = $1, updated_at = NOW()
		WHERE session_id = $2 AND status = $3`

	res, err := m.DB.ExecContext(ctx, query, to, sessionID, from)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m PaymentModel) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE session_id = $1
		ORDER BY created_at ASC`

	rows, err := m.DB.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
