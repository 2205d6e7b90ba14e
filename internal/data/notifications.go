package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// NotificationStatus tracks outbox delivery progress.
type NotificationStatus string

const (
	NotificationQueued NotificationStatus = "queued"
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// Notification is one outbox row. Rows are written in the same transaction as
// the state change that triggered them and drained by the dispatcher.
type Notification struct {
	ID        uuid.UUID          `json:"id"`
	Kind      string             `json:"kind"`
	Channel   string             `json:"channel"`
	Recipient string             `json:"recipient"`
	Subject   string             `json:"subject,omitempty"`
	Body      string             `json:"body"`
	Status    NotificationStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	SentAt    *time.Time         `json:"sent_at,omitempty"`
}

type NotificationModel struct {
	DB DBTX
}

func (m NotificationModel) Insert(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (kind, channel, recipient, subject, body, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return m.DB.QueryRowContext(ctx, query,
		n.Kind, n.Channel, n.Recipient, n.Subject, n.Body, n.Status,
	).Scan(&n.ID, &n.CreatedAt)
}

// ListPending returns queued rows oldest-first, capped for one dispatch round.
// Rows that failed fewer than maxAttempts times are retried.
func (m NotificationModel) ListPending(ctx context.Context, limit, maxAttempts int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, kind, channel, recipient, subject, body, status, attempts, last_error, created_at, sent_at
		FROM notifications
		WHERE (status = 'queued' OR (status = 'failed' AND attempts < $1))
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := m.DB.QueryContext(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (m NotificationModel) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET status = 'sent', sent_at = $1, attempts = attempts + 1
		WHERE id = $2`
	_, err := m.DB.ExecContext(ctx, query, at.UTC(), id)
	return err
}

func (m NotificationModel) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	query := `
		UPDATE notifications
		SET status = 'failed', attempts = attempts + 1, last_error = $1
		WHERE id = $2`
	_, err := m.DB.ExecContext(ctx, query, cause, id)
	return err
}

func (m NotificationModel) ListRecent(ctx context.Context, limit, offset int) ([]*Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, kind, channel, recipient, subject, body, status, attempts, last_error, created_at, sent_at
		FROM notifications
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := m.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row interface{ Scan(...any) error }) (*Notification, error) {
	var n Notification
	var sentAt sql.NullTime

	err := row.Scan(
		&n.ID, &n.Kind, &n.Channel, &n.Recipient, &n.Subject, &n.Body,
		&n.Status, &n.Attempts, &n.LastError, &n.CreatedAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}
	if sentAt.Valid {
		n.SentAt = &sentAt.Time
	}
	return &n, nil
}
