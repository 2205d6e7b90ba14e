package data

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RefreshToken is one opaque refresh credential. Only the SHA-256 of the
// plaintext is stored; rotation links the old row to its replacement so a
// replayed old token exposes the whole chain.
type RefreshToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	TokenHash  string
	SessionID  string
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
	CreatedAt  time.Time
}

func (t *RefreshToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

type TokenModel struct {
	DB DBTX
}

func hashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}

// New mints a refresh token for the user and returns the plaintext (sent to
// the client exactly once) and the row id.
func (m TokenModel) New(ctx context.Context, userID uuid.UUID, sessionID string, ttl time.Duration) (string, uuid.UUID, error) {
	plain := uuid.New().String()
	id := uuid.New()
	expiresAt := time.Now().UTC().Add(ttl)

	query := `
		INSERT INTO refresh_tokens (id, user_id, token_hash, session_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)`

	if _, err := m.DB.ExecContext(ctx, query, id, userID, hashToken(plain), sessionID, expiresAt); err != nil {
		return "", uuid.Nil, err
	}
	return plain, id, nil
}

func (m TokenModel) GetByPlain(ctx context.Context, plain string) (*RefreshToken, error) {
	query := `
		SELECT id, user_id, token_hash, session_id, expires_at, revoked_at, replaced_by_token_id, created_at
		FROM refresh_tokens
		WHERE token_hash = $1`

	var t RefreshToken
	var revokedAt sql.NullTime
	var replacedBy uuid.NullUUID

	err := m.DB.QueryRowContext(ctx, query, hashToken(plain)).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.SessionID, &t.ExpiresAt, &revokedAt, &replacedBy, &t.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if replacedBy.Valid {
		t.ReplacedBy = &replacedBy.UUID
	}
	return &t, nil
}

// Revoke kills a single token without linking a successor, as on logout.
func (m TokenModel) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

// Rotate revokes the old token and records which token replaced it.
func (m TokenModel) Rotate(ctx context.Context, oldID, newID uuid.UUID) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW(), replaced_by_token_id = $1
		WHERE id = $2 AND revoked_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, newID, oldID)
	return err
}

func (m TokenModel) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = NOW()
		WHERE user_id = $1 AND revoked_at IS NULL`
	_, err := m.DB.ExecContext(ctx, query, userID)
	return err
}

// PurgeExpired drops rows whose lifetime ended before the cutoff. Revoked rows
// are kept until expiry so rotation chains stay auditable.
func (m TokenModel) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1`
	res, err := m.DB.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
