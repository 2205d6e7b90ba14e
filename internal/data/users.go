package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrTokenNotFound  = errors.New("reset token not found")
	ErrEmailDuplicate = errors.New("email already exists")
	ErrTokenExpired   = errors.New("reset token expired")
	ErrTokenUsed      = errors.New("reset token already used")
)

// Role is the access level of a back-office user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleOperator
}

type User struct {
	ID                uuid.UUID
	Email             string
	DisplayName       string
	Phone             string
	Role              Role
	PasswordHash      string
	IsDisabled        bool
	FailedLogins      int
	LockedUntil       *time.Time
	PasswordUpdatedAt time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeletedAt         *time.Time
}

type PasswordResetToken struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	TokenHash       string
	ExpiresAt       time.Time
	UsedAt          *time.Time
	CreatedByUserID *uuid.UUID
	CreatedAt       time.Time
}

type UserModel struct {
	DB DBTX
}

// GetByEmail retrieves a user by email, strictly respecting soft delete.
func (m UserModel) GetByEmail(ctx context.Context, email string) (*User, error) {
	query := `
		SELECT id, email, display_name, phone, role, password_hash, is_disabled,
		       failed_logins, locked_until, password_updated_at, created_at, updated_at, deleted_at
		FROM users
		WHERE email = $1 AND deleted_at IS NULL
	`
	var u User
	var lockedUntil sql.NullTime
	err := m.DB.QueryRowContext(ctx, query, email).Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.Phone, &u.Role, &u.PasswordHash, &u.IsDisabled,
		&u.FailedLogins, &lockedUntil, &u.PasswordUpdatedAt, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	return &u, nil
}

func (m UserModel) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, display_name, phone, role, password_hash, is_disabled,
		       failed_logins, locked_until, password_updated_at, created_at, updated_at, deleted_at
		FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`
	var u User
	var lockedUntil sql.NullTime
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.Phone, &u.Role, &u.PasswordHash, &u.IsDisabled,
		&u.FailedLogins, &lockedUntil, &u.PasswordUpdatedAt, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	return &u, nil
}

func (m UserModel) Create(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (email, display_name, phone, role, password_hash, is_disabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, password_updated_at, created_at, updated_at
	`
	err := m.DB.QueryRowContext(ctx, query, u.Email, u.DisplayName, u.Phone, u.Role, u.PasswordHash, u.IsDisabled).Scan(
		&u.ID, &u.PasswordUpdatedAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrEmailDuplicate
		}
		return err
	}
	return nil
}

// Update changes user profile fields. Password changes go through UpdatePassword.
func (m UserModel) Update(ctx context.Context, u *User) error {
	query := `
		UPDATE users
		SET display_name = $1, phone = $2, role = $3, is_disabled = $4, updated_at = NOW()
		WHERE id = $5 AND deleted_at IS NULL
		RETURNING updated_at
	`
	err := m.DB.QueryRowContext(ctx, query, u.DisplayName, u.Phone, u.Role, u.IsDisabled, u.ID).Scan(&u.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

func (m UserModel) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	query := `
		UPDATE users
		SET password_hash = $1, password_updated_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND deleted_at IS NULL
	`
	res, err := m.DB.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// RecordLoginFailure bumps the failure counter and arms the lockout once the
// threshold is reached. Done in one statement so concurrent bad logins cannot
// lose increments.
func (m UserModel) RecordLoginFailure(ctx context.Context, id uuid.UUID, maxFailures int, lockFor time.Duration) error {
	query := `
		UPDATE users
		SET failed_logins = failed_logins + 1,
		    locked_until = CASE WHEN failed_logins + 1 >= $1 THEN NOW() + $2::interval ELSE locked_until END,
		    updated_at = NOW()
		WHERE id = $3 AND deleted_at IS NULL
	`
	interval := lockFor.String()
	_, err := m.DB.ExecContext(ctx, query, maxFailures, interval, id)
	return err
}

func (m UserModel) ResetLoginFailures(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET failed_logins = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	_, err := m.DB.ExecContext(ctx, query, id)
	return err
}

func (m UserModel) SoftDelete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE users
		SET deleted_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// List retrieves users with pagination.
func (m UserModel) List(ctx context.Context, limit, offset int) ([]*User, error) {
	query := `
		SELECT id, email, display_name, phone, role, is_disabled, created_at
		FROM users
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := m.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Phone, &u.Role, &u.IsDisabled, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// --- Password Reset Tokens ---

func (m UserModel) CreateResetToken(ctx context.Context, t *PasswordResetToken) error {
	query := `
		INSERT INTO password_reset_tokens (user_id, token_hash, expires_at, created_by_user_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	return m.DB.QueryRowContext(ctx, query, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedByUserID).Scan(&t.ID, &t.CreatedAt)
}

func (m UserModel) GetResetToken(ctx context.Context, hash string) (*PasswordResetToken, error) {
	query := `
		SELECT id, user_id, token_hash, expires_at, used_at
		FROM password_reset_tokens
		WHERE token_hash = $1
	`
	var t PasswordResetToken
	err := m.DB.QueryRowContext(ctx, query, hash).Scan(
		&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.UsedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (m UserModel) MarkTokenUsed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE password_reset_tokens
		SET used_at = NOW()
		WHERE id = $1 AND used_at IS NULL
	`
	res, err := m.DB.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrTokenUsed
	}
	return nil
}
