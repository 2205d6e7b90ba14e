// Package users is the back-office account management layer: operators and
// admins who sign in to run the fleet. Customer identity is out of scope,
// kiosk sessions only carry a phone number.
package users

import (
	"context"
	"errors"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/auth"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

var (
	ErrInvalidEmail = errors.New("invalid email address")
	ErrInvalidRole  = errors.New("invalid role")
	ErrSelfLockout  = errors.New("cannot disable or demote your own account")
)

const minPasswordLength = 10

type Store interface {
	Create(ctx context.Context, u *data.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*data.User, error)
	GetByEmail(ctx context.Context, email string) (*data.User, error)
	Update(ctx context.Context, u *data.User) error
	SoftDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*data.User, error)
}

// TokenRevoker cuts every live refresh token for a user. Wired to the auth
// service so disabling an account takes effect before the next refresh.
type TokenRevoker interface {
	RevokeUser(ctx context.Context, userID uuid.UUID) error
}

type Auditor interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
}

type Service struct {
	repo     Store
	revoker  TokenRevoker
	auditSvc Auditor
}

func NewService(repo Store, revoker TokenRevoker, aud Auditor) *Service {
	return &Service{repo: repo, revoker: revoker, auditSvc: aud}
}

type CreateInput struct {
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone"`
	Role        data.Role `json:"role"`
	Password    string    `json:"password"`
}

func (s *Service) Create(ctx context.Context, in CreateInput, actorID uuid.UUID) (*data.User, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if !in.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if len(in.Password) < minPasswordLength {
		return nil, auth.ErrWeakPassword
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	u := &data.User{
		Email:        email,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		Phone:        strings.TrimSpace(in.Phone),
		Role:         in.Role,
		PasswordHash: hash,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}

	s.audit(ctx, "user.create", u.ID, actorID, nil)
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*data.User, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*data.User, error) {
	return s.repo.List(ctx, limit, offset)
}

type UpdateInput struct {
	DisplayName *string    `json:"display_name"`
	Phone       *string    `json:"phone"`
	Role        *data.Role `json:"role"`
	IsDisabled  *bool      `json:"is_disabled"`
}

// Update edits profile and access fields. Admins cannot demote or disable
// themselves, so a tenant can never lock out its last key.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, actorID uuid.UUID) (*data.User, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if id == actorID {
		if in.Role != nil && *in.Role != u.Role {
			return nil, ErrSelfLockout
		}
		if in.IsDisabled != nil && *in.IsDisabled {
			return nil, ErrSelfLockout
		}
	}

	disabling := false
	if in.DisplayName != nil {
		u.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.Phone != nil {
		u.Phone = strings.TrimSpace(*in.Phone)
	}
	if in.Role != nil {
		if !in.Role.Valid() {
			return nil, ErrInvalidRole
		}
		u.Role = *in.Role
	}
	if in.IsDisabled != nil {
		disabling = *in.IsDisabled && !u.IsDisabled
		u.IsDisabled = *in.IsDisabled
	}

	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}

	if disabling {
		s.revokeTokens(ctx, u.ID)
		s.audit(ctx, "user.disable", u.ID, actorID, nil)
	} else {
		s.audit(ctx, "user.update", u.ID, actorID, nil)
	}
	return u, nil
}

// Disable blocks an account and kills its refresh tokens in one call.
func (s *Service) Disable(ctx context.Context, id, actorID uuid.UUID) error {
	disabled := true
	_, err := s.Update(ctx, id, UpdateInput{IsDisabled: &disabled}, actorID)
	return err
}

// Enable reopens a previously disabled account.
func (s *Service) Enable(ctx context.Context, id, actorID uuid.UUID) error {
	enabled := false
	_, err := s.Update(ctx, id, UpdateInput{IsDisabled: &enabled}, actorID)
	return err
}

// Delete soft-removes an account. Sign-in stops immediately because lookups
// exclude deleted rows; refresh tokens are revoked as well.
func (s *Service) Delete(ctx context.Context, id, actorID uuid.UUID) error {
	if id == actorID {
		return ErrSelfLockout
	}
	if err := s.repo.SoftDelete(ctx, id); err != nil {
		return err
	}
	s.revokeTokens(ctx, id)
	s.audit(ctx, "user.delete", id, actorID, nil)
	return nil
}

func (s *Service) revokeTokens(ctx context.Context, id uuid.UUID) {
	if s.revoker == nil {
		return
	}
	if err := s.revoker.RevokeUser(ctx, id); err != nil {
		log.Printf("users: token revocation for %s failed: %v", id, err)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Service) audit(ctx context.Context, action string, targetID, actorID uuid.UUID, meta []byte) {
	if s.auditSvc == nil {
		return
	}
	var actorPtr *uuid.UUID
	if actorID != uuid.Nil {
		actorPtr = &actorID
	}
	evt := audit.Event{
		EventID:     uuid.New(),
		ActorUserID: actorPtr,
		ActorType:   audit.ActorUser,
		Action:      action,
		TargetType:  "user",
		TargetID:    targetID.String(),
		Result:      audit.ResultSuccess,
		Metadata:    meta,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.auditSvc.WriteEvent(ctx, evt); err != nil {
		log.Printf("users: audit write failed for %s: %v", action, err)
	}
}
