package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/audit"
	"github.com/Benites031407/UpCarSistema-sub002/internal/config"
	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
	"github.com/Benites031407/UpCarSistema-sub002/internal/metrics"
	"github.com/Benites031407/UpCarSistema-sub002/internal/tokens"
)

// Login failures return ErrInvalidCredentials regardless of cause so the
// response does not reveal which accounts exist.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrTokenReused        = errors.New("refresh token reuse detected")
	ErrResetTokenInvalid  = errors.New("reset token invalid or expired")
	ErrWeakPassword       = errors.New("password does not meet minimum length")
)

const (
	minPasswordLength = 10
	resetTokenTTL     = 30 * time.Minute
)

type UserStore interface {
	GetByEmail(ctx context.Context, email string) (*data.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*data.User, error)
	RecordLoginFailure(ctx context.Context, id uuid.UUID, maxFailures int, lockFor time.Duration) error
	ResetLoginFailures(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	CreateResetToken(ctx context.Context, t *data.PasswordResetToken) error
	GetResetToken(ctx context.Context, hash string) (*data.PasswordResetToken, error)
	MarkTokenUsed(ctx context.Context, id uuid.UUID) error
}

type RefreshStore interface {
	New(ctx context.Context, userID uuid.UUID, sessionID string, ttl time.Duration) (string, uuid.UUID, error)
	GetByPlain(ctx context.Context, plain string) (*data.RefreshToken, error)
	Rotate(ctx context.Context, oldID, newID uuid.UUID) error
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
}

type Notifier interface {
	PasswordReset(ctx context.Context, email, token string)
}

type Auditor interface {
	WriteEvent(ctx context.Context, evt audit.Event) error
}

type Service struct {
	users     UserStore
	refresh   RefreshStore
	jwt       *tokens.Manager
	blacklist TokenBlacklist
	notifier  Notifier
	auditSvc  Auditor
	cfg       config.Auth
}

// NewService wires the login stack. blacklist, notifier and aud may be nil;
// the service degrades to stateless logout and silent resets.
func NewService(users UserStore, refresh RefreshStore, jwt *tokens.Manager, blacklist TokenBlacklist, notifier Notifier, aud Auditor, cfg config.Auth) *Service {
	if cfg.MaxLoginFailures <= 0 {
		cfg.MaxLoginFailures = 5
	}
	if cfg.LockoutMins <= 0 {
		cfg.LockoutMins = 15
	}
	return &Service{
		users:     users,
		refresh:   refresh,
		jwt:       jwt,
		blacklist: blacklist,
		notifier:  notifier,
		auditSvc:  aud,
		cfg:       cfg,
	}
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Login verifies credentials and mints an access/refresh pair. Failures burn
// a hash comparison even for unknown emails and count toward lockout.
func (s *Service) Login(ctx context.Context, email, password, clientIP string) (*TokenPair, *data.User, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			burnHashTime(password)
			metrics.RecordLogin("failure")
			s.auditLogin(ctx, nil, audit.ResultFailure, "unknown_email", clientIP)
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if user.LockedUntil != nil && user.LockedUntil.After(time.Now()) {
		metrics.RecordLogin("locked")
		s.auditLogin(ctx, &user.ID, audit.ResultDenied, "account_locked", clientIP)
		return nil, nil, ErrAccountLocked
	}

	match, err := CheckPassword(password, user.PasswordHash)
	if err != nil || !match {
		if ferr := s.users.RecordLoginFailure(ctx, user.ID, s.cfg.MaxLoginFailures, s.lockoutDuration()); ferr != nil {
			log.Printf("auth: failed to record login failure for %s: %v", user.ID, ferr)
		}
		metrics.RecordLogin("failure")
		s.auditLogin(ctx, &user.ID, audit.ResultFailure, "bad_password", clientIP)
		return nil, nil, ErrInvalidCredentials
	}

	if user.IsDisabled {
		metrics.RecordLogin("disabled")
		s.auditLogin(ctx, &user.ID, audit.ResultDenied, "account_disabled", clientIP)
		return nil, nil, ErrInvalidCredentials
	}

	if err := s.users.ResetLoginFailures(ctx, user.ID); err != nil {
		log.Printf("auth: failed to reset login failures for %s: %v", user.ID, err)
	}

	pair, err := s.issuePair(ctx, user, uuid.New().String())
	if err != nil {
		return nil, nil, err
	}

	metrics.RecordLogin("success")
	s.auditLogin(ctx, &user.ID, audit.ResultSuccess, "", clientIP)
	return pair, user, nil
}

// Refresh rotates the refresh token and issues a new pair. Presenting an
// already-rotated token is treated as theft: every token for that user is
// revoked.
func (s *Service) Refresh(ctx context.Context, refreshPlain string) (*TokenPair, error) {
	row, err := s.refresh.GetByPlain(ctx, refreshPlain)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if row.Revoked() || row.ReplacedBy != nil {
		if err := s.refresh.RevokeAllForUser(ctx, row.UserID); err != nil {
			log.Printf("auth: failed to revoke tokens after reuse for %s: %v", row.UserID, err)
		}
		s.writeAudit(ctx, &row.UserID, "auth.refresh_reuse", audit.ResultDenied, "token_reuse")
		return nil, ErrTokenReused
	}
	if row.Expired(time.Now().UTC()) {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.IsDisabled {
		return nil, ErrInvalidCredentials
	}

	newPlain, newID, err := s.refresh.New(ctx, user.ID, row.SessionID, s.jwt.RefreshTTL())
	if err != nil {
		return nil, err
	}
	if err := s.refresh.Rotate(ctx, row.ID, newID); err != nil {
		return nil, err
	}

	access, err := s.jwt.GenerateAccessToken(user.ID, user.Role, row.SessionID)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: newPlain,
		ExpiresIn:    int(s.jwt.AccessTTL().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token chain and blacklists the access
// token's jti for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, claims *tokens.Claims, refreshPlain string) error {
	if refreshPlain != "" {
		if row, err := s.refresh.GetByPlain(ctx, refreshPlain); err == nil {
			if err := s.refresh.Revoke(ctx, row.ID); err != nil {
				log.Printf("auth: failed to revoke refresh token on logout: %v", err)
			}
		}
	}

	if s.blacklist != nil && claims != nil && claims.ID != "" {
		ttl := time.Until(claims.ExpiresAt.Time)
		if ttl > 0 {
			if err := s.blacklist.AddToBlacklist(ctx, claims.ID, ttl); err != nil {
				log.Printf("auth: failed to blacklist jti %s: %v", claims.ID, err)
			}
		}
	}

	if claims != nil {
		if userID, err := uuid.Parse(claims.UserID); err == nil {
			s.writeAudit(ctx, &userID, "auth.logout", audit.ResultSuccess, "")
		}
	}
	return nil
}

// RevokeUser kills every refresh token for the user. Used when an admin
// disables an account.
func (s *Service) RevokeUser(ctx context.Context, userID uuid.UUID) error {
	return s.refresh.RevokeAllForUser(ctx, userID)
}

// RequestPasswordReset mints a single-use reset token and hands it to the
// notifier. Unknown emails are swallowed so the endpoint cannot be used to
// probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, requestedBy *uuid.UUID) error {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			return nil
		}
		return err
	}

	plain, hash, err := newResetToken()
	if err != nil {
		return err
	}

	row := &data.PasswordResetToken{
		UserID:          user.ID,
		TokenHash:       hash,
		ExpiresAt:       time.Now().UTC().Add(resetTokenTTL),
		CreatedByUserID: requestedBy,
	}
	if err := s.users.CreateResetToken(ctx, row); err != nil {
		return err
	}

	if s.notifier != nil {
		s.notifier.PasswordReset(ctx, user.Email, plain)
	}
	s.writeAudit(ctx, &user.ID, "password.reset_request", audit.ResultSuccess, "")
	return nil
}

// ResetPassword consumes a reset token and sets the new password. All refresh
// tokens for the user are revoked so stolen sessions die with the old secret.
func (s *Service) ResetPassword(ctx context.Context, plainToken, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	row, err := s.users.GetResetToken(ctx, hashResetToken(plainToken))
	if err != nil {
		if errors.Is(err, data.ErrTokenNotFound) {
			return ErrResetTokenInvalid
		}
		return err
	}
	if row.UsedAt != nil || !row.ExpiresAt.After(time.Now().UTC()) {
		return ErrResetTokenInvalid
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := s.users.MarkTokenUsed(ctx, row.ID); err != nil {
		if errors.Is(err, data.ErrTokenUsed) {
			return ErrResetTokenInvalid
		}
		return err
	}
	if err := s.users.UpdatePassword(ctx, row.UserID, hash); err != nil {
		return err
	}
	if err := s.refresh.RevokeAllForUser(ctx, row.UserID); err != nil {
		log.Printf("auth: failed to revoke sessions after password reset for %s: %v", row.UserID, err)
	}
	if err := s.users.ResetLoginFailures(ctx, row.UserID); err != nil {
		log.Printf("auth: failed to clear lockout after password reset for %s: %v", row.UserID, err)
	}

	s.writeAudit(ctx, &row.UserID, "password.reset", audit.ResultSuccess, "")
	return nil
}

// ChangePassword verifies the current password before setting a new one.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, current, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	match, err := CheckPassword(current, user.PasswordHash)
	if err != nil || !match {
		s.writeAudit(ctx, &userID, "password.change", audit.ResultFailure, "bad_password")
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	if err := s.users.UpdatePassword(ctx, userID, hash); err != nil {
		return err
	}
	if err := s.refresh.RevokeAllForUser(ctx, userID); err != nil {
		log.Printf("auth: failed to revoke sessions after password change for %s: %v", userID, err)
	}

	s.writeAudit(ctx, &userID, "password.change", audit.ResultSuccess, "")
	return nil
}

func (s *Service) issuePair(ctx context.Context, user *data.User, sessionID string) (*TokenPair, error) {
	access, err := s.jwt.GenerateAccessToken(user.ID, user.Role, sessionID)
	if err != nil {
		return nil, err
	}
	refreshPlain, _, err := s.refresh.New(ctx, user.ID, sessionID, s.jwt.RefreshTTL())
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshPlain,
		ExpiresIn:    int(s.jwt.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) lockoutDuration() time.Duration {
	return time.Duration(s.cfg.LockoutMins) * time.Minute
}

func (s *Service) auditLogin(ctx context.Context, userID *uuid.UUID, result, reason, clientIP string) {
	if s.auditSvc == nil {
		return
	}
	evt := audit.Event{
		EventID:     uuid.New(),
		ActorUserID: userID,
		ActorType:   audit.ActorUser,
		Action:      "auth.login",
		TargetType:  "user",
		Result:      result,
		ReasonCode:  reason,
		ClientIP:    clientIP,
		CreatedAt:   time.Now().UTC(),
	}
	if userID != nil {
		evt.TargetID = userID.String()
	}
	if err := s.auditSvc.WriteEvent(ctx, evt); err != nil {
		log.Printf("auth: audit write failed for auth.login: %v", err)
	}
}

func (s *Service) writeAudit(ctx context.Context, userID *uuid.UUID, action, result, reason string) {
	if s.auditSvc == nil {
		return
	}
	evt := audit.Event{
		EventID:     uuid.New(),
		ActorUserID: userID,
		ActorType:   audit.ActorUser,
		Action:      action,
		TargetType:  "user",
		Result:      result,
		ReasonCode:  reason,
		CreatedAt:   time.Now().UTC(),
	}
	if userID != nil {
		evt.TargetID = userID.String()
	}
	if err := s.auditSvc.WriteEvent(ctx, evt); err != nil {
		log.Printf("auth: audit write failed for %s: %v", action, err)
	}
}

// newResetToken returns the plaintext handed to the user and the sha256 hex
// stored in the database.
func newResetToken() (plain, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plain = hex.EncodeToString(buf)
	return plain, hashResetToken(plain), nil
}

func hashResetToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
