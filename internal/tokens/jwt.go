package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Benites031407/UpCarSistema-sub002/internal/data"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrWrongTokenUse = errors.New("token used outside its purpose")
)

type TokenType string

const (
	Access  TokenType = "access"
	Refresh TokenType = "refresh"
)

// Claims carries the user identity and role inside the signed token so the
// middleware can authorize without a database hit.
type Claims struct {
	UserID    string    `json:"sub"`
	Role      data.Role `json:"role"`
	TokenType TokenType `json:"token_type"`
	SessionID string    `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type Manager struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewManager(signingKey string, accessTTL, refreshTTL time.Duration) *Manager {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Manager{
		signingKey: []byte(signingKey),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

func (m *Manager) AccessTTL() time.Duration  { return m.accessTTL }
func (m *Manager) RefreshTTL() time.Duration { return m.refreshTTL }

func (m *Manager) GenerateAccessToken(userID uuid.UUID, role data.Role, sessionID string) (string, error) {
	return m.generateToken(userID, role, sessionID, Access, m.accessTTL)
}

func (m *Manager) GenerateRefreshToken(userID uuid.UUID, role data.Role, sessionID string) (string, error) {
	return m.generateToken(userID, role, sessionID, Refresh, m.refreshTTL)
}

func (m *Manager) generateToken(userID uuid.UUID, role data.Role, sessionID string, tokenType TokenType, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		UserID:    userID.String(),
		Role:      role,
		TokenType: tokenType,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.New().String(), // jti, blacklisted on logout
			Subject:   userID.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Kid kept in the header so keys can rotate without invalidating old tokens.
	token.Header["kid"] = "v1"

	return token.SignedString(m.signingKey)
}

// ValidateToken parses and verifies the signature and standard time claims.
// Callers that only accept one token type check Claims.TokenType themselves.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.signingKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// ValidateAccessToken is ValidateToken restricted to access tokens. Refresh
// tokens must never authorize an API call.
func (m *Manager) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != Access {
		return nil, ErrWrongTokenUse
	}
	return claims, nil
}
