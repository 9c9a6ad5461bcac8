package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims extends standard JWT claims with workspace binding.
type SessionClaims struct {
	jwt.RegisteredClaims
	WorkspaceID string `json:"workspace_id"`
	PrincipalID string `json:"principal_id"`
	ActorType   string `json:"actor_type"`
	ActorID     string `json:"actor_id"`
}

// SessionManager mints and validates workspace session tokens.
type SessionManager struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

func NewSessionManager(signingKey string, ttl time.Duration) (*SessionManager, error) {
	if signingKey == "" {
		return nil, errors.New("identity: session signing key is empty")
	}
	return &SessionManager{
		key:   []byte(signingKey),
		ttl:   ttl,
		clock: time.Now,
	}, nil
}

// WithClock overrides the time source for tests.
func (m *SessionManager) WithClock(clock func() time.Time) *SessionManager {
	m.clock = clock
	return m
}

// Mint creates a signed session token for a principal in a workspace.
func (m *SessionManager) Mint(workspaceID string, p *Principal) (string, time.Time, error) {
	now := m.clock().UTC()
	expiresAt := now.Add(m.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "warden/identity",
		},
		WorkspaceID: workspaceID,
		PrincipalID: p.PrincipalID,
		ActorType:   string(p.Type),
		ActorID:     p.LegacyActorID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a session token.
func (m *SessionManager) Validate(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return m.key, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.clock() }))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.WorkspaceID == "" {
		return nil, errors.New("identity: token missing workspace binding")
	}
	return claims, nil
}
