package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every verification failure: bad signature, expired,
// malformed. Callers only need to know the identity could not be established.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity is the opaque, already-validated actor identity the engine works
// with. Token issuance lives outside the core; this package is the in-repo
// stand-in for that collaborator.
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type claims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	jwt.RegisteredClaims
}

// Service signs and verifies time-limited identity tokens with an HMAC
// secret.
type Service struct {
	secret []byte
	ttl    time.Duration
}

// NewService creates a token service. ttl bounds how long issued tokens stay
// valid.
func NewService(secret string, ttl time.Duration) *Service {
	return &Service{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for the given identity.
func (s *Service) Issue(identity Identity) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: identity.Username,
		Email:    identity.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the identity it carries.
// Verification happens at connect time and again on every submitted edit; a
// failure drops the session without touching any document.
func (s *Service) Verify(tokenString string) (*Identity, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return &Identity{Username: c.Username, Email: c.Email}, nil
}
