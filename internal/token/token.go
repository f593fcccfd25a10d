// Package token implements the token service (C5): issuing and verifying the
// HMAC-signed capability tokens clients present to the HTTP and WebSocket
// relay.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rjsadow/ssap/internal/store"
)

// Claims is the exact capability-token claim set: standard registered claims
// plus the binding fields the relay and the session manager rely on.
type Claims struct {
	jwt.RegisteredClaims
	SessionID    string   `json:"sid"`
	ThreadID     string   `json:"thread_id"`
	SandboxID    string   `json:"sandbox_id"`
	Capabilities []string `json:"caps"`
}

// Errors surfaced by Verify. Callers map these to the apierr taxonomy
// (TOKEN_EXPIRED vs UNAUTHENTICATED) at the HTTP boundary.
var (
	ErrExpired = errors.New("token: expired")
	ErrInvalid = errors.New("token: invalid")
)

// Service issues and verifies capability tokens for one issuer, signed with
// one HMAC secret.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewService creates a token service. secret must be at least 32 bytes — the
// same minimum the teacher's JWT provider enforces for its HS256 secret.
func NewService(secret []byte, issuer string, ttl time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("token: jwt secret must be at least 32 bytes")
	}
	if issuer == "" {
		return nil, fmt.Errorf("token: issuer is required")
	}
	return &Service{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue mints a capability token bound to record, signed HS256. The returned
// expiry is also returned separately since AcquireResponse surfaces it
// alongside the opaque token string.
func (s *Service) Issue(record *store.SessionRecord) (tokenString string, expiresAt time.Time, err error) {
	now := time.Now()
	expiresAt = now.Add(s.ttl)

	jti, err := randomJTI()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: generating jti: %w", err)
	}

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   record.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		SessionID:    record.SessionID,
		ThreadID:     record.ThreadID,
		SandboxID:    record.SandboxID,
		Capabilities: append([]string(nil), record.Capabilities...),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err = tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: signing: %w", err)
	}
	return tokenString, expiresAt, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if claims.Subject == "" || claims.SessionID == "" {
		return nil, ErrInvalid
	}

	return claims, nil
}

// HasCapability reports whether claims grants cap.
func (c *Claims) HasCapability(cap string) bool {
	for _, have := range c.Capabilities {
		if have == cap {
			return true
		}
	}
	return false
}

func randomJTI() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
