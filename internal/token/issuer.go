// Package token mints and verifies short-lived HS256 access tokens.
//
// Access tokens are never stored and cannot be revoked; their TTL is the only
// bound on a leaked token's usefulness.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTTL = 15 * time.Minute
	// SimpleTTL is the lifetime used when refresh tokens are not issued.
	SimpleTTL = 24 * time.Hour

	accessType = "access"
)

var (
	ErrMissingSecret = errors.New("access token signing secret is required")
	ErrInvalidTTL    = errors.New("access token ttl must be positive")
	ErrInvalidToken  = errors.New("invalid access token")
)

type Token struct {
	Value     string
	ExpiresAt time.Time
}

type claims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

func NewIssuer(secret string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}

	i := &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	i.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)

	return i, nil
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

func (i *Issuer) Issue(subject string) (Token, error) {
	if strings.TrimSpace(subject) == "" {
		return Token{}, fmt.Errorf("issue access token: empty subject")
	}

	now := i.now().UTC()
	expiresAt := jwt.NewNumericDate(now.Add(i.ttl))
	c := claims{
		Type: accessType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: expiresAt,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Token{Value: signed, ExpiresAt: expiresAt.Time}, nil
}

// Verify returns the subject of a token whose signature matches and whose
// expiry is still in the future. All failures collapse into ErrInvalidToken.
func (i *Issuer) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}

	var c claims
	parsed, err := i.parser.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if c.Type != accessType || c.Subject == "" {
		return "", ErrInvalidToken
	}

	return c.Subject, nil
}
