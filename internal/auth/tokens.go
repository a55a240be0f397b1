package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/config"
)

// Claims is the JWT payload of a session token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret      []byte
	issuer      string
	ttl         time.Duration
	revocations RevocationList
	now         func() time.Time
}

// NewTokens creates a token issuer from cfg. A nil revocations list
// disables logout.
//
// Precondition: cfg.JWTSecret must be non-empty and cfg.TokenTTL positive.
func NewTokens(cfg config.AuthConfig, revocations RevocationList) *Tokens {
	return &Tokens{
		secret:      []byte(cfg.JWTSecret),
		issuer:      cfg.Issuer,
		ttl:         cfg.TokenTTL,
		revocations: revocations,
		now:         time.Now,
	}
}

// Issue signs a token for identity.
//
// Postcondition: returns the signed token and its expiry.
func (t *Tokens) Issue(identity chat.Identity) (string, time.Time, error) {
	now := t.now()
	expires := now.Add(t.ttl)
	claims := Claims{
		Username: identity.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   identity.ID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

func (t *Tokens) parse(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Verify checks the signature, issuer, expiry and revocation state of raw.
//
// Postcondition: returns the identity named by the token, or an error wrapping
// ErrInvalidToken.
func (t *Tokens) Verify(ctx context.Context, raw string) (chat.Identity, error) {
	claims, err := t.parse(raw)
	if err != nil {
		return chat.Identity{}, err
	}
	if t.revocations != nil {
		revoked, err := t.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return chat.Identity{}, fmt.Errorf("checking revocation: %w", err)
		}
		if revoked {
			return chat.Identity{}, fmt.Errorf("%w: revoked", ErrInvalidToken)
		}
	}
	return chat.Identity{ID: claims.Subject, DisplayName: claims.Username}, nil
}

// Revoke invalidates raw until it would have expired anyway.
func (t *Tokens) Revoke(ctx context.Context, raw string) error {
	claims, err := t.parse(raw)
	if err != nil {
		return err
	}
	if t.revocations == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Sub(t.now())
	if ttl <= 0 {
		return nil
	}
	return t.revocations.Revoke(ctx, claims.ID, ttl)
}
