// Package auth resolves connection tokens to identities and manages the
// account login flow that issues them.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/cory-johannsen/parley/internal/chat"
)

var (
	// ErrMissingToken is returned when a connection attempt carries no token.
	ErrMissingToken = fmt.Errorf("missing token: %w", chat.ErrAuth)
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = fmt.Errorf("invalid token: %w", chat.ErrAuth)
)

// TokenVerifier maps a bearer token to the identity it was issued for.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (chat.Identity, error)
}

// Resolver authenticates connection attempts.
type Resolver struct {
	verifier TokenVerifier
}

// NewResolver creates a Resolver backed by verifier.
//
// Precondition: verifier must not be nil.
func NewResolver(verifier TokenVerifier) *Resolver {
	return &Resolver{verifier: verifier}
}

// Resolve verifies token and returns the identity it names.
//
// Postcondition: a non-nil error wraps chat.ErrAuth when the token itself is
// at fault; any other error means the verifier could not decide.
func (r *Resolver) Resolve(ctx context.Context, token string) (chat.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return chat.Identity{}, ErrMissingToken
	}
	id, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return chat.Identity{}, err
	}
	if id.ID == "" {
		return chat.Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return id, nil
}

// TokenFromRequest extracts a token from the "token" query parameter or,
// failing that, an "Authorization: Bearer" header.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return BearerToken(r)
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authz) < len(prefix) || !strings.EqualFold(authz[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authz[len(prefix):])
}
