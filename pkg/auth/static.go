package auth

import (
	"context"
	"sync"
)

// StaticAuthenticator verifies tokens against a fixed token→claims table.
// Intended for development and tests; production deployments use the JWT
// authenticator or an external verifier.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]*Claims
}

// NewStaticAuthenticator creates an authenticator with the given token table
func NewStaticAuthenticator(tokens map[string]*Claims) *StaticAuthenticator {
	if tokens == nil {
		tokens = make(map[string]*Claims)
	}
	return &StaticAuthenticator{tokens: tokens}
}

// AddToken registers a token for a participant
func (a *StaticAuthenticator) AddToken(token string, claims *Claims) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = claims
}

// Verify looks the token up in the table
func (a *StaticAuthenticator) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	claims, ok := a.tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
