// Package auth defines the pluggable authentication boundary of the
// collaboration core. The core never issues or stores credentials; it
// verifies presented tokens through an Authenticator supplied by the
// identity collaborator.
package auth

import (
	"context"
	"errors"
)

// Common authentication errors
var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("authentication token expired")
)

// Claims is the verified identity attached to a connection
type Claims struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
}

// Authenticator verifies an opaque token and returns the participant
// identity it represents. Implementations must be safe for concurrent use.
type Authenticator interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}
