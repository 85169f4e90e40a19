package auth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v4"
)

// JWTAuthenticator verifies HMAC-signed JWTs issued by the external
// identity service
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates an authenticator for tokens signed with the
// given shared secret
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"name,omitempty"`
}

// Verify parses and validates the token, returning the participant claims
func (a *JWTAuthenticator) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}

	parsed, err := jwt.ParseWithClaims(token, &jwtClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*jwtClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Claims{
		ParticipantID: claims.Subject,
		Role:          claims.Role,
		DisplayName:   claims.DisplayName,
	}, nil
}
