package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwtClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestJWTAuthenticator(t *testing.T) {
	ctx := context.Background()
	a := NewJWTAuthenticator("test-secret")

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, "test-secret", jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "participant-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role:        "planner",
			DisplayName: "Casey",
		})

		claims, err := a.Verify(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "participant-1", claims.ParticipantID)
		assert.Equal(t, "planner", claims.Role)
		assert.Equal(t, "Casey", claims.DisplayName)
	})

	t.Run("empty token", func(t *testing.T) {
		_, err := a.Verify(ctx, "")
		assert.ErrorIs(t, err, ErrNoToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, "other-secret", jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "participant-1"},
		})

		_, err := a.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signToken(t, "test-secret", jwtClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "participant-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		})

		_, err := a.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		token := signToken(t, "test-secret", jwtClaims{})

		_, err := a.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestStaticAuthenticator(t *testing.T) {
	ctx := context.Background()
	a := NewStaticAuthenticator(map[string]*Claims{
		"token-1": {ParticipantID: "participant-1", Role: "couple"},
	})

	t.Run("known token", func(t *testing.T) {
		claims, err := a.Verify(ctx, "token-1")
		require.NoError(t, err)
		assert.Equal(t, "participant-1", claims.ParticipantID)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := a.Verify(ctx, "nope")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("added token", func(t *testing.T) {
		a.AddToken("token-2", &Claims{ParticipantID: "participant-2"})
		claims, err := a.Verify(ctx, "token-2")
		require.NoError(t, err)
		assert.Equal(t, "participant-2", claims.ParticipantID)
	})
}
