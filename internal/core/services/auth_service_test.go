package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthTokenRoundTrip(t *testing.T) {
	svc := NewAuthService("test-secret")

	token, err := svc.GenerateToken("alice", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.EqualValues(t, "alice", claims.UserID)
}

func TestAuthTokenExpired(t *testing.T) {
	svc := NewAuthService("test-secret")

	token, err := svc.GenerateToken("alice", -time.Minute)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestAuthTokenWrongSecret(t *testing.T) {
	issuer := NewAuthService("secret-a")
	verifier := NewAuthService("secret-b")

	token, err := issuer.GenerateToken("alice", time.Hour)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthTokenGarbage(t *testing.T) {
	svc := NewAuthService("test-secret")

	_, err := svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
