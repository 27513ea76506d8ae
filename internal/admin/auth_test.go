package admin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenAuth(t *testing.T) {
	auth := NewTokenAuth([]byte("0123456789abcdef0123456789abcdef"))

	token, err := auth.Issue("alice", time.Hour)
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, tokenIssuer, claims.Issuer)
	require.NotNil(t, claims.ExpiresAt)
}

func TestTokenAuth_NoExpiry(t *testing.T) {
	auth := NewTokenAuth([]byte("0123456789abcdef"))
	token, err := auth.Issue("cli", 0)
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Nil(t, claims.ExpiresAt)
}

func TestTokenAuth_Rejects(t *testing.T) {
	auth := NewTokenAuth([]byte("0123456789abcdef"))
	other := NewTokenAuth([]byte("fedcba9876543210"))

	foreign, err := other.Issue("alice", time.Hour)
	require.NoError(t, err)
	_, err = auth.Validate(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := auth.Issue("alice", time.Minute)
	require.NoError(t, err)
	auth.now = func() time.Time { return time.Now().Add(time.Hour) }
	_, err = auth.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
	auth.now = time.Now

	anonymous, err := auth.Issue("", time.Hour)
	require.NoError(t, err)
	_, err = auth.Validate(anonymous)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
