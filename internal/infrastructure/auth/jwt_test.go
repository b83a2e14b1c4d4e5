package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bidwire/auction-backend/internal/domain/errors"
)

func TestTokenService_RoundTrip(t *testing.T) {
	svc := NewTokenService("test-signing-key", 2*time.Hour)
	userID := uuid.New()

	token, err := svc.Generate(userID, "alice")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenService_RejectsWrongKey(t *testing.T) {
	token, err := NewTokenService("key-one", time.Hour).Generate(uuid.New(), "alice")
	require.NoError(t, err)

	_, err = NewTokenService("key-two", time.Hour).Verify(token)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
}

func TestTokenService_RejectsExpired(t *testing.T) {
	svc := NewTokenService("test-signing-key", -time.Minute)
	token, err := svc.Generate(uuid.New(), "alice")
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
}

func TestTokenService_RejectsGarbage(t *testing.T) {
	svc := NewTokenService("test-signing-key", time.Hour)
	_, err := svc.Verify("not-a-token")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnauthorized))
}
