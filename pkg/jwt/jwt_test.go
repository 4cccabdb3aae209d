package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	j := NewJWTUtil("test-secret", time.Hour)

	token, err := j.GenerateToken("user-1", "ops@example.com", "admin", "PRO")
	require.NoError(t, err)

	claims, err := j.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "PRO", claims.Tier)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestValidateToken_Rejects(t *testing.T) {
	j := NewJWTUtil("test-secret", time.Hour)

	other, err := NewJWTUtil("other-secret", time.Hour).GenerateToken("user-1", "", "user", "FREE")
	require.NoError(t, err)
	_, err = j.ValidateToken(other)
	assert.Error(t, err)

	expired, err := j.GenerateTokenWithExpiry("user-1", "", "user", "FREE", -time.Minute)
	require.NoError(t, err)
	_, err = j.ValidateToken(expired)
	assert.Error(t, err)

	_, err = j.ValidateToken("not-a-token")
	assert.Error(t, err)

	_, err = j.GenerateToken("", "", "user", "FREE")
	assert.Error(t, err)
}

func TestRefreshToken(t *testing.T) {
	j := NewJWTUtil("test-secret", time.Hour)

	fresh, err := j.GenerateTokenWithExpiry("user-1", "", "user", "FREE", 2*time.Hour)
	require.NoError(t, err)
	same, err := j.RefreshToken(fresh)
	require.NoError(t, err)
	assert.Equal(t, fresh, same)

	expiring, err := j.GenerateTokenWithExpiry("user-1", "", "user", "FREE", 30*time.Minute)
	require.NoError(t, err)
	refreshed, err := j.RefreshToken(expiring)
	require.NoError(t, err)

	claims, err := j.ValidateToken(refreshed)
	require.NoError(t, err)
	assert.Equal(t, "FREE", claims.Tier)
	assert.True(t, time.Until(claims.ExpiresAt.Time) > 50*time.Minute)
}
