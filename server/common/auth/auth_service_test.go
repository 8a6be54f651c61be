package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("test-secret", 5)
	token, err := svc.GenerateToken("tech-1", "ws-berlin", "technician")
	require.NoError(t, err)

	actor, workshop, role, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "tech-1", actor)
	assert.Equal(t, "ws-berlin", workshop)
	assert.Equal(t, "technician", role)
}

func TestParseRejectsForeignAndExpiredTokens(t *testing.T) {
	svc := NewService("test-secret", 5)
	other, err := NewService("other-secret", 5).GenerateToken("tech-1", "ws", "technician")
	require.NoError(t, err)
	_, err = svc.ParseToken(other)
	assert.Error(t, err)

	expired, err := NewService("test-secret", -1).GenerateToken("tech-1", "ws", "technician")
	require.NoError(t, err)
	_, err = svc.ParseToken(expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = svc.ParseToken("not-a-token")
	assert.Error(t, err)
}
