// ABOUTME: Tests for JWT verification and identity claim extraction
// ABOUTME: Covers expiry, missing claims, role checks, and wrong-secret rejection

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVerifier(t *testing.T) *JWTVerifier {
	v, err := NewJWTVerifier([]byte("test-secret"))
	require.NoError(t, err)
	return v
}

func TestVerify_RoundTrip(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("user-1", "tenant-1", []string{"chat.send", "chat.mode.switch"}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "tenant-1", id.TenantID)
	assert.True(t, id.HasRole("chat.mode.switch"))
	assert.False(t, id.HasRole("admin"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.Expiry, 5*time.Second)
}

func TestVerify_Expired(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("user-1", "tenant-1", nil, -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	v := newVerifier(t)
	other, err := NewJWTVerifier([]byte("other-secret"))
	require.NoError(t, err)

	token, err := other.Generate("user-1", "tenant-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	v := newVerifier(t)
	_, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

func TestHasAllRoles(t *testing.T) {
	id := &Identity{Roles: []string{"a", "b"}}
	assert.True(t, id.HasAllRoles(nil))
	assert.True(t, id.HasAllRoles([]string{"a"}))
	assert.True(t, id.HasAllRoles([]string{"a", "b"}))
	assert.False(t, id.HasAllRoles([]string{"a", "c"}))
}

func TestContext_RoundTrip(t *testing.T) {
	id := &Identity{UserID: "u", TenantID: "t"}
	ctx := WithIdentity(context.Background(), id)
	assert.Same(t, id, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}
