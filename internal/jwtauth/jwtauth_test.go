package jwtauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kcenon/osxfleet/internal/apperrors"
	"github.com/kcenon/osxfleet/internal/rbac"
	"github.com/kcenon/osxfleet/internal/storage"
)

func testUser() rbac.User {
	return rbac.User{ID: "b9f6b1b0-8e1e-4e1f-9c8c-111111111111", Username: "alice", Email: "alice@example.com", Role: rbac.RoleOperator, Active: true}
}

func newTestProvider(t *testing.T, accessTTL, refreshTTL time.Duration) *Provider {
	cfg := DefaultConfig("test-secret", "osxfleet")
	cfg.AccessTTL = accessTTL
	cfg.RefreshTTL = refreshTTL
	cfg.MaxRevoked = 100
	return NewProvider(cfg, storage.NewLRURevocationStore(cfg.MaxRevoked))
}

func TestGenerateAndValidateRoundTrip(t *testing.T) {
	p := newTestProvider(t, time.Hour, 7*24*time.Hour)
	user := testUser()

	pair, err := p.GenerateTokenPair(user)
	require.NoError(t, err)

	claims, err := p.Validate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Subject)
	assert.Equal(t, user.Role, claims.Role)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)
}

func TestExpiry(t *testing.T) {
	p := newTestProvider(t, time.Second, time.Hour)
	pair, err := p.GenerateTokenPair(testUser())
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	_, err = p.Validate(pair.AccessToken)
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindTokenExpired, appErr.Kind)
}

func TestRefreshRevokesOldRefreshToken(t *testing.T) {
	p := newTestProvider(t, time.Hour, 7*24*time.Hour)
	user := testUser()
	pair, err := p.GenerateTokenPair(user)
	require.NoError(t, err)

	newPair, err := p.Refresh(pair.RefreshToken, user)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, newPair.AccessToken)

	_, err = p.Validate(pair.RefreshToken)
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindInvalidToken, appErr.Kind)
}

func TestRevoke(t *testing.T) {
	p := newTestProvider(t, time.Hour, time.Hour)
	pair, err := p.GenerateTokenPair(testUser())
	require.NoError(t, err)

	require.NoError(t, p.Revoke(pair.AccessToken))

	_, err = p.Validate(pair.AccessToken)
	require.Error(t, err)
}

func TestMalformedTokenRejected(t *testing.T) {
	p := newTestProvider(t, time.Hour, time.Hour)

	_, err := p.Validate("not-a-jwt")
	require.Error(t, err)
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindInvalidToken, appErr.Kind)
}

func TestTamperedSignatureRejected(t *testing.T) {
	p := newTestProvider(t, time.Hour, time.Hour)
	pair, err := p.GenerateTokenPair(testUser())
	require.NoError(t, err)

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	_, err = p.Validate(tampered)
	require.Error(t, err)
}

func TestIssuerMismatchRejected(t *testing.T) {
	minter := newTestProvider(t, time.Hour, time.Hour)
	pair, err := minter.GenerateTokenPair(testUser())
	require.NoError(t, err)

	cfg := DefaultConfig("test-secret", "different-issuer")
	verifier := NewProvider(cfg, storage.NewLRURevocationStore(10))
	_, err = verifier.Validate(pair.AccessToken)
	require.Error(t, err)
}

func TestRevocationLRUEviction(t *testing.T) {
	rev := storage.NewLRURevocationStore(2)
	rev.Add("a")
	rev.Add("b")
	rev.Add("c")
	assert.False(t, rev.IsRevoked("a"))
	assert.True(t, rev.IsRevoked("b"))
	assert.True(t, rev.IsRevoked("c"))
}
