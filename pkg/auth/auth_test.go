package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newGuard(t *testing.T, cfg Config) *Guard {
	t.Helper()
	hash, err := HashPassword("genome-admin", bcrypt.MinCost)
	require.NoError(t, err)
	cfg.PasswordHash = hash
	g, err := NewGuard(cfg, nil)
	require.NoError(t, err)
	return g
}

func TestHashPassword(t *testing.T) {
	_, err := HashPassword("short", 0)
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	hash, err := HashPassword("long enough", bcrypt.MinCost)
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("long enough")))
}

func TestNewGuardRejectsBadHash(t *testing.T) {
	_, err := NewGuard(Config{PasswordHash: "plaintext"}, nil)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestDisabledGuard(t *testing.T) {
	g, err := NewGuard(Config{}, nil)
	require.NoError(t, err)
	assert.False(t, g.Enabled())
	assert.NoError(t, g.Verify("", "", "10.0.0.1"))

	var nilGuard *Guard
	assert.False(t, nilGuard.Enabled())
	assert.NoError(t, nilGuard.Verify("x", "y", "z"))
}

func TestVerify(t *testing.T) {
	g := newGuard(t, Config{})
	assert.True(t, g.Enabled())

	assert.NoError(t, g.Verify("admin", "genome-admin", "10.0.0.1"))
	assert.ErrorIs(t, g.Verify("admin", "wrong", "10.0.0.1"), ErrInvalidCredentials)
	assert.ErrorIs(t, g.Verify("root", "genome-admin", "10.0.0.1"), ErrInvalidCredentials)
	assert.ErrorIs(t, g.Verify("", "", "10.0.0.1"), ErrNoCredentials)
}

func TestLockoutIsPerClient(t *testing.T) {
	g := newGuard(t, Config{MaxFailedLogins: 3, LockoutDuration: time.Minute})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Verify("admin", "nope", "bad"), ErrInvalidCredentials)
	}
	assert.ErrorIs(t, g.Verify("admin", "genome-admin", "bad"), ErrAccountLocked)
	assert.NoError(t, g.Verify("admin", "genome-admin", "good"))

	now = now.Add(2 * time.Minute)
	assert.NoError(t, g.Verify("admin", "genome-admin", "bad"))
}

func TestSuccessResetsFailures(t *testing.T) {
	g := newGuard(t, Config{MaxFailedLogins: 2})
	assert.Error(t, g.Verify("admin", "nope", "c"))
	assert.NoError(t, g.Verify("admin", "genome-admin", "c"))
	assert.Error(t, g.Verify("admin", "nope", "c"))
	assert.NoError(t, g.Verify("admin", "genome-admin", "c"), "counter restarted after success")
}

func TestUnlock(t *testing.T) {
	g := newGuard(t, Config{MaxFailedLogins: 1})
	assert.Error(t, g.Verify("admin", "nope", "c"))
	assert.ErrorIs(t, g.Verify("admin", "genome-admin", "c"), ErrAccountLocked)
	g.Unlock("c")
	assert.NoError(t, g.Verify("admin", "genome-admin", "c"))
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "ab"))
}
