// Package auth guards BioOF's mutating endpoints with a single bcrypt-hashed
// admin credential.
//
// Failed attempts are counted per client address. After MaxFailedLogins
// failures the address is locked out for LockoutDuration, which keeps a
// misbehaving client from brute forcing the hash without locking the admin
// out everywhere.
//
// Example:
//
//	hash, _ := auth.HashPassword("correct horse battery", 0)
//	guard, err := auth.NewGuard(auth.Config{User: "admin", PasswordHash: hash}, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := guard.Verify("admin", pw, r.RemoteAddr); err != nil {
//		// 401
//	}
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("too many failed attempts, try again later")
	ErrNoCredentials      = errors.New("no credentials provided")
	ErrPasswordTooShort   = errors.New("password does not meet minimum length requirement")
	ErrInvalidHash        = errors.New("password hash is not a bcrypt hash")
)

// MinPasswordLength applies to HashPassword.
const MinPasswordLength = 8

// Config holds the admin credential and lockout policy.
type Config struct {
	User string
	// PasswordHash is a bcrypt hash. Empty disables the guard.
	PasswordHash    string
	MaxFailedLogins int
	LockoutDuration time.Duration
}

// DefaultConfig returns the lockout defaults with no credential.
func DefaultConfig() Config {
	return Config{
		User:            "admin",
		MaxFailedLogins: 5,
		LockoutDuration: 15 * time.Minute,
	}
}

type attempts struct {
	failed      int
	lockedUntil time.Time
}

// Guard verifies admin credentials.
type Guard struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*attempts

	now func() time.Time
}

// NewGuard validates cfg and returns a Guard. A nil logger discards audit
// events.
func NewGuard(cfg Config, logger *slog.Logger) (*Guard, error) {
	def := DefaultConfig()
	if cfg.User == "" {
		cfg.User = def.User
	}
	if cfg.MaxFailedLogins <= 0 {
		cfg.MaxFailedLogins = def.MaxFailedLogins
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = def.LockoutDuration
	}
	if cfg.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
		}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Guard{
		cfg:     cfg,
		logger:  logger.With("component", "auth"),
		clients: make(map[string]*attempts),
		now:     time.Now,
	}, nil
}

// Enabled reports whether a credential is configured.
func (g *Guard) Enabled() bool {
	return g != nil && g.cfg.PasswordHash != ""
}

// Verify checks user and password for a request from client.
// It always succeeds when the guard is disabled.
func (g *Guard) Verify(user, password, client string) error {
	if !g.Enabled() {
		return nil
	}
	if user == "" && password == "" {
		return ErrNoCredentials
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	a := g.clients[client]
	if a != nil && now.Before(a.lockedUntil) {
		g.logger.Warn("admin login rejected", "client", client, "reason", "locked")
		return ErrAccountLocked
	}

	// Compare the password even when the user is wrong so both paths cost a bcrypt round.
	pwErr := bcrypt.CompareHashAndPassword([]byte(g.cfg.PasswordHash), []byte(password))
	userOK := SecureCompare(user, g.cfg.User)
	if pwErr != nil || !userOK {
		if a == nil {
			a = &attempts{}
			g.clients[client] = a
		}
		a.failed++
		if a.failed >= g.cfg.MaxFailedLogins {
			a.lockedUntil = now.Add(g.cfg.LockoutDuration)
			a.failed = 0
		}
		g.logger.Warn("admin login failed", "client", client, "user", user,
			"locked", !a.lockedUntil.IsZero() && now.Before(a.lockedUntil))
		return ErrInvalidCredentials
	}

	delete(g.clients, client)
	g.logger.Debug("admin login", "client", client)
	return nil
}

// Unlock clears the failure record for client.
func (g *Guard) Unlock(client string) {
	g.mu.Lock()
	delete(g.clients, client)
	g.mu.Unlock()
}

// HashPassword returns a bcrypt hash suitable for Config.PasswordHash.
// cost <= 0 selects bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// SecureCompare performs a constant-time string comparison.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
