// Package backend implements the realtime game backend the relay talks to:
// email accounts with JWT sessions, relayed matches with presence, a
// matchmaker, a permissioned storage engine, leaderboards, and a Lua RPC
// runtime, exposed over HTTP, WebSocket, and gRPC health.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Account is a registered player.
type Account struct {
	ID           string
	Email        string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// ErrAccountNotFound is returned when an account lookup yields no results.
var ErrAccountNotFound = errors.New("account not found")

// ErrAccountExists is returned when registering an email that is already taken.
var ErrAccountExists = errors.New("account already exists")

// ErrUsernameTaken is returned when registering a username that is already taken.
var ErrUsernameTaken = errors.New("username already taken")

// ErrInvalidCredentials is returned when authentication fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrUsernameRequired is returned when registering without a username.
var ErrUsernameRequired = errors.New("username required")

// AccountStore persists accounts.
type AccountStore interface {
	// Create inserts acct. Returns ErrAccountExists or ErrUsernameTaken on conflict.
	Create(ctx context.Context, acct Account) (Account, error)
	// GetByEmail returns the account or ErrAccountNotFound.
	GetByEmail(ctx context.Context, email string) (Account, error)
}

// Accounts authenticates and registers players.
type Accounts struct {
	store  AccountStore
	logger *zap.Logger
	now    func() time.Time
}

// NewAccounts creates an Accounts service over store.
//
// Precondition: store and logger must be non-nil.
func NewAccounts(store AccountStore, logger *zap.Logger) *Accounts {
	return &Accounts{store: store, logger: logger, now: time.Now}
}

// Authenticate verifies email and password. When create is true and the email
// is unknown, a new account is registered with username.
//
// Precondition: email and password must be non-empty.
// Postcondition: Returns the account and whether it was created, or one of
// ErrAccountNotFound, ErrInvalidCredentials, ErrUsernameRequired, ErrAccountExists, ErrUsernameTaken.
func (a *Accounts) Authenticate(ctx context.Context, email, password string, create bool, username string) (Account, bool, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Account{}, false, ErrInvalidCredentials
	}

	acct, err := a.store.GetByEmail(ctx, email)
	switch {
	case err == nil:
		if !CheckPassword(password, acct.PasswordHash) {
			return Account{}, false, ErrInvalidCredentials
		}
		return acct, false, nil
	case !errors.Is(err, ErrAccountNotFound):
		return Account{}, false, fmt.Errorf("looking up account: %w", err)
	case !create:
		return Account{}, false, ErrAccountNotFound
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return Account{}, false, ErrUsernameRequired
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Account{}, false, fmt.Errorf("hashing password: %w", err)
	}
	acct, err = a.store.Create(ctx, Account{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    a.now().UTC(),
	})
	if err != nil {
		return Account{}, false, err
	}
	a.logger.Info("account registered",
		zap.String("user_id", acct.ID),
		zap.String("username", acct.Username),
	)
	return acct, true, nil
}

// HashPassword creates a bcrypt hash of the given password.
//
// Precondition: password must be non-empty.
// Postcondition: Returns a bcrypt hash string.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a plaintext password against a bcrypt hash.
//
// Postcondition: Returns true if password matches the hash.
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
