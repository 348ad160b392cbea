package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/matchrelay/internal/backend"
)

// AccountRepository persists backend accounts.
type AccountRepository struct {
	db *pgxpool.Pool
}

// NewAccountRepository creates an AccountRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewAccountRepository(db *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{db: db}
}

// Create inserts acct as given; the password must already be hashed.
//
// Precondition: acct.ID, Email, Username, and PasswordHash must be non-empty.
// Postcondition: Returns the stored Account, or backend.ErrAccountExists /
// backend.ErrUsernameTaken on a unique violation.
func (r *AccountRepository) Create(ctx context.Context, acct backend.Account) (backend.Account, error) {
	var out backend.Account
	err := r.db.QueryRow(ctx,
		`INSERT INTO accounts (id, email, username, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, email, username, password_hash, created_at`,
		acct.ID, acct.Email, acct.Username, acct.PasswordHash, acct.CreatedAt,
	).Scan(&out.ID, &out.Email, &out.Username, &out.PasswordHash, &out.CreatedAt)
	if err != nil {
		switch duplicateConstraint(err) {
		case "accounts_username_key":
			return backend.Account{}, backend.ErrUsernameTaken
		case "":
			return backend.Account{}, fmt.Errorf("inserting account: %w", err)
		default:
			return backend.Account{}, backend.ErrAccountExists
		}
	}
	return out, nil
}

// GetByEmail retrieves an account by its normalized email.
//
// Postcondition: Returns the Account or backend.ErrAccountNotFound.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (backend.Account, error) {
	var acct backend.Account
	err := r.db.QueryRow(ctx,
		`SELECT id, email, username, password_hash, created_at
		 FROM accounts WHERE email = $1`,
		email,
	).Scan(&acct.ID, &acct.Email, &acct.Username, &acct.PasswordHash, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.Account{}, backend.ErrAccountNotFound
		}
		return backend.Account{}, fmt.Errorf("querying account: %w", err)
	}
	return acct, nil
}

// duplicateConstraint returns the violated constraint name for a unique
// violation (SQLSTATE 23505), or "" for any other error.
func duplicateConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "" {
			return "unique"
		}
		return pgErr.ConstraintName
	}
	return ""
}
