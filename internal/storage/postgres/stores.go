package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/matchrelay/internal/backend"
)

// NewStores returns every backend store backed by db.
//
// Precondition: db must be a valid, open connection pool with migrations applied.
func NewStores(db *pgxpool.Pool) backend.Stores {
	return backend.Stores{
		Accounts: NewAccountRepository(db),
		Objects:  NewObjectRepository(db),
		Records:  NewRecordRepository(db),
	}
}
