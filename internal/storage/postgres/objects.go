package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/matchrelay/internal/backend"
)

// ObjectRepository persists storage objects. Global objects use an empty owner_id.
type ObjectRepository struct {
	db *pgxpool.Pool
}

// NewObjectRepository creates an ObjectRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewObjectRepository(db *pgxpool.Pool) *ObjectRepository {
	return &ObjectRepository{db: db}
}

// Get implements backend.ObjectStore.
func (r *ObjectRepository) Get(ctx context.Context, collection, key, owner string) (backend.Object, error) {
	obj := backend.Object{Collection: collection, Key: key, Owner: owner}
	err := r.db.QueryRow(ctx,
		`SELECT value::text, version, read_perm, write_perm, updated_at
		 FROM storage_objects
		 WHERE collection = $1 AND key = $2 AND owner_id = $3`,
		collection, key, owner,
	).Scan(&obj.Value, &obj.Version, &obj.PermissionRead, &obj.PermissionWrite, &obj.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return backend.Object{}, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, collection, key)
		}
		return backend.Object{}, fmt.Errorf("querying storage object: %w", err)
	}
	return obj, nil
}

// Put implements backend.ObjectStore. The version starts at 1 and increments on every overwrite.
func (r *ObjectRepository) Put(ctx context.Context, obj backend.Object) (backend.Object, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO storage_objects (collection, key, owner_id, value, read_perm, write_perm)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 ON CONFLICT (collection, key, owner_id) DO UPDATE
		 SET value = EXCLUDED.value,
		     version = storage_objects.version + 1,
		     read_perm = EXCLUDED.read_perm,
		     write_perm = EXCLUDED.write_perm,
		     updated_at = NOW()
		 RETURNING value::text, version, updated_at`,
		obj.Collection, obj.Key, obj.Owner, obj.Value, obj.PermissionRead, obj.PermissionWrite,
	).Scan(&obj.Value, &obj.Version, &obj.UpdatedAt)
	if err != nil {
		return backend.Object{}, fmt.Errorf("upserting storage object: %w", err)
	}
	return obj, nil
}
