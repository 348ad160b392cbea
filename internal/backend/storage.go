package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Storage permissions. Read: none, owner, public. Write: none, owner, public.
const (
	PermissionNone   = 0
	PermissionOwner  = 1
	PermissionPublic = 2
)

// ErrObjectNotFound is returned when an object does not exist or is not readable by the caller.
var ErrObjectNotFound = errors.New("storage object not found")

// ErrPermissionDenied is returned when the caller may not write an object.
var ErrPermissionDenied = errors.New("storage permission denied")

// ErrInvalidObject is returned for a write with a missing key, bad permission, or non-JSON value.
var ErrInvalidObject = errors.New("invalid storage object")

// Object is a stored JSON document keyed by (collection, key, owner). An
// empty owner marks a global object.
type Object struct {
	Collection      string
	Key             string
	Owner           string
	Value           string
	Version         int64
	PermissionRead  int
	PermissionWrite int
	UpdatedAt       time.Time
}

// ObjectWrite is a write request from a user.
type ObjectWrite struct {
	Collection      string
	Key             string
	Value           string
	Global          bool
	PermissionRead  int
	PermissionWrite int
}

// ObjectStore persists objects without permission checks.
type ObjectStore interface {
	// Get returns the object or ErrObjectNotFound.
	Get(ctx context.Context, collection, key, owner string) (Object, error)
	// Put inserts or replaces obj, assigning the next Version and UpdatedAt.
	Put(ctx context.Context, obj Object) (Object, error)
}

// Storage applies read and write permissions over an ObjectStore.
type Storage struct {
	mu    sync.Mutex
	store ObjectStore
}

// NewStorage creates a Storage over store.
//
// Precondition: store must be non-nil.
func NewStorage(store ObjectStore) *Storage {
	return &Storage{store: store}
}

// Read returns the object owned by owner ("" for global) if caller may read it.
//
// Postcondition: Returns ErrObjectNotFound for a missing or unreadable object.
func (s *Storage) Read(ctx context.Context, caller, collection, key, owner string) (Object, error) {
	obj, err := s.store.Get(ctx, collection, key, owner)
	if err != nil {
		return Object{}, err
	}
	if !readable(obj, caller) {
		return Object{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, collection, key)
	}
	return obj, nil
}

func readable(obj Object, caller string) bool {
	switch obj.PermissionRead {
	case PermissionPublic:
		return true
	case PermissionOwner:
		return obj.Owner != "" && obj.Owner == caller
	default:
		return false
	}
}

// Write stores w for caller. A global write targets the object with an empty
// owner and succeeds when it does not exist yet or is publicly writable; an
// owned write succeeds unless the existing object forbids writes.
//
// Postcondition: Returns the stored object, or ErrInvalidObject / ErrPermissionDenied.
func (s *Storage) Write(ctx context.Context, caller string, w ObjectWrite) (Object, error) {
	if err := validateWrite(w); err != nil {
		return Object{}, err
	}
	owner := caller
	if w.Global {
		owner = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Get(ctx, w.Collection, w.Key, owner)
	switch {
	case errors.Is(err, ErrObjectNotFound):
	case err != nil:
		return Object{}, err
	case w.Global && existing.PermissionWrite != PermissionPublic:
		return Object{}, fmt.Errorf("%w: global %s/%s", ErrPermissionDenied, w.Collection, w.Key)
	case !w.Global && existing.PermissionWrite == PermissionNone:
		return Object{}, fmt.Errorf("%w: %s/%s", ErrPermissionDenied, w.Collection, w.Key)
	}

	return s.store.Put(ctx, Object{
		Collection:      w.Collection,
		Key:             w.Key,
		Owner:           owner,
		Value:           w.Value,
		PermissionRead:  w.PermissionRead,
		PermissionWrite: w.PermissionWrite,
	})
}

func validateWrite(w ObjectWrite) error {
	switch {
	case w.Collection == "" || w.Key == "":
		return fmt.Errorf("%w: collection and key are required", ErrInvalidObject)
	case w.PermissionRead < PermissionNone || w.PermissionRead > PermissionPublic:
		return fmt.Errorf("%w: permission_read %d", ErrInvalidObject, w.PermissionRead)
	case w.PermissionWrite < PermissionNone || w.PermissionWrite > PermissionPublic:
		return fmt.Errorf("%w: permission_write %d", ErrInvalidObject, w.PermissionWrite)
	case !json.Valid([]byte(w.Value)):
		return fmt.Errorf("%w: value is not JSON", ErrInvalidObject)
	}
	return nil
}
