package backend

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// MemoryAccounts is an in-process AccountStore.
type MemoryAccounts struct {
	mu         sync.RWMutex
	byEmail    map[string]Account
	byUsername map[string]string
}

// NewMemoryAccounts creates an empty MemoryAccounts.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{byEmail: make(map[string]Account), byUsername: make(map[string]string)}
}

// Create implements AccountStore.
func (m *MemoryAccounts) Create(_ context.Context, acct Account) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[acct.Email]; ok {
		return Account{}, ErrAccountExists
	}
	if _, ok := m.byUsername[acct.Username]; ok {
		return Account{}, ErrUsernameTaken
	}
	m.byEmail[acct.Email] = acct
	m.byUsername[acct.Username] = acct.Email
	return acct, nil
}

// GetByEmail implements AccountStore.
func (m *MemoryAccounts) GetByEmail(_ context.Context, email string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.byEmail[email]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return acct, nil
}

type objectKey struct{ collection, key, owner string }

// MemoryObjects is an in-process ObjectStore.
type MemoryObjects struct {
	mu      sync.RWMutex
	objects map[objectKey]Object
}

// NewMemoryObjects creates an empty MemoryObjects.
func NewMemoryObjects() *MemoryObjects {
	return &MemoryObjects{objects: make(map[objectKey]Object)}
}

// Get implements ObjectStore.
func (m *MemoryObjects) Get(_ context.Context, collection, key, owner string) (Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[objectKey{collection, key, owner}]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, collection, key)
	}
	return obj, nil
}

// Put implements ObjectStore.
func (m *MemoryObjects) Put(_ context.Context, obj Object) (Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := objectKey{obj.Collection, obj.Key, obj.Owner}
	obj.Version = m.objects[k].Version + 1
	obj.UpdatedAt = time.Now().UTC()
	m.objects[k] = obj
	return obj, nil
}

type recordKey struct{ board, owner string }

// MemoryRecords is an in-process RecordStore.
type MemoryRecords struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

// NewMemoryRecords creates an empty MemoryRecords.
func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[recordKey]Record)}
}

// Get implements RecordStore.
func (m *MemoryRecords) Get(_ context.Context, board, owner string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey{board, owner}]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// Put implements RecordStore.
func (m *MemoryRecords) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Rank = 0
	m.records[recordKey{rec.Board, rec.OwnerID}] = rec
	return nil
}

// List implements RecordStore.
func (m *MemoryRecords) List(_ context.Context, board string, asc bool, offset, limit int) ([]Record, error) {
	m.mu.RLock()
	var recs []Record
	for k, r := range m.records {
		if k.board == board {
			recs = append(recs, r)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(recs, func(a, b Record) int {
		c := cmp.Compare(a.Score, b.Score)
		if !asc {
			c = -c
		}
		if c != 0 {
			return c
		}
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.OwnerID, b.OwnerID)
	})
	if offset >= len(recs) {
		return nil, nil
	}
	recs = recs[offset:]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
