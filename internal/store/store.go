// Package store provides the collection-keyed persistent store the sync
// engine uses for durability. Records carry an optional entity reference
// that backs a secondary index for per-entity lookups.
package store

import (
	"sort"
	"sync"

	"github.com/kimhsiao/driftsync/internal/errors"
)

// Record is one durable value within a collection.
type Record struct {
	Key        string
	EntityType string
	EntityID   string
	Value      []byte
}

// Store is a durable keyed store with per-collection namespaces.
// Put and Delete must be atomic per record so a crash mid-cycle never
// leaves a partial write behind.
type Store interface {
	// Get returns the record stored under (collection, key).
	Get(collection, key string) (*Record, error)

	// Put upserts a record. Re-putting the same key replaces the value.
	Put(collection string, rec *Record) error

	// Delete removes a record. Deleting a missing key is not an error.
	Delete(collection, key string) error

	// GetAll returns every record in a collection, ordered by key.
	GetAll(collection string) ([]*Record, error)

	// GetByEntity returns records in a collection that reference the
	// given entity, ordered by key.
	GetByEntity(collection, entityType, entityID string) ([]*Record, error)

	// Close releases underlying resources.
	Close() error
}

// Memory is an in-process Store used in tests and as a throwaway backend.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]*Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]*Record)}
}

// Get returns the record stored under (collection, key).
func (m *Memory) Get(collection, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.data[collection]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "record not found")
	}
	rec, ok := coll[key]
	if !ok {
		return nil, errors.New(errors.ErrNotFound, "record not found")
	}
	cp := *rec
	return &cp, nil
}

// Put upserts a record.
func (m *Memory) Put(collection string, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.data[collection]
	if !ok {
		coll = make(map[string]*Record)
		m.data[collection] = coll
	}
	cp := *rec
	coll[rec.Key] = &cp
	return nil
}

// Delete removes a record.
func (m *Memory) Delete(collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if coll, ok := m.data[collection]; ok {
		delete(coll, key)
	}
	return nil
}

// GetAll returns every record in a collection, ordered by key.
func (m *Memory) GetAll(collection string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll := m.data[collection]
	out := make([]*Record, 0, len(coll))
	for _, rec := range coll {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// GetByEntity returns records referencing the given entity.
func (m *Memory) GetByEntity(collection, entityType, entityID string) ([]*Record, error) {
	all, err := m.GetAll(collection)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0)
	for _, rec := range all {
		if rec.EntityType == entityType && rec.EntityID == entityID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}
