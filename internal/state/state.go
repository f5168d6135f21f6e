// Package state defines the visible-state sink the sync engine mutates.
// The sink is owned by the UI/state layer; the engine only ever holds a
// reference to this interface.
package state

import "sync"

// Sink applies visible state changes. A nil state signals deletion.
// Implementations must serialize writes per entity slice.
type Sink interface {
	// Apply replaces the visible state of (entityType, entityID).
	Apply(entityType, entityID string, state map[string]interface{}) error

	// Get returns the current visible state of an entity, or nil when
	// the entity is not visible.
	Get(entityType, entityID string) map[string]interface{}
}

// Memory is an in-process Sink used by the daemon and in tests.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]map[string]interface{}
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{entities: make(map[string]map[string]interface{})}
}

func sliceKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

// Apply replaces the visible state of an entity. Nil deletes.
func (m *Memory) Apply(entityType, entityID string, state map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := sliceKey(entityType, entityID)
	if state == nil {
		delete(m.entities, key)
		return nil
	}

	cp := make(map[string]interface{}, len(state))
	for k, v := range state {
		cp[k] = v
	}
	m.entities[key] = cp
	return nil
}

// Get returns the current visible state of an entity, or nil.
func (m *Memory) Get(entityType, entityID string) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.entities[sliceKey(entityType, entityID)]
	if !ok {
		return nil
	}
	cp := make(map[string]interface{}, len(state))
	for k, v := range state {
		cp[k] = v
	}
	return cp
}

// Len returns the number of visible entities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}
