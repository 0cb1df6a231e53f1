package store

import (
	"context"
	"encoding/json"
	"sync"

	xerrors "AccountGuard/internal/errors"
)

// MemoryStore keeps module state in process memory. It is the default driver
// and the one used by tests. State is round-tripped through JSON so memory
// and persistent drivers observe identical encoding behaviour.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]map[Namespace][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]map[Namespace][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, account string, ns Namespace, v any) error {
	m.mu.RLock()
	raw, ok := m.slots[account][ns]
	m.mu.RUnlock()
	if !ok {
		return ErrStateNotFound
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode module state")
	}
	return nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, account string, ns Namespace, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode module state")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[account] == nil {
		m.slots[account] = make(map[Namespace][]byte)
	}
	m.slots[account][ns] = raw
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, account string, ns Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots[account], ns)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
