package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/atmx/paper-engine/internal/model"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	ledgers map[Scope][]byte
	saves   int
	fail    error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ledgers: make(map[Scope][]byte)}
}

// SetFailure makes every following call return err. A nil err clears it.
func (s *MemoryStore) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

// Saves returns the number of successful saves.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *MemoryStore) LoadLedger(_ context.Context, scope Scope) (*model.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return nil, s.fail
	}

	data, ok := s.ledgers[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scope)
	}
	// Snapshots are kept encoded so callers never share state with the store.
	var l model.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, scope, err)
	}
	return &l, nil
}

func (s *MemoryStore) SaveLedger(_ context.Context, scope Scope, l *model.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", scope, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.ledgers[scope] = data
	s.saves++
	return nil
}

func (s *MemoryStore) ListScopes(_ context.Context) ([]Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scopes := make([]Scope, 0, len(s.ledgers))
	for sc := range s.ledgers {
		scopes = append(scopes, sc)
	}
	sortScopes(scopes)
	return scopes, nil
}
