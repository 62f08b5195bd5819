// Package memstore provides an in-memory implementation of triage.SetStore.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/linnemanlabs/culler/internal/triage"
)

// Store holds id sets in memory. Suitable for dev/testing.
type Store struct {
	mu   sync.RWMutex
	sets map[string][]triage.AssetID // key -> ids
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{sets: make(map[string][]triage.AssetID)}
}

// Load returns a copy of the set stored under key. A missing key is an empty set.
func (s *Store) Load(_ context.Context, key string) ([]triage.AssetID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	return append([]triage.AssetID(nil), ids...), nil
}

// Save replaces the set stored under key with a copy of ids. Saving an
// empty set removes the key.
func (s *Store) Save(_ context.Context, key string, ids []triage.AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		delete(s.sets, key)
		return nil
	}
	s.sets[key] = append([]triage.AssetID(nil), ids...)
	return nil
}

// Keys returns every key with at least one member, sorted.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sets))
	for k := range s.sets {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}
