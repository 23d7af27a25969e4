// Package inmem provides an in-memory state.Store for tests and localhost
// clustering. Documents live in process memory and are lost on exit;
// production deployments use features/state/mongo.
package inmem

import (
	"context"
	"sync"

	"goa.design/mesh/state"
)

// Store implements state.Store with an in-process map. It is thread-safe.
type Store struct {
	mu   sync.RWMutex
	docs map[docKey][]byte
}

type docKey struct {
	kind string
	key  string
	slot string
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{docs: make(map[docKey][]byte)}
}

// Read returns a copy of the stored document or state.ErrNotFound.
func (s *Store) Read(_ context.Context, kind, key, slot string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey{kind, key, slot}]
	if !ok {
		return nil, state.ErrNotFound
	}
	cloned := make([]byte, len(doc))
	copy(cloned, doc)
	return cloned, nil
}

// Write replaces the stored document with a copy of data.
func (s *Store) Write(_ context.Context, kind, key, slot string, data []byte) error {
	cloned := make([]byte, len(data))
	copy(cloned, data)
	s.mu.Lock()
	s.docs[docKey{kind, key, slot}] = cloned
	s.mu.Unlock()
	return nil
}

// Reset drops all documents. Useful in tests.
func (s *Store) Reset() {
	s.mu.Lock()
	s.docs = make(map[docKey][]byte)
	s.mu.Unlock()
}
