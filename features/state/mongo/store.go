// Package mongo implements the mesh state plane on MongoDB. Documents are
// addressed by (kind, key, slot) under a unique compound index; the
// single-activation invariant means there is never more than one writer per
// document.
package mongo

import (
	"context"
	"errors"

	"goa.design/mesh/faults"
	clientsmongo "goa.design/mesh/features/state/mongo/clients/mongo"
	"goa.design/mesh/state"
)

// Store implements state.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ state.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "mongo state store requires a client")
	}
	return &Store{client: client}, nil
}

// Read returns the stored document or state.ErrNotFound.
func (s *Store) Read(ctx context.Context, kind, key, slot string) ([]byte, error) {
	data, err := s.client.ReadDocument(ctx, kind, key, slot)
	if err != nil {
		if errors.Is(err, clientsmongo.ErrNoDocument) {
			return nil, state.ErrNotFound
		}
		return nil, faults.Wrap(faults.KindPersistence, err, "read %s/%s/%s", kind, key, slot)
	}
	return data, nil
}

// Write replaces the stored document.
func (s *Store) Write(ctx context.Context, kind, key, slot string, data []byte) error {
	if err := s.client.WriteDocument(ctx, kind, key, slot, data); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "write %s/%s/%s", kind, key, slot)
	}
	return nil
}
