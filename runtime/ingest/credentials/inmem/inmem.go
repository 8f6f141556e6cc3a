// Package inmem provides an in-memory credential store for tests and
// single-process deployments.
package inmem

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/weftworks/loom/runtime/ingest/credentials"
)

// Store keeps credentials in memory. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	creds map[string]credentials.Credential
}

var _ credentials.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{creds: make(map[string]credentials.Credential)}
}

// Get implements credentials.Store.
func (s *Store) Get(_ context.Context, id string) (credentials.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return credentials.Credential{}, credentials.ErrNotFound
	}
	cred.Payload = bytes.Clone(cred.Payload)
	return cred, nil
}

// Put implements credentials.Store.
func (s *Store) Put(_ context.Context, cred credentials.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prior, ok := s.creds[cred.ID]; ok {
		cred.CreatedAt = prior.CreatedAt
	} else if cred.CreatedAt.IsZero() {
		cred.CreatedAt = now
	}
	cred.UpdatedAt = now
	cred.Payload = bytes.Clone(cred.Payload)
	s.creds[cred.ID] = cred
	return nil
}

// CompareAndSwapPayload implements credentials.Store.
func (s *Store) CompareAndSwapPayload(_ context.Context, id string, old, new []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return credentials.ErrNotFound
	}
	if !bytes.Equal(cred.Payload, old) {
		return credentials.ErrStale
	}
	cred.Payload = bytes.Clone(new)
	cred.UpdatedAt = time.Now().UTC()
	s.creds[id] = cred
	return nil
}
