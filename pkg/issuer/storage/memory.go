// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStorage implements Storage with in-memory maps. It is safe for
// concurrent use and suited to single-instance development and tests.
// Every value is cloned on the way in and out, so callers never share
// state with the store.
type MemoryStorage struct {
	mu sync.RWMutex

	// clients maps client_id -> Client.
	clients map[string]*Client

	// keySet is the current versioned key set; nil until the first swap.
	keySet *KeySet

	// grants maps grant id -> Grant for all grant types.
	grants map[string]*Grant
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		clients: make(map[string]*Client),
		grants:  make(map[string]*Grant),
	}
}

// Migrate is a no-op for in-memory storage.
func (*MemoryStorage) Migrate(_ context.Context) error {
	return nil
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close is a no-op for in-memory storage.
func (*MemoryStorage) Close() error {
	return nil
}

// -----------------------
// ClientStore
// -----------------------

// CreateClient stores a new client.
func (s *MemoryStorage) CreateClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ID]; ok {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}
	s.clients[client.ID] = client.Clone()
	return nil
}

// GetClient returns a copy of the client.
func (s *MemoryStorage) GetClient(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	return client.Clone(), nil
}

// UpdateClient replaces an existing client at the expected revision.
func (s *MemoryStorage) UpdateClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.clients[client.ID]
	if !ok {
		return fmt.Errorf("%w: client %s", ErrNotFound, client.ID)
	}
	if stored.Revision != client.Revision {
		return fmt.Errorf("%w: client %s", ErrRevisionConflict, client.ID)
	}
	client.Revision++
	s.clients[client.ID] = client.Clone()
	return nil
}

// ListClients returns copies of all clients sorted by id.
func (s *MemoryStorage) ListClients(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *Client) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// -----------------------
// KeyStore
// -----------------------

// LoadKeySet returns a copy of the current key set.
func (s *MemoryStorage) LoadKeySet(_ context.Context) (*KeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.keySet == nil {
		return &KeySet{}, nil
	}
	return s.keySet.Clone(), nil
}

// KeySetVersion returns the current key set version.
func (s *MemoryStorage) KeySetVersion(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.keySet == nil {
		return 0, nil
	}
	return s.keySet.Version, nil
}

// SwapKeySet replaces the key set if the stored version matches.
func (s *MemoryStorage) SwapKeySet(_ context.Context, expectedVersion int64, next *KeySet) error {
	if next == nil {
		return errors.New("key set cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if s.keySet != nil {
		current = s.keySet.Version
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: expected %d, found %d", ErrVersionConflict, expectedVersion, current)
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	s.keySet = stored
	return nil
}

// -----------------------
// GrantStore
// -----------------------

// PutGrant stores a new grant.
func (s *MemoryStorage) PutGrant(_ context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return errors.New("grant id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[grant.ID]; ok {
		return fmt.Errorf("%w: grant", ErrAlreadyExists)
	}
	s.grants[grant.ID] = grant.Clone()
	return nil
}

// GetGrant returns a copy of the grant.
func (s *MemoryStorage) GetGrant(_ context.Context, id string) (*Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grant, ok := s.grants[id]
	if !ok {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	return grant.Clone(), nil
}

// ConsumeGrant sets the consumed flag under the write lock, so exactly one
// concurrent caller observes the unset flag.
func (s *MemoryStorage) ConsumeGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[id]
	if !ok {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	if grant.Consumed {
		return ErrAlreadyConsumed
	}
	grant.Consumed = true
	return nil
}

// DeleteGrant removes a grant.
func (s *MemoryStorage) DeleteGrant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[id]; !ok {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	delete(s.grants, id)
	return nil
}

// DeleteExpiredGrants removes grants whose expiry is before now.
// Uses collect-then-delete: expired ids are collected under the read lock
// and only removed under the write lock when there is something to remove.
func (s *MemoryStorage) DeleteExpiredGrants(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var expired []string
	for id, g := range s.grants {
		if g.ExpiresAt.Before(now) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range expired {
		// Re-check: the grant may have been deleted or replaced in between.
		if g, ok := s.grants[id]; ok && g.ExpiresAt.Before(now) {
			delete(s.grants, id)
			removed++
		}
	}
	return removed, nil
}

// Stats returns the number of stored records per family.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Clients: len(s.clients), Grants: make(map[GrantType]int)}
	if s.keySet != nil {
		stats.Keys = len(s.keySet.Keys)
	}
	for _, g := range s.grants {
		stats.Grants[g.Type]++
	}
	return stats
}

// Stats holds record counts for observability and tests.
type Stats struct {
	Clients int
	Keys    int
	Grants  map[GrantType]int
}
