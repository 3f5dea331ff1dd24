// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package grants

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/issuer/storage/mocks"
)

func codeGrant(id string, now time.Time, ttl time.Duration) *storage.Grant {
	return &storage.Grant{
		ID:        id,
		Type:      storage.GrantAuthorizationCode,
		ClientID:  "tool-42",
		Subject:   "user-1",
		Scopes:    []string{"read"},
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestManager_Lifecycle(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage(), Config{}, nil)
	now := time.Now()

	require.NoError(t, m.Put(t.Context(), codeGrant("g1", now, time.Minute)))
	assert.ErrorIs(t, m.Put(t.Context(), codeGrant("g1", now, time.Minute)), storage.ErrAlreadyExists)

	got, err := m.Get(t.Context(), "g1")
	require.NoError(t, err)
	assert.Equal(t, "tool-42", got.ClientID)
	assert.False(t, got.Consumed)

	require.NoError(t, m.Consume(t.Context(), "g1"))
	assert.ErrorIs(t, m.Consume(t.Context(), "g1"), storage.ErrAlreadyConsumed)
	assert.ErrorIs(t, m.Consume(t.Context(), "missing"), storage.ErrNotFound)

	require.NoError(t, m.Delete(t.Context(), "g1"))
	_, err = m.Get(t.Context(), "g1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, m.Delete(t.Context(), "g1"), storage.ErrNotFound)

	assert.Error(t, m.Put(t.Context(), codeGrant("", now, time.Minute)))
}

func TestManager_ConcurrentConsume(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage(), Config{}, nil)
	require.NoError(t, m.Put(t.Context(), codeGrant("code", time.Now(), time.Minute)))

	var wins, consumed atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			err := m.Consume(context.Background(), "code")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAlreadyConsumed):
				consumed.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(99), consumed.Load())
}

func TestManager_DeleteExpired(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage(), Config{}, nil)
	now := time.Now()

	require.NoError(t, m.Put(t.Context(), codeGrant("old", now, -time.Second)))
	require.NoError(t, m.Put(t.Context(), codeGrant("fresh", now, time.Hour)))

	n, err := m.DeleteExpired(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Get(t.Context(), "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = m.Get(t.Context(), "fresh")
	assert.NoError(t, err)
}

func TestManager_BackendFailures(t *testing.T) {
	t.Parallel()

	dbErr := errors.New("dial tcp 10.0.0.7:6379: connection refused")

	tests := []struct {
		name  string
		setup func(*mocks.MockGrantStore)
		call  func(context.Context, *Manager) error
	}{
		{
			name:  "put",
			setup: func(s *mocks.MockGrantStore) { s.EXPECT().PutGrant(gomock.Any(), gomock.Any()).Return(dbErr) },
			call: func(ctx context.Context, m *Manager) error {
				return m.Put(ctx, codeGrant("g", time.Now(), time.Minute))
			},
		},
		{
			name:  "get",
			setup: func(s *mocks.MockGrantStore) { s.EXPECT().GetGrant(gomock.Any(), "g").Return(nil, dbErr) },
			call: func(ctx context.Context, m *Manager) error {
				_, err := m.Get(ctx, "g")
				return err
			},
		},
		{
			name:  "consume",
			setup: func(s *mocks.MockGrantStore) { s.EXPECT().ConsumeGrant(gomock.Any(), "g").Return(dbErr) },
			call:  func(ctx context.Context, m *Manager) error { return m.Consume(ctx, "g") },
		},
		{
			name:  "delete",
			setup: func(s *mocks.MockGrantStore) { s.EXPECT().DeleteGrant(gomock.Any(), "g").Return(dbErr) },
			call:  func(ctx context.Context, m *Manager) error { return m.Delete(ctx, "g") },
		},
		{
			name: "delete expired",
			setup: func(s *mocks.MockGrantStore) {
				s.EXPECT().DeleteExpiredGrants(gomock.Any(), gomock.Any()).Return(0, dbErr)
			},
			call: func(ctx context.Context, m *Manager) error {
				_, err := m.DeleteExpired(ctx, time.Now())
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			store := mocks.NewMockGrantStore(ctrl)
			tt.setup(store)

			err := tt.call(t.Context(), NewManager(store, Config{}, nil))
			assert.ErrorIs(t, err, oautherr.ErrBackendUnavailable)
		})
	}
}

func TestManager_BoundedWait(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockGrantStore(ctrl)

	store.EXPECT().GetGrant(gomock.Any(), "g").DoAndReturn(
		func(ctx context.Context, _ string) (*storage.Grant, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	m := NewManager(store, Config{BackendTimeout: 20 * time.Millisecond}, nil)
	start := time.Now()
	_, err := m.Get(t.Context(), "g")
	assert.ErrorIs(t, err, oautherr.ErrBackendUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestOpaqueToken(t *testing.T) {
	t.Parallel()

	tok, id, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, id)
	assert.Equal(t, id, IDFor(tok))
	assert.Len(t, tok, 43)

	tok2, id2, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
	assert.NotEqual(t, id, id2)
}
