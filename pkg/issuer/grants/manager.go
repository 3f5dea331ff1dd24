// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package grants manages persisted authorization state: authorization codes,
// refresh tokens and access token records.
//
// The Manager bounds every store call with a timeout and separates the
// outcomes callers act on (not found, already consumed, duplicate) from
// persistence faults, which are reported as oautherr.ErrBackendUnavailable.
package grants

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/telemetry"
)

const (
	// DefaultBackendTimeout bounds each grant store call.
	DefaultBackendTimeout = 5 * time.Second

	// tokenBytes is the entropy of opaque codes and refresh tokens.
	tokenBytes = 32
)

// Config configures a Manager.
type Config struct {
	// BackendTimeout bounds each grant store call.
	BackendTimeout time.Duration
}

// Manager is the grant store manager.
type Manager struct {
	store       storage.GrantStore
	timeout     time.Duration
	instruments *telemetry.Instruments
}

// NewManager creates a Manager over store. A nil instruments value records
// nothing.
func NewManager(store storage.GrantStore, cfg Config, instruments *telemetry.Instruments) *Manager {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = DefaultBackendTimeout
	}
	if instruments == nil {
		instruments = telemetry.NoopInstruments()
	}
	return &Manager{
		store:       store,
		timeout:     cfg.BackendTimeout,
		instruments: instruments,
	}
}

// Put stores a new grant. storage.ErrAlreadyExists is returned unchanged
// when the id is taken.
func (m *Manager) Put(ctx context.Context, grant *storage.Grant) error {
	if grant.ID == "" {
		return errors.New("grant id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.store.PutGrant(ctx, grant)
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return m.backendError(ctx, "put_grant", err)
	}
	return err
}

// Get returns the grant stored under id, or storage.ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Grant, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	grant, err := m.store.GetGrant(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, m.backendError(ctx, "get_grant", err)
	}
	return grant, nil
}

// Consume marks a one-time grant as redeemed. Exactly one of any number of
// concurrent calls for the same id succeeds; the others get
// storage.ErrAlreadyConsumed. An unknown id yields storage.ErrNotFound.
func (m *Manager) Consume(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.store.ConsumeGrant(ctx, id)
	switch {
	case err == nil, errors.Is(err, storage.ErrAlreadyConsumed), errors.Is(err, storage.ErrNotFound):
		return err
	default:
		return m.backendError(ctx, "consume_grant", err)
	}
}

// Delete removes a grant. storage.ErrNotFound is returned unchanged.
func (m *Manager) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.store.DeleteGrant(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return m.backendError(ctx, "delete_grant", err)
	}
	return err
}

// DeleteExpired removes every grant whose expiry is before now and returns
// how many were removed.
func (m *Manager) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	n, err := m.store.DeleteExpiredGrants(ctx, now)
	if err != nil {
		return 0, m.backendError(ctx, "delete_expired_grants", err)
	}
	if n > 0 {
		m.instruments.GrantsCleaned(ctx, n)
	}
	return n, nil
}

func (m *Manager) backendError(ctx context.Context, op string, err error) error {
	m.instruments.BackendError(ctx, op)
	slog.Error("grant store operation failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", oautherr.ErrBackendUnavailable, op, err)
}

// NewOpaqueToken returns a fresh random token value and the grant id it is
// stored under. Only the id is persisted; the token is handed to the client.
func NewOpaqueToken() (token, id string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, IDFor(token), nil
}

// IDFor returns the grant id for an opaque token value.
func IDFor(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
