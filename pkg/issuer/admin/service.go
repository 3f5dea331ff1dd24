// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package admin is the administrative command API of the issuer: client
// registration and lifecycle, and signing key rotation and listing.
//
// The same Service backs the /admin HTTP routes and the ltiauth CLI, so
// both surfaces return identical views. Views never carry secret hashes or
// private key material.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stacklok/ltiauth/pkg/issuer/clients"
	"github.com/stacklok/ltiauth/pkg/issuer/keys"
	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
)

// ClientRegistry is the subset of the client registry used by the service.
type ClientRegistry interface {
	Register(ctx context.Context, reg clients.Registration) (*storage.Client, string, error)
	Lookup(ctx context.Context, id string) (*storage.Client, error)
	List(ctx context.Context) ([]*storage.Client, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*storage.Client, error)
	Update(ctx context.Context, id string, u clients.Update) (*storage.Client, string, error)
}

// KeyAdmin is the subset of the key manager used by the service.
type KeyAdmin interface {
	Rotate(ctx context.Context) (*keys.PublicKeyData, error)
	PublicKeySet(ctx context.Context) ([]*keys.PublicKeyData, error)
}

// ClientView is the administrative view of a registered client.
type ClientView struct {
	ClientID       string    `json:"client_id"`
	DisplayName    string    `json:"display_name,omitempty"`
	RedirectURIs   []string  `json:"redirect_uris"`
	AllowedScopes  []string  `json:"allowed_scopes"`
	CredentialKind string    `json:"credential_kind"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RegisterResult is returned by RegisterClient. Secret is only set when the
// server generated it and is shown exactly once.
type RegisterResult struct {
	Client ClientView `json:"client"`
	Secret string     `json:"client_secret,omitempty"`
}

// KeyView is the administrative view of a published signing key.
type KeyView struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	DemotedAt time.Time `json:"demoted_at,omitzero"`
}

// Service executes administrative commands.
type Service struct {
	clients ClientRegistry
	keys    KeyAdmin
}

// NewService creates a Service.
func NewService(registry ClientRegistry, keyAdmin KeyAdmin) *Service {
	return &Service{clients: registry, keys: keyAdmin}
}

// RegisterClient registers a new client.
func (s *Service) RegisterClient(ctx context.Context, reg clients.Registration) (*RegisterResult, error) {
	client, secret, err := s.clients.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{Client: viewClient(client), Secret: secret}, nil
}

// GetClient returns one client.
func (s *Service) GetClient(ctx context.Context, id string) (*ClientView, error) {
	client, err := s.clients.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	v := viewClient(client)
	return &v, nil
}

// ListClients returns all registered clients sorted by id.
func (s *Service) ListClients(ctx context.Context) ([]ClientView, error) {
	list, err := s.clients.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ClientView, 0, len(list))
	for _, c := range list {
		out = append(out, viewClient(c))
	}
	return out, nil
}

// DisableClient stops a client from authenticating and obtaining codes.
// Tokens it already holds stay valid until they expire.
func (s *Service) DisableClient(ctx context.Context, id string) (*ClientView, error) {
	return s.setEnabled(ctx, id, false)
}

// EnableClient re-enables a disabled client.
func (s *Service) EnableClient(ctx context.Context, id string) (*ClientView, error) {
	return s.setEnabled(ctx, id, true)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) (*ClientView, error) {
	client, err := s.clients.SetEnabled(ctx, id, enabled)
	if err != nil {
		return nil, err
	}
	v := viewClient(client)
	return &v, nil
}

// UpdateClient changes a client. The returned secret is set only when a new
// one was generated.
func (s *Service) UpdateClient(ctx context.Context, id string, u clients.Update) (*RegisterResult, error) {
	client, secret, err := s.clients.Update(ctx, id, u)
	if err != nil {
		return nil, err
	}
	return &RegisterResult{Client: viewClient(client), Secret: secret}, nil
}

// EnsureClients registers each static registration whose client_id is not
// yet known. Existing clients are left untouched. It returns the number of
// clients created.
func (s *Service) EnsureClients(ctx context.Context, regs []clients.Registration) (int, error) {
	created := 0
	for _, reg := range regs {
		_, err := s.clients.Lookup(ctx, reg.ClientID)
		if err == nil {
			continue
		}
		if !errors.Is(err, oautherr.ErrUnknownClient) {
			return created, err
		}
		_, _, err = s.clients.Register(ctx, reg)
		switch {
		case errors.Is(err, oautherr.ErrDuplicateClient):
			// Another instance registered it first.
			continue
		case err != nil:
			return created, err
		}
		slog.Debug("registered static client", "client_id", reg.ClientID)
		created++
	}
	return created, nil
}

// RotateKeys makes a new signing key active and demotes the previous one.
func (s *Service) RotateKeys(ctx context.Context) (*KeyView, error) {
	key, err := s.keys.Rotate(ctx)
	if err != nil {
		return nil, err
	}
	v := viewKey(key)
	return &v, nil
}

// ListKeys returns the published keys, active first.
func (s *Service) ListKeys(ctx context.Context) ([]KeyView, error) {
	set, err := s.keys.PublicKeySet(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]KeyView, 0, len(set))
	for _, k := range set {
		out = append(out, viewKey(k))
	}
	return out, nil
}

func viewClient(c *storage.Client) ClientView {
	return ClientView{
		ClientID:       c.ID,
		DisplayName:    c.DisplayName,
		RedirectURIs:   c.RedirectURIs,
		AllowedScopes:  c.AllowedScopes,
		CredentialKind: string(c.Credential.Kind),
		Enabled:        c.Enabled,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func viewKey(k *keys.PublicKeyData) KeyView {
	return KeyView{
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Status:    string(k.Status),
		CreatedAt: k.CreatedAt,
		DemotedAt: k.DemotedAt,
	}
}
