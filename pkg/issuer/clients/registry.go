// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients implements the client registry: the set of Tools allowed
// to request codes and tokens from the issuer, with their redirect URIs,
// scopes and credential material.
//
// Clients only come into existence through Register. Protocol traffic never
// creates a client; any client_id the store does not know is rejected.
package clients

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/crypto/bcrypt"
	"k8s.io/utils/clock"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/telemetry"
)

const (
	// DefaultBackendTimeout bounds each client store call.
	DefaultBackendTimeout = 5 * time.Second

	// DefaultClockSkew is the leeway applied to client assertion time claims.
	DefaultClockSkew = 30 * time.Second

	// modifyMaxTries bounds read-modify-write attempts on one client.
	modifyMaxTries = 5

	// generatedSecretBytes is the entropy of secrets generated at registration.
	generatedSecretBytes = 32
)

// Config configures a Registry.
type Config struct {
	// AssertionAudiences are the values accepted in the aud claim of
	// private_key_jwt client assertions, typically the token endpoint URL
	// and the issuer identifier.
	AssertionAudiences []string

	// ClockSkew is the leeway for assertion exp, nbf and iat.
	ClockSkew time.Duration

	// BackendTimeout bounds each client store call.
	BackendTimeout time.Duration

	// BcryptCost is the cost used when hashing shared secrets.
	BcryptCost int
}

func (c *Config) applyDefaults() {
	if c.ClockSkew == 0 {
		c.ClockSkew = DefaultClockSkew
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for timestamps and assertion checks.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithInstruments sets the metric instruments.
func WithInstruments(i *telemetry.Instruments) Option {
	return func(r *Registry) {
		r.instruments = i
	}
}

// Registration describes a client to register.
//
// Exactly one of Secret and PublicKeys selects the credential kind. When both
// are empty a shared secret is generated and returned once by Register.
type Registration struct {
	ClientID      string          `json:"client_id" yaml:"client_id" mapstructure:"client_id"`
	DisplayName   string          `json:"display_name,omitempty" yaml:"display_name" mapstructure:"display_name"`
	RedirectURIs  []string        `json:"redirect_uris" yaml:"redirect_uris" mapstructure:"redirect_uris"`
	AllowedScopes []string        `json:"allowed_scopes" yaml:"allowed_scopes" mapstructure:"allowed_scopes"`
	Secret        string          `json:"secret,omitempty" yaml:"secret" mapstructure:"secret"`
	PublicKeys    json.RawMessage `json:"public_keys,omitempty" yaml:"-" mapstructure:"-"`
	Disabled      bool            `json:"disabled,omitempty" yaml:"disabled" mapstructure:"disabled"`
}

// Update changes an existing client. Nil fields are left as they are.
type Update struct {
	DisplayName   *string
	RedirectURIs  []string
	AllowedScopes []string
	// Secret replaces the credential with a shared secret.
	Secret *string
	// PublicKeys replaces the credential with a registered JWK set.
	PublicKeys json.RawMessage
}

// Registry is the client registry.
type Registry struct {
	store       storage.ClientStore
	cfg         Config
	clock       clock.PassiveClock
	instruments *telemetry.Instruments

	// dummyHash is compared against on unknown client_ids so lookups of
	// unregistered clients cost the same as a failed secret check.
	dummyHash []byte
}

// NewRegistry creates a Registry over store.
func NewRegistry(store storage.ClientStore, cfg Config, opts ...Option) (*Registry, error) {
	cfg.applyDefaults()
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("unregistered-client"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare credential check: %w", err)
	}

	r := &Registry{
		store:       store,
		cfg:         cfg,
		clock:       clock.RealClock{},
		instruments: telemetry.NoopInstruments(),
		dummyHash:   dummy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register validates and stores a new client. It returns the stored client
// and, when the registration carried no credential, the generated secret.
// The secret is not recoverable afterwards.
func (r *Registry) Register(ctx context.Context, reg Registration) (*storage.Client, string, error) {
	if err := validateClientID(reg.ClientID); err != nil {
		return nil, "", err
	}
	if len(reg.DisplayName) > MaxClientNameLength {
		return nil, "", fmt.Errorf("%w: display_name too long (maximum %d characters)",
			oautherr.ErrInvalidRequest, MaxClientNameLength)
	}
	if err := validateRedirectURIs(reg.RedirectURIs); err != nil {
		return nil, "", err
	}
	if err := validateScopes(reg.AllowedScopes); err != nil {
		return nil, "", err
	}
	if reg.Secret != "" && len(reg.PublicKeys) > 0 {
		return nil, "", fmt.Errorf("%w: a client has either a secret or public keys, not both", oautherr.ErrInvalidRequest)
	}

	var generated string
	secret := reg.Secret
	if secret == "" && len(reg.PublicKeys) == 0 {
		var err error
		if generated, err = generateSecret(); err != nil {
			return nil, "", err
		}
		secret = generated
	}

	cred, err := r.credential(secret, reg.PublicKeys)
	if err != nil {
		return nil, "", err
	}

	now := r.clock.Now()
	client := &storage.Client{
		ID:            reg.ClientID,
		DisplayName:   reg.DisplayName,
		RedirectURIs:  slices.Clone(reg.RedirectURIs),
		AllowedScopes: slices.Clone(reg.AllowedScopes),
		Credential:    cred,
		Enabled:       !reg.Disabled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	defer cancel()
	if err := r.store.CreateClient(ctx, client); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, "", fmt.Errorf("%w: %s", oautherr.ErrDuplicateClient, reg.ClientID)
		}
		return nil, "", r.backendError(ctx, "create_client", err)
	}

	slog.Info("registered client", "client_id", client.ID, "credential", string(cred.Kind))
	return client, generated, nil
}

// Lookup returns the client registered under id.
func (r *Registry) Lookup(ctx context.Context, id string) (*storage.Client, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty client_id", oautherr.ErrUnknownClient)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	defer cancel()

	client, err := r.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", oautherr.ErrUnknownClient, id)
		}
		return nil, r.backendError(ctx, "get_client", err)
	}
	return client, nil
}

// List returns all registered clients ordered by client_id.
func (r *Registry) List(ctx context.Context) ([]*storage.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	defer cancel()

	list, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, r.backendError(ctx, "list_clients", err)
	}
	return list, nil
}

// SetEnabled enables or disables a client. Disabling takes effect on the
// next authentication; tokens already issued stay valid until they expire
// or are revoked.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*storage.Client, error) {
	client, err := r.modify(ctx, id, func(c *storage.Client) bool {
		if c.Enabled == enabled {
			return false
		}
		c.Enabled = enabled
		return true
	})
	if err != nil {
		return nil, err
	}
	slog.Info("changed client state", "client_id", id, "enabled", enabled)
	return client, nil
}

// Update applies u to the client registered under id. It returns the stored
// client and, when u.Secret points at an empty string, the newly generated
// secret. Fields not named by u keep their stored values even when another
// writer changes them concurrently.
func (r *Registry) Update(ctx context.Context, id string, u Update) (*storage.Client, string, error) {
	if u.DisplayName != nil && len(*u.DisplayName) > MaxClientNameLength {
		return nil, "", fmt.Errorf("%w: display_name too long (maximum %d characters)",
			oautherr.ErrInvalidRequest, MaxClientNameLength)
	}
	if u.RedirectURIs != nil {
		if err := validateRedirectURIs(u.RedirectURIs); err != nil {
			return nil, "", err
		}
	}
	if u.AllowedScopes != nil {
		if err := validateScopes(u.AllowedScopes); err != nil {
			return nil, "", err
		}
	}

	var (
		generated string
		cred      *storage.Credential
	)
	switch {
	case u.Secret != nil && len(u.PublicKeys) > 0:
		return nil, "", fmt.Errorf("%w: a client has either a secret or public keys, not both", oautherr.ErrInvalidRequest)
	case u.Secret != nil:
		secret := *u.Secret
		if secret == "" {
			var err error
			if generated, err = generateSecret(); err != nil {
				return nil, "", err
			}
			secret = generated
		}
		c, err := r.credential(secret, nil)
		if err != nil {
			return nil, "", err
		}
		cred = &c
	case len(u.PublicKeys) > 0:
		c, err := r.credential("", u.PublicKeys)
		if err != nil {
			return nil, "", err
		}
		cred = &c
	}

	client, err := r.modify(ctx, id, func(c *storage.Client) bool {
		if u.DisplayName != nil {
			c.DisplayName = *u.DisplayName
		}
		if u.RedirectURIs != nil {
			c.RedirectURIs = slices.Clone(u.RedirectURIs)
		}
		if u.AllowedScopes != nil {
			c.AllowedScopes = slices.Clone(u.AllowedScopes)
		}
		if cred != nil {
			c.Credential = *cred
		}
		return true
	})
	if err != nil {
		return nil, "", err
	}
	slog.Info("updated client", "client_id", id)
	return client, generated, nil
}

// AuthorizeRedirect checks that redirectURI is registered for client.
// Matching is exact string comparison.
func AuthorizeRedirect(client *storage.Client, redirectURI string) error {
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return fmt.Errorf("%w: redirect_uri is not registered for client", oautherr.ErrInvalidRequest)
	}
	return nil
}

// ResolveRedirect returns the redirect URI to use for client. An empty
// requested value resolves to the registered URI when exactly one is
// registered.
func ResolveRedirect(client *storage.Client, requested string) (string, error) {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0], nil
		}
		return "", fmt.Errorf("%w: redirect_uri is required", oautherr.ErrInvalidRequest)
	}
	if err := AuthorizeRedirect(client, requested); err != nil {
		return "", err
	}
	return requested, nil
}

// modify reads the client, applies change and writes it back guarded by
// the stored revision. On a revision conflict the read and change are
// repeated against the newer record. change reports whether it modified
// the client; when it did not, nothing is written.
func (r *Registry) modify(ctx context.Context, id string, change func(*storage.Client) bool) (*storage.Client, error) {
	op := func() (*storage.Client, error) {
		client, err := r.Lookup(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !change(client) {
			return client, nil
		}
		err = r.save(ctx, client)
		switch {
		case errors.Is(err, storage.ErrRevisionConflict):
			slog.Debug("client changed concurrently, retrying", "client_id", id)
			return nil, err
		case err != nil:
			return nil, backoff.Permanent(err)
		}
		return client, nil
	}

	client, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(modifyMaxTries),
	)
	if errors.Is(err, storage.ErrRevisionConflict) {
		return nil, r.backendError(ctx, "update_client", err)
	}
	return client, err
}

func (r *Registry) save(ctx context.Context, client *storage.Client) error {
	client.UpdatedAt = r.clock.Now()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.BackendTimeout)
	defer cancel()

	err := r.store.UpdateClient(ctx, client)
	switch {
	case err == nil, errors.Is(err, storage.ErrRevisionConflict):
		return err
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%w: %s", oautherr.ErrUnknownClient, client.ID)
	default:
		return r.backendError(ctx, "update_client", err)
	}
}

func (r *Registry) credential(secret string, publicKeys json.RawMessage) (storage.Credential, error) {
	if len(publicKeys) > 0 {
		if _, err := parsePublicKeys(publicKeys); err != nil {
			return storage.Credential{}, err
		}
		return storage.Credential{
			Kind:       storage.CredentialPublicKey,
			PublicKeys: slices.Clone(publicKeys),
		}, nil
	}

	// bcrypt only considers the first 72 bytes.
	if len(secret) > 72 {
		return storage.Credential{}, fmt.Errorf("%w: secret too long (maximum 72 bytes)", oautherr.ErrInvalidRequest)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.cfg.BcryptCost)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("failed to hash client secret: %w", err)
	}
	return storage.Credential{
		Kind:       storage.CredentialSharedSecret,
		SecretHash: hash,
	}, nil
}

func (r *Registry) backendError(ctx context.Context, op string, err error) error {
	r.instruments.BackendError(ctx, op)
	slog.Error("client store operation failed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %w", oautherr.ErrBackendUnavailable, op, err)
}

func generateSecret() (string, error) {
	b := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
