// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the persistence contract for the issuer and its
// memory, SQLite and Redis implementations.
//
// Three record families are stored: registered clients, the versioned
// signing key set, and operational grants (authorization codes, refresh
// tokens and access token records). Backends must implement grant
// consumption as a conditional update and key set replacement as a
// compare-and-swap on the set version, so that several issuer instances
// sharing one backend agree on a single active key and a code is redeemed
// at most once.
package storage

//go:generate mockgen -destination=mocks/mock_storage.go -package=mocks -source=types.go Storage,ClientStore,KeyStore,GrantStore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = oautherr.ErrNotFound

	// ErrAlreadyConsumed is returned by ConsumeGrant when the grant was already redeemed.
	ErrAlreadyConsumed = oautherr.ErrAlreadyConsumed

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = httperr.WithCode(errors.New("record already exists"), http.StatusConflict)

	// ErrVersionConflict is returned by SwapKeySet when the stored version
	// is not the expected one.
	ErrVersionConflict = httperr.WithCode(errors.New("key set version conflict"), http.StatusConflict)

	// ErrRevisionConflict is returned by UpdateClient when the client was
	// changed after it was read.
	ErrRevisionConflict = httperr.WithCode(errors.New("client revision conflict"), http.StatusConflict)
)

// CredentialKind tags the credential variant held by a client.
type CredentialKind string

const (
	// CredentialSharedSecret is a bcrypt hash of a client secret.
	CredentialSharedSecret CredentialKind = "shared_secret"
	// CredentialPublicKey is a JWK set used to verify private_key_jwt assertions.
	CredentialPublicKey CredentialKind = "public_key"
)

// Credential is the stored verification material for a client.
type Credential struct {
	Kind CredentialKind `json:"kind"`

	// SecretHash is set for CredentialSharedSecret.
	SecretHash []byte `json:"secret_hash,omitempty"`

	// PublicKeys is a JSON Web Key Set, set for CredentialPublicKey.
	PublicKeys json.RawMessage `json:"public_keys,omitempty"`
}

// Client is a registered Tool.
type Client struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	RedirectURIs  []string   `json:"redirect_uris"`
	AllowedScopes []string   `json:"allowed_scopes"`
	Credential    Credential `json:"credential"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// Revision counts stored updates and guards UpdateClient.
	Revision int64 `json:"revision"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.AllowedScopes = slices.Clone(c.AllowedScopes)
	out.Credential.SecretHash = slices.Clone(c.Credential.SecretHash)
	out.Credential.PublicKeys = slices.Clone(c.Credential.PublicKeys)
	return &out
}

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	// KeyStatusActive marks the single key used for new signatures.
	KeyStatusActive KeyStatus = "active"
	// KeyStatusRetiring marks a demoted key still published for verification.
	KeyStatusRetiring KeyStatus = "retiring"
	// KeyStatusRetired marks a key past its purge deadline. Retired keys are
	// never published and are removed on the next key set write.
	KeyStatusRetired KeyStatus = "retired"
)

// SigningKey is the persisted form of an issuer signing key.
type SigningKey struct {
	KeyID     string    `json:"kid"`
	Algorithm string    `json:"alg"`
	Status    KeyStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`

	// PrivateKey is the PKCS#8 DER encoding of the private key. It is only
	// read by the key manager and never leaves the process otherwise.
	PrivateKey []byte `json:"private_key"`

	// DemotedAt is when the key stopped being active.
	DemotedAt time.Time `json:"demoted_at,omitzero"`

	// PurgeAfter is when tokens signed by the key have all expired.
	PurgeAfter time.Time `json:"purge_after,omitzero"`
}

// StatusAt returns the effective status of the key at now.
func (k *SigningKey) StatusAt(now time.Time) KeyStatus {
	if k.Status == KeyStatusRetiring && !k.PurgeAfter.IsZero() && !now.Before(k.PurgeAfter) {
		return KeyStatusRetired
	}
	return k.Status
}

// KeySet is the versioned record holding all signing keys. Version 0 means
// no key set has been written yet.
type KeySet struct {
	Version   int64        `json:"version"`
	Keys      []SigningKey `json:"keys"`
	RotatedAt time.Time    `json:"rotated_at,omitzero"`
}

// Active returns the active key, or nil.
func (s *KeySet) Active() *SigningKey {
	if s == nil {
		return nil
	}
	for i := range s.Keys {
		if s.Keys[i].Status == KeyStatusActive {
			return &s.Keys[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the key set.
func (s *KeySet) Clone() *KeySet {
	if s == nil {
		return nil
	}
	out := *s
	out.Keys = make([]SigningKey, len(s.Keys))
	for i, k := range s.Keys {
		k.PrivateKey = slices.Clone(k.PrivateKey)
		out.Keys[i] = k
	}
	return &out
}

// GrantType identifies the kind of operational grant.
type GrantType string

const (
	// GrantAuthorizationCode is a one-time authorization code.
	GrantAuthorizationCode GrantType = "authorization_code"
	// GrantRefreshToken is a refresh token.
	GrantRefreshToken GrantType = "refresh_token"
	// GrantAccessToken is the record of an issued access token.
	GrantAccessToken GrantType = "access_token"
)

// Grant is a persisted unit of authorization state.
type Grant struct {
	ID        string    `json:"id"`
	Type      GrantType `json:"type"`
	ClientID  string    `json:"client_id"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Consumed  bool      `json:"consumed"`
	Nonce     string    `json:"nonce,omitempty"`

	// RedirectURI binds an authorization code to the redirect it was issued for.
	RedirectURI string `json:"redirect_uri,omitempty"`
	// RedirectURIExplicit is set when the client sent the redirect URI, which
	// obliges the exchange to repeat it.
	RedirectURIExplicit bool `json:"redirect_uri_explicit,omitempty"`

	// CodeChallenge and CodeChallengeMethod carry the PKCE challenge of a code.
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`

	// ParentID links a grant to the grant it was derived from.
	ParentID string `json:"parent_id,omitempty"`
}

// Expired reports whether the grant has expired at now.
func (g *Grant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}

// Clone returns a deep copy of the grant.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	out := *g
	out.Scopes = slices.Clone(g.Scopes)
	return &out
}

// ClientStore persists registered clients.
type ClientStore interface {
	// CreateClient stores a new client. Returns ErrAlreadyExists if the id is taken.
	CreateClient(ctx context.Context, client *Client) error
	// GetClient returns the client or ErrNotFound.
	GetClient(ctx context.Context, id string) (*Client, error)
	// UpdateClient replaces an existing client if its stored revision
	// equals client.Revision, then advances client.Revision. Returns
	// ErrNotFound if absent and ErrRevisionConflict on a revision mismatch.
	UpdateClient(ctx context.Context, client *Client) error
	// ListClients returns all clients sorted by id.
	ListClients(ctx context.Context) ([]*Client, error)
}

// KeyStore persists the versioned signing key set.
type KeyStore interface {
	// LoadKeySet returns the current key set. When nothing has been stored
	// yet it returns an empty set with version 0.
	LoadKeySet(ctx context.Context) (*KeySet, error)
	// KeySetVersion returns the stored key set version, 0 when nothing has
	// been stored yet.
	KeySetVersion(ctx context.Context) (int64, error)
	// SwapKeySet stores next with version expectedVersion+1 if the stored
	// version equals expectedVersion, else returns ErrVersionConflict.
	SwapKeySet(ctx context.Context, expectedVersion int64, next *KeySet) error
}

// GrantStore persists operational grants.
type GrantStore interface {
	// PutGrant stores a new grant. Returns ErrAlreadyExists on a duplicate id.
	PutGrant(ctx context.Context, grant *Grant) error
	// GetGrant returns the grant or ErrNotFound.
	GetGrant(ctx context.Context, id string) (*Grant, error)
	// ConsumeGrant atomically sets the consumed flag. Returns ErrAlreadyConsumed
	// if it was already set and ErrNotFound if the grant does not exist.
	ConsumeGrant(ctx context.Context, id string) error
	// DeleteGrant removes a grant. Returns ErrNotFound if absent.
	DeleteGrant(ctx context.Context, id string) error
	// DeleteExpiredGrants removes every grant with expires_at before now
	// and returns how many were removed.
	DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error)
}

// Storage is the full persistence contract used by the issuer.
type Storage interface {
	ClientStore
	KeyStore
	GrantStore

	// Migrate brings the backend schema up to date. It runs at startup
	// before traffic is served.
	Migrate(ctx context.Context) error
	// Health checks backend connectivity.
	Health(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
