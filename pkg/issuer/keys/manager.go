// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"cmp"
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/stacklok/ltiauth/pkg/issuer/oautherr"
	"github.com/stacklok/ltiauth/pkg/issuer/storage"
	"github.com/stacklok/ltiauth/pkg/telemetry"
)

const (
	// DefaultRetentionPeriod is how long a demoted key stays published when
	// the caller does not derive it from token lifetimes.
	DefaultRetentionPeriod = time.Hour

	// DefaultSyncInterval is how often the cached key set is checked
	// against storage for rotations performed by other instances.
	DefaultSyncInterval = 30 * time.Second

	// DefaultBackendTimeout bounds each key store call.
	DefaultBackendTimeout = 5 * time.Second

	// rotateMaxTries bounds compare-and-swap attempts for one rotation.
	rotateMaxTries = 5
)

// Rotation triggers recorded on the key rotation counter.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// Config configures a Manager.
type Config struct {
	// Algorithm is the JWS algorithm for generated keys (ES256, ES384, ES512, RS256).
	Algorithm string

	// RotationInterval is the age at which the active key is replaced by
	// RotateIfDue. Zero disables scheduled rotation.
	RotationInterval time.Duration

	// RetentionPeriod is how long a demoted key remains published. It must
	// cover the longest lifetime of a token signed by the key plus clock skew.
	RetentionPeriod time.Duration

	// SyncInterval is how often the cache is reconciled with storage.
	SyncInterval time.Duration

	// BackendTimeout bounds each key store call.
	BackendTimeout time.Duration

	// SeedKeyFile optionally provides the first active key as a PEM file.
	SeedKeyFile string
}

func (c *Config) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = DefaultAlgorithm
	}
	if c.RetentionPeriod == 0 {
		c.RetentionPeriod = DefaultRetentionPeriod
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for key ages and purge deadlines.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithInstruments sets the metric instruments.
func WithInstruments(i *telemetry.Instruments) Option {
	return func(m *Manager) {
		m.instruments = i
	}
}

// Manager owns the issuer signing keys.
//
// The authoritative key set lives in storage as a versioned record and is
// only replaced by compare-and-swap on its version. The manager keeps an
// immutable snapshot of the last loaded set behind an atomic pointer: each
// signing or verification call reads the pointer once, so it observes
// either the whole pre-rotation set or the whole post-rotation set, and no
// lock is held while storage is contacted. Signing confirms the snapshot
// version against storage first; verification trusts the snapshot for
// SyncInterval and reloads on an unknown key id.
type Manager struct {
	store       storage.KeyStore
	cfg         Config
	clock       clock.PassiveClock
	instruments *telemetry.Instruments

	current atomic.Pointer[snapshot]
	loads   singleflight.Group
}

// NewManager creates a Manager. Bootstrap must be called before signing.
func NewManager(store storage.KeyStore, cfg Config, opts ...Option) (*Manager, error) {
	cfg.applyDefaults()
	if !IsSupportedAlgorithm(cfg.Algorithm) {
		return nil, fmt.Errorf("unsupported signing algorithm: %s", cfg.Algorithm)
	}
	if cfg.RotationInterval < 0 {
		return nil, errors.New("rotation interval cannot be negative")
	}

	m := &Manager{
		store:       store,
		cfg:         cfg,
		clock:       clock.RealClock{},
		instruments: telemetry.NoopInstruments(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// snapshot is an immutable view of one key set version.
type snapshot struct {
	version  int64
	loadedAt time.Time
	active   *SigningKeyData

	// published holds active and retiring keys in publication order.
	published []*PublicKeyData
	byID      map[string]*publishedKey
}

type publishedKey struct {
	data       *PublicKeyData
	purgeAfter time.Time
}

// Bootstrap loads the key set and, if it has no active key, creates one.
// Concurrent bootstraps from several instances converge: the loser of the
// version 0 compare-and-swap adopts the winner's key.
func (m *Manager) Bootstrap(ctx context.Context) error {
	op := func() (struct{}, error) {
		set, err := m.load(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if set.Active() != nil {
			if err := m.install(set); err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, nil
		}

		first, err := m.initialKey()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		next := set.Clone()
		next.Keys = append(next.Keys, *first)
		next.RotatedAt = m.clock.Now()

		if err := m.swap(ctx, set.Version, next); err != nil {
			if errors.Is(err, storage.ErrVersionConflict) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		next.Version = set.Version + 1
		slog.Info("created initial signing key", "key_id", first.KeyID, "algorithm", first.Algorithm)
		if err := m.install(next); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(rotateMaxTries),
	)
	if err != nil {
		return fmt.Errorf("failed to bootstrap signing keys: %w", err)
	}
	return nil
}

// CurrentKey returns the active signing key. The cached key set is first
// checked against the stored version and reloaded when another instance has
// rotated, so a demoted key is never handed out for signing. When the
// version cannot be read it fails with oautherr.ErrBackendUnavailable.
func (m *Manager) CurrentKey(ctx context.Context) (*SigningKeyData, error) {
	snap, err := m.signingSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.active, nil
}

// PublicKeySet returns the active and retiring public keys: the active key
// first, then retiring keys by most recent demotion, ties broken by key id.
func (m *Manager) PublicKeySet(ctx context.Context) ([]*PublicKeyData, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := make([]*PublicKeyData, 0, len(snap.published))
	for _, pub := range snap.published {
		if snap.byID[pub.KeyID].usable(now) {
			out = append(out, pub)
		}
	}
	return out, nil
}

// JWKS returns PublicKeySet as a JSON Web Key Set.
func (m *Manager) JWKS(ctx context.Context) (*jose.JSONWebKeySet, error) {
	pubs, err := m.PublicKeySet(ctx)
	if err != nil {
		return nil, err
	}
	set := &jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(pubs))}
	for _, pub := range pubs {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       pub.PublicKey,
			KeyID:     pub.KeyID,
			Algorithm: pub.Algorithm,
			Use:       "sig",
		})
	}
	return set, nil
}

// VerificationKey resolves a key id to an active or retiring public key.
// On a cache miss the key set is reloaded once, since another instance may
// have rotated. Unknown and purged keys yield oautherr.ErrUnknownSigningKey.
func (m *Manager) VerificationKey(ctx context.Context, kid string) (*PublicKeyData, error) {
	snap, err := m.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	if pk, ok := snap.byID[kid]; ok && pk.usable(now) {
		return pk.data, nil
	}

	if err := m.Sync(ctx); err != nil {
		return nil, err
	}
	if pk, ok := m.current.Load().byID[kid]; ok && pk.usable(now) {
		return pk.data, nil
	}
	return nil, fmt.Errorf("%w: %q", oautherr.ErrUnknownSigningKey, kid)
}

// Signer returns a JWS signer pinned to the active key together with that
// key, so the caller can record which key signed.
func (m *Manager) Signer(ctx context.Context, opts *jose.SignerOptions) (jose.Signer, *SigningKeyData, error) {
	key, err := m.CurrentKey(ctx)
	if err != nil {
		return nil, nil, err
	}
	signer, err := NewSigner(key, opts)
	if err != nil {
		return nil, nil, err
	}
	return signer, key, nil
}

// NewSigner returns a JWS signer for key. The key id is placed in the
// protected header of every signature.
func NewSigner(key *SigningKeyData, opts *jose.SignerOptions) (jose.Signer, error) {
	if opts == nil {
		opts = &jose.SignerOptions{}
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.SignatureAlgorithm(key.Algorithm),
		Key:       jose.JSONWebKey{Key: key.Key, KeyID: key.KeyID, Algorithm: key.Algorithm},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return signer, nil
}

// Sign produces a compact JWS over payload with the active key. The key id
// is carried in the protected header.
func (m *Manager) Sign(ctx context.Context, payload []byte) (string, error) {
	jws, err := m.sign(ctx, payload)
	if err != nil {
		return "", err
	}
	return jws.CompactSerialize()
}

// SignDetached produces a compact JWS with a detached payload
// ("header..signature"). The verifier supplies the payload separately.
func (m *Manager) SignDetached(ctx context.Context, payload []byte) (string, error) {
	jws, err := m.sign(ctx, payload)
	if err != nil {
		return "", err
	}
	return jws.DetachedCompactSerialize()
}

func (m *Manager) sign(ctx context.Context, payload []byte) (*jose.JSONWebSignature, error) {
	signer, _, err := m.Signer(ctx, nil)
	if err != nil {
		return nil, err
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payload: %w", err)
	}
	return jws, nil
}

// Rotate generates a new active key, demotes the current active key to
// retiring and drops keys past their purge deadline. It retries the
// compare-and-swap when another writer got there first.
func (m *Manager) Rotate(ctx context.Context) (*PublicKeyData, error) {
	op := func() (*PublicKeyData, error) {
		set, err := m.load(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		pub, err := m.rotateFrom(ctx, set)
		if err != nil && !errors.Is(err, storage.ErrVersionConflict) {
			return nil, backoff.Permanent(err)
		}
		return pub, err
	}

	pub, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(rotateMaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate signing key: %w", err)
	}
	m.instruments.KeyRotated(ctx, TriggerManual)
	return pub, nil
}

// RotateIfDue rotates when the active key is older than RotationInterval
// and purges retired keys. A concurrent rotation by another instance counts
// as done. It reports whether this call rotated.
func (m *Manager) RotateIfDue(ctx context.Context) (bool, error) {
	set, err := m.load(ctx)
	if err != nil {
		return false, err
	}
	active := set.Active()
	if active != nil {
		if err := m.install(set); err != nil {
			return false, err
		}
	}

	now := m.clock.Now()
	due := active == nil ||
		(m.cfg.RotationInterval > 0 && !now.Before(active.CreatedAt.Add(m.cfg.RotationInterval)))

	if due {
		_, err := m.rotateFrom(ctx, set)
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			slog.Debug("scheduled rotation lost the race, adopting the stored key set")
			return false, m.Sync(ctx)
		case err != nil:
			return false, err
		}
		m.instruments.KeyRotated(ctx, TriggerScheduled)
		return true, nil
	}

	if !slices.ContainsFunc(set.Keys, func(k storage.SigningKey) bool {
		return k.StatusAt(now) == storage.KeyStatusRetired
	}) {
		return false, nil
	}

	next := set.Clone()
	next.Keys = slices.DeleteFunc(next.Keys, func(k storage.SigningKey) bool {
		return k.StatusAt(now) == storage.KeyStatusRetired
	})
	if err := m.swap(ctx, set.Version, next); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return false, m.Sync(ctx)
		}
		return false, err
	}
	next.Version = set.Version + 1
	slog.Debug("purged retired signing keys", "remaining", len(next.Keys))
	return false, m.install(next)
}

// rotateFrom builds the rotated successor of set and writes it with a
// single compare-and-swap.
func (m *Manager) rotateFrom(ctx context.Context, set *storage.KeySet) (*PublicKeyData, error) {
	fresh, err := m.generateKey()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	next := &storage.KeySet{RotatedAt: now}
	var demoted string
	for _, k := range set.Keys {
		if k.StatusAt(now) == storage.KeyStatusRetired {
			continue
		}
		if k.Status == storage.KeyStatusActive {
			k.Status = storage.KeyStatusRetiring
			k.DemotedAt = now
			k.PurgeAfter = now.Add(m.cfg.RetentionPeriod)
			demoted = k.KeyID
		}
		next.Keys = append(next.Keys, k)
	}
	next.Keys = append(next.Keys, *fresh)

	if err := m.swap(ctx, set.Version, next); err != nil {
		return nil, err
	}
	next.Version = set.Version + 1
	if err := m.install(next); err != nil {
		return nil, err
	}

	slog.Info("rotated signing key",
		"key_id", fresh.KeyID,
		"previous_key_id", demoted,
		"version", next.Version,
	)
	return m.current.Load().byID[fresh.KeyID].data, nil
}

// Sync reloads the key set from storage. Concurrent callers share one load.
func (m *Manager) Sync(ctx context.Context) error {
	_, err, _ := m.loads.Do("key-set", func() (any, error) {
		set, err := m.load(ctx)
		if err != nil {
			return nil, err
		}
		return nil, m.install(set)
	})
	return err
}

// snapshot returns the cached snapshot for verification and publication,
// reconciling with storage first when the sync interval has elapsed. A
// failed reconcile keeps serving the cached snapshot; the next call retries.
// Retiring keys still drop out at their purge deadline.
func (m *Manager) snapshot(ctx context.Context) (*snapshot, error) {
	snap := m.current.Load()
	if snap == nil {
		return nil, ErrNoSigningKey
	}
	if m.clock.Since(snap.loadedAt) < m.cfg.SyncInterval {
		return snap, nil
	}
	if err := m.Sync(ctx); err != nil {
		slog.Warn("failed to reconcile signing keys, using cached set", "version", snap.version, "error", err)
		return snap, nil
	}
	return m.current.Load(), nil
}

// signingSnapshot returns the cached snapshot once its version matches
// storage, reloading the key set on a mismatch.
func (m *Manager) signingSnapshot(ctx context.Context) (*snapshot, error) {
	snap := m.current.Load()
	if snap == nil {
		return nil, ErrNoSigningKey
	}
	version, err := m.storedVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version == snap.version {
		return snap, nil
	}

	slog.Debug("signing key set changed in storage", "cached_version", snap.version, "stored_version", version)
	if err := m.Sync(ctx); err != nil {
		return nil, err
	}
	return m.current.Load(), nil
}

// install builds a snapshot from set and publishes it unless a newer
// version has been installed meanwhile.
func (m *Manager) install(set *storage.KeySet) error {
	next, err := m.buildSnapshot(set)
	if err != nil {
		return err
	}
	for {
		cur := m.current.Load()
		if cur != nil && cur.version > next.version {
			return nil
		}
		if m.current.CompareAndSwap(cur, next) {
			if cur != nil && cur.version != next.version {
				slog.Debug("signing key set updated", "from_version", cur.version, "to_version", next.version)
			}
			return nil
		}
	}
}

func (m *Manager) buildSnapshot(set *storage.KeySet) (*snapshot, error) {
	now := m.clock.Now()
	snap := &snapshot{
		version:  set.Version,
		loadedAt: now,
		byID:     make(map[string]*publishedKey, len(set.Keys)),
	}

	for _, k := range set.Keys {
		if k.StatusAt(now) == storage.KeyStatusRetired {
			continue
		}
		signer, err := parsePKCS8Signer(k.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.KeyID, err)
		}
		pub := &PublicKeyData{
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			PublicKey: signer.Public(),
			Status:    k.Status,
			CreatedAt: k.CreatedAt,
			DemotedAt: k.DemotedAt,
		}
		snap.byID[k.KeyID] = &publishedKey{data: pub, purgeAfter: k.PurgeAfter}
		snap.published = append(snap.published, pub)
		if k.Status == storage.KeyStatusActive {
			snap.active = &SigningKeyData{
				KeyID:     k.KeyID,
				Algorithm: k.Algorithm,
				Key:       signer,
				CreatedAt: k.CreatedAt,
			}
		}
	}
	if snap.active == nil {
		return nil, ErrNoSigningKey
	}

	slices.SortFunc(snap.published, comparePublication)
	return snap, nil
}

// comparePublication orders the active key first, then retiring keys by
// demotion time descending, then by key id.
func comparePublication(a, b *PublicKeyData) int {
	if a.Status != b.Status {
		if a.Status == storage.KeyStatusActive {
			return -1
		}
		if b.Status == storage.KeyStatusActive {
			return 1
		}
	}
	if c := b.DemotedAt.Compare(a.DemotedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.KeyID, b.KeyID)
}

func (p *publishedKey) usable(now time.Time) bool {
	return p.data.Status == storage.KeyStatusActive || p.purgeAfter.IsZero() || now.Before(p.purgeAfter)
}

func (m *Manager) initialKey() (*storage.SigningKey, error) {
	if m.cfg.SeedKeyFile == "" {
		return m.generateKey()
	}

	signer, err := LoadSigningKey(m.cfg.SeedKeyFile)
	if err != nil {
		return nil, err
	}
	if err := ValidateAlgorithmForKey(m.cfg.Algorithm, signer); err != nil {
		return nil, fmt.Errorf("seed key: %w", err)
	}
	return m.newStoredKey(signer)
}

func (m *Manager) generateKey() (*storage.SigningKey, error) {
	signer, err := GeneratePrivateKey(m.cfg.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return m.newStoredKey(signer)
}

func (m *Manager) newStoredKey(signer crypto.Signer) (*storage.SigningKey, error) {
	kid, err := DeriveKeyID(signer)
	if err != nil {
		return nil, err
	}
	der, err := marshalPrivateKey(signer)
	if err != nil {
		return nil, err
	}
	return &storage.SigningKey{
		KeyID:      kid,
		Algorithm:  m.cfg.Algorithm,
		Status:     storage.KeyStatusActive,
		CreatedAt:  m.clock.Now(),
		PrivateKey: der,
	}, nil
}

func (m *Manager) load(ctx context.Context) (*storage.KeySet, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
	defer cancel()

	set, err := m.store.LoadKeySet(ctx)
	if err != nil {
		m.instruments.BackendError(ctx, "load_key_set")
		slog.Error("failed to load signing key set", "error", err)
		return nil, fmt.Errorf("%w: loading key set: %w", oautherr.ErrBackendUnavailable, err)
	}
	return set, nil
}

func (m *Manager) storedVersion(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
	defer cancel()

	version, err := m.store.KeySetVersion(ctx)
	if err != nil {
		m.instruments.BackendError(ctx, "key_set_version")
		slog.Error("failed to read signing key set version", "error", err)
		return 0, fmt.Errorf("%w: reading key set version: %w", oautherr.ErrBackendUnavailable, err)
	}
	return version, nil
}

func (m *Manager) swap(ctx context.Context, expected int64, next *storage.KeySet) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.BackendTimeout)
	defer cancel()

	err := m.store.SwapKeySet(ctx, expected, next)
	switch {
	case err == nil, errors.Is(err, storage.ErrVersionConflict):
		return err
	default:
		m.instruments.BackendError(ctx, "swap_key_set")
		slog.Error("failed to store signing key set", "error", err)
		return fmt.Errorf("%w: storing key set: %w", oautherr.ErrBackendUnavailable, err)
	}
}
