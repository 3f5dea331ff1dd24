// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// Key families under the configured prefix.
const (
	keyTypeClient     = "client"
	keyTypeClientSet  = "clients"
	keyTypeKeySet     = "keyset"
	keyTypeGrant      = "grant"
	keyTypeGrantIndex = "grants:expiry"
)

// RedisConfig holds Redis connection configuration.
// Either Address (standalone) or SentinelConfig (failover) must be set.
type RedisConfig struct {
	// Address is a standalone Redis address (host:port).
	Address string

	// SentinelConfig enables Sentinel failover when set.
	SentinelConfig *SentinelConfig

	// Username and Password authenticate with Redis ACLs.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "ltiauth:prod:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

// RedisStorage implements Storage on Redis, enabling several issuer
// instances to share clients, keys and grants. Atomic operations are Lua
// scripts so they stay single round trip and linearizable per key.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ Storage = (*RedisStorage)(nil)

// NewRedisStorage creates Redis-backed storage and verifies connectivity.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	opts := &redis.UniversalOptions{
		Addrs:        []string{cfg.Address},
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.SentinelConfig != nil {
		opts.MasterName = cfg.SentinelConfig.MasterName
		opts.Addrs = cfg.SentinelConfig.SentinelAddrs
	}
	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig == nil && cfg.Address == "" {
		return errors.New("either an address or a sentinel configuration is required")
	}
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

func redisKey(prefix, keyType, id string) string {
	if id == "" {
		return prefix + keyType
	}
	return prefix + keyType + ":" + id
}

// Migrate is a no-op: Redis has no schema.
func (*RedisStorage) Migrate(_ context.Context) error {
	return nil
}

// Health pings Redis.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// -----------------------
// ClientStore
// -----------------------

// createClientScript stores a client only if absent and indexes it.
// Returns 1 on success, 0 if the client already exists.
var createClientScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// CreateClient stores a new client.
func (s *RedisStorage) CreateClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id cannot be empty")
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	keys := []string{
		redisKey(s.keyPrefix, keyTypeClient, client.ID),
		redisKey(s.keyPrefix, keyTypeClientSet, ""),
	}
	created, err := createClientScript.Run(ctx, s.client, keys, data, client.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to store client: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
	}
	return nil
}

// GetClient returns the client with the given id.
func (s *RedisStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, keyTypeClient, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return &client, nil
}

// updateClientScript replaces a client only if its stored revision matches.
// Returns 1 on success, 0 on a revision conflict and -1 when absent.
var updateClientScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return -1
end
local revision = tonumber(cjson.decode(current).revision or 0)
if revision ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// UpdateClient replaces an existing client at the expected revision.
func (s *RedisStorage) UpdateClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id cannot be empty")
	}
	next := *client
	next.Revision = client.Revision + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	res, err := updateClientScript.Run(ctx, s.client,
		[]string{redisKey(s.keyPrefix, keyTypeClient, client.ID)},
		strconv.FormatInt(client.Revision, 10), data,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: client %s", ErrNotFound, client.ID)
	case 0:
		return fmt.Errorf("%w: client %s", ErrRevisionConflict, client.ID)
	}
	client.Revision = next.Revision
	return nil
}

// ListClients returns all clients sorted by id.
func (s *RedisStorage) ListClients(ctx context.Context) ([]*Client, error) {
	ids, err := s.client.SMembers(ctx, redisKey(s.keyPrefix, keyTypeClientSet, "")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	slices.Sort(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKey(s.keyPrefix, keyTypeClient, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load clients: %w", err)
	}

	out := make([]*Client, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var client Client
		if err := json.Unmarshal([]byte(str), &client); err != nil {
			return nil, fmt.Errorf("failed to unmarshal client: %w", err)
		}
		out = append(out, &client)
	}
	return out, nil
}

// -----------------------
// KeyStore
// -----------------------

// swapKeySetScript replaces the key set only if the stored version matches.
// A missing key counts as version 0. The stored document is never re-encoded
// by Lua. Returns 1 on success, 0 on conflict.
var swapKeySetScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local version = 0
if current then
	version = tonumber(cjson.decode(current).version)
end
if version ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

// keySetVersionScript returns the version of the stored key set, or 0.
var keySetVersionScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
return tonumber(cjson.decode(current).version)
`)

// LoadKeySet returns the stored key set, or an empty version 0 set.
func (s *RedisStorage) LoadKeySet(ctx context.Context) (*KeySet, error) {
	data, err := s.client.Get(ctx, redisKey(s.keyPrefix, keyTypeKeySet, "")).Bytes()
	if errors.Is(err, redis.Nil) {
		return &KeySet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key set: %w", err)
	}

	var set KeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key set: %w", err)
	}
	return &set, nil
}

// KeySetVersion returns the stored key set version without transferring
// the keys.
func (s *RedisStorage) KeySetVersion(ctx context.Context) (int64, error) {
	version, err := keySetVersionScript.Run(ctx, s.client,
		[]string{redisKey(s.keyPrefix, keyTypeKeySet, "")},
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to read key set version: %w", err)
	}
	return version, nil
}

// SwapKeySet writes next if the stored version equals expectedVersion.
func (s *RedisStorage) SwapKeySet(ctx context.Context, expectedVersion int64, next *KeySet) error {
	if next == nil {
		return errors.New("key set cannot be nil")
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal key set: %w", err)
	}

	swapped, err := swapKeySetScript.Run(ctx, s.client,
		[]string{redisKey(s.keyPrefix, keyTypeKeySet, "")},
		strconv.FormatInt(expectedVersion, 10), data,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to swap key set: %w", err)
	}
	if swapped == 0 {
		return fmt.Errorf("%w: expected version %d", ErrVersionConflict, expectedVersion)
	}
	return nil
}

// -----------------------
// GrantStore
// -----------------------

// Grants are hashes with a "data" field (JSON) and a separate "consumed"
// field, so the consumed flag can be flipped without re-encoding the
// document. A sorted set scored by expiry indexes grants for cleanup.

// putGrantScript creates a grant only if absent.
// Returns 1 on success, 0 if the id exists.
var putGrantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'consumed', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// consumeGrantScript atomically flips the consumed flag.
// Returns 1 on success, 0 if missing, 2 if already consumed.
var consumeGrantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[1], 'consumed') == '1' then
	return 2
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 1
`)

// deleteGrantScript removes a grant and its index entry.
// Returns the number of grant keys removed.
var deleteGrantScript = redis.NewScript(`
local removed = redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return removed
`)

// deleteExpiredScript removes every indexed grant scored strictly below
// ARGV[1] and returns how many grant keys were removed.
var deleteExpiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
local removed = 0
for _, id in ipairs(ids) do
	removed = removed + redis.call('DEL', ARGV[2] .. id)
	redis.call('ZREM', KEYS[1], id)
end
return removed
`)

// PutGrant stores a new grant.
func (s *RedisStorage) PutGrant(ctx context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return errors.New("grant id cannot be empty")
	}
	data, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	consumed := "0"
	if grant.Consumed {
		consumed = "1"
	}
	keys := []string{
		redisKey(s.keyPrefix, keyTypeGrant, grant.ID),
		redisKey(s.keyPrefix, keyTypeGrantIndex, ""),
	}
	created, err := putGrantScript.Run(ctx, s.client, keys,
		data, consumed, grant.ExpiresAt.UnixMilli(), grant.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to store grant: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: grant", ErrAlreadyExists)
	}
	return nil
}

// GetGrant returns the grant with the given id.
func (s *RedisStorage) GetGrant(ctx context.Context, id string) (*Grant, error) {
	fields, err := s.client.HMGet(ctx, redisKey(s.keyPrefix, keyTypeGrant, id), "data", "consumed").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}
	data, ok := fields[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}

	var grant Grant
	if err := json.Unmarshal([]byte(data), &grant); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}
	grant.Consumed = fields[1] == "1"
	return &grant, nil
}

// ConsumeGrant atomically sets the consumed flag.
func (s *RedisStorage) ConsumeGrant(ctx context.Context, id string) error {
	result, err := consumeGrantScript.Run(ctx, s.client,
		[]string{redisKey(s.keyPrefix, keyTypeGrant, id)},
	).Int()
	if err != nil {
		return fmt.Errorf("failed to consume grant: %w", err)
	}
	switch result {
	case 1:
		return nil
	case 2:
		return ErrAlreadyConsumed
	default:
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
}

// DeleteGrant removes a grant.
func (s *RedisStorage) DeleteGrant(ctx context.Context, id string) error {
	keys := []string{
		redisKey(s.keyPrefix, keyTypeGrant, id),
		redisKey(s.keyPrefix, keyTypeGrantIndex, ""),
	}
	removed, err := deleteGrantScript.Run(ctx, s.client, keys, id).Int()
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	return nil
}

// DeleteExpiredGrants removes grants that expired before now.
func (s *RedisStorage) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	removed, err := deleteExpiredScript.Run(ctx, s.client,
		[]string{redisKey(s.keyPrefix, keyTypeGrantIndex, "")},
		now.UnixMilli(), s.keyPrefix+keyTypeGrant+":",
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired grants: %w", err)
	}
	return removed, nil
}
