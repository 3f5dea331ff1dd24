// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// DefaultSQLiteBusyTimeout bounds how long a writer waits for the database lock.
const DefaultSQLiteBusyTimeout = 5 * time.Second

// SQLiteStorage implements Storage on a single SQLite database file.
// Grant consumption is a conditional UPDATE and key set replacement is a
// version-guarded UPDATE, so several processes may share the file.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (creating if needed) the database at path.
// Migrate must be called before use.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

func sqliteDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", DefaultSQLiteBusyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Migrate applies pending schema migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	applied, err := runMigrations(ctx, s.db)
	if err != nil {
		return err
	}
	slog.Debug("sqlite migrations applied", "path", s.path, "count", applied)
	return nil
}

// Health pings the database.
func (s *SQLiteStorage) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// -----------------------
// ClientStore
// -----------------------

const clientColumns = `id, display_name, redirect_uris, allowed_scopes, credential_kind,
	secret_hash, public_keys, enabled, created_at, updated_at, revision`

// CreateClient stores a new client.
func (s *SQLiteStorage) CreateClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id cannot be empty")
	}

	args, err := clientArgs(client)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client %s", ErrAlreadyExists, client.ID)
		}
		return fmt.Errorf("inserting client: %w", err)
	}
	return nil
}

// GetClient returns the client with the given id.
func (s *SQLiteStorage) GetClient(ctx context.Context, id string) (*Client, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading client: %w", err)
	}
	return client, nil
}

// UpdateClient replaces an existing client at the expected revision.
func (s *SQLiteStorage) UpdateClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client id cannot be empty")
	}

	args, err := clientArgs(client)
	if err != nil {
		return err
	}

	// Columns between id and revision are rewritten; the revision read by
	// the caller guards the row.
	params := append(slices.Clone(args[1:len(args)-1]), client.ID, client.Revision)
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET display_name = ?, redirect_uris = ?, allowed_scopes = ?,
			credential_kind = ?, secret_hash = ?, public_keys = ?, enabled = ?,
			created_at = ?, updated_at = ?, revision = revision + 1
		WHERE id = ? AND revision = ?`,
		params...,
	)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM clients WHERE id = ?`, client.ID).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("%w: client %s", ErrNotFound, client.ID)
		case err != nil:
			return fmt.Errorf("reading client: %w", err)
		}
		return fmt.Errorf("%w: client %s", ErrRevisionConflict, client.ID)
	}
	client.Revision++
	return nil
}

// ListClients returns all clients ordered by id.
func (s *SQLiteStorage) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var out []*Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		out = append(out, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating clients: %w", err)
	}
	return out, nil
}

func clientArgs(c *Client) ([]any, error) {
	redirects, err := json.Marshal(nonNil(c.RedirectURIs))
	if err != nil {
		return nil, fmt.Errorf("encoding redirect uris: %w", err)
	}
	scopes, err := json.Marshal(nonNil(c.AllowedScopes))
	if err != nil {
		return nil, fmt.Errorf("encoding scopes: %w", err)
	}
	return []any{
		c.ID, c.DisplayName, redirects, scopes, string(c.Credential.Kind),
		c.Credential.SecretHash, []byte(c.Credential.PublicKeys), c.Enabled,
		c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano(), c.Revision,
	}, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*Client, error) {
	var (
		c                   Client
		redirects, scopes   []byte
		kind                string
		secret, publicKeys  []byte
		createdAt, updateAt int64
	)
	if err := row.Scan(&c.ID, &c.DisplayName, &redirects, &scopes, &kind,
		&secret, &publicKeys, &c.Enabled, &createdAt, &updateAt, &c.Revision); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(redirects, &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decoding redirect uris: %w", err)
	}
	if err := json.Unmarshal(scopes, &c.AllowedScopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	c.Credential = Credential{Kind: CredentialKind(kind), SecretHash: secret}
	if len(publicKeys) > 0 {
		c.Credential.PublicKeys = json.RawMessage(publicKeys)
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.UpdatedAt = time.Unix(0, updateAt).UTC()
	return &c, nil
}

// -----------------------
// KeyStore
// -----------------------

// LoadKeySet returns the stored key set, or an empty version 0 set.
func (s *SQLiteStorage) LoadKeySet(ctx context.Context) (*KeySet, error) {
	var (
		version int64
		data    []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT version, data FROM key_sets WHERE id = 1`).Scan(&version, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return &KeySet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key set: %w", err)
	}

	var set KeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decoding key set: %w", err)
	}
	set.Version = version
	return &set, nil
}

// KeySetVersion returns the stored key set version, or 0.
func (s *SQLiteStorage) KeySetVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM key_sets WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading key set version: %w", err)
	}
	return version, nil
}

// SwapKeySet writes next if the stored version equals expectedVersion.
func (s *SQLiteStorage) SwapKeySet(ctx context.Context, expectedVersion int64, next *KeySet) error {
	if next == nil {
		return errors.New("key set cannot be nil")
	}

	stored := next.Clone()
	stored.Version = expectedVersion + 1
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encoding key set: %w", err)
	}

	if expectedVersion == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO key_sets (id, version, data) VALUES (1, ?, ?)`, stored.Version, data)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: key set already initialized", ErrVersionConflict)
			}
			return fmt.Errorf("inserting key set: %w", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE key_sets SET version = ?, data = ? WHERE id = 1 AND version = ?`,
		stored.Version, data, expectedVersion)
	if err != nil {
		return fmt.Errorf("updating key set: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: expected version %d", ErrVersionConflict, expectedVersion)
	}
	return nil
}

// -----------------------
// GrantStore
// -----------------------

const grantColumns = `id, grant_type, client_id, subject, scopes, issued_at, expires_at,
	consumed, nonce, redirect_uri, code_challenge, code_challenge_method, parent_id,
	redirect_uri_explicit`

// PutGrant stores a new grant.
func (s *SQLiteStorage) PutGrant(ctx context.Context, grant *Grant) error {
	if grant == nil || grant.ID == "" {
		return errors.New("grant id cannot be empty")
	}

	scopes, err := json.Marshal(nonNil(grant.Scopes))
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID, string(grant.Type), grant.ClientID, grant.Subject, scopes,
		grant.IssuedAt.UnixNano(), grant.ExpiresAt.UnixNano(), grant.Consumed,
		grant.Nonce, grant.RedirectURI, grant.CodeChallenge, grant.CodeChallengeMethod, grant.ParentID,
		grant.RedirectURIExplicit,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: grant", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting grant: %w", err)
	}
	return nil
}

// GetGrant returns the grant with the given id.
func (s *SQLiteStorage) GetGrant(ctx context.Context, id string) (*Grant, error) {
	var (
		g                   Grant
		grantType           string
		scopes              []byte
		issuedAt, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id = ?`, id).Scan(
		&g.ID, &grantType, &g.ClientID, &g.Subject, &scopes, &issuedAt, &expiresAt,
		&g.Consumed, &g.Nonce, &g.RedirectURI, &g.CodeChallenge, &g.CodeChallengeMethod, &g.ParentID,
		&g.RedirectURIExplicit,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: grant", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading grant: %w", err)
	}
	if err := json.Unmarshal(scopes, &g.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	g.Type = GrantType(grantType)
	g.IssuedAt = time.Unix(0, issuedAt).UTC()
	g.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return &g, nil
}

// ConsumeGrant sets the consumed flag with a conditional UPDATE. Only the
// statement that flips the flag from 0 to 1 affects a row.
func (s *SQLiteStorage) ConsumeGrant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE grants SET consumed = 1 WHERE id = ? AND consumed = 0`, id)
	if err != nil {
		return fmt.Errorf("consuming grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM grants WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading grant: %w", err)
	}
	return ErrAlreadyConsumed
}

// DeleteGrant removes a grant.
func (s *SQLiteStorage) DeleteGrant(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: grant", ErrNotFound)
	}
	return nil
}

// DeleteExpiredGrants removes all grants with expires_at before now.
func (s *SQLiteStorage) DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting expired grants: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
