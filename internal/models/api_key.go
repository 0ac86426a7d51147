// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKey is a stored upstream credential, addressed by the same digest as the
// user registration it belongs to. The raw credential never touches disk;
// only the AES-GCM ciphertext is stored.
type APIKey struct {
	ID           int64      `json:"id"`
	AuthID       string     `json:"authId"`
	EncryptedKey string     `json:"-"`
	Name         string     `json:"name,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
}

type APIKeyStore struct {
	db dbinterface.Querier
}

func NewAPIKeyStore(db dbinterface.Querier) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// Upsert stores the ciphertext for authID, replacing an existing row's key
// material but keeping its creation time.
func (s *APIKeyStore) Upsert(ctx context.Context, authID, encryptedKey, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (auth_id, encrypted_key, name)
		VALUES (?, ?, ?)
		ON CONFLICT (auth_id) DO UPDATE SET encrypted_key = excluded.encrypted_key, name = excluded.name
	`, authID, encryptedKey, name)
	if err != nil {
		return fmt.Errorf("failed to upsert api key: %w", err)
	}
	return nil
}

// Get returns the stored key for authID.
func (s *APIKeyStore) Get(ctx context.Context, authID string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, auth_id, encrypted_key, name, created_at, last_used_at
		FROM api_keys
		WHERE auth_id = ?
	`, authID)

	var key APIKey
	var name sql.NullString
	var lastUsed sql.NullString
	if err := row.Scan(&key.ID, &key.AuthID, &key.EncryptedKey, &name, &key.CreatedAt, &lastUsed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	key.Name = name.String
	if lastUsed.Valid {
		key.LastUsedAt = timePtrFromNullable(&lastUsed.String)
	}

	return &key, nil
}

// TouchLastUsed stamps the key's last use; failures are non-fatal to callers
// and surfaced as plain errors.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, authID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ? WHERE auth_id = ?
	`, FormatTime(at), authID)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// Delete removes the stored key for authID.
func (s *APIKeyStore) Delete(ctx context.Context, authID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE auth_id = ?`, authID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return nil
}
