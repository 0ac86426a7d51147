// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package userstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jittarao/torboxd/internal/crypto"
	"github.com/jittarao/torboxd/internal/models"
)

// Manager resolves auth ids to live per-user store handles. Concurrent opens
// of the same store collapse into one open+migrate via a per-key
// single-flight group.
type Manager struct {
	pool      *Pool
	registry  *models.RegistryStore
	apiKeys   *models.APIKeyStore
	encryptor *crypto.AESEncryptor
	storeDir  string

	group singleflight.Group
}

// NewManager wires a manager over the catalog stores and the pool.
func NewManager(pool *Pool, registry *models.RegistryStore, apiKeys *models.APIKeyStore, encryptor *crypto.AESEncryptor, storeDir string) *Manager {
	return &Manager{
		pool:      pool,
		registry:  registry,
		apiKeys:   apiKeys,
		encryptor: encryptor,
		storeDir:  storeDir,
	}
}

// StorePath is the canonical per-user store location.
func (m *Manager) StorePath(authID string) string {
	return filepath.Join(m.storeDir, authID+".db")
}

// GetOrOpen returns a live store handle for authID. Fast path is a pool hit;
// otherwise the open (including migration) runs at most once per key no
// matter how many callers race.
func (m *Manager) GetOrOpen(ctx context.Context, authID string) (*Store, error) {
	if store := m.pool.Get(ctx, authID); store != nil {
		return store, nil
	}

	v, err, _ := m.group.Do(authID, func() (any, error) {
		// A racing caller may have finished the open while we queued.
		if store := m.pool.Get(ctx, authID); store != nil {
			return store, nil
		}

		path, err := m.resolveStorePath(ctx, authID)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}

		store, err := Open(path)
		if err != nil {
			return nil, err
		}

		m.pool.Set(authID, store)
		return store, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Store), nil
}

// resolveStorePath looks up the registered store path, recovering a missing
// registration from an orphaned api_keys row using the canonical path.
func (m *Manager) resolveStorePath(ctx context.Context, authID string) (string, error) {
	reg, err := m.registry.Get(ctx, authID)
	if err == nil {
		return reg.StorePath, nil
	}
	if !errors.Is(err, models.ErrRegistrationNotFound) {
		return "", err
	}

	// Credential present but registration missing: re-insert the
	// registration from the stored key so the user recovers automatically.
	key, keyErr := m.apiKeys.Get(ctx, authID)
	if keyErr != nil {
		if errors.Is(keyErr, models.ErrAPIKeyNotFound) {
			return "", fmt.Errorf("user %s: %w", authID, models.ErrRegistrationNotFound)
		}
		return "", keyErr
	}

	path := m.StorePath(authID)
	log.Warn().Str("authID", authID).Str("storePath", path).Msg("manager: registration missing for stored credential, recovering")

	if err := m.registry.Insert(ctx, &models.UserRegistration{
		AuthID:       authID,
		EncryptedKey: key.EncryptedKey,
		StorePath:    path,
		Status:       models.UserStatusActive,
	}); err != nil {
		return "", fmt.Errorf("recover registration: %w", err)
	}

	return path, nil
}

// RegisterUser registers a raw upstream credential: digest it, encrypt it,
// and insert the catalog rows. Registering the same credential twice yields
// the same authID and a single registration row.
func (m *Manager) RegisterUser(ctx context.Context, rawCredential, keyName string) (string, *Store, error) {
	authID := crypto.HashCredential(rawCredential)

	encrypted, err := m.encryptor.Encrypt(rawCredential)
	if err != nil {
		return "", nil, fmt.Errorf("encrypt credential: %w", err)
	}

	path := m.StorePath(authID)

	if err := m.apiKeys.Upsert(ctx, authID, encrypted, keyName); err != nil {
		return "", nil, err
	}

	if err := m.registry.Insert(ctx, &models.UserRegistration{
		AuthID:       authID,
		EncryptedKey: encrypted,
		StorePath:    path,
		Status:       models.UserStatusActive,
	}); err != nil {
		return "", nil, err
	}

	// A prior registration may point at a moved store; reconcile the path.
	reg, err := m.registry.Get(ctx, authID)
	if err != nil {
		return "", nil, err
	}
	if reg.StorePath != path {
		if _, statErr := os.Stat(reg.StorePath); statErr == nil {
			path = reg.StorePath
		} else if err := m.registry.UpdateStorePath(ctx, authID, path); err != nil {
			return "", nil, err
		}
	}

	store, err := m.GetOrOpen(ctx, authID)
	if err != nil {
		return "", nil, err
	}

	return authID, store, nil
}

// Release forwards to the pool so an idle handle becomes evictable. Pollers
// call this at the end of every cycle.
func (m *Manager) Release(authID string) {
	m.pool.Release(authID)
}

// MarkActive / MarkInactive bracket a logical operation on the user's handle.
func (m *Manager) MarkActive(authID string)   { m.pool.MarkActive(authID) }
func (m *Manager) MarkInactive(authID string) { m.pool.MarkInactive(authID) }

// DecryptCredential resolves authID to the raw upstream credential.
func (m *Manager) DecryptCredential(ctx context.Context, authID string) (string, error) {
	reg, err := m.registry.Get(ctx, authID)
	if err == nil && reg.EncryptedKey != "" {
		return m.encryptor.Decrypt(reg.EncryptedKey)
	}

	key, keyErr := m.apiKeys.Get(ctx, authID)
	if keyErr != nil {
		if err != nil {
			return "", err
		}
		return "", keyErr
	}
	return m.encryptor.Decrypt(key.EncryptedKey)
}

// DeleteUser evicts the handle, unlinks the store file and its WAL/SHM
// siblings, and purges the catalog rows.
func (m *Manager) DeleteUser(ctx context.Context, authID string) error {
	path := m.StorePath(authID)
	if reg, err := m.registry.Get(ctx, authID); err == nil {
		path = reg.StorePath
	}

	m.pool.Delete(authID)

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path+suffix).Msg("manager: failed to remove store file")
		}
	}

	if err := m.registry.Delete(ctx, authID); err != nil {
		return err
	}
	if err := m.apiKeys.Delete(ctx, authID); err != nil {
		return err
	}

	m.registry.InvalidateCache(authID)
	return nil
}

// Pool exposes the underlying pool for metrics and shutdown.
func (m *Manager) Pool() *Pool {
	return m.pool
}
