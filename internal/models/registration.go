// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

var ErrRegistrationNotFound = errors.New("user registration not found")

// UserStatus is the registry-level lifecycle state of a user.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusInactive UserStatus = "inactive"
)

// UserRegistration is the catalog row for one user: the credential digest
// that addresses them, where their store lives, and the scheduling fields
// the poller reads and writes.
type UserRegistration struct {
	AuthID           string     `json:"authId"`
	EncryptedKey     string     `json:"-"`
	StorePath        string     `json:"storePath"`
	Status           UserStatus `json:"status"`
	HasActiveRules   bool       `json:"hasActiveRules"`
	NextPollAt       *time.Time `json:"nextPollAt,omitempty"`
	NonTerminalCount int        `json:"nonTerminalCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// RegistryStore is the durable source of truth for which users exist, are
// active, and are due for polling. A short-TTL row cache sits in front of
// reads; every write invalidates the written authID.
type RegistryStore struct {
	db    dbinterface.Querier
	cache *ttlcache.Cache[string, *UserRegistration]
}

const registrationCacheTTL = 30 * time.Second

func NewRegistryStore(db dbinterface.Querier) *RegistryStore {
	return &RegistryStore{
		db:    db,
		cache: ttlcache.New(ttlcache.Options[string, *UserRegistration]{}.SetDefaultTTL(registrationCacheTTL)),
	}
}

const registrationColumns = `auth_id, encrypted_key, store_path, status, has_active_rules, next_poll_at, non_terminal_count, created_at, updated_at`

func scanRegistration(scan func(dest ...any) error) (*UserRegistration, error) {
	var reg UserRegistration
	var status string
	var hasActiveRules int
	var nextPollAt sql.NullString

	if err := scan(
		&reg.AuthID,
		&reg.EncryptedKey,
		&reg.StorePath,
		&status,
		&hasActiveRules,
		&nextPollAt,
		&reg.NonTerminalCount,
		&reg.CreatedAt,
		&reg.UpdatedAt,
	); err != nil {
		return nil, err
	}

	reg.Status = UserStatus(status)
	reg.HasActiveRules = hasActiveRules != 0
	if nextPollAt.Valid {
		reg.NextPollAt = timePtrFromNullable(&nextPollAt.String)
	}

	return &reg, nil
}

// Get returns the registration for authID, from cache when fresh.
func (s *RegistryStore) Get(ctx context.Context, authID string) (*UserRegistration, error) {
	if reg, ok := s.cache.Get(authID); ok && reg != nil {
		return reg, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+registrationColumns+`
		FROM user_registry
		WHERE auth_id = ?
	`, authID)

	reg, err := scanRegistration(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}

	s.cache.Set(authID, reg, ttlcache.DefaultTTL)
	return reg, nil
}

// Insert creates a registration. Inserting an existing authID is a no-op so
// that concurrent registration of the same credential stays idempotent.
func (s *RegistryStore) Insert(ctx context.Context, reg *UserRegistration) error {
	status := reg.Status
	if status == "" {
		status = UserStatusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_registry (auth_id, encrypted_key, store_path, status, has_active_rules, next_poll_at, non_terminal_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (auth_id) DO NOTHING
	`, reg.AuthID, reg.EncryptedKey, reg.StorePath, string(status), boolToInt(reg.HasActiveRules), nullableFromTimePtr(reg.NextPollAt), reg.NonTerminalCount)
	if err != nil {
		return fmt.Errorf("failed to insert registration: %w", err)
	}

	s.cache.Delete(reg.AuthID)
	return nil
}

// UpdateStorePath reconciles a registration whose store moved.
func (s *RegistryStore) UpdateStorePath(ctx context.Context, authID, storePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_registry
		SET store_path = ?, updated_at = CURRENT_TIMESTAMP
		WHERE auth_id = ?
	`, storePath, authID)
	if err != nil {
		return fmt.Errorf("failed to update store path: %w", err)
	}

	s.cache.Delete(authID)
	return nil
}

// UpdateActiveRulesFlag persists the cached truth of "user has at least one
// enabled rule".
func (s *RegistryStore) UpdateActiveRulesFlag(ctx context.Context, authID string, hasActiveRules bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_registry
		SET has_active_rules = ?, updated_at = CURRENT_TIMESTAMP
		WHERE auth_id = ?
	`, boolToInt(hasActiveRules), authID)
	if err != nil {
		return fmt.Errorf("failed to update active rules flag: %w", err)
	}

	s.cache.Delete(authID)
	return nil
}

// UpdateNextPollAt schedules the user's next poll and records the last
// observed non-terminal torrent count.
func (s *RegistryStore) UpdateNextPollAt(ctx context.Context, authID string, next time.Time, nonTerminalCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_registry
		SET next_poll_at = ?, non_terminal_count = ?, updated_at = CURRENT_TIMESTAMP
		WHERE auth_id = ?
	`, FormatTime(next), nonTerminalCount, authID)
	if err != nil {
		return fmt.Errorf("failed to update next poll time: %w", err)
	}

	s.cache.Delete(authID)
	return nil
}

// UpdateUserStatus transitions a user between active and inactive.
func (s *RegistryStore) UpdateUserStatus(ctx context.Context, authID string, status UserStatus) error {
	if status != UserStatusActive && status != UserStatusInactive {
		return fmt.Errorf("invalid user status %q", status)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE user_registry
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE auth_id = ?
	`, string(status), authID)
	if err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}

	s.cache.Delete(authID)
	return nil
}

// Delete removes the registration.
func (s *RegistryStore) Delete(ctx context.Context, authID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_registry WHERE auth_id = ?`, authID)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}

	s.cache.Delete(authID)
	return nil
}

// InvalidateCache drops any cached row for authID. Pass the empty string to
// drop everything.
func (s *RegistryStore) InvalidateCache(authID string) {
	if authID == "" {
		for _, key := range s.cache.GetKeys() {
			s.cache.Delete(key)
		}
		return
	}
	s.cache.Delete(authID)
}

// ActiveUsers returns every registration with status=active and a stored
// credential.
func (s *RegistryStore) ActiveUsers(ctx context.Context) ([]*UserRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+registrationColumns+`
		FROM user_registry
		WHERE status = 'active' AND encrypted_key != ''
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var regs []*UserRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, reg)
	}

	return regs, rows.Err()
}

// UsersDueForPolling returns active users whose next poll is due at now. A
// user is due when next_poll_at <= now, or when next_poll_at is unset and the
// user has active rules. Due-filtering and ordering happen in Go so that
// legacy and canonical timestamp forms compare value-correctly; nulls sort
// first (due now), then ascending next_poll_at.
func (s *RegistryStore) UsersDueForPolling(ctx context.Context, now time.Time) ([]*UserRegistration, error) {
	regs, err := s.ActiveUsers(ctx)
	if err != nil {
		return nil, err
	}

	due := regs[:0]
	for _, reg := range regs {
		switch {
		case reg.NextPollAt == nil:
			if reg.HasActiveRules {
				due = append(due, reg)
			}
		case !reg.NextPollAt.After(now):
			due = append(due, reg)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i].NextPollAt, due[j].NextPollAt
		if a == nil {
			return b != nil
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})

	return due, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
