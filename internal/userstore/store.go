// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package userstore manages the per-user SQLite stores: the handle type, a
// content-addressed connection pool with active-operation reference counting,
// and the manager that resolves auth ids to live handles.
package userstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jittarao/torboxd/internal/database"
	"github.com/jittarao/torboxd/internal/dbinterface"
	"github.com/jittarao/torboxd/internal/models"
)

// Store is one user's opened database plus the typed stores over it. All
// stores share the underlying single-writer connection, so cross-store writes
// within one poll serialize naturally.
type Store struct {
	db *database.DB

	Rules        *models.RuleStore
	Shadow       *models.ShadowStore
	Telemetry    *models.TelemetryStore
	SpeedHistory *models.SpeedHistoryStore
	Tags         *models.TagStore
	Archive      *models.ArchiveStore
	ExecutionLog *models.ExecutionLogStore
}

// Open opens (creating and migrating if needed) the per-user store at path.
func Open(path string) (*Store, error) {
	db, err := database.Open(path, database.SchemaUser)
	if err != nil {
		return nil, fmt.Errorf("open user store at %s: %w", path, err)
	}
	return newStore(db), nil
}

func newStore(db *database.DB) *Store {
	return &Store{
		db:           db,
		Rules:        models.NewRuleStore(db),
		Shadow:       models.NewShadowStore(db),
		Telemetry:    models.NewTelemetryStore(db),
		SpeedHistory: models.NewSpeedHistoryStore(db),
		Tags:         models.NewTagStore(db),
		Archive:      models.NewArchiveStore(db),
		ExecutionLog: models.NewExecutionLogStore(db),
	}
}

// Path returns the store's filesystem location.
func (s *Store) Path() string {
	return s.db.Path()
}

// Ping probes handle liveness. Pool hits run this before returning a handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// BeginTx opens a transaction on the store. The diff and derived-fields
// engines run inside one write transaction per poll.
func (s *Store) BeginTx(ctx context.Context, opts *sql.TxOptions) (dbinterface.TxQuerier, error) {
	return s.db.BeginTx(ctx, opts)
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
