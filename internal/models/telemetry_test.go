// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittarao/torboxd/internal/dbinterface"
	"github.com/jittarao/torboxd/internal/testdb"
)

// seedShadow inserts the shadow row telemetry, speed history and tag links
// hang off.
func seedShadow(t *testing.T, db dbinterface.Querier, torrentID int64) {
	t.Helper()
	require.NoError(t, NewShadowStore(db).Upsert(context.Background(), &TorrentShadow{
		TorrentID: torrentID,
		Name:      "seed",
		LastState: "downloading",
	}))
}

func TestTelemetryStoreGetMissing(t *testing.T) {
	db := testdb.OpenUser(t)
	store := NewTelemetryStore(db)

	got, err := store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTelemetryStoreInsertAndMap(t *testing.T) {
	db := testdb.OpenUser(t)
	store := NewTelemetryStore(db)
	ctx := context.Background()

	seedShadow(t, db, 1)
	seedShadow(t, db, 2)

	activity := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, &TorrentTelemetry{TorrentID: 1, LastDownloadActivityAt: &activity}))
	require.NoError(t, store.Insert(ctx, &TorrentTelemetry{TorrentID: 2}))

	// Re-insert must not clobber the existing row.
	require.NoError(t, store.Insert(ctx, &TorrentTelemetry{TorrentID: 1}))

	rows, err := store.Map(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NotNil(t, rows[1].LastDownloadActivityAt)
	assert.True(t, rows[1].LastDownloadActivityAt.Equal(activity))
	assert.Nil(t, rows[1].StalledSince)
	assert.Nil(t, rows[2].LastDownloadActivityAt)
}

func TestTelemetryStoreUpdateColumns(t *testing.T) {
	db := testdb.OpenUser(t)
	store := NewTelemetryStore(db)
	ctx := context.Background()

	seedShadow(t, db, 1)
	require.NoError(t, store.Insert(ctx, &TorrentTelemetry{TorrentID: 1}))

	stalled := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpdateColumns(ctx, 1, map[string]any{
		"stalled_since":             stalled,
		"last_download_activity_at": &stalled,
	}))

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got.StalledSince)
	assert.True(t, got.StalledSince.Equal(stalled))
	require.NotNil(t, got.LastDownloadActivityAt)

	// nil clears a marker.
	require.NoError(t, store.UpdateColumns(ctx, 1, map[string]any{"stalled_since": nil}))
	got, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got.StalledSince)
}

func TestTelemetryStoreUpdateColumnsWhitelist(t *testing.T) {
	db := testdb.OpenUser(t)
	store := NewTelemetryStore(db)
	ctx := context.Background()

	seedShadow(t, db, 1)
	require.NoError(t, store.Insert(ctx, &TorrentTelemetry{TorrentID: 1}))

	// Non-whitelisted columns are dropped, not interpolated into SQL.
	require.NoError(t, store.UpdateColumns(ctx, 1, map[string]any{
		"torrent_id":             int64(999),
		"created_at; DROP TABLE": "x",
	}))

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TorrentID)

	// An update with nothing whitelisted is a no-op.
	require.NoError(t, store.UpdateColumns(ctx, 1, map[string]any{}))
}

func TestTelemetryCascadesWithShadow(t *testing.T) {
	db := testdb.OpenUser(t)
	store := NewTelemetryStore(db)
	ctx := context.Background()

	seedShadow(t, db, 1)
	require.NoError(t, store.Insert(ctx, &TorrentTelemetry{TorrentID: 1}))

	require.NoError(t, NewShadowStore(db).Delete(ctx, []int64{1}))

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}
