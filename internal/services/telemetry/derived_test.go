// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittarao/torboxd/internal/dbinterface"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/testdb"
	"github.com/jittarao/torboxd/internal/torbox"
)

// runCycle executes one full poll persistence pass: diff against the current
// shadow, apply the diff, then derive telemetry.
func runCycle(t *testing.T, db dbinterface.Querier, snapshot []torbox.Torrent, now time.Time) {
	t.Helper()
	ctx := context.Background()

	shadow, err := models.NewShadowStore(db).Map(ctx)
	require.NoError(t, err)

	diff := NewStateDiffEngine()
	changes := diff.Diff(snapshot, shadow)
	require.NoError(t, diff.Apply(ctx, db, changes, now))
	require.NoError(t, NewDerivedFieldsEngine().Apply(ctx, db, changes, shadow, now))
}

func TestDerivedFieldsStallLifecycle(t *testing.T) {
	db := testdb.OpenUser(t)
	ctx := context.Background()
	telemetryStore := models.NewTelemetryStore(db)

	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	downloading := torbox.Torrent{ID: 1, Name: "movie", TotalDownloaded: 1000, Active: true}

	// Cycle 1: new downloading torrent seeds its activity timestamp.
	runCycle(t, db, []torbox.Torrent{downloading}, t0)

	tel, err := telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, tel.LastDownloadActivityAt)
	assert.True(t, tel.LastDownloadActivityAt.Equal(t0))
	assert.Nil(t, tel.StalledSince)

	// Cycle 2: two minutes later with no byte movement. Under the threshold,
	// so not yet stalled.
	t1 := t0.Add(2 * time.Minute)
	runCycle(t, db, []torbox.Torrent{downloading}, t1)

	tel, err = telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, tel.StalledSince)

	// Cycle 3: ten minutes after the last activity. The marker anchors to when
	// the bytes stopped moving, not to the observation instant.
	t2 := t0.Add(10 * time.Minute)
	runCycle(t, db, []torbox.Torrent{downloading}, t2)

	tel, err = telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, tel.StalledSince)
	assert.True(t, tel.StalledSince.Equal(t0))

	// Cycle 4: bytes moved again; activity advances and the stall clears.
	t3 := t0.Add(15 * time.Minute)
	moved := downloading
	moved.TotalDownloaded = 2000
	runCycle(t, db, []torbox.Torrent{moved}, t3)

	tel, err = telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, tel.StalledSince)
	require.NotNil(t, tel.LastDownloadActivityAt)
	assert.True(t, tel.LastDownloadActivityAt.Equal(t3))
}

func TestDerivedFieldsUploadStall(t *testing.T) {
	db := testdb.OpenUser(t)
	ctx := context.Background()
	telemetryStore := models.NewTelemetryStore(db)

	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	seeding := torbox.Torrent{ID: 1, Name: "iso", TotalDownloaded: 5000, TotalUploaded: 100, DownloadFinished: true, DownloadPresent: true, Active: true}

	runCycle(t, db, []torbox.Torrent{seeding}, t0)

	tel, err := telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, tel.LastUploadActivityAt)
	assert.True(t, tel.LastUploadActivityAt.Equal(t0))

	// No upload movement past the threshold marks an upload stall.
	t1 := t0.Add(20 * time.Minute)
	runCycle(t, db, []torbox.Torrent{seeding}, t1)

	tel, err = telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, tel.UploadStalledSince)
	assert.True(t, tel.UploadStalledSince.Equal(t0))

	// Upload resumes; the marker clears.
	t2 := t0.Add(30 * time.Minute)
	moved := seeding
	moved.TotalUploaded = 900
	runCycle(t, db, []torbox.Torrent{moved}, t2)

	tel, err = telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, tel.UploadStalledSince)
	require.NotNil(t, tel.LastUploadActivityAt)
	assert.True(t, tel.LastUploadActivityAt.Equal(t2))
}

func TestDerivedFieldsUpstreamStalledAnchor(t *testing.T) {
	db := testdb.OpenUser(t)
	ctx := context.Background()
	telemetryStore := models.NewTelemetryStore(db)

	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	// A torrent that arrives already stalled and never moved a byte anchors
	// its marker to the telemetry row's creation.
	stalled := torbox.Torrent{ID: 1, Name: "dead", DownloadState: "stalledDL", Active: true}
	runCycle(t, db, []torbox.Torrent{stalled}, t0)

	tel, err := telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, tel.StalledSince)

	runCycle(t, db, []torbox.Torrent{stalled}, t0.Add(time.Minute))

	tel, err = telemetryStore.Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, tel.StalledSince)
	assert.True(t, tel.StalledSince.Equal(tel.CreatedAt))
}

func TestDerivedFieldsBackfillFromPriorTotals(t *testing.T) {
	db := testdb.OpenUser(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	// A pre-existing completed torrent first observed with bytes already on
	// the counter backfills its activity from the earliest creation instant.
	torrent := torbox.Torrent{
		ID:               1,
		Name:             "old",
		TotalDownloaded:  5000,
		TotalUploaded:    2000,
		DownloadFinished: true,
		DownloadPresent:  true,
		CreatedAt:        &created,
	}
	runCycle(t, db, []torbox.Torrent{torrent}, t0)

	tel, err := models.NewTelemetryStore(db).Get(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, tel.LastDownloadActivityAt)
	assert.True(t, tel.LastDownloadActivityAt.Equal(created))
	require.NotNil(t, tel.LastUploadActivityAt)
	assert.True(t, tel.LastUploadActivityAt.Equal(created))
	assert.Nil(t, tel.StalledSince)
}
