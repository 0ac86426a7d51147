// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automations

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/testdb"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

type fakeClient struct {
	controls map[int64]torbox.ControlOperation
	deletes  []int64
	failIDs  map[int64]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		controls: make(map[int64]torbox.ControlOperation),
		failIDs:  make(map[int64]bool),
	}
}

func (c *fakeClient) ControlTorrent(_ context.Context, torrentID int64, op torbox.ControlOperation) error {
	if c.failIDs[torrentID] {
		return fmt.Errorf("upstream refused torrent %d", torrentID)
	}
	c.controls[torrentID] = op
	return nil
}

func (c *fakeClient) DeleteTorrent(_ context.Context, torrentID int64) error {
	if c.failIDs[torrentID] {
		return fmt.Errorf("upstream refused torrent %d", torrentID)
	}
	c.deletes = append(c.deletes, torrentID)
	return nil
}

func openTestStore(t *testing.T) *userstore.Store {
	t.Helper()
	store, err := userstore.Open(testdb.UserPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedShadowRows(t *testing.T, store *userstore.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.Shadow.Upsert(context.Background(), &models.TorrentShadow{
			TorrentID: id,
			LastState: "seeding",
		}))
	}
}

func TestExecutorStopSeedingContinuesPastFailures(t *testing.T) {
	store := openTestStore(t)
	client := newFakeClient()
	client.failIDs[2] = true

	executor := NewExecutor(store, client)
	rule := &models.Rule{Name: "stop", Action: models.Action{Type: models.ActionStopSeeding}}

	result := executor.Execute(context.Background(), rule, []torbox.Torrent{{ID: 1}, {ID: 2}, {ID: 3}})

	assert.Equal(t, 3, result.Matched)
	assert.Equal(t, 2, result.Executed)
	assert.Equal(t, 1, result.Failed)
	require.Error(t, result.FirstError)
	assert.Contains(t, result.FirstError.Error(), "torrent 2")

	assert.Equal(t, torbox.ControlStopSeeding, client.controls[1])
	assert.Equal(t, torbox.ControlStopSeeding, client.controls[3])
	assert.NotContains(t, client.controls, int64(2))
}

func TestExecutorDelete(t *testing.T) {
	store := openTestStore(t)
	client := newFakeClient()

	executor := NewExecutor(store, client)
	rule := &models.Rule{Name: "purge", Action: models.Action{Type: models.ActionDelete}}

	result := executor.Execute(context.Background(), rule, []torbox.Torrent{{ID: 9}})
	assert.Equal(t, 1, result.Executed)
	assert.Equal(t, []int64{9}, client.deletes)
}

func TestExecutorEmptyMatchIsNoOp(t *testing.T) {
	store := openTestStore(t)
	client := newFakeClient()

	executor := NewExecutor(store, client)
	rule := &models.Rule{Name: "noop", Action: models.Action{Type: models.ActionDelete}}

	result := executor.Execute(context.Background(), rule, nil)
	assert.Zero(t, result.Matched)
	assert.Zero(t, result.Executed)
	assert.Empty(t, client.deletes)
}

func TestExecutorArchiveIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	client := newFakeClient()
	ctx := context.Background()

	executor := NewExecutor(store, client)
	rule := &models.Rule{Name: "archive done", Action: models.Action{Type: models.ActionArchive}}
	torrent := torbox.Torrent{ID: 5, Hash: "abcd", Name: "keeper", Size: 2048, Tracker: "example.org"}

	result := executor.Execute(ctx, rule, []torbox.Torrent{torrent})
	assert.Equal(t, 1, result.Executed)
	assert.Zero(t, result.Failed)

	// Retrying after an upstream hiccup re-issues the delete without
	// duplicating the archive record.
	result = executor.Execute(ctx, rule, []torbox.Torrent{torrent})
	assert.Equal(t, 1, result.Executed)
	assert.Equal(t, []int64{5, 5}, client.deletes)

	records, err := store.Archive.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].TorrentID)
	assert.Equal(t, "keeper", records[0].Name)
}

func TestExecutorAddTag(t *testing.T) {
	store := openTestStore(t)
	client := newFakeClient()
	ctx := context.Background()

	seedShadowRows(t, store, 1, 2)
	tag, err := store.Tags.Create(ctx, "slow")
	require.NoError(t, err)

	executor := NewExecutor(store, client)
	rule := &models.Rule{
		Name: "label",
		Action: models.Action{
			Type:   models.ActionAddTag,
			Params: map[string]any{"tag_ids": []any{float64(tag.ID)}},
		},
	}

	result := executor.Execute(ctx, rule, []torbox.Torrent{{ID: 1}, {ID: 2}})
	assert.Equal(t, 2, result.Executed)
	assert.Zero(t, result.Failed)

	byTorrent, err := store.Tags.TagIDsByTorrent(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{tag.ID}, byTorrent[1])
	assert.Equal(t, []int64{tag.ID}, byTorrent[2])
}

func TestExecutorTagActionRefusesUnknownIDs(t *testing.T) {
	store := openTestStore(t)
	client := newFakeClient()
	ctx := context.Background()

	seedShadowRows(t, store, 1)

	executor := NewExecutor(store, client)
	rule := &models.Rule{
		Name: "bad label",
		Action: models.Action{
			Type:   models.ActionAddTag,
			Params: map[string]any{"tag_ids": []any{float64(404)}},
		},
	}

	// The whole batch fails up front; nothing is half-labelled.
	result := executor.Execute(ctx, rule, []torbox.Torrent{{ID: 1}, {ID: 2}})
	assert.Zero(t, result.Executed)
	assert.Equal(t, 2, result.Failed)
	require.Error(t, result.FirstError)
	assert.Contains(t, result.FirstError.Error(), "404")

	byTorrent, err := store.Tags.TagIDsByTorrent(ctx)
	require.NoError(t, err)
	assert.Empty(t, byTorrent)
}

func TestExecutorTagActionWithoutIDs(t *testing.T) {
	store := openTestStore(t)
	executor := NewExecutor(store, newFakeClient())

	rule := &models.Rule{Name: "empty", Action: models.Action{Type: models.ActionRemoveTag}}
	result := executor.Execute(context.Background(), rule, []torbox.Torrent{{ID: 1}})

	assert.Equal(t, 1, result.Failed)
	require.Error(t, result.FirstError)
}

func TestExecutorUnknownAction(t *testing.T) {
	store := openTestStore(t)
	executor := NewExecutor(store, newFakeClient())

	rule := &models.Rule{Name: "mystery", Action: models.Action{Type: "explode"}}
	result := executor.Execute(context.Background(), rule, []torbox.Torrent{{ID: 1}})

	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Executed)
}
