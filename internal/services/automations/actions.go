// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automations

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

// ControlClient is the slice of the upstream client the executor needs.
type ControlClient interface {
	ControlTorrent(ctx context.Context, torrentID int64, op torbox.ControlOperation) error
	DeleteTorrent(ctx context.Context, torrentID int64) error
}

// ExecutionResult summarizes one rule's action dispatch over its matched set.
type ExecutionResult struct {
	Matched  int
	Executed int
	Failed   int

	// FirstError carries the first per-torrent failure for the audit log.
	FirstError error
}

// Executor dispatches a rule's action against every matched torrent. A
// failure on one torrent is counted and logged, never aborting the rest of
// the batch.
type Executor struct {
	store  *userstore.Store
	client ControlClient
}

func NewExecutor(store *userstore.Store, client ControlClient) *Executor {
	return &Executor{store: store, client: client}
}

// Execute runs the rule's action for each matched torrent and returns the
// per-torrent tallies.
func (e *Executor) Execute(ctx context.Context, rule *models.Rule, matched []torbox.Torrent) ExecutionResult {
	result := ExecutionResult{Matched: len(matched)}
	if len(matched) == 0 {
		return result
	}

	// Tag actions are validated once up front: applying a tag that does not
	// exist would leave the batch half-labelled.
	if rule.Action.Type == models.ActionAddTag || rule.Action.Type == models.ActionRemoveTag {
		tagIDs := rule.Action.TagIDs()
		if len(tagIDs) == 0 {
			result.Failed = len(matched)
			result.FirstError = fmt.Errorf("rule %q: %s action has no tag ids", rule.Name, rule.Action.Type)
			return result
		}
		missing, err := e.store.Tags.ValidateIDs(ctx, tagIDs)
		if err != nil {
			result.Failed = len(matched)
			result.FirstError = err
			return result
		}
		if len(missing) > 0 {
			result.Failed = len(matched)
			result.FirstError = fmt.Errorf("rule %q: unknown tag ids %v", rule.Name, missing)
			return result
		}
	}

	for i := range matched {
		t := &matched[i]
		if err := e.executeOne(ctx, rule, t); err != nil {
			result.Failed++
			if result.FirstError == nil {
				result.FirstError = err
			}
			log.Warn().Err(err).
				Str("rule", rule.Name).
				Str("action", string(rule.Action.Type)).
				Int64("torrentID", t.ID).
				Msg("automations: action failed for torrent")
			continue
		}
		result.Executed++
	}

	return result
}

func (e *Executor) executeOne(ctx context.Context, rule *models.Rule, t *torbox.Torrent) error {
	switch rule.Action.Type {
	case models.ActionStopSeeding:
		return e.client.ControlTorrent(ctx, t.ID, torbox.ControlStopSeeding)

	case models.ActionForceStart:
		return e.client.ControlTorrent(ctx, t.ID, torbox.ControlForceStart)

	case models.ActionDelete:
		return e.client.DeleteTorrent(ctx, t.ID)

	case models.ActionArchive:
		return e.archive(ctx, t)

	case models.ActionAddTag:
		return e.store.Tags.AddToTorrent(ctx, t.ID, rule.Action.TagIDs())

	case models.ActionRemoveTag:
		return e.store.Tags.RemoveFromTorrent(ctx, t.ID, rule.Action.TagIDs())

	default:
		return fmt.Errorf("unknown action type %q", rule.Action.Type)
	}
}

// archive records the torrent locally first, then removes it upstream. The
// record insert is idempotent, so a retried archive after an upstream failure
// does not duplicate rows; an already-archived torrent skips the upstream
// delete only if it is genuinely gone, which the next poll's removed set
// settles.
func (e *Executor) archive(ctx context.Context, t *torbox.Torrent) error {
	inserted, err := e.store.Archive.Archive(ctx, &models.ArchivedDownload{
		TorrentID: t.ID,
		Hash:      t.Hash,
		Name:      t.Name,
		Size:      t.Size,
		Tracker:   t.Tracker,
	})
	if err != nil {
		return err
	}
	if !inserted {
		log.Debug().Int64("torrentID", t.ID).Msg("automations: torrent already archived, retrying upstream delete")
	}

	return e.client.DeleteTorrent(ctx, t.ID)
}
