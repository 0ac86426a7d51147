// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package telemetry

import (
	"context"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/pkg/hashutil"
)

// Diff captures the byte-count movement of one torrent between polls.
type Diff struct {
	DownloadChanged bool
	UploadChanged   bool
	DownloadDelta   int64
	UploadDelta     int64
}

// UpdatedTorrent pairs a snapshot entry with its diff against the shadow.
type UpdatedTorrent struct {
	Torrent *torbox.Torrent
	Diff    Diff
}

// StateTransition records a derived-state change between polls.
type StateTransition struct {
	TorrentID int64
	From      State
	To        State
}

// Changes is the output of one diff pass.
type Changes struct {
	New              []*torbox.Torrent
	Updated          []UpdatedTorrent
	Removed          []int64
	StateTransitions []StateTransition
}

// StateDiffEngine compares a fresh snapshot against the persisted shadow.
type StateDiffEngine struct{}

func NewStateDiffEngine() *StateDiffEngine {
	return &StateDiffEngine{}
}

// Diff classifies every snapshot entry as new or updated, finds removed
// torrents, and emits a state transition wherever the derived state differs
// from the shadow's last observed state.
func (e *StateDiffEngine) Diff(snapshot []torbox.Torrent, shadow map[int64]*models.TorrentShadow) *Changes {
	changes := &Changes{}
	present := make(map[int64]struct{}, len(snapshot))

	for i := range snapshot {
		t := &snapshot[i]
		present[t.ID] = struct{}{}

		prior, ok := shadow[t.ID]
		if !ok {
			changes.New = append(changes.New, t)
			continue
		}

		diff := Diff{
			DownloadChanged: t.TotalDownloaded != prior.LastTotalDownloaded,
			UploadChanged:   t.TotalUploaded != prior.LastTotalUploaded,
			DownloadDelta:   t.TotalDownloaded - prior.LastTotalDownloaded,
			UploadDelta:     t.TotalUploaded - prior.LastTotalUploaded,
		}
		changes.Updated = append(changes.Updated, UpdatedTorrent{Torrent: t, Diff: diff})

		if state := DeriveState(t); string(state) != prior.LastState {
			changes.StateTransitions = append(changes.StateTransitions, StateTransition{
				TorrentID: t.ID,
				From:      State(prior.LastState),
				To:        state,
			})
		}
	}

	for id := range shadow {
		if _, ok := present[id]; !ok {
			changes.Removed = append(changes.Removed, id)
		}
	}

	return changes
}

// Apply persists the diff inside the caller's transaction: shadow upserts for
// every present torrent, a speed sample per torrent, and shadow deletes for
// the removed set. Telemetry and speed history for removed torrents cascade
// via foreign keys.
func (e *StateDiffEngine) Apply(ctx context.Context, q dbinterface.Querier, changes *Changes, now time.Time) error {
	shadowStore := models.NewShadowStore(q)
	speedStore := models.NewSpeedHistoryStore(q)

	upsert := func(t *torbox.Torrent) error {
		if err := shadowStore.Upsert(ctx, &models.TorrentShadow{
			TorrentID:           t.ID,
			Hash:                hashutil.Normalize(t.Hash),
			Name:                t.Name,
			LastTotalDownloaded: t.TotalDownloaded,
			LastTotalUploaded:   t.TotalUploaded,
			LastState:           string(DeriveState(t)),
		}); err != nil {
			return err
		}
		return speedStore.Insert(ctx, &models.SpeedSample{
			TorrentID:       t.ID,
			RecordedAt:      now,
			TotalDownloaded: t.TotalDownloaded,
			TotalUploaded:   t.TotalUploaded,
		})
	}

	for _, t := range changes.New {
		if err := upsert(t); err != nil {
			return err
		}
	}
	for _, u := range changes.Updated {
		if err := upsert(u.Torrent); err != nil {
			return err
		}
	}

	return shadowStore.Delete(ctx, changes.Removed)
}
