// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/dbinterface"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/torbox"
)

// StallThreshold is how long a torrent must sit without byte movement before
// it is considered stalled.
const StallThreshold = 5 * time.Minute

// DerivedFieldsEngine turns diffs into telemetry: activity timestamps and
// stall markers, maintained purely from byte-count deltas and state
// transitions so rules can query "stalled for N minutes" deterministically.
type DerivedFieldsEngine struct{}

func NewDerivedFieldsEngine() *DerivedFieldsEngine {
	return &DerivedFieldsEngine{}
}

// Apply updates telemetry for the given changes inside the caller's
// transaction, then runs the final sweep over every telemetry row. Must run
// after StateDiffEngine.Apply so shadow rows exist for new torrents.
func (e *DerivedFieldsEngine) Apply(ctx context.Context, q dbinterface.Querier, changes *Changes, priorShadow map[int64]*models.TorrentShadow, now time.Time) error {
	store := models.NewTelemetryStore(q)

	telemetry, err := store.Map(ctx)
	if err != nil {
		return err
	}

	for _, t := range changes.New {
		if err := e.insertNew(ctx, store, t, priorShadow[t.ID], now); err != nil {
			return err
		}
	}

	for _, u := range changes.Updated {
		tel := telemetry[u.Torrent.ID]
		if tel == nil {
			// Telemetry missing for a known torrent; recreate and let the
			// final sweep backfill it.
			if err := store.Insert(ctx, &models.TorrentTelemetry{TorrentID: u.Torrent.ID}); err != nil {
				return err
			}
			continue
		}
		if err := e.applyUpdated(ctx, store, u, tel, now); err != nil {
			return err
		}
	}

	for _, tr := range changes.StateTransitions {
		if err := e.applyTransition(ctx, store, tr, now); err != nil {
			return err
		}
	}

	return e.finalSweep(ctx, q, store, changes, now)
}

// insertNew creates the telemetry row for a newly observed torrent. Activity
// timestamps are seeded from the derived state; pre-existing torrents with
// byte totals already on the counter get their timestamps backfilled from the
// earliest known creation instant so stall detection does not treat them as
// freshly active.
func (e *DerivedFieldsEngine) insertNew(ctx context.Context, store *models.TelemetryStore, t *torbox.Torrent, prior *models.TorrentShadow, now time.Time) error {
	row := &models.TorrentTelemetry{TorrentID: t.ID}

	switch DeriveState(t) {
	case StateDownloading:
		row.LastDownloadActivityAt = &now
	case StateSeeding:
		row.LastUploadActivityAt = &now
	default:
		backfill := earliestCreation(t, prior, now)
		if priorDownloaded(t, prior) > 0 {
			row.LastDownloadActivityAt = &backfill
		}
		if priorUploaded(t, prior) > 0 {
			row.LastUploadActivityAt = &backfill
		}
	}

	return store.Insert(ctx, row)
}

func (e *DerivedFieldsEngine) applyUpdated(ctx context.Context, store *models.TelemetryStore, u UpdatedTorrent, tel *models.TorrentTelemetry, now time.Time) error {
	cols := make(map[string]any)
	state := DeriveState(u.Torrent)

	if u.Diff.DownloadDelta > 0 {
		cols["last_download_activity_at"] = now
		if tel.StalledSince != nil {
			cols["stalled_since"] = nil
		}
	}
	if u.Diff.UploadDelta > 0 {
		cols["last_upload_activity_at"] = now
		if tel.UploadStalledSince != nil {
			cols["upload_stalled_since"] = nil
		}
	}

	// A downloading torrent with no byte movement past the threshold is
	// stalled; the marker anchors to when activity stopped, not to now.
	if state == StateDownloading && u.Diff.DownloadDelta == 0 && tel.StalledSince == nil &&
		tel.LastDownloadActivityAt != nil && now.Sub(*tel.LastDownloadActivityAt) > StallThreshold {
		cols["stalled_since"] = *tel.LastDownloadActivityAt
	}
	if state == StateSeeding && u.Diff.UploadDelta == 0 && tel.UploadStalledSince == nil &&
		tel.LastUploadActivityAt != nil && now.Sub(*tel.LastUploadActivityAt) > StallThreshold {
		cols["upload_stalled_since"] = *tel.LastUploadActivityAt
	}

	// Upstream already reports the torrent as stalled but we carry no
	// marker: anchor to the last known activity, or to the telemetry row's
	// creation when the torrent never moved a byte. Anything else is a data
	// inconsistency; leave the marker null.
	if state == StateStalled && tel.StalledSince == nil {
		if _, set := cols["stalled_since"]; !set {
			switch {
			case tel.LastDownloadActivityAt != nil:
				cols["stalled_since"] = *tel.LastDownloadActivityAt
			case u.Torrent.TotalDownloaded == 0:
				cols["stalled_since"] = tel.CreatedAt
			default:
				log.Debug().Int64("torrentID", u.Torrent.ID).Msg("telemetry: upstream-stalled torrent with no activity anchor")
			}
		}
	}

	if len(cols) == 0 {
		return nil
	}
	return store.UpdateColumns(ctx, u.Torrent.ID, cols)
}

func (e *DerivedFieldsEngine) applyTransition(ctx context.Context, store *models.TelemetryStore, tr StateTransition, now time.Time) error {
	cols := make(map[string]any)

	if tr.From != StateDownloading && tr.To == StateDownloading {
		cols["last_download_activity_at"] = now
	}
	if tr.From != StateSeeding && tr.To == StateSeeding {
		cols["last_upload_activity_at"] = now
	}
	if IsNotStalled(tr.To) {
		cols["stalled_since"] = nil
	}

	if len(cols) == 0 {
		return nil
	}
	return store.UpdateColumns(ctx, tr.TorrentID, cols)
}

// finalSweep re-reads every telemetry row and corrects histories for torrents
// that were not touched this cycle: null activity timestamps are backfilled
// from creation instants where byte totals show there was activity, and stall
// conditions are re-evaluated against the current snapshot state.
func (e *DerivedFieldsEngine) finalSweep(ctx context.Context, q dbinterface.Querier, store *models.TelemetryStore, changes *Changes, now time.Time) error {
	telemetry, err := store.Map(ctx)
	if err != nil {
		return err
	}

	shadow, err := models.NewShadowStore(q).Map(ctx)
	if err != nil {
		return err
	}

	snapshot := make(map[int64]*torbox.Torrent, len(changes.New)+len(changes.Updated))
	for _, t := range changes.New {
		snapshot[t.ID] = t
	}
	for _, u := range changes.Updated {
		snapshot[u.Torrent.ID] = u.Torrent
	}

	for id, tel := range telemetry {
		row := shadow[id]
		if row == nil {
			continue
		}

		cols := make(map[string]any)

		dlActivity := tel.LastDownloadActivityAt
		if dlActivity == nil && row.LastTotalDownloaded > 0 {
			backfill := earliestKnown(row.CreatedAt, tel.CreatedAt)
			cols["last_download_activity_at"] = backfill
			dlActivity = &backfill
		}

		ulActivity := tel.LastUploadActivityAt
		if ulActivity == nil && row.LastTotalUploaded > 0 {
			backfill := earliestKnown(row.CreatedAt, tel.CreatedAt)
			cols["last_upload_activity_at"] = backfill
			ulActivity = &backfill
		}

		if t, ok := snapshot[id]; ok {
			state := DeriveState(t)
			if state == StateDownloading && tel.StalledSince == nil &&
				dlActivity != nil && now.Sub(*dlActivity) > StallThreshold {
				cols["stalled_since"] = *dlActivity
			}
			if state == StateSeeding && tel.UploadStalledSince == nil &&
				ulActivity != nil && now.Sub(*ulActivity) > StallThreshold {
				cols["upload_stalled_since"] = *ulActivity
			}
		}

		if len(cols) == 0 {
			continue
		}
		if err := store.UpdateColumns(ctx, id, cols); err != nil {
			return err
		}
	}

	return nil
}

// earliestCreation picks the earliest known creation instant for a torrent:
// upstream created_at, the shadow row's creation, or now as a last resort.
func earliestCreation(t *torbox.Torrent, prior *models.TorrentShadow, now time.Time) time.Time {
	earliest := now
	if t.CreatedAt != nil && !t.CreatedAt.IsZero() && t.CreatedAt.Before(earliest) {
		earliest = *t.CreatedAt
	}
	if prior != nil && !prior.CreatedAt.IsZero() && prior.CreatedAt.Before(earliest) {
		earliest = prior.CreatedAt
	}
	return earliest
}

func earliestKnown(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func priorDownloaded(t *torbox.Torrent, prior *models.TorrentShadow) int64 {
	if prior != nil && prior.LastTotalDownloaded > 0 {
		return prior.LastTotalDownloaded
	}
	return t.TotalDownloaded
}

func priorUploaded(t *torbox.Torrent, prior *models.TorrentShadow) int64 {
	if prior != nil && prior.LastTotalUploaded > 0 {
		return prior.LastTotalUploaded
	}
	return t.TotalUploaded
}
