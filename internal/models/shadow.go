// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

// TorrentShadow is the last-seen byte totals and derived state for one
// torrent, used to compute diffs at the next poll. Shadow rows anchor the
// per-user store: telemetry, speed history and tag links cascade when a
// shadow row is deleted.
type TorrentShadow struct {
	TorrentID           int64     `json:"torrentId"`
	Hash                string    `json:"hash,omitempty"`
	Name                string    `json:"name,omitempty"`
	LastTotalDownloaded int64     `json:"lastTotalDownloaded"`
	LastTotalUploaded   int64     `json:"lastTotalUploaded"`
	LastState           string    `json:"lastState"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

type ShadowStore struct {
	db dbinterface.Querier
}

func NewShadowStore(db dbinterface.Querier) *ShadowStore {
	return &ShadowStore{db: db}
}

// Map loads the full shadow as a torrent_id keyed map.
func (s *ShadowStore) Map(ctx context.Context) (map[int64]*TorrentShadow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, COALESCE(hash, ''), COALESCE(name, ''), last_total_downloaded, last_total_uploaded, last_state, created_at, updated_at
		FROM torrent_shadow
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load shadow: %w", err)
	}
	defer rows.Close()

	shadow := make(map[int64]*TorrentShadow)
	for rows.Next() {
		var row TorrentShadow
		if err := rows.Scan(
			&row.TorrentID,
			&row.Hash,
			&row.Name,
			&row.LastTotalDownloaded,
			&row.LastTotalUploaded,
			&row.LastState,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan shadow row: %w", err)
		}
		shadow[row.TorrentID] = &row
	}

	return shadow, rows.Err()
}

// Upsert writes the observed totals and state for one torrent.
func (s *ShadowStore) Upsert(ctx context.Context, row *TorrentShadow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrent_shadow (torrent_id, hash, name, last_total_downloaded, last_total_uploaded, last_state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (torrent_id) DO UPDATE SET
			hash = excluded.hash,
			name = excluded.name,
			last_total_downloaded = excluded.last_total_downloaded,
			last_total_uploaded = excluded.last_total_uploaded,
			last_state = excluded.last_state,
			updated_at = CURRENT_TIMESTAMP
	`, row.TorrentID, row.Hash, row.Name, row.LastTotalDownloaded, row.LastTotalUploaded, row.LastState)
	if err != nil {
		return fmt.Errorf("failed to upsert shadow for torrent %d: %w", row.TorrentID, err)
	}
	return nil
}

// Delete removes shadow rows for torrents that disappeared from upstream.
// Telemetry and speed history cascade via foreign keys.
func (s *ShadowStore) Delete(ctx context.Context, torrentIDs []int64) error {
	if len(torrentIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(torrentIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(torrentIDs))
	for i, id := range torrentIDs {
		args[i] = id
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM torrent_shadow WHERE torrent_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to delete shadow rows: %w", err)
	}
	return nil
}
