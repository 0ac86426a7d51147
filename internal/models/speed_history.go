// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

// SpeedSample is one observation of a torrent's cumulative byte counters.
// Rolling averages are computed from the first and last sample in a window.
type SpeedSample struct {
	TorrentID       int64     `json:"torrentId"`
	RecordedAt      time.Time `json:"recordedAt"`
	TotalDownloaded int64     `json:"totalDownloaded"`
	TotalUploaded   int64     `json:"totalUploaded"`
}

type SpeedHistoryStore struct {
	db dbinterface.Querier
}

func NewSpeedHistoryStore(db dbinterface.Querier) *SpeedHistoryStore {
	return &SpeedHistoryStore{db: db}
}

// Insert records a sample for one torrent.
func (s *SpeedHistoryStore) Insert(ctx context.Context, sample *SpeedSample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO speed_history (torrent_id, recorded_at, total_downloaded, total_uploaded)
		VALUES (?, ?, ?, ?)
	`, sample.TorrentID, FormatTime(sample.RecordedAt), sample.TotalDownloaded, sample.TotalUploaded)
	if err != nil {
		return fmt.Errorf("failed to insert speed sample for torrent %d: %w", sample.TorrentID, err)
	}
	return nil
}

// MapSince loads samples recorded at or after cutoff, keyed by torrent id and
// ordered by time within each torrent.
func (s *SpeedHistoryStore) MapSince(ctx context.Context, cutoff time.Time) (map[int64][]SpeedSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, recorded_at, total_downloaded, total_uploaded
		FROM speed_history
		WHERE recorded_at >= ?
		ORDER BY torrent_id, recorded_at ASC
	`, FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to load speed history: %w", err)
	}
	defer rows.Close()

	samples := make(map[int64][]SpeedSample)
	for rows.Next() {
		var sample SpeedSample
		var recordedAt string
		if err := rows.Scan(&sample.TorrentID, &recordedAt, &sample.TotalDownloaded, &sample.TotalUploaded); err != nil {
			return nil, fmt.Errorf("failed to scan speed sample: %w", err)
		}
		t, err := ParseFlexibleTime(recordedAt)
		if err != nil {
			continue
		}
		sample.RecordedAt = t
		samples[sample.TorrentID] = append(samples[sample.TorrentID], sample)
	}

	return samples, rows.Err()
}

// PruneBefore drops samples older than cutoff so the history stays bounded.
func (s *SpeedHistoryStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM speed_history WHERE recorded_at < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune speed history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
