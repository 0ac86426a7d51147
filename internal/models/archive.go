// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

// ArchivedDownload records a torrent removed via the archive action. One row
// per torrent id; archiving twice is a no-op.
type ArchivedDownload struct {
	ID         int64     `json:"id"`
	TorrentID  int64     `json:"torrentId"`
	Hash       string    `json:"hash,omitempty"`
	Name       string    `json:"name,omitempty"`
	Size       int64     `json:"size"`
	Tracker    string    `json:"tracker,omitempty"`
	ArchivedAt time.Time `json:"archivedAt"`
}

type ArchiveStore struct {
	db dbinterface.Querier
}

func NewArchiveStore(db dbinterface.Querier) *ArchiveStore {
	return &ArchiveStore{db: db}
}

// Archive inserts the record, ignoring the insert when the torrent id is
// already archived. Returns true when a new row was written.
func (s *ArchiveStore) Archive(ctx context.Context, record *ArchivedDownload) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO archived_downloads (torrent_id, hash, name, size, tracker)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (torrent_id) DO NOTHING
	`, record.TorrentID, record.Hash, record.Name, record.Size, record.Tracker)
	if err != nil {
		return false, fmt.Errorf("failed to archive torrent %d: %w", record.TorrentID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read archive result: %w", err)
	}
	return n > 0, nil
}

// IsArchived reports whether the torrent id already has an archive record.
func (s *ArchiveStore) IsArchived(ctx context.Context, torrentID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_downloads WHERE torrent_id = ?`, torrentID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check archive for torrent %d: %w", torrentID, err)
	}
	return count > 0, nil
}

// List returns archive records, newest first.
func (s *ArchiveStore) List(ctx context.Context, limit int) ([]*ArchivedDownload, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, torrent_id, COALESCE(hash, ''), COALESCE(name, ''), size, COALESCE(tracker, ''), archived_at
		FROM archived_downloads
		ORDER BY archived_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived downloads: %w", err)
	}
	defer rows.Close()

	var records []*ArchivedDownload
	for rows.Next() {
		var rec ArchivedDownload
		if err := rows.Scan(&rec.ID, &rec.TorrentID, &rec.Hash, &rec.Name, &rec.Size, &rec.Tracker, &rec.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}
