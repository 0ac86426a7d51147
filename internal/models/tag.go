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

// Tag is a user-defined label attachable to torrents.
type Tag struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type TagStore struct {
	db dbinterface.Querier
}

func NewTagStore(db dbinterface.Querier) *TagStore {
	return &TagStore{db: db}
}

// List returns all tags ordered by name.
func (s *TagStore) List(ctx context.Context) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM tags ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.Name, &tag.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, &tag)
	}

	return tags, rows.Err()
}

// Create inserts a tag, returning the existing one when the name is taken.
func (s *TagStore) Create(ctx context.Context, name string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name must not be empty")
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (name) VALUES (?) ON CONFLICT (name) DO NOTHING
	`, name); err != nil {
		return nil, fmt.Errorf("failed to create tag: %w", err)
	}

	var tag Tag
	if err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tags WHERE name = ?`, name).
		Scan(&tag.ID, &tag.Name, &tag.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to read back tag %q: %w", name, err)
	}
	return &tag, nil
}

// ValidateIDs reports which of the given tag ids do not exist. Tag actions
// must refuse to apply until every referenced id is present.
func (s *TagStore) ValidateIDs(ctx context.Context, ids []int64) (missing []int64, err error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders, args := idPlaceholders(ids)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tags WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to validate tag ids: %w", err)
	}
	defer rows.Close()

	found := make(map[int64]struct{}, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tag id: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// TagIDsByTorrent loads every torrent's attached tag ids.
func (s *TagStore) TagIDsByTorrent(ctx context.Context) (map[int64][]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT torrent_id, tag_id FROM download_tags ORDER BY torrent_id, tag_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load torrent tags: %w", err)
	}
	defer rows.Close()

	byTorrent := make(map[int64][]int64)
	for rows.Next() {
		var torrentID, tagID int64
		if err := rows.Scan(&torrentID, &tagID); err != nil {
			return nil, fmt.Errorf("failed to scan torrent tag: %w", err)
		}
		byTorrent[torrentID] = append(byTorrent[torrentID], tagID)
	}

	return byTorrent, rows.Err()
}

// AddToTorrent attaches tags to one torrent in a single batch. Existing links
// are left in place.
func (s *TagStore) AddToTorrent(ctx context.Context, torrentID int64, tagIDs []int64) error {
	for _, tagID := range tagIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO download_tags (torrent_id, tag_id) VALUES (?, ?)
			ON CONFLICT (torrent_id, tag_id) DO NOTHING
		`, torrentID, tagID); err != nil {
			return fmt.Errorf("failed to tag torrent %d with %d: %w", torrentID, tagID, err)
		}
	}
	return nil
}

// RemoveFromTorrent detaches tags from one torrent in a single batch.
func (s *TagStore) RemoveFromTorrent(ctx context.Context, torrentID int64, tagIDs []int64) error {
	if len(tagIDs) == 0 {
		return nil
	}

	placeholders, args := idPlaceholders(tagIDs)
	args = append([]any{torrentID}, args...)

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM download_tags WHERE torrent_id = ? AND tag_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to untag torrent %d: %w", torrentID, err)
	}
	return nil
}

func idPlaceholders(ids []int64) (string, []any) {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return placeholders, args
}
