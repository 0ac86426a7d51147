// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

// TorrentTelemetry carries the derived activity and stall markers for one
// torrent. A non-null StalledSince means the torrent is a download-stall
// candidate; it is cleared on observed download activity or a transition into
// a not-stalled state.
type TorrentTelemetry struct {
	TorrentID              int64      `json:"torrentId"`
	LastDownloadActivityAt *time.Time `json:"lastDownloadActivityAt,omitempty"`
	LastUploadActivityAt   *time.Time `json:"lastUploadActivityAt,omitempty"`
	StalledSince           *time.Time `json:"stalledSince,omitempty"`
	UploadStalledSince     *time.Time `json:"uploadStalledSince,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// telemetryColumnWhitelist is the only set of columns a partial update may
// touch. UPDATE fragments are assembled from column names, so everything not
// listed here is dropped before it reaches SQL; values are always bound as
// parameters.
var telemetryColumnWhitelist = map[string]struct{}{
	"last_download_activity_at": {},
	"last_upload_activity_at":   {},
	"stalled_since":             {},
	"upload_stalled_since":      {},
}

type TelemetryStore struct {
	db dbinterface.Querier
}

func NewTelemetryStore(db dbinterface.Querier) *TelemetryStore {
	return &TelemetryStore{db: db}
}

const telemetryColumns = `torrent_id, last_download_activity_at, last_upload_activity_at, stalled_since, upload_stalled_since, created_at, updated_at`

func scanTelemetry(scan func(dest ...any) error) (*TorrentTelemetry, error) {
	var row TorrentTelemetry
	var dlActivity, ulActivity, stalled, ulStalled sql.NullString

	if err := scan(
		&row.TorrentID,
		&dlActivity,
		&ulActivity,
		&stalled,
		&ulStalled,
		&row.CreatedAt,
		&row.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if dlActivity.Valid {
		row.LastDownloadActivityAt = timePtrFromNullable(&dlActivity.String)
	}
	if ulActivity.Valid {
		row.LastUploadActivityAt = timePtrFromNullable(&ulActivity.String)
	}
	if stalled.Valid {
		row.StalledSince = timePtrFromNullable(&stalled.String)
	}
	if ulStalled.Valid {
		row.UploadStalledSince = timePtrFromNullable(&ulStalled.String)
	}

	return &row, nil
}

// Get returns telemetry for one torrent, or nil when none exists.
func (s *TelemetryStore) Get(ctx context.Context, torrentID int64) (*TorrentTelemetry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+telemetryColumns+`
		FROM torrent_telemetry
		WHERE torrent_id = ?
	`, torrentID)

	t, err := scanTelemetry(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get telemetry for torrent %d: %w", torrentID, err)
	}
	return t, nil
}

// Map loads all telemetry rows keyed by torrent id.
func (s *TelemetryStore) Map(ctx context.Context) (map[int64]*TorrentTelemetry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+telemetryColumns+`
		FROM torrent_telemetry
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load telemetry: %w", err)
	}
	defer rows.Close()

	telemetry := make(map[int64]*TorrentTelemetry)
	for rows.Next() {
		row, err := scanTelemetry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry row: %w", err)
		}
		telemetry[row.TorrentID] = row
	}

	return telemetry, rows.Err()
}

// Insert creates a telemetry row for a newly observed torrent.
func (s *TelemetryStore) Insert(ctx context.Context, row *TorrentTelemetry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO torrent_telemetry (torrent_id, last_download_activity_at, last_upload_activity_at, stalled_since, upload_stalled_since)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (torrent_id) DO NOTHING
	`,
		row.TorrentID,
		nullableFromTimePtr(row.LastDownloadActivityAt),
		nullableFromTimePtr(row.LastUploadActivityAt),
		nullableFromTimePtr(row.StalledSince),
		nullableFromTimePtr(row.UploadStalledSince),
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry for torrent %d: %w", row.TorrentID, err)
	}
	return nil
}

// UpdateColumns applies a partial update. Column names pass the whitelist;
// unknown columns are dropped silently (logged at debug). Values may be
// *time.Time, time.Time, or nil to clear.
func (s *TelemetryStore) UpdateColumns(ctx context.Context, torrentID int64, columns map[string]any) error {
	if len(columns) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)

	for col, val := range columns {
		if _, ok := telemetryColumnWhitelist[col]; !ok {
			log.Debug().Str("column", col).Msg("telemetry: dropping non-whitelisted column from update")
			continue
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, telemetryValue(val))
	}

	if len(setClauses) == 0 {
		return nil
	}

	setClauses = append(setClauses, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, torrentID)

	query := "UPDATE torrent_telemetry SET " + strings.Join(setClauses, ", ") + " WHERE torrent_id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update telemetry for torrent %d: %w", torrentID, err)
	}
	return nil
}

func telemetryValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		return nullableFromTimePtr(t)
	default:
		return v
	}
}
