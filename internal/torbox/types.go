// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package torbox is the client for the upstream TorBox torrent API. The
// surface consumed by the core is small: list torrents, control a torrent,
// delete a torrent.
package torbox

import (
	"encoding/json"
	"time"
)

// Torrent is one entry of the upstream snapshot. Field names follow the
// TorBox wire format.
type Torrent struct {
	ID               int64         `json:"id"`
	Hash             string        `json:"hash"`
	Name             string        `json:"name"`
	Tracker          string        `json:"tracker"`
	Progress         float64       `json:"progress"`
	DownloadState    string        `json:"download_state"`
	Active           bool          `json:"active"`
	DownloadFinished bool          `json:"download_finished"`
	DownloadPresent  bool          `json:"download_present"`
	DownloadSpeed    int64         `json:"download_speed"`
	UploadSpeed      int64         `json:"upload_speed"`
	TotalDownloaded  int64         `json:"total_downloaded"`
	TotalUploaded    int64         `json:"total_uploaded"`
	Seeds            int64         `json:"seeds"`
	Peers            int64         `json:"peers"`
	Ratio            float64       `json:"ratio"`
	Size             int64         `json:"size"`
	ETA              int64         `json:"eta"`
	Files            []TorrentFile `json:"files,omitempty"`
	FileCount        int           `json:"file_count,omitempty"`
	Private          bool          `json:"private"`
	Cached           bool          `json:"cached"`
	Availability     float64       `json:"availability"`
	SeedingEnabled   bool          `json:"seed_torrent"`
	LongTermSeeding  bool          `json:"long_term_seeding"`
	AllowZip         bool          `json:"allow_zip"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	CreatedAt        *time.Time    `json:"created_at,omitempty"`
}

// TorrentFile is one file inside a torrent.
type TorrentFile struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimetype,omitempty"`
	ShortName string `json:"short_name,omitempty"`
}

// NumFiles prefers the materialized file list, falling back to the scalar
// count older API responses carry.
func (t *Torrent) NumFiles() int {
	if len(t.Files) > 0 {
		return len(t.Files)
	}
	return t.FileCount
}

// EffectiveRatio returns the upstream ratio, falling back to
// uploaded/downloaded when the field is absent or zero. Zero denominator
// yields zero.
func (t *Torrent) EffectiveRatio() float64 {
	if t.Ratio > 0 {
		return t.Ratio
	}
	if t.TotalDownloaded == 0 {
		return 0
	}
	return float64(t.TotalUploaded) / float64(t.TotalDownloaded)
}

// ControlOperation is an action dispatched to the upstream control endpoint.
type ControlOperation string

const (
	ControlStopSeeding ControlOperation = "stop_seeding"
	ControlForceStart  ControlOperation = "force_start"
	ControlDelete      ControlOperation = "delete"
)

// apiEnvelope is the standard TorBox response wrapper.
type apiEnvelope struct {
	Success bool            `json:"success"`
	Error   any             `json:"error,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
