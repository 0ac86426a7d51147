// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package telemetry maintains the per-torrent derived state: the diff between
// upstream snapshots and the persisted shadow, and the activity/stall markers
// rules evaluate against.
package telemetry

import (
	"strings"

	"github.com/jittarao/torboxd/internal/torbox"
)

// State is the canonical derived torrent state.
type State string

const (
	StateFailed             State = "failed"
	StateStalled            State = "stalled"
	StateMetaDL             State = "metadl"
	StateCheckingResumeData State = "checking_resume_data"
	StateCompleted          State = "completed"
	StateSeeding            State = "seeding"
	StateUploading          State = "uploading"
	StateInactive           State = "inactive"
	StateDownloading        State = "downloading"
	StateQueued             State = "queued"
	StateUnknown            State = "unknown"
)

// NotStalledStates are the states that clear a stall marker on transition.
var NotStalledStates = map[State]struct{}{
	StateDownloading: {},
	StateUploading:   {},
	StateSeeding:     {},
	StateCompleted:   {},
}

// TerminalStates are states that no longer need frequent polling.
var TerminalStates = map[State]struct{}{
	StateCompleted: {},
	StateFailed:    {},
	StateInactive:  {},
}

// IsTerminal reports whether s is in the terminal set.
func IsTerminal(s State) bool {
	_, ok := TerminalStates[s]
	return ok
}

// IsNotStalled reports whether s clears stall markers.
func IsNotStalled(s State) bool {
	_, ok := NotStalledStates[s]
	return ok
}

// DeriveState maps upstream fields onto the canonical state. The prefix
// checks run on the lowercased download_state; the checking_resume_data
// variant additionally ignores spaces and underscores since upstream has
// shipped both spellings.
func DeriveState(t *torbox.Torrent) State {
	ds := strings.ToLower(strings.TrimSpace(t.DownloadState))

	switch {
	case strings.HasPrefix(ds, "failed"):
		return StateFailed
	case strings.HasPrefix(ds, "stalled"):
		return StateStalled
	case strings.HasPrefix(ds, "metadl"):
		return StateMetaDL
	case strings.HasPrefix(squeeze(ds), "checkingresumedata"):
		return StateCheckingResumeData
	}

	switch {
	case t.DownloadFinished && t.DownloadPresent && !t.Active:
		return StateCompleted
	case t.DownloadFinished && t.DownloadPresent && t.Active:
		return StateSeeding
	case t.DownloadFinished && !t.DownloadPresent && t.Active:
		return StateUploading
	case t.DownloadFinished && !t.DownloadPresent && !t.Active:
		return StateInactive
	case t.Active && !t.DownloadFinished && !t.DownloadPresent:
		return StateDownloading
	case ds == "" && !t.DownloadFinished && !t.Active:
		return StateQueued
	}

	return StateUnknown
}

// squeeze drops spaces and underscores.
func squeeze(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' {
			return -1
		}
		return r
	}, s)
}
