// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hashutil normalizes torrent info hashes so that snapshot entries,
// shadow rows and log fields always agree on a single canonical form.
package hashutil

import (
	"github.com/jittarao/torboxd/pkg/stringutils"
)

// Normalize canonicalizes a torrent hash by trimming whitespace and converting
// to lowercase. Returns an empty string if the input is blank. The result is
// interned since hashes are stored and compared on every poll.
func Normalize(hash string) string {
	return stringutils.InternNormalized(hash)
}

// NormalizeAll normalizes a slice of hashes, removing empty entries and
// duplicates while preserving the order of first occurrence.
func NormalizeAll(hashes []string) []string {
	if len(hashes) == 0 {
		return nil
	}

	result := make([]string, 0, len(hashes))
	seen := make(map[string]struct{}, len(hashes))

	for _, hash := range hashes {
		normalized := Normalize(hash)
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}

	return result
}
