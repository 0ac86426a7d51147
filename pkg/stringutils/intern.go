// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stringutils provides string interning helpers built on Go's unique
// package. Torrent hashes, tracker domains and tag names repeat across every
// poll cycle, so identical strings share memory and compare cheaply.
package stringutils

import (
	"strings"
	"unique"
)

// Intern returns a canonical representation of the string. Identical strings
// share the same underlying memory.
func Intern(s string) string {
	if s == "" {
		return ""
	}
	return unique.Make(s).Value()
}

// InternNormalized interns a trimmed and lowercased version of the string.
// This is the canonical form for case-insensitive matching.
func InternNormalized(s string) string {
	normalized := strings.ToLower(strings.TrimSpace(s))
	if normalized == "" {
		return ""
	}
	return unique.Make(normalized).Value()
}

// InternAllNormalized interns all strings in a slice after normalizing.
// Entries that normalize to the empty string are preserved as empty strings.
func InternAllNormalized(values []string) []string {
	if len(values) == 0 {
		return values
	}
	result := make([]string, len(values))
	for i, s := range values {
		result[i] = InternNormalized(s)
	}
	return result
}
