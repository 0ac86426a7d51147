// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"fmt"
	"strings"
	"time"
)

// legacyTimeLayout is the human-sortable form older rows were written in.
// Values in this form are interpreted as UTC.
const legacyTimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t in the canonical on-disk form: RFC3339 UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseFlexibleTime parses a stored timestamp. Canonical rows are RFC3339;
// legacy rows carry `YYYY-MM-DD HH:MM:SS` and are treated as UTC so that
// comparisons across the two forms stay value-correct.
func ParseFlexibleTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(legacyTimeLayout, s); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// timePtrFromNullable converts a nullable stored timestamp into *time.Time.
// Unparseable values are dropped rather than failing the row.
func timePtrFromNullable(s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	t, err := ParseFlexibleTime(*s)
	if err != nil {
		return nil
	}
	return &t
}

// nullableFromTimePtr converts *time.Time into the stored form, nil staying
// NULL.
func nullableFromTimePtr(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}
