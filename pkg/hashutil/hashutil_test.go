// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hashutil

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"whitespace only", "  \t ", ""},
		{"uppercase hex", "ABCDEF0123456789ABCDEF0123456789ABCDEF01", "abcdef0123456789abcdef0123456789abcdef01"},
		{"padded", " abcdef0123456789abcdef0123456789abcdef01 ", "abcdef0123456789abcdef0123456789abcdef01"},
		{"already canonical", "abcdef0123456789abcdef0123456789abcdef01", "abcdef0123456789abcdef0123456789abcdef01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.input); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeAll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"nil", nil, nil},
		{"empty", []string{}, nil},
		{"drops empties and dupes", []string{"AAA", "", "aaa", " bbb "}, []string{"aaa", "bbb"}},
		{"preserves first occurrence order", []string{"b", "a", "B"}, []string{"b", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeAll(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("NormalizeAll(%v) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
