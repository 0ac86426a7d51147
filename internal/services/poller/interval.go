// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package poller schedules and runs per-user polling cycles: fetch the
// upstream snapshot, diff it against the shadow, derive telemetry, evaluate
// automation rules, and compute when the user is next due.
package poller

import (
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jittarao/torboxd/internal/models"
)

const (
	minPollInterval = time.Minute
	basePollCap     = 30 * time.Minute
	idlePollCap     = 60 * time.Minute

	// staggerFraction spreads users with identical intervals over a tenth of
	// the interval so their polls do not land on the same tick.
	staggerFraction = 0.10
)

// ComputeInterval derives a user's next poll interval from their enabled
// rules and activity level. The base is the tightest enabled rule interval,
// clamped to [1m, 30m]; users with no non-terminal torrents back off to twice
// the base, capped at an hour. A deterministic per-user stagger keyed on the
// auth id is added so the schedule stays spread without any stored state.
func ComputeInterval(authID string, rules []*models.Rule, nonTerminalCount int) time.Duration {
	base := basePollCap
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if interval := rule.Trigger.EffectiveInterval(); interval < base {
			base = interval
		}
	}
	if base < minPollInterval {
		base = minPollInterval
	}

	interval := base
	if nonTerminalCount == 0 {
		interval = base * 2
		if interval > idlePollCap {
			interval = idlePollCap
		}
	}

	return interval + Stagger(authID, base)
}

// Stagger is the pure per-user offset: (hash % 100) / 100 of a tenth of the
// base interval. Same authID, same offset, every time.
func Stagger(authID string, base time.Duration) time.Duration {
	bucket := xxhash.Sum64String(authID) % 100
	return time.Duration(float64(base) * staggerFraction * float64(bucket) / 100)
}
