// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/torbox"
)

func ruleWith(outer models.LogicOperator, groups ...models.ConditionGroup) *models.Rule {
	rule := &models.Rule{
		Name:       "test rule",
		Enabled:    true,
		Conditions: &models.ConditionSet{LogicOperator: outer, Groups: groups},
		Action:     models.Action{Type: models.ActionStopSeeding},
	}
	rule.Conditions.Canonicalize()
	return rule
}

func TestEvaluatorEmptyConditionsMatchAll(t *testing.T) {
	e := NewEvaluator()
	torrents := []torbox.Torrent{{ID: 1}, {ID: 2}}

	matched := e.Evaluate(ruleWith(models.LogicAnd), torrents, nil)
	assert.Len(t, matched, 2)

	matched = e.Evaluate(&models.Rule{Conditions: nil}, torrents, nil)
	assert.Len(t, matched, 2)
}

func TestEvaluatorGroupedLogic(t *testing.T) {
	e := NewEvaluator()

	// Outer AND over two groups: (ratio >= 2 OR seeding_time > 48h) AND
	// (tracker contains "private").
	rule := ruleWith(models.LogicAnd,
		models.ConditionGroup{
			LogicOperator: models.LogicOr,
			Conditions: []models.Condition{
				{Type: CondRatio, Operator: models.OpGreaterThanOrEqual, Value: 2.0},
				{Type: CondSeeds, Operator: models.OpGreaterThan, Value: 100.0},
			},
		},
		models.ConditionGroup{
			Conditions: []models.Condition{
				{Type: CondTracker, Operator: models.OpContains, Value: "private"},
			},
		},
	)

	torrents := []torbox.Torrent{
		{ID: 1, Ratio: 3.0, Tracker: "private.example.org"},   // both groups pass
		{ID: 2, Ratio: 3.0, Tracker: "public.example.org"},    // second group fails
		{ID: 3, Ratio: 0.5, Seeds: 200, Tracker: "private.x"}, // first group passes via OR
		{ID: 4, Ratio: 0.5, Seeds: 3, Tracker: "private.x"},   // first group fails
	}

	matched := e.Evaluate(rule, torrents, nil)
	ids := make([]int64, len(matched))
	for i, m := range matched {
		ids[i] = m.ID
	}
	assert.Equal(t, []int64{1, 3}, ids)
}

func TestEvaluatorOuterOr(t *testing.T) {
	e := NewEvaluator()

	rule := ruleWith(models.LogicOr,
		models.ConditionGroup{Conditions: []models.Condition{
			{Type: CondRatio, Operator: models.OpGreaterThan, Value: 5.0},
		}},
		models.ConditionGroup{Conditions: []models.Condition{
			{Type: CondName, Operator: models.OpContains, Value: "linux"},
		}},
	)

	assert.True(t, e.Matches(rule, &torbox.Torrent{Name: "linux-distro"}, nil))
	assert.True(t, e.Matches(rule, &torbox.Torrent{Ratio: 6.0}, nil))
	assert.False(t, e.Matches(rule, &torbox.Torrent{Name: "other", Ratio: 1.0}, nil))
}

func TestEvaluatorUnknownTokensNeverMatch(t *testing.T) {
	e := NewEvaluator()

	rule := ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: "no_such_attribute", Operator: models.OpGreaterThan, Value: 1.0},
	}})
	assert.False(t, e.Matches(rule, &torbox.Torrent{ID: 1, Ratio: 10}, nil))

	rule = ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: CondRatio, Operator: "approximately", Value: 1.0},
	}})
	assert.False(t, e.Matches(rule, &torbox.Torrent{ID: 1, Ratio: 1}, nil))
}

func TestEvaluatorMissingTelemetryIsInfinite(t *testing.T) {
	e := NewEvaluator()

	// "No recorded download activity" satisfies any finite gt threshold.
	rule := ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: CondLastDownloadActivityAt, Operator: models.OpGreaterThan, Value: 60.0},
	}})
	assert.True(t, e.Matches(rule, &torbox.Torrent{ID: 1}, nil))

	rule = ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: CondLastUploadActivityAt, Operator: models.OpLessThan, Value: 60.0},
	}})
	assert.False(t, e.Matches(rule, &torbox.Torrent{ID: 1}, nil))
}

func TestEvaluatorActivityMinutes(t *testing.T) {
	e := NewEvaluator()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	activity := now.Add(-90 * time.Minute)

	side := &SideData{
		Now: now,
		Telemetry: map[int64]*models.TorrentTelemetry{
			1: {TorrentID: 1, LastDownloadActivityAt: &activity},
		},
	}

	rule := ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: CondLastDownloadActivityAt, Operator: models.OpGreaterThan, Value: 60.0},
	}})
	assert.True(t, e.Matches(rule, &torbox.Torrent{ID: 1}, side))

	rule = ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: CondLastDownloadActivityAt, Operator: models.OpGreaterThan, Value: 120.0},
	}})
	assert.False(t, e.Matches(rule, &torbox.Torrent{ID: 1}, side))
}

func TestEvaluatorStalledTime(t *testing.T) {
	e := NewEvaluator()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	stalled := now.Add(-45 * time.Minute)

	side := &SideData{
		Now: now,
		Telemetry: map[int64]*models.TorrentTelemetry{
			1: {TorrentID: 1, StalledSince: &stalled},
		},
	}

	rule := ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
		{Type: CondDownloadStalledTime, Operator: models.OpGreaterThanOrEqual, Value: 30.0},
	}})
	assert.True(t, e.Matches(rule, &torbox.Torrent{ID: 1}, side))

	// Unlike activity atoms, a missing stall marker means "not stalled".
	assert.False(t, e.Matches(rule, &torbox.Torrent{ID: 2}, side))
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 50.0, progressPercent(&torbox.Torrent{Progress: 0.5}))
	assert.Equal(t, 100.0, progressPercent(&torbox.Torrent{Progress: 1.0}))
	assert.Equal(t, 85.0, progressPercent(&torbox.Torrent{Progress: 85}))
	assert.Equal(t, 0.0, progressPercent(&torbox.Torrent{}))
}

func TestEtaMinutes(t *testing.T) {
	minutes, infinite := etaMinutes(&torbox.Torrent{DownloadFinished: true})
	assert.False(t, infinite)
	assert.Zero(t, minutes)

	// Upstream ETA in seconds wins.
	minutes, infinite = etaMinutes(&torbox.Torrent{ETA: 600, Size: 100, DownloadSpeed: 1})
	assert.False(t, infinite)
	assert.Equal(t, 10.0, minutes)

	// Computed from remaining bytes and speed.
	minutes, infinite = etaMinutes(&torbox.Torrent{Size: 6000, TotalDownloaded: 0, DownloadSpeed: 100})
	assert.False(t, infinite)
	assert.Equal(t, 1.0, minutes)

	// No speed and bytes remaining: no finite ETA.
	_, infinite = etaMinutes(&torbox.Torrent{Size: 6000, DownloadSpeed: 0})
	assert.True(t, infinite)
}

func TestSeedingHours(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	finishedAt := now.Add(-6 * time.Hour)
	created := now.Add(-48 * time.Hour)

	side := &SideData{Telemetry: map[int64]*models.TorrentTelemetry{
		1: {TorrentID: 1, LastDownloadActivityAt: &finishedAt},
	}}

	assert.Equal(t, 6.0, seedingHours(&torbox.Torrent{ID: 1, DownloadFinished: true}, side, now))

	// Without telemetry the creation instant anchors the estimate.
	assert.Equal(t, 48.0, seedingHours(&torbox.Torrent{ID: 2, DownloadFinished: true, CreatedAt: &created}, side, now))

	// Still downloading means no seeding time at all.
	assert.Zero(t, seedingHours(&torbox.Torrent{ID: 1}, side, now))
}

func TestRollingAverage(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	samples := []models.SpeedSample{
		{TorrentID: 1, RecordedAt: now.Add(-30 * time.Minute), TotalDownloaded: 0},
		{TorrentID: 1, RecordedAt: now.Add(-20 * time.Minute), TotalDownloaded: 600},
		{TorrentID: 1, RecordedAt: now.Add(-10 * time.Minute), TotalDownloaded: 1200},
	}
	side := &SideData{SpeedSamples: map[int64][]models.SpeedSample{1: samples}}

	avg, ok := rollingAverage(side, 1, 1, now, func(s models.SpeedSample) int64 { return s.TotalDownloaded })
	require.True(t, ok)
	assert.InDelta(t, 1.0, avg, 1e-9) // 1200 bytes over 1200 seconds

	// A tighter window drops the oldest sample but the rate holds.
	avg, ok = rollingAverage(side, 1, 0.4, now, func(s models.SpeedSample) int64 { return s.TotalDownloaded })
	require.True(t, ok)
	assert.InDelta(t, 1.0, avg, 1e-9) // 600 bytes over 600 seconds

	// Fewer than two samples in the window yields no average.
	_, ok = rollingAverage(side, 1, 0.01, now, func(s models.SpeedSample) int64 { return s.TotalDownloaded })
	assert.False(t, ok)

	_, ok = rollingAverage(nil, 1, 1, now, func(s models.SpeedSample) int64 { return s.TotalDownloaded })
	assert.False(t, ok)

	// Identical timestamps: defined as zero, not a division blowup.
	same := []models.SpeedSample{
		{TorrentID: 2, RecordedAt: now, TotalDownloaded: 100},
		{TorrentID: 2, RecordedAt: now, TotalDownloaded: 900},
	}
	side.SpeedSamples[2] = same
	avg, ok = rollingAverage(side, 2, 1, now, func(s models.SpeedSample) int64 { return s.TotalDownloaded })
	require.True(t, ok)
	assert.Zero(t, avg)
}

func TestSpeedSampleWindow(t *testing.T) {
	avgRule := func(hours float64) *models.Rule {
		return ruleWith(models.LogicAnd, models.ConditionGroup{Conditions: []models.Condition{
			{Type: CondAvgDownloadSpeed, Operator: models.OpLessThan, Value: 1.0, Hours: hours},
		}})
	}

	assert.Zero(t, SpeedSampleWindow(nil))
	assert.Zero(t, SpeedSampleWindow([]*models.Rule{ruleWith(models.LogicAnd)}))

	// 1.5x the largest window, floored at two hours.
	assert.Equal(t, 2*time.Hour, SpeedSampleWindow([]*models.Rule{avgRule(1)}))
	assert.Equal(t, 6*time.Hour, SpeedSampleWindow([]*models.Rule{avgRule(4)}))
	assert.Equal(t, 6*time.Hour, SpeedSampleWindow([]*models.Rule{avgRule(1), avgRule(4)}))
}
