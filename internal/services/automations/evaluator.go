// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automations

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/services/telemetry"
	"github.com/jittarao/torboxd/internal/torbox"
)

const bytesPerMB = 1024 * 1024

// SideData is the lazily materialized context a rule evaluation may need
// beyond the snapshot itself: telemetry rows, speed samples for rolling
// averages, and the per-torrent tag map. Nil maps simply make the dependent
// atoms evaluate as "no data".
type SideData struct {
	Telemetry    map[int64]*models.TorrentTelemetry
	SpeedSamples map[int64][]models.SpeedSample
	Tags         map[int64][]int64

	// Now pins the evaluation instant for deterministic tests. Zero means
	// time.Now().
	Now time.Time
}

func (sd *SideData) now() time.Time {
	if sd == nil || sd.Now.IsZero() {
		return time.Now()
	}
	return sd.Now
}

func (sd *SideData) telemetryFor(id int64) *models.TorrentTelemetry {
	if sd == nil || sd.Telemetry == nil {
		return nil
	}
	return sd.Telemetry[id]
}

// Evaluator applies a canonicalized rule's grouped conditions to torrents.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns the torrents matching the rule. A rule with no groups or
// no conditions matches everything; within a group, atoms combine with the
// group operator; groups combine with the rule's outer operator.
func (e *Evaluator) Evaluate(rule *models.Rule, torrents []torbox.Torrent, side *SideData) []torbox.Torrent {
	var matched []torbox.Torrent
	for i := range torrents {
		if e.Matches(rule, &torrents[i], side) {
			matched = append(matched, torrents[i])
		}
	}
	return matched
}

// Matches evaluates the rule's condition set against one torrent.
func (e *Evaluator) Matches(rule *models.Rule, t *torbox.Torrent, side *SideData) bool {
	cs := rule.Conditions
	if cs.IsEmpty() {
		return true
	}

	outer := cs.LogicOperator.Normalize()

	for _, group := range cs.Groups {
		groupResult := evaluateGroup(&group, t, side)

		if outer == models.LogicAnd {
			if !groupResult {
				return false
			}
		} else if groupResult {
			return true
		}
	}

	return outer == models.LogicAnd
}

func evaluateGroup(group *models.ConditionGroup, t *torbox.Torrent, side *SideData) bool {
	if len(group.Conditions) == 0 {
		return true
	}

	op := group.LogicOperator.Normalize()
	for _, cond := range group.Conditions {
		atomResult := evaluateAtom(&cond, t, side)

		if op == models.LogicAnd {
			if !atomResult {
				return false
			}
		} else if atomResult {
			return true
		}
	}

	return op == models.LogicAnd
}

// evaluateAtom dispatches one atomic condition. Unknown types, unknown
// operators and malformed values all evaluate to false; an atom can never
// abort the rule.
func evaluateAtom(cond *models.Condition, t *torbox.Torrent, side *SideData) bool {
	now := side.now()

	switch normalizeConditionType(cond.Type) {
	case CondSeedingTime:
		return compareNumeric(seedingHours(t, side, now), cond.Operator, cond.Value)

	case CondAge:
		return compareNumeric(ageHours(t, side, now), cond.Operator, cond.Value)

	case CondLastDownloadActivityAt:
		tel := side.telemetryFor(t.ID)
		if tel == nil || tel.LastDownloadActivityAt == nil {
			return compareInfinite(cond.Operator)
		}
		return compareNumeric(now.Sub(*tel.LastDownloadActivityAt).Minutes(), cond.Operator, cond.Value)

	case CondLastUploadActivityAt:
		tel := side.telemetryFor(t.ID)
		if tel == nil || tel.LastUploadActivityAt == nil {
			return compareInfinite(cond.Operator)
		}
		return compareNumeric(now.Sub(*tel.LastUploadActivityAt).Minutes(), cond.Operator, cond.Value)

	case CondExpiresAt:
		if t.ExpiresAt == nil || t.ExpiresAt.IsZero() {
			return false
		}
		return compareNumeric(t.ExpiresAt.Sub(now).Hours(), cond.Operator, cond.Value)

	case CondProgress:
		return compareNumeric(progressPercent(t), cond.Operator, cond.Value)

	case CondDownloadSpeed:
		return compareNumeric(float64(t.DownloadSpeed)/bytesPerMB, cond.Operator, cond.Value)

	case CondUploadSpeed:
		return compareNumeric(float64(t.UploadSpeed)/bytesPerMB, cond.Operator, cond.Value)

	case CondAvgDownloadSpeed:
		avg, ok := rollingAverage(side, t.ID, cond.Hours, now, func(s models.SpeedSample) int64 { return s.TotalDownloaded })
		if !ok {
			return false
		}
		return compareNumeric(avg/bytesPerMB, cond.Operator, cond.Value)

	case CondAvgUploadSpeed:
		avg, ok := rollingAverage(side, t.ID, cond.Hours, now, func(s models.SpeedSample) int64 { return s.TotalUploaded })
		if !ok {
			return false
		}
		return compareNumeric(avg/bytesPerMB, cond.Operator, cond.Value)

	case CondETA:
		minutes, infinite := etaMinutes(t)
		if infinite {
			return compareInfinite(cond.Operator)
		}
		return compareNumeric(minutes, cond.Operator, cond.Value)

	case CondDownloadStalledTime:
		tel := side.telemetryFor(t.ID)
		if tel == nil || tel.StalledSince == nil {
			return false
		}
		return compareNumeric(now.Sub(*tel.StalledSince).Minutes(), cond.Operator, cond.Value)

	case CondUploadStalledTime:
		tel := side.telemetryFor(t.ID)
		if tel == nil || tel.UploadStalledSince == nil {
			return false
		}
		return compareNumeric(now.Sub(*tel.UploadStalledSince).Minutes(), cond.Operator, cond.Value)

	case CondSeeds:
		return compareNumeric(float64(t.Seeds), cond.Operator, cond.Value)

	case CondPeers:
		return compareNumeric(float64(t.Peers), cond.Operator, cond.Value)

	case CondRatio:
		return compareNumeric(t.EffectiveRatio(), cond.Operator, cond.Value)

	case CondTotalUploaded:
		return compareNumeric(float64(t.TotalUploaded)/bytesPerMB, cond.Operator, cond.Value)

	case CondTotalDownloaded:
		return compareNumeric(float64(t.TotalDownloaded)/bytesPerMB, cond.Operator, cond.Value)

	case CondFileSize:
		return compareNumeric(float64(t.Size)/bytesPerMB, cond.Operator, cond.Value)

	case CondFileCount:
		return compareNumeric(float64(t.NumFiles()), cond.Operator, cond.Value)

	case CondName:
		return compareString(t.Name, cond.Operator, cond.Value)

	case CondTracker:
		return compareString(t.Tracker, cond.Operator, cond.Value)

	case CondPrivate:
		return compareBool(t.Private, cond.Operator, cond.Value)

	case CondCached:
		return compareBool(t.Cached, cond.Operator, cond.Value)

	case CondAllowZip:
		return compareBool(t.AllowZip, cond.Operator, cond.Value)

	case CondAvailability:
		return compareNumeric(t.Availability, cond.Operator, cond.Value)

	case CondStatus:
		return compareMultiSelect(string(telemetry.DeriveState(t)), cond.Operator, cond.Value)

	case CondIsActive:
		return compareBool(t.Active, cond.Operator, cond.Value)

	case CondSeedingEnabled:
		return compareBool(t.SeedingEnabled, cond.Operator, cond.Value)

	case CondLongTermSeeding:
		return compareBool(t.LongTermSeeding, cond.Operator, cond.Value)

	case CondTags:
		var tagIDs []int64
		if side != nil && side.Tags != nil {
			tagIDs = side.Tags[t.ID]
		}
		return compareTags(tagIDs, cond.Operator, cond.Value)

	default:
		log.Debug().Str("type", cond.Type).Msg("automations: unknown condition type")
		return false
	}
}

// progressPercent normalizes upstream progress to 0-100. The API reports a
// 0-1 fraction; values above 1 are assumed to already be percentages.
func progressPercent(t *torbox.Torrent) float64 {
	if t.Progress <= 1.0 {
		return t.Progress * 100
	}
	return t.Progress
}

// seedingHours is the time since the torrent finished downloading, in hours.
// The completion instant is approximated by the last download activity; when
// unknown, the torrent's creation instant anchors it.
func seedingHours(t *torbox.Torrent, side *SideData, now time.Time) float64 {
	if !t.DownloadFinished {
		return 0
	}

	if tel := side.telemetryFor(t.ID); tel != nil && tel.LastDownloadActivityAt != nil {
		return math.Max(now.Sub(*tel.LastDownloadActivityAt).Hours(), 0)
	}
	if t.CreatedAt != nil && !t.CreatedAt.IsZero() {
		return math.Max(now.Sub(*t.CreatedAt).Hours(), 0)
	}
	return 0
}

// ageHours is the time since the torrent was added, in hours.
func ageHours(t *torbox.Torrent, side *SideData, now time.Time) float64 {
	if t.CreatedAt != nil && !t.CreatedAt.IsZero() {
		return math.Max(now.Sub(*t.CreatedAt).Hours(), 0)
	}
	if tel := side.telemetryFor(t.ID); tel != nil && !tel.CreatedAt.IsZero() {
		return math.Max(now.Sub(tel.CreatedAt).Hours(), 0)
	}
	return 0
}

// etaMinutes estimates completion time. The upstream ETA (seconds) wins when
// present; otherwise it is computed from remaining bytes and current speed.
// A stalled unfinished torrent has no finite ETA.
func etaMinutes(t *torbox.Torrent) (minutes float64, infinite bool) {
	if t.DownloadFinished {
		return 0, false
	}
	if t.ETA > 0 {
		return float64(t.ETA) / 60, false
	}

	remaining := t.Size - t.TotalDownloaded
	if remaining <= 0 {
		return 0, false
	}
	if t.DownloadSpeed <= 0 {
		return 0, true
	}
	return float64(remaining) / float64(t.DownloadSpeed) / 60, false
}

// rollingAverage computes bytes/sec over the samples inside the atom's
// window: (last - first) / elapsed. Two samples minimum; a zero time delta
// yields zero.
func rollingAverage(side *SideData, torrentID int64, hours float64, now time.Time, counter func(models.SpeedSample) int64) (float64, bool) {
	if side == nil || side.SpeedSamples == nil {
		return 0, false
	}

	samples := side.SpeedSamples[torrentID]
	if len(samples) < 2 {
		return 0, false
	}

	if hours <= 0 {
		hours = 1
	}
	cutoff := now.Add(-time.Duration(hours * float64(time.Hour)))

	var window []models.SpeedSample
	for _, s := range samples {
		if !s.RecordedAt.Before(cutoff) {
			window = append(window, s)
		}
	}
	if len(window) < 2 {
		return 0, false
	}

	first, last := window[0], window[len(window)-1]
	elapsed := last.RecordedAt.Sub(first.RecordedAt).Seconds()
	if elapsed <= 0 {
		return 0, true
	}

	return float64(counter(last)-counter(first)) / elapsed, true
}

// SpeedSampleWindow returns how far back speed samples must be loaded for
// the given rules: 1.5x the largest AVG window in use, never under two
// hours. Zero when no rule uses a rolling average.
func SpeedSampleWindow(rules []*models.Rule) time.Duration {
	var maxHours float64
	for _, rule := range rules {
		if h := maxAvgSpeedHours(rule); h > maxHours {
			maxHours = h
		}
	}
	if maxHours == 0 {
		return 0
	}

	hours := math.Ceil(maxHours * 1.5)
	if hours < 2 {
		hours = 2
	}
	return time.Duration(hours) * time.Hour
}
