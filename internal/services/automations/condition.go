// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package automations evaluates user-defined rules against the polled
// torrent list and dispatches matching actions upstream.
package automations

import (
	"strconv"
	"strings"

	"github.com/jittarao/torboxd/internal/models"
)

// Condition type tokens. Matching is case-insensitive; unknown tokens make
// the atom evaluate false.
const (
	CondSeedingTime            = "seeding_time"
	CondAge                    = "age"
	CondLastDownloadActivityAt = "last_download_activity_at"
	CondLastUploadActivityAt   = "last_upload_activity_at"
	CondExpiresAt              = "expires_at"
	CondProgress               = "progress"
	CondDownloadSpeed          = "download_speed"
	CondUploadSpeed            = "upload_speed"
	CondAvgDownloadSpeed       = "avg_download_speed"
	CondAvgUploadSpeed         = "avg_upload_speed"
	CondETA                    = "eta"
	CondDownloadStalledTime    = "download_stalled_time"
	CondUploadStalledTime      = "upload_stalled_time"
	CondSeeds                  = "seeds"
	CondPeers                  = "peers"
	CondRatio                  = "ratio"
	CondTotalUploaded          = "total_uploaded"
	CondTotalDownloaded        = "total_downloaded"
	CondFileSize               = "file_size"
	CondFileCount              = "file_count"
	CondName                   = "name"
	CondTracker                = "tracker"
	CondPrivate                = "private"
	CondCached                 = "cached"
	CondAllowZip               = "allow_zip"
	CondAvailability           = "availability"
	CondStatus                 = "status"
	CondIsActive               = "is_active"
	CondSeedingEnabled         = "seeding_enabled"
	CondLongTermSeeding        = "long_term_seeding"
	CondTags                   = "tags"
)

// normalizeConditionType lowercases the token for dispatch.
func normalizeConditionType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func normalizeOperator(op models.ConditionOperator) models.ConditionOperator {
	return models.ConditionOperator(strings.ToLower(strings.TrimSpace(string(op))))
}

// asFloat coerces a JSON-decoded condition value into a float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// asString coerces a condition value into a string.
func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	default:
		return "", false
	}
}

// asList returns the value as a slice, treating a scalar as a one-element
// list so sloppy rule payloads still evaluate sensibly.
func asList(v any) []any {
	switch list := v.(type) {
	case nil:
		return nil
	case []any:
		return list
	default:
		return []any{v}
	}
}

// asStringList coerces a multi-select value into lowercased strings.
func asStringList(v any) []string {
	list := asList(v)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := asString(item); ok {
			out = append(out, strings.ToLower(strings.TrimSpace(s)))
		}
	}
	return out
}

// asInt64List normalizes tag ids (numbers or numeric strings) into scalars.
func asInt64List(v any) []int64 {
	list := asList(v)
	out := make([]int64, 0, len(list))
	for _, item := range list {
		if f, ok := asFloat(item); ok {
			out = append(out, int64(f))
		}
	}
	return out
}

// compareNumeric applies a numeric operator. Unknown operators and malformed
// values yield false.
func compareNumeric(value float64, op models.ConditionOperator, condValue any) bool {
	threshold, ok := asFloat(condValue)
	if !ok {
		return false
	}

	switch normalizeOperator(op) {
	case models.OpGreaterThan:
		return value > threshold
	case models.OpLessThan:
		return value < threshold
	case models.OpGreaterThanOrEqual:
		return value >= threshold
	case models.OpLessThanOrEqual:
		return value <= threshold
	case models.OpEqual:
		return value == threshold
	default:
		return false
	}
}

// compareInfinite models a numeric value of +inf: any finite threshold is
// exceeded. Used when telemetry is absent for a LAST_*_ACTIVITY_AT atom.
func compareInfinite(op models.ConditionOperator) bool {
	switch normalizeOperator(op) {
	case models.OpGreaterThan, models.OpGreaterThanOrEqual:
		return true
	default:
		return false
	}
}

// compareString applies a string operator case-insensitively.
func compareString(value string, op models.ConditionOperator, condValue any) bool {
	target, ok := asString(condValue)
	if !ok {
		return false
	}

	v := strings.ToLower(value)
	t := strings.ToLower(target)

	switch normalizeOperator(op) {
	case models.OpEquals, models.OpEqual:
		return v == t
	case models.OpNotEquals:
		return v != t
	case models.OpContains:
		return strings.Contains(v, t)
	case models.OpNotContains:
		return !strings.Contains(v, t)
	case models.OpStartsWith:
		return strings.HasPrefix(v, t)
	case models.OpEndsWith:
		return strings.HasSuffix(v, t)
	default:
		return false
	}
}

// compareBool handles is_true/is_false plus numeric eq (1/0).
func compareBool(value bool, op models.ConditionOperator, condValue any) bool {
	switch normalizeOperator(op) {
	case models.OpIsTrue:
		return value
	case models.OpIsFalse:
		return !value
	case models.OpEqual:
		f, ok := asFloat(condValue)
		if !ok {
			return false
		}
		return value == (f != 0)
	default:
		return false
	}
}

// compareMultiSelect handles is_any_of/is_none_of over a string value.
func compareMultiSelect(value string, op models.ConditionOperator, condValue any) bool {
	options := asStringList(condValue)
	if len(options) == 0 {
		return false
	}

	v := strings.ToLower(strings.TrimSpace(value))
	contained := false
	for _, opt := range options {
		if opt == v {
			contained = true
			break
		}
	}

	switch normalizeOperator(op) {
	case models.OpIsAnyOf:
		return contained
	case models.OpIsNoneOf:
		return !contained
	default:
		return false
	}
}

// compareTags applies set operators over a torrent's tag ids. The has_* and
// is_*_of operator pairs are aliases.
func compareTags(tagIDs []int64, op models.ConditionOperator, condValue any) bool {
	wanted := asInt64List(condValue)
	if len(wanted) == 0 {
		return false
	}

	have := make(map[int64]struct{}, len(tagIDs))
	for _, id := range tagIDs {
		have[id] = struct{}{}
	}

	anyMatch := false
	allMatch := true
	for _, id := range wanted {
		if _, ok := have[id]; ok {
			anyMatch = true
		} else {
			allMatch = false
		}
	}

	switch normalizeOperator(op) {
	case models.OpIsAnyOf, models.OpHasAny:
		return anyMatch
	case models.OpIsAllOf, models.OpHasAll:
		return allMatch
	case models.OpIsNoneOf, models.OpHasNone:
		return !anyMatch
	default:
		return false
	}
}

// ruleUsesCondition reports whether any atom in the rule matches the
// predicate. Used to decide which side data to materialize.
func ruleUsesCondition(rule *models.Rule, match func(condType string) bool) bool {
	if rule.Conditions == nil {
		return false
	}
	for _, group := range rule.Conditions.Groups {
		for _, cond := range group.Conditions {
			if match(normalizeConditionType(cond.Type)) {
				return true
			}
		}
	}
	return false
}

// maxAvgSpeedHours returns the largest hours window any AVG_*_SPEED atom in
// the rule uses, zero when none do.
func maxAvgSpeedHours(rule *models.Rule) float64 {
	var maxHours float64
	if rule.Conditions == nil {
		return 0
	}
	for _, group := range rule.Conditions.Groups {
		for _, cond := range group.Conditions {
			switch normalizeConditionType(cond.Type) {
			case CondAvgDownloadSpeed, CondAvgUploadSpeed:
				hours := cond.Hours
				if hours <= 0 {
					hours = 1
				}
				if hours > maxHours {
					maxHours = hours
				}
			}
		}
	}
	return maxHours
}
