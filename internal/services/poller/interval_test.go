// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jittarao/torboxd/internal/models"
)

func intervalRule(minutes int, enabled bool) *models.Rule {
	return &models.Rule{
		Enabled: enabled,
		Trigger: models.Trigger{Type: models.TriggerInterval, ValueMinutes: minutes},
	}
}

func TestComputeIntervalBase(t *testing.T) {
	rules := []*models.Rule{intervalRule(15, true), intervalRule(45, true)}

	interval := ComputeInterval("user-a", rules, 3)
	base := 15 * time.Minute

	// The tightest enabled rule sets the base; only the stagger rides on top.
	assert.GreaterOrEqual(t, interval, base)
	assert.Less(t, interval, base+base/10)
}

func TestComputeIntervalIgnoresDisabledRules(t *testing.T) {
	rules := []*models.Rule{intervalRule(1, false), intervalRule(20, true)}

	interval := ComputeInterval("user-a", rules, 3)
	assert.GreaterOrEqual(t, interval, 20*time.Minute)
}

func TestComputeIntervalClampsToFloorAndCap(t *testing.T) {
	// A sub-minute rule interval clamps up to one minute.
	fast := ComputeInterval("user-a", []*models.Rule{intervalRule(0, true)}, 3)
	assert.GreaterOrEqual(t, fast, time.Minute)
	assert.Less(t, fast, time.Minute+time.Minute/10)

	// No rules tighter than the cap: base is thirty minutes.
	slow := ComputeInterval("user-a", []*models.Rule{intervalRule(240, true)}, 3)
	assert.GreaterOrEqual(t, slow, 30*time.Minute)
	assert.Less(t, slow, 33*time.Minute)
}

func TestComputeIntervalIdleBackoff(t *testing.T) {
	rules := []*models.Rule{intervalRule(20, true)}

	active := ComputeInterval("user-a", rules, 5)
	idle := ComputeInterval("user-a", rules, 0)

	// Nothing non-terminal doubles the interval; the stagger is identical for
	// the same user, so the difference is exactly the base.
	assert.Equal(t, 20*time.Minute, idle-active)

	// Doubling never exceeds the hour cap.
	idleCapped := ComputeInterval("user-a", []*models.Rule{intervalRule(45, true)}, 0)
	assert.LessOrEqual(t, idleCapped, time.Hour+Stagger("user-a", 30*time.Minute))
}

func TestStaggerIsDeterministicAndBounded(t *testing.T) {
	base := 30 * time.Minute

	a := Stagger("user-a", base)
	assert.Equal(t, a, Stagger("user-a", base))

	assert.GreaterOrEqual(t, a, time.Duration(0))
	assert.Less(t, a, base/10)

	// Different users land in different buckets; a handful of ids must not
	// all collapse onto one offset.
	offsets := make(map[time.Duration]struct{})
	for _, id := range []string{"user-a", "user-b", "user-c", "user-d", "user-e", "user-f", "user-g", "user-h"} {
		offsets[Stagger(id, base)] = struct{}{}
	}
	assert.Greater(t, len(offsets), 1)
}
