// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package automations

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

// telemetryConditions are the atoms that need the telemetry map loaded.
var telemetryConditions = map[string]struct{}{
	CondSeedingTime:            {},
	CondAge:                    {},
	CondLastDownloadActivityAt: {},
	CondLastUploadActivityAt:   {},
	CondDownloadStalledTime:    {},
	CondUploadStalledTime:      {},
}

// Engine owns one user's automation lifecycle: rule CRUD against the per-user
// store, the registry's has_active_rules flag, and per-cycle evaluation with
// interval gating and cooldowns.
type Engine struct {
	authID    string
	manager   *userstore.Manager
	registry  *models.RegistryStore
	evaluator *Evaluator

	mu            sync.Mutex
	lastEvaluated map[int64]time.Time
}

func NewEngine(authID string, manager *userstore.Manager, registry *models.RegistryStore) *Engine {
	return &Engine{
		authID:        authID,
		manager:       manager,
		registry:      registry,
		evaluator:     NewEvaluator(),
		lastEvaluated: make(map[int64]time.Time),
	}
}

// store acquires the user's handle lazily so an engine for an idle user holds
// no open database.
func (e *Engine) store(ctx context.Context) (*userstore.Store, error) {
	return e.manager.GetOrOpen(ctx, e.authID)
}

// GetRules returns the user's rule set.
func (e *Engine) GetRules(ctx context.Context) ([]*models.Rule, error) {
	store, err := e.store(ctx)
	if err != nil {
		return nil, err
	}
	return store.Rules.List(ctx)
}

// SaveRules replaces the user's rule set atomically and refreshes the
// registry's active-rules flag. A user who just gained active rules is
// scheduled for a poll within five minutes.
func (e *Engine) SaveRules(ctx context.Context, rules []*models.Rule) error {
	store, err := e.store(ctx)
	if err != nil {
		return err
	}

	if err := store.Rules.ReplaceAll(ctx, rules); err != nil {
		return err
	}

	return e.refreshActiveFlag(ctx, store, true)
}

// UpdateRuleStatus flips one rule's enabled flag.
func (e *Engine) UpdateRuleStatus(ctx context.Context, ruleID int64, enabled bool) error {
	store, err := e.store(ctx)
	if err != nil {
		return err
	}

	if err := store.Rules.UpdateStatus(ctx, ruleID, enabled); err != nil {
		return err
	}

	return e.refreshActiveFlag(ctx, store, enabled)
}

// DeleteRule removes a rule and refreshes the active-rules flag.
func (e *Engine) DeleteRule(ctx context.Context, ruleID int64) error {
	store, err := e.store(ctx)
	if err != nil {
		return err
	}

	if err := store.Rules.Delete(ctx, ruleID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.lastEvaluated, ruleID)
	e.mu.Unlock()

	return e.refreshActiveFlag(ctx, store, false)
}

// HasActiveRules reports whether the user has at least one enabled rule,
// straight from the store.
func (e *Engine) HasActiveRules(ctx context.Context) (bool, error) {
	store, err := e.store(ctx)
	if err != nil {
		return false, err
	}

	count, err := store.Rules.CountEnabled(ctx)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// refreshActiveFlag recomputes has_active_rules from the store and persists
// it to the registry. When the user just became active, the next poll is
// pulled forward so new rules take effect promptly.
func (e *Engine) refreshActiveFlag(ctx context.Context, store *userstore.Store, maybeActivated bool) error {
	count, err := store.Rules.CountEnabled(ctx)
	if err != nil {
		return err
	}
	hasActive := count > 0

	if err := e.registry.UpdateActiveRulesFlag(ctx, e.authID, hasActive); err != nil {
		return err
	}

	if hasActive && maybeActivated {
		reg, err := e.registry.Get(ctx, e.authID)
		if err != nil {
			return err
		}
		soon := time.Now().Add(5 * time.Minute)
		if reg.NextPollAt == nil || reg.NextPollAt.After(soon) {
			if err := e.registry.UpdateNextPollAt(ctx, e.authID, soon, reg.NonTerminalCount); err != nil {
				return err
			}
		}
	}

	return nil
}

// EvaluationSummary aggregates one cycle's rule outcomes.
type EvaluationSummary struct {
	RulesConsidered int
	RulesEvaluated  int
	Matched         int
	Executed        int
	Failed          int
}

// EvaluateRules runs every eligible rule against the snapshot. A rule is
// eligible when enabled, outside its cooldown window, and past its trigger
// interval since the last evaluation. Side data is loaded only for what the
// eligible rules actually reference. Every evaluation that matched at least
// one torrent is recorded in the execution log and stamps the rule's
// cooldown.
func (e *Engine) EvaluateRules(ctx context.Context, store *userstore.Store, client ControlClient, torrents []torbox.Torrent, now time.Time) (EvaluationSummary, error) {
	var summary EvaluationSummary

	rules, err := store.Rules.List(ctx)
	if err != nil {
		return summary, err
	}
	summary.RulesConsidered = len(rules)

	eligible := make([]*models.Rule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if rule.InCooldown(now) {
			log.Debug().Str("authID", e.authID).Str("rule", rule.Name).Msg("automations: rule in cooldown, skipping")
			continue
		}
		if !e.intervalElapsed(rule, now) {
			continue
		}
		eligible = append(eligible, rule)
	}
	if len(eligible) == 0 {
		return summary, nil
	}

	side, err := e.loadSideData(ctx, store, eligible, now)
	if err != nil {
		return summary, err
	}

	executor := NewExecutor(store, client)

	for _, rule := range eligible {
		started := time.Now()
		matched := e.evaluator.Evaluate(rule, torrents, side)

		e.markEvaluated(rule.ID, now)
		summary.RulesEvaluated++

		if len(matched) == 0 {
			continue
		}

		result := executor.Execute(ctx, rule, matched)
		summary.Matched += result.Matched
		summary.Executed += result.Executed
		summary.Failed += result.Failed

		entry := &models.RuleExecutionLog{
			RuleID:        &rule.ID,
			RuleName:      rule.Name,
			MatchedCount:  result.Matched,
			ExecutedCount: result.Executed,
			FailedCount:   result.Failed,
			Success:       result.Failed == 0,
			DurationMs:    time.Since(started).Milliseconds(),
		}
		if result.FirstError != nil {
			entry.ErrorMessage = result.FirstError.Error()
		}
		if err := store.ExecutionLog.Insert(ctx, entry); err != nil {
			log.Error().Err(err).Str("authID", e.authID).Str("rule", rule.Name).Msg("automations: failed to write execution log")
		}

		if err := store.Rules.RecordExecution(ctx, rule.ID, now); err != nil {
			log.Error().Err(err).Str("authID", e.authID).Str("rule", rule.Name).Msg("automations: failed to record execution")
		}

		log.Info().
			Str("authID", e.authID).
			Str("rule", rule.Name).
			Str("action", string(rule.Action.Type)).
			Int("matched", result.Matched).
			Int("executed", result.Executed).
			Int("failed", result.Failed).
			Msg("automations: rule executed")
	}

	return summary, nil
}

// intervalElapsed gates a rule on its trigger interval using the in-memory
// last-evaluation time. A rule never seen this process lifetime is due.
func (e *Engine) intervalElapsed(rule *models.Rule, now time.Time) bool {
	e.mu.Lock()
	last, ok := e.lastEvaluated[rule.ID]
	e.mu.Unlock()

	if !ok {
		return true
	}
	return now.Sub(last) >= rule.Trigger.EffectiveInterval()
}

func (e *Engine) markEvaluated(ruleID int64, now time.Time) {
	e.mu.Lock()
	e.lastEvaluated[ruleID] = now
	e.mu.Unlock()
}

// loadSideData materializes only the context the eligible rules reference:
// the telemetry map for activity and stall atoms, speed samples for rolling
// averages, and the tag map for tag atoms and tag actions.
func (e *Engine) loadSideData(ctx context.Context, store *userstore.Store, rules []*models.Rule, now time.Time) (*SideData, error) {
	side := &SideData{Now: now}

	needTelemetry := false
	needTags := false
	for _, rule := range rules {
		if ruleUsesCondition(rule, func(condType string) bool {
			_, ok := telemetryConditions[condType]
			return ok
		}) {
			needTelemetry = true
		}
		if ruleUsesCondition(rule, func(condType string) bool { return condType == CondTags }) ||
			rule.Action.Type == models.ActionAddTag || rule.Action.Type == models.ActionRemoveTag {
			needTags = true
		}
	}

	if needTelemetry {
		telemetry, err := store.Telemetry.Map(ctx)
		if err != nil {
			return nil, err
		}
		side.Telemetry = telemetry
	}

	if window := SpeedSampleWindow(rules); window > 0 {
		samples, err := store.SpeedHistory.MapSince(ctx, now.Add(-window))
		if err != nil {
			return nil, err
		}
		side.SpeedSamples = samples
	}

	if needTags {
		tags, err := store.Tags.TagIDsByTorrent(ctx)
		if err != nil {
			return nil, err
		}
		side.Tags = tags
	}

	return side, nil
}
