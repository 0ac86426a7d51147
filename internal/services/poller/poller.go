// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/services/automations"
	"github.com/jittarao/torboxd/internal/services/telemetry"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

// speedHistoryRetention is the floor for how much speed history survives the
// per-poll prune. Rolling-average rules can demand more; never less.
const speedHistoryRetention = 48 * time.Hour

// PollResult is the outcome of one polling cycle for one user.
type PollResult struct {
	Skipped          bool
	SkipReason       string
	TorrentCount     int
	NonTerminalCount int
	NewCount         int
	UpdatedCount     int
	RemovedCount     int
	Rules            automations.EvaluationSummary
	Duration         time.Duration
}

// UserPoller runs the full poll pipeline for a single user.
type UserPoller struct {
	authID   string
	manager  *userstore.Manager
	registry *models.RegistryStore
	clients  *torbox.ClientCache
	engine   *automations.Engine
	diff     *telemetry.StateDiffEngine
	derived  *telemetry.DerivedFieldsEngine

	mu           sync.Mutex
	lastPolledAt time.Time
}

func NewUserPoller(authID string, manager *userstore.Manager, registry *models.RegistryStore, clients *torbox.ClientCache) *UserPoller {
	return &UserPoller{
		authID:   authID,
		manager:  manager,
		registry: registry,
		clients:  clients,
		engine:   automations.NewEngine(authID, manager, registry),
		diff:     telemetry.NewStateDiffEngine(),
		derived:  telemetry.NewDerivedFieldsEngine(),
	}
}

// Engine exposes the user's automation engine for rule CRUD over the API.
func (p *UserPoller) Engine() *automations.Engine {
	return p.engine
}

// LastPolledAt reports when this poller last completed a cycle. The scheduler
// uses it to drop pollers for users that went quiet.
func (p *UserPoller) LastPolledAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPolledAt
}

func (p *UserPoller) markPolled(now time.Time) {
	p.mu.Lock()
	p.lastPolledAt = now
	p.mu.Unlock()
}

// Poll runs one cycle: snapshot fetch, diff + telemetry in one write
// transaction, rule evaluation, and the non-terminal count for interval
// scaling. The user's store handle is marked active for the duration so the
// pool cannot evict it mid-poll.
func (p *UserPoller) Poll(ctx context.Context, now time.Time) (*PollResult, error) {
	started := time.Now()
	p.markPolled(now)

	store, err := p.manager.GetOrOpen(ctx, p.authID)
	if err != nil {
		return nil, err
	}

	p.manager.MarkActive(p.authID)
	defer func() {
		p.manager.MarkInactive(p.authID)
		p.manager.Release(p.authID)
	}()

	rules, err := store.Rules.List(ctx)
	if err != nil {
		return nil, err
	}
	if !anyEnabled(rules) {
		log.Debug().Str("authID", p.authID).Msg("poller: no active rules, skipping poll")
		return &PollResult{Skipped: true, SkipReason: "no active rules", Duration: time.Since(started)}, nil
	}

	client, err := p.clients.Get(ctx, p.authID)
	if err != nil {
		return nil, err
	}

	snapshot, err := client.ListTorrents(ctx)
	if err != nil {
		p.clients.RecordFailure(p.authID, err)
		return nil, err
	}
	p.clients.RecordSuccess(p.authID)

	changes, nonTerminal, err := p.persistSnapshot(ctx, store, rules, snapshot, now)
	if err != nil {
		return nil, err
	}

	summary, err := p.engine.EvaluateRules(ctx, store, client, snapshot, now)
	if err != nil {
		// Evaluation failure does not invalidate the already-committed
		// telemetry; surface it but keep the poll's state advances.
		log.Error().Err(err).Str("authID", p.authID).Msg("poller: rule evaluation failed")
	}

	result := &PollResult{
		TorrentCount:     len(snapshot),
		NonTerminalCount: nonTerminal,
		NewCount:         len(changes.New),
		UpdatedCount:     len(changes.Updated),
		RemovedCount:     len(changes.Removed),
		Rules:            summary,
		Duration:         time.Since(started),
	}

	log.Debug().
		Str("authID", p.authID).
		Int("torrents", result.TorrentCount).
		Int("nonTerminal", result.NonTerminalCount).
		Int("new", result.NewCount).
		Int("updated", result.UpdatedCount).
		Int("removed", result.RemovedCount).
		Int("rulesEvaluated", result.Rules.RulesEvaluated).
		Dur("duration", result.Duration).
		Msg("poller: cycle complete")

	return result, nil
}

// persistSnapshot applies the diff and derived-telemetry engines inside a
// single write transaction, prunes stale speed history, and counts
// non-terminal torrents from the fresh snapshot.
func (p *UserPoller) persistSnapshot(ctx context.Context, store *userstore.Store, rules []*models.Rule, snapshot []torbox.Torrent, now time.Time) (*telemetry.Changes, int, error) {
	tx, err := store.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	priorShadow, err := models.NewShadowStore(tx).Map(ctx)
	if err != nil {
		return nil, 0, err
	}

	changes := p.diff.Diff(snapshot, priorShadow)

	if err := p.diff.Apply(ctx, tx, changes, now); err != nil {
		return nil, 0, err
	}
	if err := p.derived.Apply(ctx, tx, changes, priorShadow, now); err != nil {
		return nil, 0, err
	}

	retention := speedHistoryRetention
	if window := automations.SpeedSampleWindow(rules); window > retention {
		retention = window
	}
	if _, err := models.NewSpeedHistoryStore(tx).PruneBefore(ctx, now.Add(-retention)); err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	nonTerminal := 0
	for i := range snapshot {
		if !telemetry.IsTerminal(telemetry.DeriveState(&snapshot[i])) {
			nonTerminal++
		}
	}

	return changes, nonTerminal, nil
}

// NextInterval computes the user's next poll interval from the current rule
// set and activity level.
func (p *UserPoller) NextInterval(ctx context.Context, nonTerminalCount int) (time.Duration, error) {
	store, err := p.manager.GetOrOpen(ctx, p.authID)
	if err != nil {
		return 0, err
	}
	defer p.manager.Release(p.authID)

	rules, err := store.Rules.List(ctx)
	if err != nil {
		return 0, err
	}

	return ComputeInterval(p.authID, rules, nonTerminalCount), nil
}

func anyEnabled(rules []*models.Rule) bool {
	for _, rule := range rules {
		if rule.Enabled {
			return true
		}
	}
	return false
}
