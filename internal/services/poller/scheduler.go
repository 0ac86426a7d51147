// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/jittarao/torboxd/internal/domain"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/services/automations"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

const (
	// skipReschedule backs an inactive user off a full hour.
	skipReschedule = time.Hour
	// errorReschedule retries a failed poll after five minutes.
	errorReschedule = 5 * time.Minute
	// cleanupEveryNTicks bounds how often the poller map is swept.
	cleanupEveryNTicks = 10
)

// Scheduler drives all users' polling: a tick loop picks up due users from
// the registry, a weighted semaphore bounds concurrency, and per-user
// in-flight tracking guarantees one poll per user at a time.
type Scheduler struct {
	cfg      *domain.Config
	manager  *userstore.Manager
	registry *models.RegistryStore
	clients  *torbox.ClientCache

	sem *semaphore.Weighted

	mu       sync.Mutex
	pollers  map[string]*UserPoller
	inFlight map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(cfg *domain.Config, manager *userstore.Manager, registry *models.RegistryStore, clients *torbox.ClientCache) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		clients:  clients,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentPolls)),
		pollers:  make(map[string]*UserPoller),
		inFlight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick and refresh loops. Blocks until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("checkInterval", s.cfg.PollCheckInterval()).
		Dur("refreshInterval", s.cfg.RefreshInterval()).
		Int("maxConcurrentPolls", s.cfg.MaxConcurrentPolls).
		Msg("scheduler: starting")

	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.refreshLoop(ctx)
	s.wg.Wait()
}

// Stop shuts the loops down, waits out in-flight polls up to the poll
// timeout, then closes every pooled store handle.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.PollTimeout()):
		log.Warn().Msg("scheduler: shutdown grace period elapsed with polls still in flight")
	}

	s.manager.Pool().Clear()
	log.Info().Msg("scheduler: stopped")
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollCheckInterval())
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runDuePolls(ctx)
			tick++
			if tick%cleanupEveryNTicks == 0 {
				s.cleanupPollers()
			}
		}
	}
}

// runDuePolls dispatches one bounded goroutine per due user. A user already
// in flight is left alone; the next tick picks them up again if still due.
func (s *Scheduler) runDuePolls(ctx context.Context) {
	now := time.Now()

	due, err := s.registry.UsersDueForPolling(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: failed to query due users")
		return
	}

	for _, reg := range due {
		authID := reg.AuthID

		if !s.beginPoll(authID) {
			continue
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.endPoll(authID)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer s.endPoll(authID)

			s.pollOne(ctx, authID, now)
		}()
	}
}

// pollOne runs one user's poll under the configured timeout and writes the
// next poll time back: the computed interval on success, an hour for skipped
// users, the failure backoff (five minutes at least) after an error. A user
// inside an upstream backoff window is deferred without touching the upstream.
func (s *Scheduler) pollOne(ctx context.Context, authID string, now time.Time) {
	if until, ok := s.clients.BackoffUntil(authID); ok {
		log.Debug().Str("authID", authID).Time("retryAt", until).Msg("scheduler: user in upstream backoff, deferring poll")
		s.writeBack(ctx, authID, until, 0)
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout())
	defer cancel()

	p := s.pollerFor(authID)

	result, err := p.Poll(pollCtx, now)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("authID", authID).Msg("scheduler: poll failed")
		s.writeBack(ctx, authID, s.retryAfterFailure(authID, now), 0)

	case result.Skipped:
		s.writeBack(ctx, authID, now.Add(skipReschedule), 0)

	default:
		interval, ierr := p.NextInterval(pollCtx, result.NonTerminalCount)
		if ierr != nil {
			log.Warn().Err(ierr).Str("authID", authID).Msg("scheduler: failed to compute next interval")
			interval = errorReschedule
		}
		s.writeBack(ctx, authID, now.Add(interval), result.NonTerminalCount)
	}
}

// retryAfterFailure picks the next attempt time after a failed poll: the
// client cache's escalating backoff window when it reaches further than the
// flat five-minute retry.
func (s *Scheduler) retryAfterFailure(authID string, now time.Time) time.Time {
	next := now.Add(errorReschedule)
	if until, ok := s.clients.BackoffUntil(authID); ok && until.After(next) {
		return until
	}
	return next
}

func (s *Scheduler) writeBack(ctx context.Context, authID string, next time.Time, nonTerminal int) {
	if err := s.registry.UpdateNextPollAt(ctx, authID, next, nonTerminal); err != nil {
		log.Error().Err(err).Str("authID", authID).Msg("scheduler: failed to write next poll time")
	}
}

// refreshLoop reconciles the poller set and the registry's active-rules flags
// against reality: registered active users gain pollers, deleted users lose
// them, and a flag that drifted from the store's enabled-rule count is
// corrected for users whose store is already open.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	regs, err := s.registry.ActiveUsers(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: refresh failed to list active users")
		return
	}

	// Only reconcile flags through stores that are already pooled; opening
	// every registered store on a timer would defeat eviction.
	reconcile := s.manager.Pool().Len() > 0

	known := make(map[string]struct{}, len(regs))
	for _, reg := range regs {
		known[reg.AuthID] = struct{}{}
		if reconcile {
			s.reconcileActiveFlag(ctx, reg)
		}
	}

	s.mu.Lock()
	for authID := range s.pollers {
		if _, ok := known[authID]; !ok {
			delete(s.pollers, authID)
			s.clients.Remove(authID)
			log.Debug().Str("authID", authID).Msg("scheduler: dropped poller for unregistered user")
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) reconcileActiveFlag(ctx context.Context, reg *models.UserRegistration) {
	store := s.manager.Pool().Get(ctx, reg.AuthID)
	if store == nil {
		return
	}
	defer s.manager.Release(reg.AuthID)

	count, err := store.Rules.CountEnabled(ctx)
	if err != nil {
		log.Warn().Err(err).Str("authID", reg.AuthID).Msg("scheduler: refresh failed to count rules")
		return
	}

	hasActive := count > 0
	if hasActive == reg.HasActiveRules {
		return
	}

	log.Info().
		Str("authID", reg.AuthID).
		Bool("hasActiveRules", hasActive).
		Msg("scheduler: reconciling stale active-rules flag")
	if err := s.registry.UpdateActiveRulesFlag(ctx, reg.AuthID, hasActive); err != nil {
		log.Error().Err(err).Str("authID", reg.AuthID).Msg("scheduler: failed to reconcile active-rules flag")
	}
}

// cleanupPollers drops pollers that have not run for a full cleanup interval.
// Their registry rows remain; a poller is rebuilt on demand when the user is
// due again.
func (s *Scheduler) cleanupPollers() {
	cutoff := time.Now().Add(-s.cfg.PollerCleanupInterval())

	s.mu.Lock()
	defer s.mu.Unlock()

	for authID, p := range s.pollers {
		last := p.LastPolledAt()
		if !last.IsZero() && last.Before(cutoff) {
			delete(s.pollers, authID)
			log.Debug().Str("authID", authID).Time("lastPolled", last).Msg("scheduler: evicted idle poller")
		}
	}
}

// TriggerPoll runs one user's poll immediately, bypassing the due queue but
// not the concurrency bound or the single-poll-per-user guarantee.
func (s *Scheduler) TriggerPoll(ctx context.Context, authID string) (*PollResult, error) {
	if _, err := s.registry.Get(ctx, authID); err != nil {
		return nil, err
	}

	if !s.beginPoll(authID) {
		return nil, fmt.Errorf("poll already in progress for user")
	}
	defer s.endPoll(authID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	now := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout())
	defer cancel()

	p := s.pollerFor(authID)
	result, err := p.Poll(pollCtx, now)
	switch {
	case err != nil:
		s.writeBack(ctx, authID, s.retryAfterFailure(authID, now), 0)
		return nil, err
	case result.Skipped:
		s.writeBack(ctx, authID, now.Add(skipReschedule), 0)
	default:
		interval, ierr := p.NextInterval(pollCtx, result.NonTerminalCount)
		if ierr != nil {
			interval = errorReschedule
		}
		s.writeBack(ctx, authID, now.Add(interval), result.NonTerminalCount)
	}

	return result, nil
}

// Engine returns the automation engine for a user, creating the poller if
// needed. Rule CRUD over the API routes through here.
func (s *Scheduler) Engine(authID string) *automations.Engine {
	return s.pollerFor(authID).Engine()
}

func (s *Scheduler) pollerFor(authID string) *UserPoller {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pollers[authID]; ok {
		return p
	}
	p := NewUserPoller(authID, s.manager, s.registry, s.clients)
	s.pollers[authID] = p
	return p
}

func (s *Scheduler) beginPoll(authID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inFlight[authID]; ok {
		return false
	}
	s.inFlight[authID] = struct{}{}
	return true
}

func (s *Scheduler) endPoll(authID string) {
	s.mu.Lock()
	delete(s.inFlight, authID)
	s.mu.Unlock()
}

// Stats reports scheduler occupancy for metrics and health endpoints.
type Stats struct {
	Pollers  int
	InFlight int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pollers: len(s.pollers), InFlight: len(s.inFlight)}
}
