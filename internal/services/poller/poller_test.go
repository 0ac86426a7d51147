// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittarao/torboxd/internal/crypto"
	"github.com/jittarao/torboxd/internal/domain"
	"github.com/jittarao/torboxd/internal/models"
	"github.com/jittarao/torboxd/internal/testdb"
	"github.com/jittarao/torboxd/internal/torbox"
	"github.com/jittarao/torboxd/internal/userstore"
)

// fakeUpstream mimics the TorBox API: the list endpoint serves a canned
// snapshot, the control endpoint records every operation. With hangList set,
// list requests block until the client gives up, to exercise poll timeouts.
type fakeUpstream struct {
	mu        sync.Mutex
	torrents  []torbox.Torrent
	controls  []map[string]any
	listCalls int
	failList  bool
	hangList  bool

	listStarted chan struct{}

	credential string
	server     *httptest.Server
}

func newFakeUpstream(t *testing.T, credential string) *fakeUpstream {
	t.Helper()

	up := &fakeUpstream{
		credential:  credential,
		listStarted: make(chan struct{}, 8),
	}
	up.server = httptest.NewServer(http.HandlerFunc(up.handle))
	t.Cleanup(up.server.Close)
	return up
}

func (u *fakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Header.Get("Authorization") != "Bearer "+u.credential {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "invalid api key"})
		return
	}

	switch r.URL.Path {
	case "/torrents/mylist":
		u.mu.Lock()
		u.listCalls++
		fail, hang := u.failList, u.hangList
		torrents := append([]torbox.Torrent(nil), u.torrents...)
		u.mu.Unlock()

		select {
		case u.listStarted <- struct{}{}:
		default:
		}

		if hang {
			<-r.Context().Done()
			return
		}
		if fail {
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "database maintenance"})
			return
		}
		if r.URL.Query().Get("bypass_cache") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "expected bypass_cache"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": torrents})

	case "/torrents/controltorrent":
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		u.mu.Lock()
		u.controls = append(u.controls, payload)
		u.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "detail": "no such endpoint"})
	}
}

func (u *fakeUpstream) setTorrents(torrents []torbox.Torrent) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.torrents = torrents
}

func (u *fakeUpstream) setFailList(fail bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failList = fail
}

func (u *fakeUpstream) setHangList(hang bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hangList = hang
}

func (u *fakeUpstream) controlOps() []map[string]any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]map[string]any(nil), u.controls...)
}

func (u *fakeUpstream) listCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listCalls
}

type pollEnv struct {
	upstream *fakeUpstream
	manager  *userstore.Manager
	registry *models.RegistryStore
	clients  *torbox.ClientCache
	authID   string
	store    *userstore.Store
}

func newPollEnv(t *testing.T) *pollEnv {
	t.Helper()

	credential := "poll-test-credential"
	upstream := newFakeUpstream(t, credential)

	catalog := testdb.OpenCatalog(t)
	registry := models.NewRegistryStore(catalog)
	apiKeys := models.NewAPIKeyStore(catalog)

	encryptor, err := crypto.NewAESEncryptor(crypto.DeriveKey("test-session-secret", []byte("poller-test-salt")))
	require.NoError(t, err)

	pool := userstore.NewPool(userstore.PoolConfig{MaxSize: 4})
	t.Cleanup(pool.Clear)

	manager := userstore.NewManager(pool, registry, apiKeys, encryptor, t.TempDir())

	authID, store, err := manager.RegisterUser(context.Background(), credential, "main")
	require.NoError(t, err)

	clients := torbox.NewClientCache(manager.DecryptCredential, torbox.Options{BaseURL: upstream.server.URL})

	return &pollEnv{
		upstream: upstream,
		manager:  manager,
		registry: registry,
		clients:  clients,
		authID:   authID,
		store:    store,
	}
}

func (e *pollEnv) addRule(t *testing.T, rule *models.Rule) {
	t.Helper()
	_, err := e.store.Rules.Insert(context.Background(), rule)
	require.NoError(t, err)
}

func stopSeedingRule(name string) *models.Rule {
	return &models.Rule{
		Name:    name,
		Enabled: true,
		Trigger: models.Trigger{Type: models.TriggerInterval, ValueMinutes: 1},
		Action:  models.Action{Type: models.ActionStopSeeding},
	}
}

func TestUserPollerPollCycle(t *testing.T) {
	env := newPollEnv(t)
	ctx := context.Background()

	env.addRule(t, stopSeedingRule("stop everything"))
	env.upstream.setTorrents([]torbox.Torrent{
		{ID: 1, Hash: "AA11", Name: "linux.iso", DownloadState: "downloading", Active: true, Size: 4096, DownloadSpeed: 1000},
		{ID: 2, Hash: "bb22", Name: "done.iso", DownloadFinished: true, DownloadPresent: true, Size: 2048},
	})

	poller := NewUserPoller(env.authID, env.manager, env.registry, env.clients)

	now := time.Now()
	result, err := poller.Poll(ctx, now)
	require.NoError(t, err)

	assert.False(t, result.Skipped)
	assert.Equal(t, 2, result.TorrentCount)
	assert.Equal(t, 2, result.NewCount)
	assert.Zero(t, result.RemovedCount)

	// Only the in-flight download counts toward interval scaling; the
	// completed torrent is terminal.
	assert.Equal(t, 1, result.NonTerminalCount)

	// The match-all rule stopped both torrents upstream.
	assert.Equal(t, 2, result.Rules.Executed)
	ops := env.upstream.controlOps()
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.Equal(t, "stop_seeding", op["operation"])
	}

	// The snapshot landed in the shadow table with derived states and
	// normalized hashes.
	shadow, err := env.store.Shadow.Map(ctx)
	require.NoError(t, err)
	require.Len(t, shadow, 2)
	assert.Equal(t, "aa11", shadow[1].Hash)
	assert.Equal(t, "downloading", shadow[1].LastState)
	assert.Equal(t, "completed", shadow[2].LastState)

	assert.WithinDuration(t, now, poller.LastPolledAt(), time.Second)

	// An unchanged snapshot a minute later produces no diff, and the rule sits
	// out its cooldown.
	result, err = poller.Poll(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, result.NewCount)
	assert.Zero(t, result.UpdatedCount)
	assert.Zero(t, result.Rules.RulesEvaluated)
	require.Len(t, env.upstream.controlOps(), 2)

	interval, err := poller.NextInterval(ctx, result.NonTerminalCount)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, interval, time.Minute)
}

func TestUserPollerSkipsWithoutActiveRules(t *testing.T) {
	env := newPollEnv(t)

	poller := NewUserPoller(env.authID, env.manager, env.registry, env.clients)

	result, err := poller.Poll(context.Background(), time.Now())
	require.NoError(t, err)

	assert.True(t, result.Skipped)
	assert.Equal(t, "no active rules", result.SkipReason)

	// The upstream was never contacted.
	assert.Zero(t, env.upstream.listCount())
}

func TestUserPollerUpstreamFailureEntersBackoff(t *testing.T) {
	env := newPollEnv(t)

	env.addRule(t, stopSeedingRule("stop everything"))
	env.upstream.setFailList(true)

	poller := NewUserPoller(env.authID, env.manager, env.registry, env.clients)

	_, err := poller.Poll(context.Background(), time.Now())
	require.Error(t, err)

	assert.Equal(t, 1, env.clients.FailureCount(env.authID))
	assert.True(t, env.clients.IsInBackoff(env.authID))

	// A clean cycle clears the tracking.
	env.upstream.setFailList(false)
	_, err = poller.Poll(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, env.clients.FailureCount(env.authID))
	assert.False(t, env.clients.IsInBackoff(env.authID))
}

func TestSchedulerTriggerPoll(t *testing.T) {
	env := newPollEnv(t)
	ctx := context.Background()

	env.addRule(t, stopSeedingRule("stop everything"))
	env.upstream.setTorrents([]torbox.Torrent{
		{ID: 1, Hash: "aa11", Name: "linux.iso", DownloadState: "downloading", Active: true},
	})

	cfg := &domain.Config{}
	cfg.ApplyDefaults()

	scheduler := NewScheduler(cfg, env.manager, env.registry, env.clients)

	result, err := scheduler.TriggerPoll(ctx, env.authID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TorrentCount)

	// The manual poll still writes the next scheduled time back.
	reg, err := env.registry.Get(ctx, env.authID)
	require.NoError(t, err)
	require.NotNil(t, reg.NextPollAt)
	assert.True(t, reg.NextPollAt.After(time.Now()))
	assert.Equal(t, 1, reg.NonTerminalCount)

	stats := scheduler.Stats()
	assert.Equal(t, 1, stats.Pollers)
	assert.Zero(t, stats.InFlight)
}

func TestSchedulerTriggerPollUnknownUser(t *testing.T) {
	env := newPollEnv(t)

	cfg := &domain.Config{}
	cfg.ApplyDefaults()

	scheduler := NewScheduler(cfg, env.manager, env.registry, env.clients)

	_, err := scheduler.TriggerPoll(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, models.ErrRegistrationNotFound)
}

func TestSchedulerDefersUsersInBackoff(t *testing.T) {
	env := newPollEnv(t)
	ctx := context.Background()

	env.addRule(t, stopSeedingRule("stop everything"))
	env.upstream.setFailList(true)

	cfg := &domain.Config{}
	cfg.ApplyDefaults()

	scheduler := NewScheduler(cfg, env.manager, env.registry, env.clients)

	// Manual triggers bypass the deferral and keep hitting the upstream, so
	// two of them escalate the backoff window to ten minutes.
	for i := 0; i < 2; i++ {
		_, err := scheduler.TriggerPoll(ctx, env.authID)
		require.Error(t, err)
	}
	require.Equal(t, 2, env.clients.FailureCount(env.authID))
	calls := env.upstream.listCount()

	// The due-queue path defers the user instead of hammering a broken
	// upstream again.
	now := time.Now()
	scheduler.pollOne(ctx, env.authID, now)
	assert.Equal(t, calls, env.upstream.listCount())

	reg, err := env.registry.Get(ctx, env.authID)
	require.NoError(t, err)
	require.NotNil(t, reg.NextPollAt)
	assert.WithinDuration(t, now.Add(10*time.Minute), *reg.NextPollAt, time.Minute)
}

func TestSchedulerPollTimeoutReschedules(t *testing.T) {
	env := newPollEnv(t)
	ctx := context.Background()

	env.addRule(t, stopSeedingRule("stop everything"))
	env.upstream.setHangList(true)

	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	cfg.PollTimeoutMs = 100

	scheduler := NewScheduler(cfg, env.manager, env.registry, env.clients)

	now := time.Now()
	_, err := scheduler.TriggerPoll(ctx, env.authID)
	require.Error(t, err)

	// The hung cycle was cut off at the timeout, counted as an upstream
	// failure, and rescheduled five minutes out.
	assert.True(t, env.clients.IsInBackoff(env.authID))

	reg, err := env.registry.Get(ctx, env.authID)
	require.NoError(t, err)
	require.NotNil(t, reg.NextPollAt)
	assert.WithinDuration(t, now.Add(5*time.Minute), *reg.NextPollAt, time.Minute)
}

func TestSchedulerRejectsConcurrentPoll(t *testing.T) {
	env := newPollEnv(t)
	ctx := context.Background()

	env.addRule(t, stopSeedingRule("stop everything"))
	env.upstream.setHangList(true)

	cfg := &domain.Config{}
	cfg.ApplyDefaults()
	cfg.PollTimeoutMs = 2000

	scheduler := NewScheduler(cfg, env.manager, env.registry, env.clients)

	done := make(chan error, 1)
	go func() {
		_, err := scheduler.TriggerPoll(ctx, env.authID)
		done <- err
	}()

	select {
	case <-env.upstream.listStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("first poll never reached the upstream")
	}

	// Only one poll per user may be in flight, whatever path dispatched it.
	_, err := scheduler.TriggerPoll(ctx, env.authID)
	require.ErrorContains(t, err, "already in progress")

	require.Error(t, <-done)
}

func TestSchedulerRefreshReconcilesPooledFlagsOnly(t *testing.T) {
	env := newPollEnv(t)
	ctx := context.Background()

	env.addRule(t, stopSeedingRule("stop everything"))

	cfg := &domain.Config{}
	cfg.ApplyDefaults()

	scheduler := NewScheduler(cfg, env.manager, env.registry, env.clients)

	// The store is pooled from registration, so refresh corrects the stale
	// flag from the store's enabled-rule count.
	scheduler.refresh(ctx)

	reg, err := env.registry.Get(ctx, env.authID)
	require.NoError(t, err)
	assert.True(t, reg.HasActiveRules)

	// With nothing pooled the flag is left alone; refresh never opens stores.
	require.NoError(t, env.registry.UpdateActiveRulesFlag(ctx, env.authID, false))
	env.manager.Pool().Clear()

	scheduler.refresh(ctx)

	reg, err = env.registry.Get(ctx, env.authID)
	require.NoError(t, err)
	assert.False(t, reg.HasActiveRules)
}
