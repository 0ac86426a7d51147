// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package torbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// KeyProvider resolves an authID to the raw upstream credential. In
// production this decrypts the stored ciphertext from the catalog.
type KeyProvider func(ctx context.Context, authID string) (string, error)

// backoffSchedule escalates with consecutive failures, capping at an hour.
var backoffSchedule = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	40 * time.Minute,
	60 * time.Minute,
}

type failureInfo struct {
	count     int
	lastError error
	nextRetry time.Time
}

// ClientCache hands out per-user Clients, building them lazily from the key
// provider and tracking consecutive upstream failures so a broken credential
// is not hammered every tick.
type ClientCache struct {
	mu             sync.RWMutex
	clients        map[string]*Client
	failureTracker map[string]*failureInfo

	keys KeyProvider
	opts Options
}

func NewClientCache(keys KeyProvider, opts Options) *ClientCache {
	return &ClientCache{
		clients:        make(map[string]*Client),
		failureTracker: make(map[string]*failureInfo),
		keys:           keys,
		opts:           opts,
	}
}

// Get returns the cached client for authID, creating it on first use.
func (cc *ClientCache) Get(ctx context.Context, authID string) (*Client, error) {
	cc.mu.RLock()
	client, ok := cc.clients[authID]
	cc.mu.RUnlock()
	if ok {
		return client, nil
	}

	apiKey, err := cc.keys(ctx, authID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential for %s: %w", authID, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	// Another caller may have built it while we resolved the key.
	if client, ok := cc.clients[authID]; ok {
		return client, nil
	}

	client = NewClient(apiKey, cc.opts)
	cc.clients[authID] = client
	return client, nil
}

// IsInBackoff reports whether authID is inside its failure backoff window.
func (cc *ClientCache) IsInBackoff(authID string) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	info, ok := cc.failureTracker[authID]
	if !ok {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

// BackoffUntil returns the end of authID's backoff window, if one is armed
// and still in the future. The scheduler defers due polls to this time.
func (cc *ClientCache) BackoffUntil(authID string) (time.Time, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	info, ok := cc.failureTracker[authID]
	if !ok || !time.Now().Before(info.nextRetry) {
		return time.Time{}, false
	}
	return info.nextRetry, true
}

// RecordFailure escalates the backoff for authID.
func (cc *ClientCache) RecordFailure(authID string, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	info, ok := cc.failureTracker[authID]
	if !ok {
		info = &failureInfo{}
		cc.failureTracker[authID] = info
	}

	info.count++
	info.lastError = err

	idx := info.count - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	backoff := backoffSchedule[idx]
	info.nextRetry = time.Now().Add(backoff)

	log.Warn().
		Err(err).
		Str("authID", authID).
		Int("consecutiveFailures", info.count).
		Dur("backoff", backoff).
		Msg("torbox: upstream failure, backing off")
}

// RecordSuccess clears failure tracking for authID.
func (cc *ClientCache) RecordSuccess(authID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if info, ok := cc.failureTracker[authID]; ok && info.count > 0 {
		log.Debug().Str("authID", authID).Int("clearedFailures", info.count).Msg("torbox: failure tracking reset")
	}
	delete(cc.failureTracker, authID)
}

// FailureCount returns the consecutive failure count for authID.
func (cc *ClientCache) FailureCount(authID string) int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	info, ok := cc.failureTracker[authID]
	if !ok {
		return 0
	}
	return info.count
}

// Remove drops the cached client and failure state for authID, forcing the
// next Get to rebuild from the key provider.
func (cc *ClientCache) Remove(authID string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	delete(cc.clients, authID)
	delete(cc.failureTracker, authID)
}

// Clear drops every cached client.
func (cc *ClientCache) Clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.clients = make(map[string]*Client)
	cc.failureTracker = make(map[string]*failureInfo)
}
