// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package userstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultMaxSize           = 200
	defaultEvictionThreshold = 0.85
	defaultIdleTimeout       = 7 * time.Minute
	defaultRecentWindow      = 30 * time.Second

	capacityLogThrottle = time.Minute
)

type poolEntry struct {
	store      *Store
	lastAccess time.Time
	refCount   int64
	activeOps  int64
}

// PoolConfig tunes the connection pool. Zero values use production defaults.
type PoolConfig struct {
	MaxSize           int
	EvictionThreshold float64
	IdleTimeout       time.Duration
	RecentWindow      time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = defaultMaxSize
	}
	if c.EvictionThreshold <= 0 || c.EvictionThreshold > 1 {
		c.EvictionThreshold = defaultEvictionThreshold
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaultRecentWindow
	}
}

// Pool is a content-addressed LRU of opened per-user stores. Handles with
// in-flight operations (activeOps > 0) are never evicted; ref counts are a
// usage hint for eviction tie-breaking, not an exclusive hold.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	cfg     PoolConfig

	evictions uint64

	// capacity warnings are throttled per level
	lastCapacityLog map[string]time.Time

	// now is swappable for tests
	now func() time.Time
}

// NewPool creates a pool with the given configuration.
func NewPool(cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	return &Pool{
		entries:         make(map[string]*poolEntry),
		cfg:             cfg,
		lastCapacityLog: make(map[string]time.Time),
		now:             time.Now,
	}
}

// Get returns the live handle for key, or nil on a miss. A handle that fails
// its liveness probe is treated as stale: closed, dropped, and reported as a
// miss so the caller opens a fresh one.
func (p *Pool) Get(ctx context.Context, key string) *Store {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}

	entry.lastAccess = p.now()
	entry.refCount++
	store := entry.store
	p.mu.Unlock()

	if err := store.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("authID", key).Msg("pool: stale handle failed liveness probe, evicting")
		p.Delete(key)
		return nil
	}

	return store
}

// Set admits a new handle. At the eviction threshold, idle entries are swept
// proactively; if the pool is still at capacity the LRU non-active entry is
// evicted. The evicted handle is always closed; close errors are logged and
// suppressed.
func (p *Pool) Set(key string, store *Store) {
	p.mu.Lock()

	if existing, ok := p.entries[key]; ok {
		// Replacing an existing handle; close the old one outside the lock.
		old := existing.store
		p.entries[key] = &poolEntry{store: store, lastAccess: p.now()}
		p.mu.Unlock()
		closeStore(key, old)
		return
	}

	var toClose []*Store

	if float64(len(p.entries)) >= p.cfg.EvictionThreshold*float64(p.cfg.MaxSize) {
		toClose = append(toClose, p.evictIdleLocked()...)
	}

	if len(p.entries) >= p.cfg.MaxSize {
		if victim := p.evictLRULocked(); victim != nil {
			toClose = append(toClose, victim)
		}
	}

	p.entries[key] = &poolEntry{store: store, lastAccess: p.now()}
	p.logCapacityLocked()
	p.mu.Unlock()

	for _, s := range toClose {
		closeStore(key, s)
	}
}

// evictIdleLocked removes entries with no active operations that have been
// idle past the idle timeout and were not accessed within the recent window.
func (p *Pool) evictIdleLocked() []*Store {
	now := p.now()
	var closed []*Store

	for key, entry := range p.entries {
		if entry.activeOps > 0 {
			continue
		}
		idle := now.Sub(entry.lastAccess)
		if idle <= p.cfg.IdleTimeout || idle <= p.cfg.RecentWindow {
			continue
		}
		delete(p.entries, key)
		p.evictions++
		closed = append(closed, entry.store)
		log.Debug().Str("authID", key).Dur("idle", idle).Msg("pool: evicted idle store")
	}

	return closed
}

// evictLRULocked removes the least recently used non-active entry,
// tie-breaking by lower refCount, then older lastAccess.
func (p *Pool) evictLRULocked() *Store {
	var victimKey string
	var victim *poolEntry

	for key, entry := range p.entries {
		if entry.activeOps > 0 {
			continue
		}
		if victim == nil ||
			entry.refCount < victim.refCount ||
			(entry.refCount == victim.refCount && entry.lastAccess.Before(victim.lastAccess)) {
			victimKey = key
			victim = entry
		}
	}

	if victim == nil {
		log.Warn().Int("size", len(p.entries)).Msg("pool: at capacity with every entry active, cannot evict")
		return nil
	}

	delete(p.entries, victimKey)
	p.evictions++
	log.Debug().Str("authID", victimKey).Msg("pool: evicted LRU store")
	return victim.store
}

// MarkActive brackets the start of a logical operation on key's handle.
// Entries with active operations are never evicted.
func (p *Pool) MarkActive(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.activeOps++
	}
}

// MarkInactive brackets the end of a logical operation.
func (p *Pool) MarkInactive(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok && entry.activeOps > 0 {
		entry.activeOps--
	}
}

// Release decrements the usage hint. It never evicts.
func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok && entry.refCount > 0 {
		entry.refCount--
	}
}

// Delete closes and removes the handle for key.
func (p *Pool) Delete(key string) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		closeStore(key, entry.store)
	}
}

// Clear closes every handle. Called on shutdown after in-flight polls drain.
func (p *Pool) Clear() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for key, entry := range entries {
		closeStore(key, entry.store)
	}
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats is a point-in-time snapshot for metrics.
type Stats struct {
	Size      int
	MaxSize   int
	ActiveOps int
	Evictions uint64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Size:      len(p.entries),
		MaxSize:   p.cfg.MaxSize,
		Evictions: p.evictions,
	}
	for _, entry := range p.entries {
		stats.ActiveOps += int(entry.activeOps)
	}
	return stats
}

// logCapacityLocked emits warning/error/critical signals at 80/90/95%
// utilization, throttled to once per minute per level.
func (p *Pool) logCapacityLocked() {
	utilization := float64(len(p.entries)) / float64(p.cfg.MaxSize)

	var level string
	switch {
	case utilization >= 0.95:
		level = "emergency"
	case utilization >= 0.90:
		level = "critical"
	case utilization >= 0.80:
		level = "warning"
	default:
		return
	}

	now := p.now()
	if last, ok := p.lastCapacityLog[level]; ok && now.Sub(last) < capacityLogThrottle {
		return
	}
	p.lastCapacityLog[level] = now

	event := log.Warn()
	if level != "warning" {
		event = log.Error()
	}
	event.
		Str("level", level).
		Int("size", len(p.entries)).
		Int("maxSize", p.cfg.MaxSize).
		Float64("utilization", utilization).
		Msg("pool: capacity pressure")
}

func closeStore(key string, store *Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Str("authID", key).Msg("pool: failed to close evicted store")
	}
}
