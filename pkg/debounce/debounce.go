// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package debounce coalesces bursts of submissions into a single execution.
// Config reloads arrive as several filesystem events in quick succession;
// only the last submitted function runs once the quiet period elapses.
package debounce

import (
	"sync"
	"sync/atomic"
	"time"
)

type Debouncer struct {
	submissions chan func()
	timer       <-chan time.Time
	latest      func()
	mu          sync.RWMutex
	delay       time.Duration
	stopped     atomic.Bool
	done        chan struct{}
}

// New creates a Debouncer with the given quiet period and starts its worker.
func New(delay time.Duration) *Debouncer {
	d := &Debouncer{
		submissions: make(chan func(), 64),
		delay:       delay,
		done:        make(chan struct{}),
	}

	go d.run()

	return d
}

func (d *Debouncer) run() {
	defer close(d.done)

	fire := func() {
		d.mu.Lock()
		select {
		case <-d.timer:
		default:
		}
		d.timer = nil

		fn := d.latest
		d.latest = nil
		d.mu.Unlock()

		if fn != nil {
			fn()
		}
	}

	for {
		select {
		case <-d.timer:
			fire()
		case fn, ok := <-d.submissions:
			if !ok {
				// drained on Stop: run whatever is pending and exit
				fire()
				return
			}
			d.mu.Lock()
			d.latest = fn
			if d.timer == nil {
				d.timer = time.After(d.delay)
			}
			d.mu.Unlock()
		}
	}
}

// Do schedules fn to run after the quiet period. Repeated calls within the
// period replace the pending function; only the last one executes. After Stop
// the function runs synchronously.
func (d *Debouncer) Do(fn func()) {
	if d.stopped.Load() {
		fn()
		return
	}

	select {
	case d.submissions <- fn:
	default:
		if d.stopped.Load() {
			fn()
		}
		// buffer full: drop, a newer submission is already queued
	}
}

// Queued reports whether a submission is waiting for the quiet period.
func (d *Debouncer) Queued() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.timer != nil
}

// Stop flushes the pending submission and shuts down the worker. Safe to call
// more than once.
func (d *Debouncer) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}

	close(d.submissions)
	<-d.done
}
