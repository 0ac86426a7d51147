// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes scheduler and store-pool state over Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jittarao/torboxd/internal/services/poller"
	"github.com/jittarao/torboxd/internal/userstore"
)

// Collector scrapes live scheduler and pool state on demand; nothing is
// pushed between scrapes.
type Collector struct {
	scheduler *poller.Scheduler
	pool      *userstore.Pool

	pollers   *prometheus.Desc
	inFlight  *prometheus.Desc
	poolSize  *prometheus.Desc
	poolMax   *prometheus.Desc
	activeOps *prometheus.Desc
	evictions *prometheus.Desc
}

func NewCollector(scheduler *poller.Scheduler, pool *userstore.Pool) *Collector {
	return &Collector{
		scheduler: scheduler,
		pool:      pool,
		pollers: prometheus.NewDesc(
			"torboxd_scheduler_pollers",
			"Number of live per-user pollers",
			nil, nil,
		),
		inFlight: prometheus.NewDesc(
			"torboxd_scheduler_polls_in_flight",
			"Number of polls currently running",
			nil, nil,
		),
		poolSize: prometheus.NewDesc(
			"torboxd_store_pool_size",
			"Number of open per-user store handles",
			nil, nil,
		),
		poolMax: prometheus.NewDesc(
			"torboxd_store_pool_max_size",
			"Configured store pool capacity",
			nil, nil,
		),
		activeOps: prometheus.NewDesc(
			"torboxd_store_pool_active_ops",
			"Active operations across pooled store handles",
			nil, nil,
		),
		evictions: prometheus.NewDesc(
			"torboxd_store_pool_evictions_total",
			"Total store handles evicted from the pool",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pollers
	ch <- c.inFlight
	ch <- c.poolSize
	ch <- c.poolMax
	ch <- c.activeOps
	ch <- c.evictions
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.scheduler != nil {
		s := c.scheduler.Stats()
		ch <- prometheus.MustNewConstMetric(c.pollers, prometheus.GaugeValue, float64(s.Pollers))
		ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))
	}

	if c.pool != nil {
		p := c.pool.Stats()
		ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(p.Size))
		ch <- prometheus.MustNewConstMetric(c.poolMax, prometheus.GaugeValue, float64(p.MaxSize))
		ch <- prometheus.MustNewConstMetric(c.activeOps, prometheus.GaugeValue, float64(p.ActiveOps))
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(p.Evictions))
	}
}
