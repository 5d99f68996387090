// Copyright 2025 The metanfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monitor exposes the cache's behavior as prometheus metrics. A nil
// *Metrics is valid everywhere and records nothing, so tests and embedders
// that don't scrape pay nothing.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	AttrHits      prometheus.Counter
	AttrMisses    prometheus.Counter
	DirentHits    prometheus.Counter
	DirentMisses  prometheus.Counter
	EntriesLive   prometheus.Gauge
	Reclaims      prometheus.Counter
	ReclaimSkips  prometheus.Counter
	CleanupDepth  prometheus.Gauge
	UpcallApplied prometheus.Counter
	UpcallDropped prometheus.Counter
	Reindexes     prometheus.Counter
}

// New creates the metric set and registers it with the supplied registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttrHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_attr_cache_hits_total",
			Help: "Attribute reads served from unexpired cache.",
		}),
		AttrMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_attr_cache_misses_total",
			Help: "Attribute reads that went to the backend.",
		}),
		DirentHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_dirent_cache_hits_total",
			Help: "Name lookups served from the dirent index.",
		}),
		DirentMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_dirent_cache_misses_total",
			Help: "Name lookups that went to the backend.",
		}),
		EntriesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdc_entries_live",
			Help: "Entries currently resident in the cache.",
		}),
		Reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_lru_reclaims_total",
			Help: "Entries reclaimed by the LRU reaper.",
		}),
		ReclaimSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_lru_reclaim_skips_total",
			Help: "Reclaim attempts skipped because a lock was contended or the entry was pinned.",
		}),
		CleanupDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdc_cleanup_queue_depth",
			Help: "Entries waiting on the cleanup queue.",
		}),
		UpcallApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_upcalls_applied_total",
			Help: "Backend upcalls applied against a cached entry.",
		}),
		UpcallDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_upcalls_dropped_total",
			Help: "Backend upcalls dropped because nothing was cached.",
		}),
		Reindexes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdc_dirent_reindexes_total",
			Help: "Directories reindexed after probe exhaustion.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AttrHits, m.AttrMisses, m.DirentHits, m.DirentMisses,
			m.EntriesLive, m.Reclaims, m.ReclaimSkips, m.CleanupDepth,
			m.UpcallApplied, m.UpcallDropped, m.Reindexes)
	}

	return m
}

// Nil-safe recording methods. The mdc package calls these unconditionally.

func (m *Metrics) AttrHit() {
	if m != nil {
		m.AttrHits.Inc()
	}
}

func (m *Metrics) AttrMiss() {
	if m != nil {
		m.AttrMisses.Inc()
	}
}

func (m *Metrics) DirentHit() {
	if m != nil {
		m.DirentHits.Inc()
	}
}

func (m *Metrics) DirentMiss() {
	if m != nil {
		m.DirentMisses.Inc()
	}
}

func (m *Metrics) EntryAdded() {
	if m != nil {
		m.EntriesLive.Inc()
	}
}

func (m *Metrics) EntryRemoved() {
	if m != nil {
		m.EntriesLive.Dec()
	}
}

func (m *Metrics) Reclaimed() {
	if m != nil {
		m.Reclaims.Inc()
	}
}

func (m *Metrics) ReclaimSkipped() {
	if m != nil {
		m.ReclaimSkips.Inc()
	}
}

func (m *Metrics) CleanupPushed() {
	if m != nil {
		m.CleanupDepth.Inc()
	}
}

func (m *Metrics) CleanupPopped() {
	if m != nil {
		m.CleanupDepth.Dec()
	}
}

func (m *Metrics) UpcallAppliedInc() {
	if m != nil {
		m.UpcallApplied.Inc()
	}
}

func (m *Metrics) UpcallDroppedInc() {
	if m != nil {
		m.UpcallDropped.Inc()
	}
}

func (m *Metrics) Reindexed() {
	if m != nil {
		m.Reindexes.Inc()
	}
}
