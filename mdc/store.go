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

package mdc

import (
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/internal/delayexec"
	"github.com/metanfs/metanfs/internal/monitor"
	"github.com/twmb/murmur3"
)

// Config carries the startup-time tuning of a cache. Zero values select the
// defaults below, except that a zero AttrTTLJitter disables jitter; nothing
// here is adjustable at runtime.
type Config struct {
	// A clock used for attribute expiry. Tests inject a simulated clock.
	Clock timeutil.Clock

	// Number of LRU lanes. Fixed at startup.
	Lanes int

	// Entry count watermarks. Above HiWat the reaper runs aggressively;
	// it stops reclaiming once the count is back under LoWat.
	HiWat int
	LoWat int

	// How often the reaper wakes without being prodded.
	ReaperPeriod time.Duration

	// Default TTL for cached attributes, and the jitter fraction applied
	// per refresh to avoid thundering herds (0.1 = up to ±10%).
	AttrTTL       time.Duration
	AttrTTLJitter float64

	// Each time this many accesses have landed on a lane, the tail of the
	// lane's hot list is demoted to its cold list.
	LaneHotLimit int

	// Metrics sink; nil disables recording.
	Metrics *monitor.Metrics
}

const (
	defaultLanes        = 7
	defaultHiWat        = 100000
	defaultReaperPeriod = 5 * time.Second
	defaultAttrTTL      = 60 * time.Second
	defaultJitter       = 0.1
	defaultLaneHotLimit = 64
)

func (cfg *Config) rationalize() {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = defaultLanes
	}
	if cfg.HiWat <= 0 {
		cfg.HiWat = defaultHiWat
	}
	if cfg.LoWat <= 0 || cfg.LoWat > cfg.HiWat {
		cfg.LoWat = cfg.HiWat * 9 / 10
	}
	if cfg.ReaperPeriod <= 0 {
		cfg.ReaperPeriod = defaultReaperPeriod
	}
	if cfg.AttrTTL <= 0 {
		cfg.AttrTTL = defaultAttrTTL
	}
	if cfg.AttrTTLJitter < 0 || cfg.AttrTTLJitter >= 1 {
		cfg.AttrTTLJitter = defaultJitter
	}
	if cfg.LaneHotLimit <= 0 {
		cfg.LaneHotLimit = defaultLaneHotLimit
	}
}

// Cache is the cache context: the entry store, the LRU lanes, the cleanup
// queue and the reaper. All state is owned by the value; there are no hidden
// globals, so tests instantiate isolated caches freely.
type Cache struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg     Config
	clock   timeutil.Clock
	metrics *monitor.Metrics
	delay   *delayexec.Executor

	/////////////////////////
	// Entry store
	/////////////////////////

	// A lock protecting byKey. Leaf-level: never acquire any other lock
	// while holding it.
	mu syncutil.InvariantMutex

	// The process-wide address space of entries.
	//
	// INVARIANT: for each k/v, v.key.String() == k
	//
	// GUARDED_BY(mu)
	byKey map[string]*Entry

	/////////////////////////
	// LRU engine
	/////////////////////////

	lanes []*lane

	// Cleanup queue: entries to free regardless of LRU age.
	cleanup cleanupQueue

	reaper reaperState

	/////////////////////////
	// Shutdown
	/////////////////////////

	shut shutdownState
}

// New creates a cache context and starts its reaper.
func New(cfg Config) (c *Cache) {
	cfg.rationalize()

	c = &Cache{
		cfg:     cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		delay:   delayexec.New(),
		byKey:   make(map[string]*Entry),
	}

	c.lanes = make([]*lane, cfg.Lanes)
	for i := range c.lanes {
		c.lanes[i] = &lane{hotLimit: cfg.LaneHotLimit}
	}

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)

	c.startReaper()

	return
}

// LOCKS_REQUIRED(c.mu)
func (c *Cache) checkInvariants() {
	for k, e := range c.byKey {
		if e.key.String() != k {
			panic(fmt.Sprintf("mdc: store key mismatch: %x vs. %x", k, e.key))
		}
	}
}

// laneFor returns the lane an object key hashes to.
func (c *Cache) laneFor(key fsal.ObjectKey) *lane {
	h := murmur3.Sum64(key)
	return c.lanes[h%uint64(len(c.lanes))]
}

// countEntries returns the current store population.
func (c *Cache) countEntries() (n int) {
	c.mu.Lock()
	n = len(c.byKey)
	c.mu.Unlock()

	return
}

////////////////////////////////////////////////////////////////////////
// Store operations
////////////////////////////////////////////////////////////////////////

// GetOrCreate returns the entry for the supplied key, creating one wrapping
// sub if absent, with one reference held either way. The loser of a creation
// race drops its partial entry and hands back the winner's; in that case the
// caller's sub handle is released.
func (c *Cache) GetOrCreate(key fsal.ObjectKey, sub fsal.ObjectHandle) (e *Entry, err error) {
	for {
		c.mu.Lock()
		e = c.byKey[key.String()]
		if e == nil {
			e = newEntry(c, key, sub)

			// Make the entry visible with the caller's reference already
			// counted so the reaper can't race it away.
			e.refs.Add(1)
			c.byKey[key.String()] = e
			c.mu.Unlock()

			c.metrics.EntryAdded()
			e.lane.insert(e)
			c.maybeKickReaper()

			return
		}
		c.mu.Unlock()

		// Somebody else owns the key. Try to take a ref; if the entry is on
		// its way out, start over.
		if err = e.Ref(); err == nil {
			if sub != nil {
				sub.Release()
			}
			e.lane.touch(e)
			return
		}
	}
}

// Get looks up an entry by key and takes a reference. Returns NoEnt when
// nothing is cached under the key.
func (c *Cache) Get(key fsal.ObjectKey) (e *Entry, err error) {
	c.mu.Lock()
	e = c.byKey[key.String()]
	c.mu.Unlock()

	if e == nil {
		err = fsal.NewError(fsal.NoEnt)
		return
	}

	if err = e.Ref(); err != nil {
		e = nil
		return
	}

	e.lane.touch(e)

	return
}

// MarkUnreachable makes the entry invisible to lookup. If nothing holds a
// reference it is routed to the cleanup queue immediately; otherwise the
// final Unref does so.
//
// LOCKS_EXCLUDED(e.attrLock)
func (c *Cache) MarkUnreachable(e *Entry) {
	e.attrLock.Lock()
	e.setFlag(flagUnreachable)
	e.attrLock.Unlock()

	c.removeFromStore(e)

	if e.refs.Load() == 0 {
		c.cleanupTryPush(e)
	}
}

// removeFromStore unlinks the entry from byKey if it is still the resident
// for its key.
func (c *Cache) removeFromStore(e *Entry) {
	c.mu.Lock()
	if cur := c.byKey[e.key.String()]; cur == e {
		delete(c.byKey, e.key.String())
	}
	c.mu.Unlock()
}
