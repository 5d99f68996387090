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
	"sync"
	"time"

	"github.com/metanfs/metanfs/internal/logger"
)

// A lane is one shard of the LRU. Each entry is pinned to a lane by a hash
// of its key and never migrates. L1 holds recently-touched entries; L2 holds
// reclaim candidates. Promotion happens on access, demotion when the lane's
// hot counter overflows, approximating 2Q without a global clock hand.
type lane struct {
	mu sync.Mutex

	// GUARDED_BY(mu)
	l1, l2   entryList
	hotCount int
	hotLimit int
}

// entryList is an intrusive doubly-linked list threaded through the entries'
// lruPrev/lruNext fields. An entry is in at most one entryList at a time.
type entryList struct {
	head, tail *Entry
	count      int
}

func (l *entryList) pushFront(e *Entry) {
	e.lruPrev = nil
	e.lruNext = l.head
	if l.head != nil {
		l.head.lruPrev = e
	} else {
		l.tail = e
	}
	l.head = e
	l.count++
}

func (l *entryList) remove(e *Entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else {
		l.head = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else {
		l.tail = e.lruPrev
	}
	e.lruPrev, e.lruNext = nil, nil
	l.count--
}

////////////////////////////////////////////////////////////////////////
// Lane operations
////////////////////////////////////////////////////////////////////////

// insert places a new entry at the head of L1.
func (ln *lane) insert(e *Entry) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if e.lruList != lruNone {
		return
	}

	ln.l1.pushFront(e)
	e.lruList = lruL1
}

// touch records an access: promotes from L2, refreshes position in L1, and
// demotes the L1 tail when the lane has gone unbalanced.
func (ln *lane) touch(e *Entry) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	switch e.lruList {
	case lruL2:
		ln.l2.remove(e)
		ln.l1.pushFront(e)
		e.lruList = lruL1

	case lruL1:
		ln.l1.remove(e)
		ln.l1.pushFront(e)

	default:
		// Transiently off-lane (mid-reclaim). Nothing to track.
		return
	}

	ln.hotCount++
	if ln.hotCount >= ln.hotLimit {
		ln.hotCount = 0
		if tail := ln.l1.tail; tail != nil && tail != e {
			ln.l1.remove(tail)
			ln.l2.pushFront(tail)
			tail.lruList = lruL2
		}
	}
}

// unlink removes the entry from whichever list holds it.
//
// LOCKS_REQUIRED(ln.mu)
func (ln *lane) unlinkLocked(e *Entry) {
	switch e.lruList {
	case lruL1:
		ln.l1.remove(e)
	case lruL2:
		ln.l2.remove(e)
	}
	e.lruList = lruNone
}

////////////////////////////////////////////////////////////////////////
// Cleanup queue
////////////////////////////////////////////////////////////////////////

// cleanupQueue holds entries whose last export association is gone (or that
// were marked unreachable with no refs). The reaper frees them regardless of
// LRU age.
type cleanupQueue struct {
	mu         sync.Mutex
	head, tail *Entry
	count      int
}

// cleanupTryPush attempts to route the entry to the cleanup queue. The
// cleanup path takes the lane lock before the entry's attrLock, so callers
// must not hold the attrLock.
//
// LOCKS_EXCLUDED(e.attrLock)
func (c *Cache) cleanupTryPush(e *Entry) {
	e.setFlag(flagInCleanup)

	q := &c.cleanup
	q.mu.Lock()
	if e.testFlag(flagQueued) {
		q.mu.Unlock()
		return
	}
	e.setFlag(flagQueued)
	e.cleanupNext = nil
	if q.tail != nil {
		q.tail.cleanupNext = e
	} else {
		q.head = e
	}
	q.tail = e
	q.count++
	q.mu.Unlock()

	c.metrics.CleanupPushed()
	c.kickReaper()
}

// cleanupPop removes and returns the queue head, or nil.
func (c *Cache) cleanupPop() (e *Entry) {
	q := &c.cleanup
	q.mu.Lock()
	defer q.mu.Unlock()

	e = q.head
	if e == nil {
		return
	}

	q.head = e.cleanupNext
	if q.head == nil {
		q.tail = nil
	}
	e.cleanupNext = nil
	e.clearFlag(flagQueued)
	q.count--
	c.metrics.CleanupPopped()

	return
}

////////////////////////////////////////////////////////////////////////
// Reaper
////////////////////////////////////////////////////////////////////////

type reaperState struct {
	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func (c *Cache) startReaper() {
	c.reaper = reaperState{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go c.reaperLoop()
}

// kickReaper wakes the reaper without waiting.
func (c *Cache) kickReaper() {
	select {
	case c.reaper.wake <- struct{}{}:
	default:
	}
}

// maybeKickReaper wakes the reaper when the store has grown past the high
// watermark.
func (c *Cache) maybeKickReaper() {
	if c.countEntries() > c.cfg.HiWat {
		c.kickReaper()
	}
}

// stopReaper shuts the reaper down and waits for it.
func (c *Cache) stopReaper() {
	select {
	case <-c.reaper.stop:
	default:
		close(c.reaper.stop)
	}
	<-c.reaper.done
}

func (c *Cache) reaperLoop() {
	defer close(c.reaper.done)

	ticker := time.NewTicker(c.cfg.ReaperPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.reaper.stop:
			return

		case <-ticker.C:
		case <-c.reaper.wake:
		}

		c.reaperPass()
	}
}

// reaperPass services the cleanup queue, then, if the entry count is over the
// high watermark, reclaims from the lanes until it is under the low watermark.
func (c *Cache) reaperPass() {
	c.serviceCleanup()

	over := c.countEntries() > c.cfg.HiWat
	if !over {
		return
	}

	// Walk lanes round-robin until under the low watermark or until a full
	// sweep neither frees nor demotes anything (everything left is pinned
	// or contended).
	for c.countEntries() > c.cfg.LoWat {
		freed, demoted := 0, 0
		for _, ln := range c.lanes {
			f, d := c.reapLane(ln, 8)
			freed += f
			demoted += d
		}

		if freed == 0 && demoted == 0 {
			logger.Debugf("mdc: reaper pass made no progress at %d entries", c.countEntries())
			return
		}
	}
}

// serviceCleanup frees every eligible queued entry. Entries still referenced
// keep their in-cleanup flag; the final Unref re-queues them.
func (c *Cache) serviceCleanup() {
	for {
		e := c.cleanupPop()
		if e == nil {
			return
		}

		ln := e.lane
		ln.mu.Lock()
		if e.refs.Load() != 0 {
			// Still in use. The final Unref will push it back.
			ln.mu.Unlock()
			continue
		}

		e.setFlag(flagUnreachable)
		if e.refs.Load() != 0 {
			// Lost a race with Ref; it will notice the flag or re-queue us.
			ln.mu.Unlock()
			continue
		}

		ln.unlinkLocked(e)
		ln.mu.Unlock()

		c.destroyEntry(e)
	}
}

// reapLane attempts to reclaim up to budget entries from the lane's cold
// list, tail first. Reclamation is opportunistic: any lock that would block
// skips the entry.
func (c *Cache) reapLane(ln *lane, budget int) (freed int, demoted int) {
	var victims []*Entry

	ln.mu.Lock()
	e := ln.l2.tail
	for e != nil && freed+len(victims) < budget {
		prev := e.lruPrev

		if e.refs.Load() != 0 {
			c.metrics.ReclaimSkipped()
			e = prev
			continue
		}

		if !e.attrLock.TryLock() {
			c.metrics.ReclaimSkipped()
			e = prev
			continue
		}

		e.setFlag(flagUnreachable)
		if e.refs.Load() != 0 {
			// A Ref slipped in. Back off.
			e.clearFlag(flagUnreachable)
			e.attrLock.Unlock()
			c.metrics.ReclaimSkipped()
			e = prev
			continue
		}

		e.attrLock.Unlock()
		ln.unlinkLocked(e)
		victims = append(victims, e)

		e = prev
	}

	// Nothing cold enough? Pressure-demote from the L1 tail so the next
	// pass has candidates.
	if len(victims) == 0 {
		for demoted < budget {
			tail := ln.l1.tail
			if tail == nil {
				break
			}
			ln.l1.remove(tail)
			ln.l2.pushFront(tail)
			tail.lruList = lruL2
			demoted++
		}
	}
	ln.mu.Unlock()

	for _, v := range victims {
		c.destroyEntry(v)
		freed++
	}

	return
}

// destroyEntry tears down an unreachable, unreferenced, off-lane entry:
// store removal, export delisting, dirent drain, backend release.
//
// LOCKS_EXCLUDED(all entry locks)
func (c *Cache) destroyEntry(e *Entry) {
	if !e.markDestroyed() {
		return
	}

	c.removeFromStore(e)

	// Delist from every export. The entry side is guarded by attrLock, each
	// export side by its own lock, in that order.
	e.attrLock.Lock()
	for a := e.assocs; a != nil; a = e.assocs {
		exp := a.export
		exp.mu.Lock()
		unlinkAssoc(e, exp, a)
		exp.mu.Unlock()
	}
	e.attrLock.Unlock()

	// Drain the dirent index.
	if e.dir != nil {
		e.contentLock.Lock()
		e.dir.tree.Clean()
		e.dir.order = nil
		e.dir.chunks = nil
		e.contentLock.Unlock()
	}

	e.sub.Release()

	c.metrics.EntryRemoved()
	c.metrics.Reclaimed()
}
