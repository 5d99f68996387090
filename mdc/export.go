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

	"github.com/metanfs/metanfs/fsal"
)

// An assoc is one entry↔export association record. It owns no data; both
// sides thread intrusive lists through it. The entry-side links are guarded
// by the entry's attrLock, the export-side links by the export's mu.
type assoc struct {
	entry  *Entry
	export *Export

	entPrev, entNext *assoc
	expPrev, expNext *assoc
}

// An Export is the cache's wrapping of one backend export: the upward
// fsal.Export surface plus the export side of the association map.
type Export struct {
	cache *Cache

	// The wrapped sub-export.
	sub fsal.Export

	// Attribute TTL for entries observed through this export, with the
	// jitter fraction applied per refresh.
	attrTTL time.Duration
	jitter  float64

	// mu is the export map lock (mdc_exp_lock). In the lock order it comes
	// after the entry locks: the unexport and delist paths take an entry's
	// attrLock first, then mu. Never acquire an entry lock while holding mu.
	mu sync.Mutex

	// Export-side association list.
	//
	// GUARDED_BY(mu)
	assocs     *assoc
	assocCount int

	// GUARDED_BY(mu)
	closed bool

	// The root entry's key, recorded at creation.
	rootKey fsal.ObjectKey
}

// ExportConfig carries per-export settings.
type ExportConfig struct {
	// TTL for cached attributes seen through this export. Zero selects the
	// cache-wide default.
	AttrTTL time.Duration

	// Jitter fraction; zero selects the cache-wide default.
	Jitter float64
}

// NewExport wraps a backend export behind the cache, creating the cache
// entry for its root.
func (c *Cache) NewExport(sub fsal.Export, cfg ExportConfig) (exp *Export, err error) {
	if cfg.AttrTTL <= 0 {
		cfg.AttrTTL = c.cfg.AttrTTL
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = c.cfg.AttrTTLJitter
	}

	exp = &Export{
		cache:   c,
		sub:     sub,
		attrTTL: cfg.AttrTTL,
		jitter:  cfg.Jitter,
	}

	rootHandle, err := sub.Root()
	if err != nil {
		return nil, fsal.BackendError(err)
	}

	root, err := c.GetOrCreate(rootHandle.Key(), rootHandle)
	if err != nil {
		return nil, err
	}
	defer root.Unref()

	exp.rootKey = root.key
	exp.associate(root)
	c.trackExport(exp)

	return
}

////////////////////////////////////////////////////////////////////////
// Association maintenance
////////////////////////////////////////////////////////////////////////

// associate links the entry to the export, if not already linked.
//
// LOCKS_EXCLUDED(e.attrLock, exp.mu)
func (exp *Export) associate(e *Entry) {
	e.attrLock.Lock()
	defer e.attrLock.Unlock()

	exp.mu.Lock()
	defer exp.mu.Unlock()

	if exp.closed {
		return
	}

	for a := e.assocs; a != nil; a = a.entNext {
		if a.export == exp {
			return
		}
	}

	a := &assoc{entry: e, export: exp}

	// Entry side.
	a.entNext = e.assocs
	if e.assocs != nil {
		e.assocs.entPrev = a
	}
	e.assocs = a
	e.assocCount++

	// Export side.
	a.expNext = exp.assocs
	if exp.assocs != nil {
		exp.assocs.expPrev = a
	}
	exp.assocs = a
	exp.assocCount++

	e.firstExport.CompareAndSwap(nil, exp)
}

// unlinkAssoc removes an association from both sides and swings the entry's
// first-export pointer to the new list head (or nil).
//
// LOCKS_REQUIRED(e.attrLock, exp.mu)
func unlinkAssoc(e *Entry, exp *Export, a *assoc) {
	// Entry side.
	if a.entPrev != nil {
		a.entPrev.entNext = a.entNext
	} else {
		e.assocs = a.entNext
	}
	if a.entNext != nil {
		a.entNext.entPrev = a.entPrev
	}
	e.assocCount--

	// Export side.
	if a.expPrev != nil {
		a.expPrev.expNext = a.expNext
	} else {
		exp.assocs = a.expNext
	}
	if a.expNext != nil {
		a.expNext.expPrev = a.expPrev
	}
	exp.assocCount--

	a.entPrev, a.entNext, a.expPrev, a.expNext = nil, nil, nil, nil

	// The first-export pointer must always name a live member of the list.
	if e.firstExport.Load() == exp {
		if head := e.assocs; head != nil {
			e.firstExport.Store(head.export)
		} else {
			e.firstExport.Store(nil)
		}
	}
}

// isClosed reports whether the export has been removed. Root, LookupKey and
// calls that reach the sub-backend through a removed export fail with Stale;
// answers served from cached state are not checked.
func (exp *Export) isClosed() bool {
	exp.mu.Lock()
	defer exp.mu.Unlock()

	return exp.closed
}

// EntryCount returns the number of entries associated with the export.
func (exp *Export) EntryCount() (n int) {
	exp.mu.Lock()
	n = exp.assocCount
	exp.mu.Unlock()

	return
}

////////////////////////////////////////////////////////////////////////
// Unexport
////////////////////////////////////////////////////////////////////////

// Unexport delists every entry from the export and closes it. Entries whose
// last association this removes are routed to the cleanup queue. Lookups
// racing with the removal either complete with a valid reference or fail
// with Stale; none observe a half-removed association.
func (c *Cache) Unexport(exp *Export) {
	exp.mu.Lock()
	exp.closed = true
	exp.mu.Unlock()

	for {
		// Peek the head association and pin its entry before touching any
		// entry lock. The ref guarantees the entry survives its delisting.
		exp.mu.Lock()
		a := exp.assocs
		if a == nil {
			exp.mu.Unlock()
			break
		}
		e := a.entry
		e.refs.Add(1)
		exp.mu.Unlock()

		// Mandatory order: entry attrLock, then export lock.
		e.attrLock.Lock()
		exp.mu.Lock()

		// The association may have been unlinked while we dropped the lock;
		// find it again under both locks.
		var cur *assoc
		for x := e.assocs; x != nil; x = x.entNext {
			if x.export == exp {
				cur = x
				break
			}
		}
		if cur != nil {
			unlinkAssoc(e, exp, cur)
		}
		orphaned := e.assocCount == 0

		exp.mu.Unlock()
		e.attrLock.Unlock()

		if orphaned {
			c.cleanupTryPush(e)
		}

		e.Unref()
	}

	c.kickReaper()
}
