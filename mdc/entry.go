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
	"sync"
	"sync/atomic"
	"time"

	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/internal/locker"
	"github.com/metanfs/metanfs/mdc/dirent"
)

// Entry flag bits. Stored in an atomic word so the reaper can read them
// without taking entry locks; writers hold the locks documented per flag.
const (
	// flagUnreachable marks an entry invisible to lookup. Set under
	// attrLock (write) or during reclaim under the lane mutex.
	flagUnreachable = 1 << iota

	// flagInCleanup means the entry has been routed to the cleanup queue;
	// it is freed as soon as its refcount allows, regardless of LRU age.
	flagInCleanup

	// flagQueued means the entry is currently linked into the cleanup
	// queue. GUARDED_BY(Cache.cleanupMu).
	flagQueued

	// flagReindex marks a directory whose dirent tree has exhausted its
	// probe bound. Lookups degrade to linear scans until the reaper has
	// rebuilt the tree.
	flagReindex

	// flagDestroyed means teardown has begun. At most one goroutine ever
	// wins the transition, making entry destruction idempotent.
	flagDestroyed
)

// Which LRU list an entry is linked into. GUARDED_BY(lane.mu).
const (
	lruNone = iota
	lruL1
	lruL2
)

// An Entry is one cached file system object: the unit of refcounting,
// locking and eviction.
//
// LOCK ORDERING
//
// Locks are acquired in this order and released in reverse:
//
//  1. LRU lane mutex
//  2. attrLock
//  3. contentLock
//  4. Export.mu
//  5. stateLock
//
// The unexport path also takes attrLock before Export.mu; that is the same
// order, and the inverse (export lock before a lock on one of its entries)
// is forbidden everywhere.
type Entry struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	cache *Cache

	// The export-independent backend identity of the object.
	key fsal.ObjectKey

	// The wrapped sub-backend handle. Valid until the entry is destroyed.
	sub fsal.ObjectHandle

	etype fsal.FileType

	// The lane this entry is assigned to, hashed from its key. Never
	// changes.
	lane *lane

	/////////////////////////
	// Reference counting
	/////////////////////////

	// INVARIANT: refs >= 0
	//
	// refs counts live handles held outside the cache plus transient
	// internal pins. An entry is destroyed only once refs is zero and it is
	// off every LRU lane.
	refs atomic.Int64

	flags atomic.Uint32

	/////////////////////////
	// Attribute state
	/////////////////////////

	attrLock locker.RWLocker

	// GUARDED_BY(attrLock)
	attrs fsal.Attributes

	// The instant the cached attributes stop being authoritative. A zero
	// time means no attributes are cached.
	//
	// GUARDED_BY(attrLock)
	attrsExpiry time.Time

	// Head of the entry-side association list and its length.
	//
	// GUARDED_BY(attrLock)
	assocs     *assoc
	assocCount int

	// The export lookups default to for this entry. Always a member of the
	// association list, or nil once the list is empty. Swapped atomically so
	// readers need no lock.
	firstExport atomic.Pointer[Export]

	/////////////////////////
	// Content state
	/////////////////////////

	contentLock locker.RWLocker

	// Directory state; nil for non-directories.
	//
	// GUARDED_BY(contentLock)
	dir *dirState

	// Open-state bookkeeping for regular files.
	//
	// GUARDED_BY(contentLock)
	openCount int

	// Cached symlink target.
	//
	// GUARDED_BY(contentLock)
	linkTarget string
	linkValid  bool

	/////////////////////////
	// NFS state
	/////////////////////////

	stateLock sync.Mutex

	// GUARDED_BY(stateLock)
	delegations []Delegation

	/////////////////////////
	// Intrusive links
	/////////////////////////

	// GUARDED_BY(lane.mu)
	lruPrev, lruNext *Entry
	lruList          int

	// GUARDED_BY(Cache.cleanupMu)
	cleanupNext *Entry
}

// A Delegation is the cache's record of a delegation the backend granted.
type Delegation struct {
	Type    fsal.DelegationType
	Granted time.Time
}

// dirState is the directory-only portion of an entry: the dirent index plus
// enumeration bookkeeping.
type dirState struct {
	tree dirent.Tree

	// cookieSeed is the next cache-owned enumeration cookie to hand out. It
	// only ever increases, across epoch bumps included.
	cookieSeed uint64

	// epoch is bumped on every namespace change and on content
	// invalidation. Cookies carry the epoch of the enumeration they came
	// from; a mismatch forces the client to restart.
	epoch uint16

	// complete is set once chunks cover the backend's whole enumeration.
	complete bool

	// order holds the cached enumeration in cookie order. Entries belong to
	// the current epoch only.
	order []*dirent.Dirent

	// chunks describe which cookie ranges order covers and where to resume
	// at the backend.
	//
	// INVARIANT: chunks are sorted, non-overlapping, and cookies within a
	// chunk are monotonic.
	chunks []dirChunk

	// backendResume is the backend cookie to continue filling from.
	backendResume uint64
}

// dirChunk is one contiguous run of cached enumeration cookies.
type dirChunk struct {
	lo, hi uint64
}

const cookieEpochShift = 48
const cookieSeedMask = (uint64(1) << cookieEpochShift) - 1

// makeCookie builds the wire cookie for a seed under an epoch.
func makeCookie(epoch uint16, seed uint64) uint64 {
	return uint64(epoch)<<cookieEpochShift | (seed & cookieSeedMask)
}

func splitCookie(cookie uint64) (epoch uint16, seed uint64) {
	return uint16(cookie >> cookieEpochShift), cookie & cookieSeedMask
}

////////////////////////////////////////////////////////////////////////
// Construction
////////////////////////////////////////////////////////////////////////

func newEntry(c *Cache, key fsal.ObjectKey, sub fsal.ObjectHandle) (e *Entry) {
	e = &Entry{
		cache: c,
		key:   key,
		sub:   sub,
		etype: sub.Type(),
		lane:  c.laneFor(key),
	}

	if e.etype == fsal.Directory {
		e.dir = &dirState{cookieSeed: 1}
	}

	e.attrLock = locker.NewRW(fmt.Sprintf("entry %x attr", key), nil)
	e.contentLock = locker.NewRW(fmt.Sprintf("entry %x content", key), nil)

	return
}

////////////////////////////////////////////////////////////////////////
// Flags and refcounting
////////////////////////////////////////////////////////////////////////

func (e *Entry) testFlag(bit uint32) bool {
	return e.flags.Load()&bit != 0
}

func (e *Entry) setFlag(bit uint32) {
	for {
		old := e.flags.Load()
		if e.flags.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// markDestroyed atomically claims teardown of the entry, returning false if
// another goroutine already did.
func (e *Entry) markDestroyed() bool {
	for {
		old := e.flags.Load()
		if old&flagDestroyed != 0 {
			return false
		}
		if e.flags.CompareAndSwap(old, old|flagDestroyed) {
			return true
		}
	}
}

func (e *Entry) clearFlag(bit uint32) {
	for {
		old := e.flags.Load()
		if e.flags.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// Key returns the entry's backend identity.
func (e *Entry) Key() fsal.ObjectKey {
	return e.key
}

// Type returns the entry's file type.
func (e *Entry) Type() fsal.FileType {
	return e.etype
}

// Ref acquires a reference, failing with Stale if the entry has become
// unreachable. The ref must be dropped with Unref.
func (e *Entry) Ref() error {
	if e.testFlag(flagUnreachable) {
		return fsal.NewError(fsal.Stale)
	}

	e.refs.Add(1)

	// Re-check: a reclaim may have flipped the flag between our check and
	// the increment. The reclaimer re-checks the count after setting the
	// flag, so one of us is guaranteed to observe the other.
	if e.testFlag(flagUnreachable) {
		e.refs.Add(-1)
		return fsal.NewError(fsal.Stale)
	}

	return nil
}

// Unref drops a reference. When the count reaches zero the entry is left on
// its LRU lane for the reaper, or pushed to the cleanup queue if it has been
// routed there.
func (e *Entry) Unref() {
	n := e.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("mdc: refcount underflow on entry %x", e.key))
	}

	if n == 0 && e.flags.Load()&(flagInCleanup|flagUnreachable) != 0 {
		e.cache.cleanupTryPush(e)
	}
}
