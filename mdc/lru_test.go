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
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/jacobsa/timeutil"
	"github.com/metanfs/metanfs/fsal/memfs"
	. "github.com/jacobsa/ogletest"
)

func TestLRU(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const lruHiWat = 64
const lruLoWat = 16

type LRUTest struct {
	ctx     context.Context
	clock   timeutil.SimulatedClock
	backend *memfs.FS
	cache   *Cache
	exp     *Export
}

var _ SetUpInterface = &LRUTest{}
var _ TearDownInterface = &LRUTest{}

func init() { RegisterTestSuite(&LRUTest{}) }

func (t *LRUTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2025, 4, 5, 2, 15, 0, 0, time.Local))
	t.backend = memfs.New(&t.clock)
	t.cache = New(Config{
		Clock:        &t.clock,
		Lanes:        3,
		HiWat:        lruHiWat,
		LoWat:        lruLoWat,
		ReaperPeriod: time.Hour,
	})

	var err error
	t.exp, err = t.cache.NewExport(t.backend, ExportConfig{})
	AssertEq(nil, err)
}

func (t *LRUTest) TearDown() {
	t.cache.Shutdown(ShutdownOptions{
		DrainTimeout:    time.Second,
		ListenerTimeout: time.Second,
		WorkerTimeout:   time.Second,
	})
}

// populate creates n files under the root and releases their handles,
// leaving the entries resident but unpinned.
func (t *LRUTest) populate(n int) {
	root, err := t.exp.Root()
	AssertEq(nil, err)
	defer root.Release()

	for i := 0; i < n; i++ {
		child, _, err := root.(*Handle).Create(t.ctx, fmt.Sprintf("f%04d", i), 0644)
		AssertEq(nil, err)
		child.Release()
	}
}

// runReaper drives reaper passes until quiescent.
func (t *LRUTest) runReaper() {
	for i := 0; i < 100; i++ {
		before := t.cache.countEntries()
		t.cache.reaperPass()
		if t.cache.countEntries() == before {
			return
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *LRUTest) NoPressureNoReclaim() {
	t.populate(10)
	AssertEq(11, t.cache.countEntries())

	t.cache.reaperPass()

	ExpectEq(11, t.cache.countEntries())
}

func (t *LRUTest) PressureReclaimsDownToLoWat() {
	t.populate(200)
	AssertGt(t.cache.countEntries(), lruHiWat)

	t.runReaper()

	ExpectLe(t.cache.countEntries(), lruLoWat)
}

func (t *LRUTest) PinnedEntrySurvivesPressure() {
	t.populate(200)

	// Pin one entry by holding a handle.
	root, err := t.exp.Root()
	AssertEq(nil, err)
	defer root.Release()

	pinned, err := root.(*Handle).Lookup(t.ctx, "f0123")
	AssertEq(nil, err)
	defer pinned.Release()

	key := pinned.Key()

	t.runReaper()

	// The pinned entry is still resident and still serves.
	e, err := t.cache.Get(key)
	AssertEq(nil, err)
	ExpectEq(pinned.(*Handle).Entry(), e)
	e.Unref()

	// Everything unpinned went away.
	ExpectLe(t.cache.countEntries(), lruLoWat+2)
}

func (t *LRUTest) ReclaimedObjectSurvivesAtBackend() {
	t.populate(200)
	t.runReaper()

	// The backend still answers for a reclaimed name: reclamation dropped
	// cache state, not the object.
	root, err := t.exp.Root()
	AssertEq(nil, err)
	defer root.Release()

	child, err := root.(*Handle).Lookup(t.ctx, "f0000")
	AssertEq(nil, err)
	child.Release()
}

func (t *LRUTest) TouchPromotesFromL2() {
	t.populate(5)

	root, err := t.exp.Root()
	AssertEq(nil, err)
	defer root.Release()

	e := root.(*Handle).Entry()
	ln := e.lane

	// Force the entry cold, then touch it.
	ln.mu.Lock()
	ln.unlinkLocked(e)
	ln.l2.pushFront(e)
	e.lruList = lruL2
	ln.mu.Unlock()

	ln.touch(e)

	ln.mu.Lock()
	ExpectEq(lruL1, e.lruList)
	ExpectEq(e, ln.l1.head)
	ln.mu.Unlock()
}

func (t *LRUTest) CleanupQueueBypassesAge() {
	sub, err := t.backend.Root()
	AssertEq(nil, err)
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)
	e.Unref()

	// Fresh and hot, but routed to cleanup: it must still be freed without
	// any pressure.
	t.cache.cleanupTryPush(e)
	t.cache.serviceCleanup()

	ExpectTrue(e.testFlag(flagDestroyed))
}

func (t *LRUTest) ReferencedCleanupWaitsForFinalUnref() {
	sub, err := t.backend.Root()
	AssertEq(nil, err)
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)

	t.cache.cleanupTryPush(e)
	t.cache.serviceCleanup()

	// Still referenced: must survive.
	ExpectFalse(e.testFlag(flagDestroyed))
	AssertEq(nil, e.Ref())
	e.Unref()

	// The final Unref re-queues it.
	e.Unref()
	t.cache.serviceCleanup()

	ExpectTrue(e.testFlag(flagDestroyed))
}

func (t *LRUTest) EntryNeverInTwoLists() {
	t.populate(50)

	// Count list membership across all lanes; each resident entry must be
	// linked exactly once.
	seen := make(map[*Entry]int)
	for _, ln := range t.cache.lanes {
		ln.mu.Lock()
		for e := ln.l1.head; e != nil; e = e.lruNext {
			seen[e]++
		}
		for e := ln.l2.head; e != nil; e = e.lruNext {
			seen[e]++
		}
		ln.mu.Unlock()
	}

	for e, n := range seen {
		AssertEq(1, n, "entry %x linked %d times", e.key, n)
	}

	ExpectEq(t.cache.countEntries(), len(seen))
}
