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
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/fsal/memfs"
	. "github.com/jacobsa/ogletest"
)

func TestStore(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type StoreTest struct {
	clock   timeutil.SimulatedClock
	backend *memfs.FS
	cache   *Cache
}

var _ SetUpInterface = &StoreTest{}
var _ TearDownInterface = &StoreTest{}

func init() { RegisterTestSuite(&StoreTest{}) }

func (t *StoreTest) SetUp(ti *TestInfo) {
	t.clock.SetTime(time.Date(2025, 4, 5, 2, 15, 0, 0, time.Local))
	t.backend = memfs.New(&t.clock)
	t.cache = New(Config{
		Clock:        &t.clock,
		Lanes:        3,
		HiWat:        1 << 20,
		ReaperPeriod: time.Hour,
	})
}

func (t *StoreTest) TearDown() {
	t.cache.Shutdown(ShutdownOptions{
		DrainTimeout:    time.Second,
		ListenerTimeout: time.Second,
		WorkerTimeout:   time.Second,
	})
}

// rootSub returns a fresh backend handle for the root.
func (t *StoreTest) rootSub() fsal.ObjectHandle {
	h, err := t.backend.Root()
	AssertEq(nil, err)
	return h
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *StoreTest) GetOrCreateInsertsOnce() {
	sub := t.rootSub()

	e0, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)
	AssertTrue(e0 != nil)
	defer e0.Unref()

	// A second call with the same key returns the same entry and releases
	// the redundant sub handle.
	sub2 := t.rootSub()
	e1, err := t.cache.GetOrCreate(sub2.Key(), sub2)
	AssertEq(nil, err)
	defer e1.Unref()

	ExpectEq(e0, e1)
	ExpectEq(1, t.cache.countEntries())
}

func (t *StoreTest) GetMissReturnsNoEnt() {
	_, err := t.cache.Get(fsal.ObjectKey("nope"))
	ExpectTrue(fsal.Is(err, fsal.NoEnt))
}

func (t *StoreTest) GetTakesAReference() {
	sub := t.rootSub()
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)

	got, err := t.cache.Get(sub.Key())
	AssertEq(nil, err)
	ExpectEq(e, got)
	ExpectEq(2, e.refs.Load())

	got.Unref()
	e.Unref()
	ExpectEq(0, e.refs.Load())
}

func (t *StoreTest) EntryTypeFollowsSubHandle() {
	sub := t.rootSub()
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)
	defer e.Unref()

	ExpectEq(fsal.Directory, e.Type())
	ExpectTrue(e.Key().Equal(sub.Key()))
}

func (t *StoreTest) MarkUnreachableHidesEntry() {
	sub := t.rootSub()
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)

	t.cache.MarkUnreachable(e)

	// Store lookups miss.
	_, err = t.cache.Get(sub.Key())
	ExpectTrue(fsal.Is(err, fsal.NoEnt))

	// Direct refs fail with Stale.
	err = e.Ref()
	ExpectTrue(fsal.Is(err, fsal.Stale))

	e.Unref()
}

func (t *StoreTest) UnreachableEntryIsCleanedOnceUnreferenced() {
	sub := t.rootSub()
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)

	t.cache.MarkUnreachable(e)
	e.Unref()

	t.cache.serviceCleanup()

	ExpectEq(0, t.cache.countEntries())
	ExpectTrue(e.testFlag(flagDestroyed))
}

func (t *StoreTest) RecreateAfterUnreachable() {
	sub := t.rootSub()
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)

	t.cache.MarkUnreachable(e)
	e.Unref()
	t.cache.serviceCleanup()

	// The key is insertable again, yielding a distinct entry.
	sub2 := t.rootSub()
	e2, err := t.cache.GetOrCreate(sub2.Key(), sub2)
	AssertEq(nil, err)
	defer e2.Unref()

	ExpectNe(e, e2)
	ExpectEq(1, t.cache.countEntries())
}

func (t *StoreTest) RefsSurviveConcurrentChurn() {
	sub := t.rootSub()
	e, err := t.cache.GetOrCreate(sub.Key(), sub)
	AssertEq(nil, err)
	defer e.Unref()

	// Ref/Unref storm from several goroutines; the count must return to
	// exactly one.
	const workers = 8
	const rounds = 1000

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < rounds; j++ {
				if err := e.Ref(); err == nil {
					e.Unref()
				}
			}
		}()
	}

	for i := 0; i < workers; i++ {
		<-done
	}

	ExpectEq(1, e.refs.Load())
}
