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
	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/fsal/memfs"
	"github.com/metanfs/metanfs/mdc/dirent"
	. "github.com/jacobsa/ogletest"
)

func TestFacade(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const facadeAttrTTL = time.Minute

type FacadeTest struct {
	ctx     context.Context
	clock   timeutil.SimulatedClock
	backend *memfs.FS
	cache   *Cache
	exp     *Export

	root *Handle
}

var _ SetUpInterface = &FacadeTest{}
var _ TearDownInterface = &FacadeTest{}

func init() { RegisterTestSuite(&FacadeTest{}) }

func (t *FacadeTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2025, 4, 5, 2, 15, 0, 0, time.Local))
	t.backend = memfs.New(&t.clock)
	t.cache = New(Config{
		Clock:        &t.clock,
		Lanes:        3,
		HiWat:        1 << 20,
		ReaperPeriod: time.Hour,
		AttrTTL:      facadeAttrTTL,

		// Deterministic expiry for the clock-advancing tests.
		AttrTTLJitter: 0,
	})

	var err error
	t.exp, err = t.cache.NewExport(t.backend, ExportConfig{})
	AssertEq(nil, err)

	root, err := t.exp.Root()
	AssertEq(nil, err)
	t.root = root.(*Handle)
}

func (t *FacadeTest) TearDown() {
	if !t.root.released {
		t.root.Release()
	}
	t.cache.Shutdown(ShutdownOptions{
		DrainTimeout:    time.Second,
		ListenerTimeout: time.Second,
		WorkerTimeout:   time.Second,
	})
}

// mutateBehindCache writes to the backend without going through the cache,
// simulating a foreign modification.
func (t *FacadeTest) mutateBehindCache(fn func(root fsal.ObjectHandle)) {
	h, err := t.backend.Root()
	AssertEq(nil, err)
	fn(h)
	h.Release()
}

func (t *FacadeTest) readdirNames(from uint64) (names []string, eof bool, err error) {
	eof, err = t.root.Readdir(t.ctx, from, func(e fsal.DirEntry) bool {
		names = append(names, e.Name)
		return true
	})

	return
}

////////////////////////////////////////////////////////////////////////
// Attribute caching
////////////////////////////////////////////////////////////////////////

func (t *FacadeTest) GetattrServesFromCacheUntilExpiry() {
	child, attrs, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	defer child.Release()

	// Mutate the object behind the cache's back.
	t.mutateBehindCache(func(root fsal.ObjectHandle) {
		h, err := root.Lookup(t.ctx, "taco")
		AssertEq(nil, err)
		_, err = h.Write(t.ctx, []byte("carnitas"), 0)
		AssertEq(nil, err)
		h.Release()
	})

	// Within the TTL the stale size is served.
	got, err := child.Getattr(t.ctx)
	AssertEq(nil, err)
	ExpectEq(attrs.Size, got.Size)

	// Past the TTL the backend is consulted again.
	t.clock.AdvanceTime(facadeAttrTTL + time.Second)
	got, err = child.Getattr(t.ctx)
	AssertEq(nil, err)
	ExpectEq(uint64(len("carnitas")), got.Size)
}

func (t *FacadeTest) WriteExpiresAttrs() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	defer child.Release()

	err = child.Open(t.ctx, 0)
	AssertEq(nil, err)

	_, err = child.Write(t.ctx, []byte("carnitas"), 0)
	AssertEq(nil, err)

	// The next Getattr reflects the write immediately, TTL notwithstanding.
	got, err := child.Getattr(t.ctx)
	AssertEq(nil, err)
	ExpectEq(uint64(len("carnitas")), got.Size)

	AssertEq(nil, child.Close(t.ctx))
}

func (t *FacadeTest) SetattrRefreshesCache() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	defer child.Release()

	attrs, err := child.Setattr(t.ctx, &fsal.SetAttrRequest{
		Mask: fsal.SetSize,
		Size: 100,
	})
	AssertEq(nil, err)
	AssertEq(100, attrs.Size)

	got, err := child.Getattr(t.ctx)
	AssertEq(nil, err)
	ExpectEq(100, got.Size)
}

////////////////////////////////////////////////////////////////////////
// Lookup caching
////////////////////////////////////////////////////////////////////////

func (t *FacadeTest) LookupHitsAfterCreate() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	child.Release()

	h, err := t.root.Lookup(t.ctx, "taco")
	AssertEq(nil, err)
	ExpectEq(fsal.RegularFile, h.Type())
	h.Release()
}

func (t *FacadeTest) NegativeLookupIsAuthoritativeWhenComplete() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	child.Release()

	// Enumerate fully so the directory is complete.
	_, eof, err := t.readdirNames(0)
	AssertEq(nil, err)
	AssertTrue(eof)

	// Create a file behind the cache's back: a complete directory answers
	// the miss without asking the backend.
	t.mutateBehindCache(func(root fsal.ObjectHandle) {
		_, _, err := root.Create(t.ctx, "hidden", 0644)
		AssertEq(nil, err)
	})

	_, err = t.root.Lookup(t.ctx, "hidden")
	ExpectTrue(fsal.Is(err, fsal.NoEnt))
}

func (t *FacadeTest) UnlinkedNameStaysNegative() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	child.Release()

	AssertEq(nil, t.root.Unlink(t.ctx, "taco"))

	// The tombstone answers without consulting the backend, even though the
	// directory is incomplete.
	_, err = t.root.Lookup(t.ctx, "taco")
	ExpectTrue(fsal.Is(err, fsal.NoEnt))
}

func (t *FacadeTest) LookupOnFileFails() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	defer child.Release()

	_, err = child.(*Handle).Lookup(t.ctx, "x")
	ExpectTrue(fsal.Is(err, fsal.NotDir))
}

////////////////////////////////////////////////////////////////////////
// Collision fallback
////////////////////////////////////////////////////////////////////////

func (t *FacadeTest) CollisionOverflowDegradesDirectory() {
	// Stop the delayed executor so the scheduled reindex can't race the
	// assertions below.
	t.cache.delay.Stop(time.Second)

	// Force every dirent of the root onto one probe chain.
	e := t.root.Entry()
	e.contentLock.Lock()
	e.dir.tree.Hash = func(string) uint64 { return 0 }
	e.contentLock.Unlock()

	for i := 0; i < dirent.MaxProbes; i++ {
		child, _, err := t.root.Create(t.ctx, fmt.Sprintf("n%02d", i), 0644)
		AssertEq(nil, err)
		child.Release()
	}

	// The overflowing create succeeds at the backend; the index just can't
	// hold the name, and the directory degrades.
	child, _, err := t.root.Create(t.ctx, "straw", 0644)
	AssertEq(nil, err)
	child.Release()

	AssertTrue(e.testFlag(flagReindex))

	// Degraded lookups still work, via linear scan or the backend.
	h, err := t.root.Lookup(t.ctx, "straw")
	AssertEq(nil, err)
	h.Release()

	h, err = t.root.Lookup(t.ctx, "n07")
	AssertEq(nil, err)
	h.Release()
}

////////////////////////////////////////////////////////////////////////
// Readdir
////////////////////////////////////////////////////////////////////////

func (t *FacadeTest) ReaddirEnumeratesEverything() {
	for i := 0; i < 10; i++ {
		child, _, err := t.root.Create(t.ctx, fmt.Sprintf("f%02d", i), 0644)
		AssertEq(nil, err)
		child.Release()
	}

	names, eof, err := t.readdirNames(0)
	AssertEq(nil, err)
	AssertTrue(eof)
	AssertEq(10, len(names))
	for i, name := range names {
		ExpectEq(fmt.Sprintf("f%02d", i), name)
	}
}

func (t *FacadeTest) ReaddirResumesFromCookie() {
	for i := 0; i < 10; i++ {
		child, _, err := t.root.Create(t.ctx, fmt.Sprintf("f%02d", i), 0644)
		AssertEq(nil, err)
		child.Release()
	}

	// Stop after three entries, keeping the last cookie.
	var cookie uint64
	var seen int
	_, err := t.root.Readdir(t.ctx, 0, func(e fsal.DirEntry) bool {
		cookie = e.Cookie
		seen++
		return seen < 3
	})
	AssertEq(nil, err)
	AssertEq(3, seen)

	// Resuming yields exactly the remainder.
	var rest []string
	_, err = t.root.Readdir(t.ctx, cookie, func(e fsal.DirEntry) bool {
		rest = append(rest, e.Name)
		return true
	})
	AssertEq(nil, err)
	AssertEq(7, len(rest))
	ExpectEq("f03", rest[0])
	ExpectEq("f09", rest[6])
}

func (t *FacadeTest) NamespaceChangeInvalidatesCursor() {
	for i := 0; i < 10; i++ {
		child, _, err := t.root.Create(t.ctx, fmt.Sprintf("f%02d", i), 0644)
		AssertEq(nil, err)
		child.Release()
	}

	var cookie uint64
	var seen int
	_, err := t.root.Readdir(t.ctx, 0, func(e fsal.DirEntry) bool {
		cookie = e.Cookie
		seen++
		return seen < 3
	})
	AssertEq(nil, err)

	// A namespace change bumps the epoch.
	AssertEq(nil, t.root.Unlink(t.ctx, "f09"))

	// The stale cursor is refused; restarting from zero works.
	_, err = t.root.Readdir(t.ctx, cookie, func(e fsal.DirEntry) bool { return true })
	ExpectTrue(fsal.Is(err, fsal.Conflict))

	names, eof, err := t.readdirNames(0)
	AssertEq(nil, err)
	AssertTrue(eof)
	ExpectEq(9, len(names))
}

func (t *FacadeTest) InvalidateContentForcesReaddirRestart() {
	for i := 0; i < 6; i++ {
		child, _, err := t.root.Create(t.ctx, fmt.Sprintf("f%02d", i), 0644)
		AssertEq(nil, err)
		child.Release()
	}

	// Read a prefix.
	var cookie uint64
	var seen int
	_, err := t.root.Readdir(t.ctx, 0, func(e fsal.DirEntry) bool {
		cookie = e.Cookie
		seen++
		return seen < 3
	})
	AssertEq(nil, err)
	AssertEq(3, seen)

	// An invalidation upcall lands on the directory.
	err = t.cache.Upcalls().Invalidate(t.root.Key(), fsal.InvalidateContent, "")
	AssertEq(nil, err)

	// The old cookie is a verifier mismatch now.
	_, err = t.root.Readdir(t.ctx, cookie, func(e fsal.DirEntry) bool { return true })
	ExpectTrue(fsal.Is(err, fsal.Conflict))

	// A restart sees a consistent, complete enumeration.
	names, eof, err := t.readdirNames(0)
	AssertEq(nil, err)
	AssertTrue(eof)
	ExpectEq(6, len(names))
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func (t *FacadeTest) RenameWithinDirectory() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	child.Release()

	AssertEq(nil, t.root.Rename(t.ctx, "taco", t.root, "burrito"))

	_, err = t.root.Lookup(t.ctx, "taco")
	ExpectTrue(fsal.Is(err, fsal.NoEnt))

	h, err := t.root.Lookup(t.ctx, "burrito")
	AssertEq(nil, err)
	h.Release()
}

func (t *FacadeTest) RenameAcrossDirectories() {
	d1h, _, err := t.root.Mkdir(t.ctx, "d1", 0755)
	AssertEq(nil, err)
	defer d1h.Release()
	d2h, _, err := t.root.Mkdir(t.ctx, "d2", 0755)
	AssertEq(nil, err)
	defer d2h.Release()

	d1 := d1h.(*Handle)
	d2 := d2h.(*Handle)

	child, _, err := d1.Create(t.ctx, "a", 0644)
	AssertEq(nil, err)
	child.Release()

	AssertEq(nil, d1.Rename(t.ctx, "a", d2, "b"))

	_, err = d1.Lookup(t.ctx, "a")
	ExpectTrue(fsal.Is(err, fsal.NoEnt))

	h, err := d2.Lookup(t.ctx, "b")
	AssertEq(nil, err)
	h.Release()
}

func (t *FacadeTest) ConcurrentRenameAndLookup() {
	d1h, _, err := t.root.Mkdir(t.ctx, "d1", 0755)
	AssertEq(nil, err)
	defer d1h.Release()
	d2h, _, err := t.root.Mkdir(t.ctx, "d2", 0755)
	AssertEq(nil, err)
	defer d2h.Release()

	d1 := d1h.(*Handle)
	d2 := d2h.(*Handle)

	child, _, err := d1.Create(t.ctx, "a", 0644)
	AssertEq(nil, err)
	child.Release()

	// One goroutine looks "a" up in a loop; the main goroutine renames it
	// away. Every lookup must yield the entry or NoEnt; never anything
	// else, and never a handle that fails.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			h, err := d1.Lookup(t.ctx, "a")
			if err != nil {
				if !fsal.Is(err, fsal.NoEnt) {
					AddFailure("unexpected lookup error: %v", err)
					return
				}
				continue
			}
			h.Release()
		}
	}()

	AssertEq(nil, d1.Rename(t.ctx, "a", d2, "b"))
	<-done

	// Post-rename state is definite.
	_, err = d1.Lookup(t.ctx, "a")
	ExpectTrue(fsal.Is(err, fsal.NoEnt))

	h, err := d2.Lookup(t.ctx, "b")
	AssertEq(nil, err)
	h.Release()
}

////////////////////////////////////////////////////////////////////////
// Symlinks and misc
////////////////////////////////////////////////////////////////////////

func (t *FacadeTest) SymlinkTargetIsCached() {
	link, _, err := t.root.Symlink(t.ctx, "l", "some/where")
	AssertEq(nil, err)
	defer link.Release()

	target, err := link.(*Handle).Readlink(t.ctx)
	AssertEq(nil, err)
	ExpectEq("some/where", target)

	// Served from cache on repeat.
	target, err = link.(*Handle).Readlink(t.ctx)
	AssertEq(nil, err)
	ExpectEq("some/where", target)
}

func (t *FacadeTest) HandleDigestRoundTrip() {
	child, _, err := t.root.Create(t.ctx, "taco", 0644)
	AssertEq(nil, err)
	defer child.Release()

	digest, err := child.HandleDigest()
	AssertEq(nil, err)

	key, err := memfs.DecodeHandle(digest)
	AssertEq(nil, err)
	ExpectTrue(key.Equal(child.Key()))
}

func (t *FacadeTest) ExportLevelQueriesForward() {
	limits := t.exp.Limits()
	ExpectEq(uint64(1<<20), limits.MaxRead)

	v := t.exp.WriteVerifier()
	ExpectTrue(v == t.backend.WriteVerifier())

	q := fsal.Quota{Kind: fsal.QuotaFiles, ID: 7, HardLimit: 100}
	AssertEq(nil, t.exp.SetQuota(t.ctx, q))
	got, err := t.exp.GetQuota(t.ctx, fsal.QuotaFiles, 7)
	AssertEq(nil, err)
	ExpectEq(q.HardLimit, got.HardLimit)
}

func (t *FacadeTest) ShutdownRefusesNewWork() {
	t.cache.Shutdown(ShutdownOptions{
		DrainTimeout:    time.Second,
		ListenerTimeout: time.Second,
		WorkerTimeout:   time.Second,
	})

	_, err := t.root.Lookup(t.ctx, "anything")
	ExpectTrue(fsal.Is(err, fsal.Shutdown))

	_, err = t.exp.Root()
	ExpectTrue(fsal.Is(err, fsal.Shutdown))
}
