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
	"sort"
	"time"

	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/mdc/dirent"
	"golang.org/x/net/context"
)

////////////////////////////////////////////////////////////////////////
// Lookup
////////////////////////////////////////////////////////////////////////

// Lookup resolves a child name, serving from the dirent index when it can
// answer authoritatively and delegating to the backend otherwise.
func (h *Handle) Lookup(ctx context.Context, name string) (fsal.ObjectHandle, error) {
	e, c := h.e, h.exp.cache

	if e.etype != fsal.Directory {
		return nil, fsal.NewError(fsal.NotDir)
	}
	if c.intakeStopped() {
		return nil, fsal.NewError(fsal.Shutdown)
	}

	// Consult the index under the content lock, copying what we need out of
	// the critical section.
	e.contentLock.RLock()
	var d *dirent.Dirent
	var tombstoned bool
	degraded := e.testFlag(flagReindex)
	if degraded {
		d = e.dir.tree.LinearScan(name)
	} else {
		d, tombstoned = e.dir.tree.Probe(name)
	}
	complete := e.dir.complete
	var childKey fsal.ObjectKey
	if d != nil && d.ChildKey != nil {
		childKey = append(fsal.ObjectKey(nil), d.ChildKey...)
	}
	e.contentLock.RUnlock()

	// A tombstone is an authoritative negative until revalidation, and a
	// complete directory with no dirent is an authoritative miss too.
	if tombstoned || (d == nil && complete && !degraded) {
		c.metrics.DirentHit()
		return nil, fsal.NewError(fsal.NoEnt)
	}

	if childKey != nil {
		if child, err := c.Get(childKey); err == nil {
			c.metrics.DirentHit()
			h.exp.associate(child)
			e.lane.touch(e)
			return h.exp.newHandle(child), nil
		}
	}

	// Miss: ask the backend, then populate.
	c.metrics.DirentMiss()

	var sub fsal.ObjectHandle
	err := h.exp.subcall(ctx, "Lookup", func(ctx context.Context) (err error) {
		sub, err = e.sub.Lookup(ctx, name)
		return
	})
	if err != nil {
		return nil, err
	}

	child, err := c.GetOrCreate(sub.Key(), sub)
	if err != nil {
		return nil, err
	}
	h.exp.associate(child)

	e.contentLock.Lock()
	h.insertDirentLocked(name, child.key, child.etype)
	e.contentLock.Unlock()

	e.lane.touch(e)

	return h.exp.newHandle(child), nil
}

// insertDirentLocked records a name→child binding, degrading the directory
// to linear scans if the probe bound is exhausted.
//
// LOCKS_REQUIRED(h.e.contentLock)
func (h *Handle) insertDirentLocked(name string, key fsal.ObjectKey, typ fsal.FileType) *dirent.Dirent {
	e := h.e

	d, err := e.dir.tree.Insert(name, key)
	if err != nil {
		h.exp.cache.markReindex(e)
		return nil
	}
	d.ChildType = typ

	return d
}

// markReindex flags a directory for rebuild and schedules the work.
func (c *Cache) markReindex(e *Entry) {
	if e.testFlag(flagReindex) {
		return
	}
	e.setFlag(flagReindex)

	if err := e.Ref(); err != nil {
		e.clearFlag(flagReindex)
		return
	}

	if !c.delay.Submit(func() {
		defer e.Unref()
		c.reindexDir(e)
	}) {
		// Executor already stopped; the directory stays degraded.
		e.Unref()
	}
}

// reindexDir rebuilds a directory's dirent tree from scratch, dropping
// tombstones and restoring indexed lookups.
func (c *Cache) reindexDir(e *Entry) {
	e.contentLock.Lock()
	defer e.contentLock.Unlock()

	if e.dir == nil || !e.testFlag(flagReindex) {
		return
	}

	var live []*dirent.Dirent
	e.dir.tree.Ascend(func(d *dirent.Dirent) bool {
		if !d.Deleted() {
			live = append(live, d)
		}
		return true
	})

	e.dir.tree.Clean()
	for _, old := range e.dir.order {
		// Enumeration entries not present in the tree (detached during the
		// collision storm) get another chance.
		if !old.Deleted() && e.dir.tree.LookupByName(old.Name) == nil {
			live = append(live, old)
		}
	}

	ok := true
	for _, old := range live {
		d, err := e.dir.tree.Insert(old.Name, old.ChildKey)
		if err != nil {
			// Still colliding after a clean rebuild; stay degraded.
			ok = false
			continue
		}
		d.ChildType = old.ChildType
		d.Cookie = old.Cookie
	}

	if ok {
		e.clearFlag(flagReindex)
	}
	c.metrics.Reindexed()
}

////////////////////////////////////////////////////////////////////////
// Readdir
////////////////////////////////////////////////////////////////////////

// Readdir enumerates the directory from the supplied cookie. Cookies are the
// cache's own: the directory's enumeration epoch rides in the high bits and
// acts as the verifier. A cookie from a bumped epoch fails with Conflict,
// forcing the client to restart from zero.
func (h *Handle) Readdir(ctx context.Context, cookie uint64, cb fsal.ReaddirCallback) (eof bool, err error) {
	e, c := h.e, h.exp.cache

	if e.etype != fsal.Directory {
		err = fsal.NewError(fsal.NotDir)
		return
	}
	if c.intakeStopped() {
		err = fsal.NewError(fsal.Shutdown)
		return
	}

	e.contentLock.Lock()
	defer e.contentLock.Unlock()

	ds := e.dir

	var startSeed uint64
	if cookie != 0 {
		epoch, seed := splitCookie(cookie)
		if epoch != ds.epoch {
			err = fsal.NewError(fsal.Conflict)
			return
		}
		startSeed = seed
	}

	idx := 0
	if startSeed != 0 {
		// Resume just past the cookie's dirent.
		idx = sort.Search(len(ds.order), func(i int) bool {
			return ds.order[i].Cookie > startSeed
		})
	}

	e.lane.touch(e)

	for {
		for ; idx < len(ds.order); idx++ {
			d := ds.order[idx]
			if d.Deleted() {
				continue
			}

			more := cb(fsal.DirEntry{
				Name:   d.Name,
				Key:    d.ChildKey,
				Type:   d.ChildType,
				Cookie: makeCookie(ds.epoch, d.Cookie),
			})
			if !more {
				return false, nil
			}
		}

		if ds.complete {
			return true, nil
		}

		// Pull another chunk from the backend.
		if err = h.fillDirLocked(ctx); err != nil {
			return false, err
		}
	}
}

// fillDirLocked extends the cached enumeration by one backend chunk,
// assigning cache cookies from the directory's monotonic seed.
//
// LOCKS_REQUIRED(h.e.contentLock)
func (h *Handle) fillDirLocked(ctx context.Context) error {
	e := h.e
	ds := e.dir

	const chunkSize = 256

	var got int
	chunkLo := ds.cookieSeed

	err := h.exp.subcall(ctx, "Readdir", func(ctx context.Context) error {
		eof, err := e.sub.Readdir(ctx, ds.backendResume, func(de fsal.DirEntry) bool {
			d := h.insertDirentLocked(de.Name, de.Key, de.Type)
			if d == nil {
				// Collision overflow: keep the name enumerable via a node
				// outside the tree.
				d = &dirent.Dirent{
					Name:      de.Name,
					ChildKey:  de.Key,
					ChildType: de.Type,
				}
			}

			d.Cookie = ds.cookieSeed
			ds.cookieSeed++
			ds.order = append(ds.order, d)
			ds.backendResume = de.Cookie
			got++

			return got < chunkSize
		})
		if err != nil {
			return err
		}

		if eof {
			ds.complete = true
		}

		return nil
	})
	if err != nil {
		return err
	}

	if got > 0 {
		ds.chunks = append(ds.chunks, dirChunk{lo: chunkLo, hi: ds.cookieSeed - 1})
	}

	return nil
}

// bumpEpochLocked invalidates every outstanding enumeration cursor for the
// directory and discards the cached enumeration. The dirent tree survives;
// tombstones keep guarding negative lookups.
//
// LOCKS_REQUIRED(e.contentLock)
func bumpEpochLocked(e *Entry) {
	ds := e.dir
	ds.epoch++
	ds.order = nil
	ds.chunks = nil
	ds.backendResume = 0
	ds.complete = false
}

////////////////////////////////////////////////////////////////////////
// Namespace changes
////////////////////////////////////////////////////////////////////////

// Create makes a regular file and caches the result.
func (h *Handle) Create(ctx context.Context, name string, mode uint32) (fsal.ObjectHandle, fsal.Attributes, error) {
	return h.makeChild(ctx, "Create", name, func(ctx context.Context) (fsal.ObjectHandle, fsal.Attributes, error) {
		return h.e.sub.Create(ctx, name, mode)
	})
}

// Mkdir makes a directory and caches the result.
func (h *Handle) Mkdir(ctx context.Context, name string, mode uint32) (fsal.ObjectHandle, fsal.Attributes, error) {
	return h.makeChild(ctx, "Mkdir", name, func(ctx context.Context) (fsal.ObjectHandle, fsal.Attributes, error) {
		return h.e.sub.Mkdir(ctx, name, mode)
	})
}

// Symlink makes a symlink and caches both the result and its target.
func (h *Handle) Symlink(ctx context.Context, name string, target string) (fsal.ObjectHandle, fsal.Attributes, error) {
	o, attrs, err := h.makeChild(ctx, "Symlink", name, func(ctx context.Context) (fsal.ObjectHandle, fsal.Attributes, error) {
		return h.e.sub.Symlink(ctx, name, target)
	})
	if err != nil {
		return nil, attrs, err
	}

	child := o.(*Handle).e
	child.contentLock.Lock()
	child.linkTarget = target
	child.linkValid = true
	child.contentLock.Unlock()

	return o, attrs, nil
}

// makeChild runs one child-creating backend operation and post-processes it
// into the cache: a new referenced entry, a dirent in the parent, and a
// bumped enumeration epoch.
func (h *Handle) makeChild(
	ctx context.Context,
	desc string,
	name string,
	fn func(ctx context.Context) (fsal.ObjectHandle, fsal.Attributes, error)) (fsal.ObjectHandle, fsal.Attributes, error) {
	e, c := h.e, h.exp.cache

	if e.etype != fsal.Directory {
		return nil, fsal.Attributes{}, fsal.NewError(fsal.NotDir)
	}

	var sub fsal.ObjectHandle
	var attrs fsal.Attributes
	err := h.exp.subcall(ctx, desc, func(ctx context.Context) (err error) {
		sub, attrs, err = fn(ctx)
		return
	})
	if err != nil {
		return nil, fsal.Attributes{}, err
	}

	child, err := c.GetOrCreate(sub.Key(), sub)
	if err != nil {
		return nil, fsal.Attributes{}, err
	}
	h.exp.associate(child)

	ch := h.exp.newHandle(child)
	ch.storeAttrs(attrs)

	e.contentLock.Lock()
	h.insertDirentLocked(name, child.key, child.etype)
	bumpEpochLocked(e)
	e.contentLock.Unlock()

	expireAttrs(e)
	e.lane.touch(e)

	return ch, attrs, nil
}

// Unlink removes a child name: the backend operation, then a tombstone, an
// epoch bump, and invalidation of the child's cached attributes.
func (h *Handle) Unlink(ctx context.Context, name string) error {
	e, c := h.e, h.exp.cache

	if e.etype != fsal.Directory {
		return fsal.NewError(fsal.NotDir)
	}

	err := h.exp.subcall(ctx, "Unlink", func(ctx context.Context) error {
		return e.sub.Unlink(ctx, name)
	})
	if err != nil {
		return err
	}

	var childKey fsal.ObjectKey
	e.contentLock.Lock()
	if d, _ := e.dir.tree.Probe(name); d != nil {
		childKey = append(fsal.ObjectKey(nil), d.ChildKey...)
		e.dir.tree.SetDeleted(d)
	}
	bumpEpochLocked(e)
	e.contentLock.Unlock()

	expireAttrs(e)

	// The child's link count changed; if the name was its last, the object
	// is gone and the entry must stop answering lookups.
	if childKey != nil {
		if child, err := c.Get(childKey); err == nil {
			child.attrLock.Lock()
			nlink := child.attrs.Nlink
			child.attrsExpiry = time.Time{}
			child.attrLock.Unlock()

			// Directories cannot be multiply linked; files survive while
			// other links remain.
			if child.etype == fsal.Directory || nlink <= 1 {
				c.MarkUnreachable(child)
			}

			child.Unref()
		}
	}

	e.lane.touch(e)

	return nil
}

// Link adds a hard link to obj under name in this directory.
func (h *Handle) Link(ctx context.Context, obj fsal.ObjectHandle, name string) error {
	e := h.e

	if e.etype != fsal.Directory {
		return fsal.NewError(fsal.NotDir)
	}

	target, ok := obj.(*Handle)
	if !ok {
		return fsal.NewError(fsal.Inval)
	}

	err := h.exp.subcall(ctx, "Link", func(ctx context.Context) error {
		return target.e.sub.Link(ctx, e.sub, name)
	})
	if err != nil {
		return err
	}

	e.contentLock.Lock()
	h.insertDirentLocked(name, target.e.key, target.e.etype)
	bumpEpochLocked(e)
	e.contentLock.Unlock()

	expireAttrs(e)
	expireAttrs(target.e)

	return nil
}

// Rename moves name in this directory to newName in newDir. Both parents'
// content locks are taken in a canonical order (lower object key first) so two
// concurrent renames in opposite directions cannot deadlock. A race with an
// upcall is retried once before Conflict is surfaced.
func (h *Handle) Rename(ctx context.Context, name string, newDir fsal.ObjectHandle, newName string) error {
	err := h.renameOnce(ctx, name, newDir, newName)
	if fsal.Is(err, fsal.Conflict) {
		err = h.renameOnce(ctx, name, newDir, newName)
	}

	return err
}

func (h *Handle) renameOnce(ctx context.Context, name string, newDir fsal.ObjectHandle, newName string) error {
	src := h.e

	if src.etype != fsal.Directory {
		return fsal.NewError(fsal.NotDir)
	}

	dh, ok := newDir.(*Handle)
	if !ok {
		return fsal.NewError(fsal.Inval)
	}
	dst := dh.e

	if dst.etype != fsal.Directory {
		return fsal.NewError(fsal.NotDir)
	}

	err := h.exp.subcall(ctx, "Rename", func(ctx context.Context) error {
		return src.sub.Rename(ctx, name, dst.sub, newName)
	})
	if err != nil {
		return err
	}

	lockParentsInOrder(src, dst)

	var childKey fsal.ObjectKey
	var childType fsal.FileType
	if d, _ := src.dir.tree.Probe(name); d != nil {
		childKey = append(fsal.ObjectKey(nil), d.ChildKey...)
		childType = d.ChildType
		src.dir.tree.SetDeleted(d)
	}
	bumpEpochLocked(src)

	if dst != src {
		// The target name, if cached, no longer refers to whatever it did.
		if d, _ := dst.dir.tree.Probe(newName); d != nil {
			dst.dir.tree.SetDeleted(d)
		}
	}
	if d, err := dst.dir.tree.Insert(newName, childKey); err != nil {
		h.exp.cache.markReindex(dst)
	} else {
		d.ChildType = childType
	}
	if dst != src {
		bumpEpochLocked(dst)
	}

	unlockParentsInOrder(src, dst)

	expireAttrs(src)
	if dst != src {
		expireAttrs(dst)
	}

	return nil
}

// lockParentsInOrder takes both parents' content locks in a canonical order
// (by object key), handling the same-directory case. Two concurrent renames
// between the same pair of directories therefore always lock in the same
// order.
func lockParentsInOrder(a, b *Entry) {
	switch {
	case a == b:
		a.contentLock.Lock()
	case a.key.String() < b.key.String():
		a.contentLock.Lock()
		b.contentLock.Lock()
	default:
		b.contentLock.Lock()
		a.contentLock.Lock()
	}
}

func unlockParentsInOrder(a, b *Entry) {
	if a == b {
		a.contentLock.Unlock()
		return
	}

	if a.key.String() < b.key.String() {
		b.contentLock.Unlock()
		a.contentLock.Unlock()
	} else {
		a.contentLock.Unlock()
		b.contentLock.Unlock()
	}
}
