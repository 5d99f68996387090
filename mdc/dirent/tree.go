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

// Package dirent implements the per-directory name index: an AVL tree keyed
// by a 64-bit hash of the child name, with quadratic probing layered on top
// to resolve hash collisions between distinct names.
//
// The caller (the directory entry) provides all locking; a Tree is not safe
// for concurrent use on its own.
package dirent

import (
	"fmt"

	"github.com/metanfs/metanfs/fsal"
	"github.com/twmb/murmur3"
)

// MaxProbes bounds the quadratic probe sequence. Insertion of a name whose
// entire probe sequence is occupied by other names fails with
// TooManyCollisions, after which the caller serves the directory by linear
// scan until it has been reindexed.
const MaxProbes = 64

// HashName returns the 64-bit hash key for a child name.
func HashName(name string) uint64 {
	return murmur3.StringSum64(name)
}

func (t *Tree) hash(name string) uint64 {
	if t.Hash != nil {
		return t.Hash(name)
	}

	return HashName(name)
}

// probeKey returns the tree key for the j-th probe of base hash k.
func probeKey(k uint64, j uint64) uint64 {
	return k + j + j*j
}

// A Dirent is one name within a directory. The child reference is weak: only
// the child's object key is stored, and callers materialize a live entry via
// a fresh entry-store lookup. This keeps entry lifetime governed solely by
// refcount and LRU position.
type Dirent struct {
	// Name is the child's name as observed from the backend.
	Name string

	// Key is the tree key the dirent was inserted under: the name hash plus
	// any quadratic probe displacement.
	Key uint64

	// ChildKey identifies the child object, if known. May be nil for names
	// observed only through enumeration.
	ChildKey fsal.ObjectKey

	// ChildType is the child's file type as last observed.
	ChildType fsal.FileType

	// Cookie is the enumeration position just past this entry, in the
	// directory's own cookie space.
	Cookie uint64

	deleted bool

	left, right *Dirent
	height      int
}

// Deleted reports whether the dirent has been tombstoned. Tombstoned dirents
// are never returned as positive lookups, but they hold their probe slot
// until the directory is revalidated.
func (d *Dirent) Deleted() bool {
	return d.deleted
}

// Tree is the dirent index of one directory.
type Tree struct {
	// Hash overrides the name hash when non-nil. Tests use this to force
	// collisions; production trees leave it nil and get HashName.
	Hash func(name string) uint64

	root *Dirent

	// INVARIANT: live + tombstones == number of nodes in the tree
	// INVARIANT: live >= 0 && tombstones >= 0
	live       int
	tombstones int
}

// Live returns the number of non-tombstoned dirents.
func (t *Tree) Live() int {
	return t.live
}

// Tombstones returns the number of tombstoned dirents.
func (t *Tree) Tombstones() int {
	return t.tombstones
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func height(d *Dirent) int {
	if d == nil {
		return 0
	}

	return d.height
}

func recalc(d *Dirent) {
	hl, hr := height(d.left), height(d.right)
	if hl > hr {
		d.height = hl + 1
	} else {
		d.height = hr + 1
	}
}

func rotateRight(d *Dirent) *Dirent {
	l := d.left
	d.left = l.right
	l.right = d
	recalc(d)
	recalc(l)
	return l
}

func rotateLeft(d *Dirent) *Dirent {
	r := d.right
	d.right = r.left
	r.left = d
	recalc(d)
	recalc(r)
	return r
}

func rebalance(d *Dirent) *Dirent {
	recalc(d)
	switch bf := height(d.left) - height(d.right); {
	case bf > 1:
		if height(d.left.left) < height(d.left.right) {
			d.left = rotateLeft(d.left)
		}
		return rotateRight(d)

	case bf < -1:
		if height(d.right.right) < height(d.right.left) {
			d.right = rotateRight(d.right)
		}
		return rotateLeft(d)
	}

	return d
}

func insertNode(root *Dirent, n *Dirent) *Dirent {
	if root == nil {
		n.height = 1
		return n
	}

	if n.Key < root.Key {
		root.left = insertNode(root.left, n)
	} else {
		root.right = insertNode(root.right, n)
	}

	return rebalance(root)
}

func findNode(root *Dirent, key uint64) *Dirent {
	for root != nil {
		switch {
		case key < root.Key:
			root = root.left
		case key > root.Key:
			root = root.right
		default:
			return root
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Insert adds a dirent for the supplied name, probing quadratically past
// colliding names. If a live dirent for the name already exists it is
// refreshed in place (the child key is replaced) and returned. A tombstoned
// slot is reused only when its name equals the inserted name; tombstones for
// other names keep holding their slot.
//
// Returns TooManyCollisions once the probe bound is exhausted, in which case
// the caller must fall back to linear scans and queue the directory for
// reindexing.
func (t *Tree) Insert(name string, childKey fsal.ObjectKey) (*Dirent, error) {
	k := t.hash(name)

	for j := uint64(0); j < MaxProbes; j++ {
		key := probeKey(k, j)
		n := findNode(t.root, key)

		if n == nil {
			d := &Dirent{
				Name:     name,
				Key:      key,
				ChildKey: childKey,
			}
			t.root = insertNode(t.root, d)
			t.live++
			return d, nil
		}

		if n.Name != name {
			// A collision, live or tombstoned. Either way the slot is taken.
			continue
		}

		// Same name: refresh, resurrecting a tombstone if need be.
		if n.deleted {
			n.deleted = false
			t.tombstones--
			t.live++
		}
		n.ChildKey = childKey
		return n, nil
	}

	return nil, fsal.NewError(fsal.TooManyCollisions)
}

// LookupByName returns the live dirent for the name, or nil. A tombstone for
// the name terminates the search: the name is authoritatively absent.
func (t *Tree) LookupByName(name string) *Dirent {
	k := t.hash(name)

	for j := uint64(0); j < MaxProbes; j++ {
		n := findNode(t.root, probeKey(k, j))
		if n == nil {
			// A free slot ends the probe sequence.
			return nil
		}

		if n.Name != name {
			continue
		}

		if n.deleted {
			return nil
		}

		return n
	}

	return nil
}

// Probe distinguishes the three outcomes of a name search: a live dirent, a
// tombstone (the name is authoritatively absent until revalidation), or
// nothing known. Exactly one of d != nil and tombstoned may hold.
func (t *Tree) Probe(name string) (d *Dirent, tombstoned bool) {
	k := t.hash(name)

	for j := uint64(0); j < MaxProbes; j++ {
		n := findNode(t.root, probeKey(k, j))
		if n == nil {
			return nil, false
		}

		if n.Name != name {
			continue
		}

		if n.deleted {
			return nil, true
		}

		return n, false
	}

	return nil, false
}

// LookupByKey returns the dirent inserted under the exact tree key, used by
// cookie-based readdir restarts. Tombstones are visible only when requested.
func (t *Tree) LookupByKey(key uint64, includeTombstones bool) *Dirent {
	n := findNode(t.root, key)
	if n == nil {
		return nil
	}

	if n.deleted && !includeTombstones {
		return nil
	}

	return n
}

// LinearScan finds the live dirent for a name by visiting every node. This
// is the degraded path used after Insert has failed with TooManyCollisions,
// until the directory has been reindexed.
func (t *Tree) LinearScan(name string) (found *Dirent) {
	t.Ascend(func(d *Dirent) bool {
		if d.Name == name && !d.deleted {
			found = d
			return false
		}
		return true
	})

	return
}

// SetDeleted tombstones a dirent in place. The node keeps its slot so that
// negative lookups stay correct until the directory is revalidated.
func (t *Tree) SetDeleted(d *Dirent) {
	if d.deleted {
		return
	}

	d.deleted = true
	d.ChildKey = nil
	t.live--
	t.tombstones++
}

// Clean discards the whole index. Used only when the directory is being torn
// down or fully reindexed.
func (t *Tree) Clean() {
	t.root = nil
	t.live = 0
	t.tombstones = 0
}

// Ascend visits every dirent, tombstones included, in increasing key order,
// stopping early if fn returns false.
func (t *Tree) Ascend(fn func(d *Dirent) bool) {
	ascend(t.root, fn)
}

func ascend(d *Dirent, fn func(d *Dirent) bool) bool {
	if d == nil {
		return true
	}

	if !ascend(d.left, fn) {
		return false
	}

	if !fn(d) {
		return false
	}

	return ascend(d.right, fn)
}

// CheckInvariants panics if the tree's bookkeeping or shape invariants do
// not hold.
func (t *Tree) CheckInvariants() {
	live, tombs := 0, 0
	var walk func(d *Dirent) (h int)
	var prev *Dirent

	walk = func(d *Dirent) (h int) {
		if d == nil {
			return 0
		}

		hl := walk(d.left)

		if prev != nil && prev.Key >= d.Key {
			panic(fmt.Sprintf("dirent: key order violated: %d >= %d", prev.Key, d.Key))
		}
		prev = d

		if d.deleted {
			tombs++
		} else {
			live++
		}

		hr := walk(d.right)

		if hl-hr > 1 || hr-hl > 1 {
			panic(fmt.Sprintf("dirent: unbalanced node %q", d.Name))
		}

		h = hl + 1
		if hr >= hl {
			h = hr + 1
		}

		if h != d.height {
			panic(fmt.Sprintf("dirent: bad height for %q: %d vs. %d", d.Name, d.height, h))
		}

		return
	}

	walk(t.root)

	if live != t.live || tombs != t.tombstones {
		panic(fmt.Sprintf(
			"dirent: counts out of sync: live %d vs. %d, tombstones %d vs. %d",
			t.live, live, t.tombstones, tombs))
	}
}
