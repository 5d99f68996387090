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
	"time"

	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/internal/logger"
)

// Upcalls is the notification surface the cache hands to its backends. A
// backend delivering an upcall never blocks on backend work: everything the
// handler does is against in-memory state, and follow-ups that would reach
// back into a backend are deferred to the delayed executor.
//
// An upcall applies attribute effects under the entry's attrLock in write
// mode and releases it before taking contentLock for content and dirent
// effects; delegation records change under stateLock alone. Upcalls against
// the same entry are not serialized as a whole: the content effects of two
// concurrent upcalls may apply in either order.
type Upcalls struct {
	c *Cache
}

var _ fsal.UpcallVector = &Upcalls{}

// Upcalls returns the vector backends should deliver notifications to.
func (c *Cache) Upcalls() *Upcalls {
	return &Upcalls{c: c}
}

// lookup pins the entry for a key, or counts a drop. Upcalls for objects
// nothing has cached are uninteresting by definition.
func (u *Upcalls) lookup(key fsal.ObjectKey) *Entry {
	e, err := u.c.Get(key)
	if err != nil {
		u.c.metrics.UpcallDroppedInc()
		return nil
	}

	return e
}

// Invalidate marks cached state for the keyed object stale.
func (u *Upcalls) Invalidate(key fsal.ObjectKey, what fsal.InvalidateKind, name string) error {
	e := u.lookup(key)
	if e == nil {
		return nil
	}
	defer e.Unref()

	// Attribute effects are applied under the attrLock in write mode.
	e.attrLock.Lock()

	switch what {
	case fsal.InvalidateAttrs:
		e.attrsExpiry = time.Time{}
		e.attrLock.Unlock()

	case fsal.InvalidateContent:
		e.attrsExpiry = time.Time{}
		e.attrLock.Unlock()

		e.contentLock.Lock()
		e.linkValid = false
		if e.dir != nil {
			bumpEpochLocked(e)
		}
		e.contentLock.Unlock()

	case fsal.InvalidateDirent:
		e.attrLock.Unlock()

		if e.dir == nil {
			u.c.metrics.UpcallDroppedInc()
			return nil
		}

		e.contentLock.Lock()
		if name == "" {
			// Whole-directory invalidation: drop the index and the
			// enumeration.
			e.dir.tree.Clean()
			bumpEpochLocked(e)
		} else {
			if d, _ := e.dir.tree.Probe(name); d != nil {
				e.dir.tree.SetDeleted(d)
			}
			bumpEpochLocked(e)
		}
		e.contentLock.Unlock()

	default:
		e.attrLock.Unlock()
		u.c.metrics.UpcallDroppedInc()
		return fsal.NewError(fsal.Inval)
	}

	u.c.metrics.UpcallAppliedInc()

	return nil
}

// Rename applies a backend-side move: the old binding is tombstoned and both
// parents' cursors are invalidated. The new name is inserted only when the
// child is already cached; otherwise the next lookup will observe it.
func (u *Upcalls) Rename(oldParent fsal.ObjectKey, oldName string, newParent fsal.ObjectKey, newName string) error {
	var childKey fsal.ObjectKey
	var childType fsal.FileType

	if e := u.lookup(oldParent); e != nil {
		e.attrLock.Lock()
		e.attrsExpiry = time.Time{}
		e.attrLock.Unlock()

		e.contentLock.Lock()
		if e.dir != nil {
			if d, _ := e.dir.tree.Probe(oldName); d != nil {
				childKey = append(fsal.ObjectKey(nil), d.ChildKey...)
				childType = d.ChildType
				e.dir.tree.SetDeleted(d)
			}
			bumpEpochLocked(e)
		}
		e.contentLock.Unlock()

		u.c.metrics.UpcallAppliedInc()
		e.Unref()
	}

	if e := u.lookup(newParent); e != nil {
		e.attrLock.Lock()
		e.attrsExpiry = time.Time{}
		e.attrLock.Unlock()

		e.contentLock.Lock()
		if e.dir != nil {
			if d, _ := e.dir.tree.Probe(newName); d != nil {
				// The target name no longer refers to what it did.
				e.dir.tree.SetDeleted(d)
			}
			if childKey != nil {
				if d, err := e.dir.tree.Insert(newName, childKey); err != nil {
					u.c.markReindex(e)
				} else {
					d.ChildType = childType
				}
			}
			bumpEpochLocked(e)
		}
		e.contentLock.Unlock()

		u.c.metrics.UpcallAppliedInc()
		e.Unref()
	}

	return nil
}

// DelegationRecall queues the recall processing; the backend's call returns
// immediately.
func (u *Upcalls) DelegationRecall(key fsal.ObjectKey) error {
	e := u.lookup(key)
	if e == nil {
		return nil
	}

	submitted := u.c.delay.Submit(func() {
		defer e.Unref()

		e.stateLock.Lock()
		e.delegations = nil
		e.stateLock.Unlock()

		logger.Debugf("mdc: delegation recalled for %x", key)
	})
	if !submitted {
		e.Unref()
		return fsal.NewError(fsal.Shutdown)
	}

	u.c.metrics.UpcallAppliedInc()

	return nil
}

// DelegationGrant records a granted delegation in the entry's state.
func (u *Upcalls) DelegationGrant(key fsal.ObjectKey, typ fsal.DelegationType) error {
	e := u.lookup(key)
	if e == nil {
		return nil
	}
	defer e.Unref()

	e.stateLock.Lock()
	e.delegations = append(e.delegations, Delegation{
		Type:    typ,
		Granted: u.c.clock.Now(),
	})
	e.stateLock.Unlock()

	u.c.metrics.UpcallAppliedInc()

	return nil
}
