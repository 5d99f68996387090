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
	"math/rand"
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/metanfs/metanfs/fsal"
	"golang.org/x/net/context"
)

// The cache presents the same capability record upward that it consumes
// below: Export implements fsal.Export and Handle implements
// fsal.ObjectHandle. Stacking is plain composition.
var _ fsal.Export = &Export{}
var _ fsal.ObjectHandle = &Handle{}

// subExportKey carries the sub-export in the context of a delegated call.
type subExportKey struct{}

// SubExportFrom extracts the sub-export a subcall installed, if any.
// Backends that stack further down use this to find their own sub-export.
func SubExportFrom(ctx context.Context) (fsal.Export, bool) {
	sub, ok := ctx.Value(subExportKey{}).(fsal.Export)
	return sub, ok
}

// subcall delegates to the sub-backend: it refuses once intake has stopped,
// installs the sub-export in the request context, and wraps the call in a
// trace span.
func (exp *Export) subcall(ctx context.Context, desc string, fn func(ctx context.Context) error) error {
	if exp.cache.intakeStopped() {
		return fsal.NewError(fsal.Shutdown)
	}
	if exp.isClosed() {
		return fsal.NewError(fsal.Stale)
	}

	ctx = context.WithValue(ctx, subExportKey{}, exp.sub)
	ctx, report := reqtrace.Trace(ctx, desc)

	err := fn(ctx)
	report(err)

	if err != nil {
		return fsal.BackendError(err)
	}

	return nil
}

// ttl returns the attribute lifetime for one refresh: the export's TTL with
// a uniformly-jittered skew so that attributes written en masse do not all
// expire at once.
func (exp *Export) ttl() time.Duration {
	if exp.jitter == 0 {
		return exp.attrTTL
	}

	skew := 1 + exp.jitter*(2*rand.Float64()-1)
	return time.Duration(float64(exp.attrTTL) * skew)
}

// A Handle is the cache's object handle: a referenced entry viewed through
// one export. Release drops the reference.
type Handle struct {
	e   *Entry
	exp *Export

	released bool
}

// newHandle wraps an entry whose reference the caller transfers in.
func (exp *Export) newHandle(e *Entry) *Handle {
	return &Handle{e: e, exp: exp}
}

// Entry exposes the underlying entry for tests and for the upcall plumbing.
func (h *Handle) Entry() *Entry {
	return h.e
}

func (h *Handle) Key() fsal.ObjectKey {
	return h.e.key
}

func (h *Handle) Type() fsal.FileType {
	return h.e.etype
}

func (h *Handle) Release() {
	if h.released {
		panic("mdc: handle released twice")
	}
	h.released = true
	h.e.Unref()
}

// HandleDigest delegates to the sub-backend; the wire format is not the
// cache's concern.
func (h *Handle) HandleDigest() ([]byte, error) {
	return h.e.sub.HandleDigest()
}

////////////////////////////////////////////////////////////////////////
// Export surface
////////////////////////////////////////////////////////////////////////

// Root returns a referenced handle for the export's root directory,
// re-materializing the entry if the reaper took it.
func (exp *Export) Root() (fsal.ObjectHandle, error) {
	c := exp.cache
	if c.intakeStopped() {
		return nil, fsal.NewError(fsal.Shutdown)
	}
	if exp.isClosed() {
		return nil, fsal.NewError(fsal.Stale)
	}

	e, err := c.Get(exp.rootKey)
	if err == nil {
		exp.associate(e)
		return exp.newHandle(e), nil
	}

	sub, err := exp.sub.Root()
	if err != nil {
		return nil, fsal.BackendError(err)
	}

	e, err = c.GetOrCreate(sub.Key(), sub)
	if err != nil {
		return nil, err
	}
	exp.associate(e)

	return exp.newHandle(e), nil
}

// LookupKey materializes a handle from an object key, preferring the cache.
func (exp *Export) LookupKey(ctx context.Context, key fsal.ObjectKey) (fsal.ObjectHandle, error) {
	c := exp.cache
	if c.intakeStopped() {
		return nil, fsal.NewError(fsal.Shutdown)
	}
	if exp.isClosed() {
		return nil, fsal.NewError(fsal.Stale)
	}

	if e, err := c.Get(key); err == nil {
		exp.associate(e)
		return exp.newHandle(e), nil
	}

	var sub fsal.ObjectHandle
	err := exp.subcall(ctx, "LookupKey", func(ctx context.Context) (err error) {
		sub, err = exp.sub.LookupKey(ctx, key)
		return
	})
	if err != nil {
		return nil, err
	}

	e, err := c.GetOrCreate(sub.Key(), sub)
	if err != nil {
		return nil, err
	}
	exp.associate(e)

	return exp.newHandle(e), nil
}

// The export-level queries forward unchanged; capabilities the cache does
// not interpret pass through as-is.

func (exp *Export) Limits() fsal.ExportLimits {
	return exp.sub.Limits()
}

func (exp *Export) WriteVerifier() [8]byte {
	return exp.sub.WriteVerifier()
}

func (exp *Export) GetQuota(ctx context.Context, kind fsal.QuotaKind, id uint32) (q fsal.Quota, err error) {
	err = exp.subcall(ctx, "GetQuota", func(ctx context.Context) (err error) {
		q, err = exp.sub.GetQuota(ctx, kind, id)
		return
	})

	return
}

func (exp *Export) SetQuota(ctx context.Context, q fsal.Quota) error {
	return exp.subcall(ctx, "SetQuota", func(ctx context.Context) error {
		return exp.sub.SetQuota(ctx, q)
	})
}

func (exp *Export) CheckQuota(ctx context.Context, kind fsal.QuotaKind, id uint32, want uint64) error {
	return exp.subcall(ctx, "CheckQuota", func(ctx context.Context) error {
		return exp.sub.CheckQuota(ctx, kind, id, want)
	})
}

func (exp *Export) DeviceList(ctx context.Context) (devs []fsal.DeviceInfo, err error) {
	err = exp.subcall(ctx, "DeviceList", func(ctx context.Context) (err error) {
		devs, err = exp.sub.DeviceList(ctx)
		return
	})

	return
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// Getattr serves from unexpired cached attributes, refreshing from the
// backend otherwise.
func (h *Handle) Getattr(ctx context.Context) (attrs fsal.Attributes, err error) {
	e, c := h.e, h.exp.cache

	now := c.clock.Now()
	e.attrLock.RLock()
	if e.attrsExpiry.After(now) {
		attrs = e.attrs
		e.attrLock.RUnlock()

		c.metrics.AttrHit()
		e.lane.touch(e)
		return
	}
	e.attrLock.RUnlock()
	c.metrics.AttrMiss()

	err = h.exp.subcall(ctx, "Getattr", func(ctx context.Context) (err error) {
		attrs, err = e.sub.Getattr(ctx)
		return
	})
	if err != nil {
		if fsal.Is(err, fsal.Stale) {
			c.MarkUnreachable(e)
		}
		return
	}

	h.storeAttrs(attrs)
	e.lane.touch(e)

	return
}

// Setattr applies a partial update at the backend and refreshes the cache
// with the result.
func (h *Handle) Setattr(ctx context.Context, req *fsal.SetAttrRequest) (attrs fsal.Attributes, err error) {
	e := h.e

	err = h.exp.subcall(ctx, "Setattr", func(ctx context.Context) (err error) {
		attrs, err = e.sub.Setattr(ctx, req)
		return
	})
	if err != nil {
		return
	}

	h.storeAttrs(attrs)
	e.lane.touch(e)

	return
}

// storeAttrs installs freshly-observed attributes with a jittered expiry.
//
// LOCKS_EXCLUDED(h.e.attrLock)
func (h *Handle) storeAttrs(attrs fsal.Attributes) {
	e := h.e
	expiry := h.exp.cache.clock.Now().Add(h.exp.ttl())

	e.attrLock.Lock()
	e.attrs = attrs
	e.attrsExpiry = expiry
	e.attrLock.Unlock()
}

// expireAttrs drops the cached attributes so the next read refreshes.
//
// LOCKS_EXCLUDED(e.attrLock)
func expireAttrs(e *Entry) {
	e.attrLock.Lock()
	e.attrsExpiry = time.Time{}
	e.attrLock.Unlock()
}
