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
	"github.com/metanfs/metanfs/fsal"
	"golang.org/x/net/context"
)

// Open forwards to the backend and tracks the open in the entry's
// open-state list.
func (h *Handle) Open(ctx context.Context, flags int) error {
	e := h.e

	if e.etype == fsal.Directory {
		return fsal.NewError(fsal.IsDir)
	}

	err := h.exp.subcall(ctx, "Open", func(ctx context.Context) error {
		return e.sub.Open(ctx, flags)
	})
	if err != nil {
		return err
	}

	e.contentLock.Lock()
	e.openCount++
	e.contentLock.Unlock()

	e.lane.touch(e)

	return nil
}

// Close forwards to the backend and drops the open-state record.
func (h *Handle) Close(ctx context.Context) error {
	e := h.e

	err := h.exp.subcall(ctx, "Close", func(ctx context.Context) error {
		return e.sub.Close(ctx)
	})

	e.contentLock.Lock()
	if e.openCount > 0 {
		e.openCount--
	}
	e.contentLock.Unlock()

	return err
}

// Read forwards to the backend. Data is never cached here; this layer caches
// metadata only.
func (h *Handle) Read(ctx context.Context, p []byte, off int64) (n int, err error) {
	err = h.exp.subcall(ctx, "Read", func(ctx context.Context) (err error) {
		n, err = h.e.sub.Read(ctx, p, off)
		return
	})

	h.e.lane.touch(h.e)

	return
}

// Write forwards to the backend and expires the cached attributes: size,
// times and the change counter have all moved.
func (h *Handle) Write(ctx context.Context, p []byte, off int64) (n int, err error) {
	err = h.exp.subcall(ctx, "Write", func(ctx context.Context) (err error) {
		n, err = h.e.sub.Write(ctx, p, off)
		return
	})
	if err != nil {
		return
	}

	expireAttrs(h.e)
	h.e.lane.touch(h.e)

	return
}

// Commit forwards to the backend.
func (h *Handle) Commit(ctx context.Context, off int64, length int64) error {
	return h.exp.subcall(ctx, "Commit", func(ctx context.Context) error {
		return h.e.sub.Commit(ctx, off, length)
	})
}

// Readlink serves the cached target when valid, refreshing from the backend
// otherwise.
func (h *Handle) Readlink(ctx context.Context) (target string, err error) {
	e := h.e

	if e.etype != fsal.Symlink {
		err = fsal.NewError(fsal.Inval)
		return
	}

	e.contentLock.RLock()
	if e.linkValid {
		target = e.linkTarget
		e.contentLock.RUnlock()

		e.lane.touch(e)
		return
	}
	e.contentLock.RUnlock()

	err = h.exp.subcall(ctx, "Readlink", func(ctx context.Context) (err error) {
		target, err = e.sub.Readlink(ctx)
		return
	})
	if err != nil {
		return
	}

	e.contentLock.Lock()
	e.linkTarget = target
	e.linkValid = true
	e.contentLock.Unlock()

	e.lane.touch(e)

	return
}
