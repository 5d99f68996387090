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
	"sync/atomic"
	"time"

	"github.com/metanfs/metanfs/internal/logger"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
)

// A Stopper is something that can be asked to stop within a deadline:
// request listeners, protocol decoders, worker pools. The host process
// registers its own; the cache drives them during teardown.
type Stopper interface {
	// Stop blocks until the component has stopped or the context expires.
	Stop(ctx context.Context) error
}

// shutdownState tracks teardown progress.
type shutdownState struct {
	// intake flips once and is checked by every facade operation.
	intake atomic.Bool

	mu         sync.Mutex
	started    bool
	disorderly bool

	listeners []Stopper
	workers   []Stopper
	drainers  []func(ctx context.Context) error

	exports []*Export
}

// intakeStopped reports whether new requests are being refused.
func (c *Cache) intakeStopped() bool {
	return c.shut.intake.Load()
}

// RegisterListener adds a request listener/decoder to stop during stage 4.
func (c *Cache) RegisterListener(s Stopper) {
	c.shut.mu.Lock()
	c.shut.listeners = append(c.shut.listeners, s)
	c.shut.mu.Unlock()
}

// RegisterWorkerPool adds a worker pool to stop during stage 5.
func (c *Cache) RegisterWorkerPool(s Stopper) {
	c.shut.mu.Lock()
	c.shut.workers = append(c.shut.workers, s)
	c.shut.mu.Unlock()
}

// RegisterDrainer adds an asynchronous-state drain hook for stage 3.
func (c *Cache) RegisterDrainer(fn func(ctx context.Context) error) {
	c.shut.mu.Lock()
	c.shut.drainers = append(c.shut.drainers, fn)
	c.shut.mu.Unlock()
}

// trackExport remembers a live export for mass removal at shutdown.
func (c *Cache) trackExport(exp *Export) {
	c.shut.mu.Lock()
	c.shut.exports = append(c.shut.exports, exp)
	c.shut.mu.Unlock()
}

// ShutdownOptions carries the per-stage timeouts.
type ShutdownOptions struct {
	DrainTimeout    time.Duration
	ListenerTimeout time.Duration
	WorkerTimeout   time.Duration
}

func (o *ShutdownOptions) rationalize() {
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 120 * time.Second
	}
	if o.ListenerTimeout <= 0 {
		o.ListenerTimeout = 30 * time.Second
	}
	if o.WorkerTimeout <= 0 {
		o.WorkerTimeout = 30 * time.Second
	}
}

// Shutdown runs the teardown sequence. Each stage is gated on the previous
// one completing or timing out; a timeout flips the run to disorderly, which
// trades orderly backend destruction for an emergency cleanup that releases
// backend resources without further locking.
//
// Returns true if every stage completed in time.
func (c *Cache) Shutdown(opts ShutdownOptions) (orderly bool) {
	opts.rationalize()

	c.shut.mu.Lock()
	if c.shut.started {
		c.shut.mu.Unlock()
		return !c.shut.disorderly
	}
	c.shut.started = true
	listeners := append([]Stopper(nil), c.shut.listeners...)
	workers := append([]Stopper(nil), c.shut.workers...)
	drainers := append([]func(ctx context.Context) error{}, c.shut.drainers...)
	exports := append([]*Export(nil), c.shut.exports...)
	c.shut.mu.Unlock()

	disorderly := false

	// Stage 1: stop accepting new requests.
	c.shut.intake.Store(true)
	logger.Infof("mdc: shutdown: intake stopped")

	// Stage 2: stop the delayed executor.
	if !c.delay.Stop(opts.DrainTimeout) {
		disorderly = true
	}

	// Stage 3: drain asynchronous state requests.
	if !runStage("drain", opts.DrainTimeout, func(ctx context.Context) bool {
		ok := true
		for _, fn := range drainers {
			if err := fn(ctx); err != nil {
				logger.Warnf("mdc: shutdown: drainer failed: %v", err)
				ok = false
			}
		}
		return ok
	}) {
		disorderly = true
	}

	// Stage 4: stop request listeners and decoders, bounded.
	if !runStage("listeners", opts.ListenerTimeout, func(ctx context.Context) bool {
		return stopAll(ctx, listeners)
	}) {
		disorderly = true
	}

	// Stage 5: stop the worker pool.
	if !runStage("workers", opts.WorkerTimeout, func(ctx context.Context) bool {
		return stopAll(ctx, workers)
	}) {
		disorderly = true
	}

	// Stage 6: remove all exports, triggering mass cleanup.
	for _, exp := range exports {
		c.Unexport(exp)
	}

	// Stage 7: destroy, orderly or not.
	c.stopReaper()

	if disorderly {
		logger.Warnf("mdc: shutdown: disorderly; running emergency cleanup")
		c.emergencyCleanup()
	} else {
		c.serviceCleanup()
		c.destroyRemaining()
	}

	c.shut.mu.Lock()
	c.shut.disorderly = disorderly
	c.shut.mu.Unlock()

	return !disorderly
}

// runStage executes one bounded teardown stage, logging the verdict.
func runStage(name string, timeout time.Duration, fn func(ctx context.Context) bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case ok := <-done:
		logger.Infof("mdc: shutdown: stage %s complete (ok=%v)", name, ok)
		return ok

	case <-ctx.Done():
		logger.Warnf("mdc: shutdown: stage %s timed out after %v", name, timeout)
		return false
	}
}

// stopAll stops the components concurrently; one stuck component must not
// serialize the rest past their shared deadline.
func stopAll(ctx context.Context, ss []Stopper) bool {
	var group errgroup.Group
	for _, s := range ss {
		s := s
		group.Go(func() error {
			return s.Stop(ctx)
		})
	}

	return group.Wait() == nil
}

// destroyRemaining tears down whatever entries survived export removal:
// entries still pinned by leaked handles, plus anything the reaper had not
// gotten to.
func (c *Cache) destroyRemaining() {
	c.mu.Lock()
	var all []*Entry
	for _, e := range c.byKey {
		all = append(all, e)
	}
	c.mu.Unlock()

	for _, e := range all {
		ln := e.lane
		ln.mu.Lock()
		e.setFlag(flagUnreachable)
		ln.unlinkLocked(e)
		ln.mu.Unlock()

		c.destroyEntry(e)
	}
}

// emergencyCleanup releases backend resources without taking entry locks.
// Only reachable on the disorderly path, after workers have been stopped or
// abandoned; a stuck thread may still hold a lock, which is exactly why no
// lock is taken here.
func (c *Cache) emergencyCleanup() {
	c.mu.Lock()
	var all []*Entry
	for k, e := range c.byKey {
		all = append(all, e)
		delete(c.byKey, k)
	}
	c.mu.Unlock()

	for _, e := range all {
		if e.markDestroyed() {
			e.sub.Release()
			c.metrics.EntryRemoved()
		}
	}
}
