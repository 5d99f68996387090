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

// Package admin is the minimal administrative surface the host process
// exposes over its own admin channel: grace-period control, shutdown, and
// idmap cache purges. The cache itself has no runtime knobs.
package admin

import (
	"sync"
	"time"

	"github.com/metanfs/metanfs/internal/logger"
	"github.com/metanfs/metanfs/mdc"
)

type Admin struct {
	cache *mdc.Cache

	mu         sync.Mutex
	inGrace    bool
	graceUntil time.Time

	// Idmap caches owned by the host; purge hooks are injected.
	purgeGids      func()
	purgeNetgroups func()

	shutdownOpts mdc.ShutdownOptions
}

func New(cache *mdc.Cache, shutdownOpts mdc.ShutdownOptions) *Admin {
	return &Admin{
		cache:        cache,
		shutdownOpts: shutdownOpts,
	}
}

// SetPurgeHooks installs the idmap purge callbacks.
func (a *Admin) SetPurgeHooks(gids, netgroups func()) {
	a.mu.Lock()
	a.purgeGids = gids
	a.purgeNetgroups = netgroups
	a.mu.Unlock()
}

// GetGrace reports whether a grace period is active.
func (a *Admin) GetGrace() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.inGrace && time.Now().Before(a.graceUntil)
}

// StartGrace begins a grace period on behalf of an event from the supplied
// address.
func (a *Admin) StartGrace(event int, ip string) {
	const graceDuration = 90 * time.Second

	a.mu.Lock()
	a.inGrace = true
	a.graceUntil = time.Now().Add(graceDuration)
	a.mu.Unlock()

	logger.Infof("admin: grace started (event=%d, ip=%q)", event, ip)
}

// Shutdown runs the cache teardown sequence.
func (a *Admin) Shutdown() (orderly bool) {
	return a.cache.Shutdown(a.shutdownOpts)
}

// PurgeGids flushes the host's gid cache.
func (a *Admin) PurgeGids() {
	a.mu.Lock()
	fn := a.purgeGids
	a.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// PurgeNetgroups flushes the host's netgroup cache.
func (a *Admin) PurgeNetgroups() {
	a.mu.Lock()
	fn := a.purgeNetgroups
	a.mu.Unlock()

	if fn != nil {
		fn()
	}
}
