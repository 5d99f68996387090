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

// Package locker provides mutex wrappers that can check data structure
// invariants at unlock time and optionally log long-held locks. Both
// behaviors are off by default and enabled process-wide, typically from a
// debug config knob or from a test's SetUp.
package locker

import (
	"sync"
	"time"

	"github.com/metanfs/metanfs/internal/logger"
)

var gEnableInvariantsCheck bool
var gEnableDebugMessages bool

// EnableInvariantsCheck turns on invariant checking at every unlock, for all
// lockers created afterwards or before. Not safe to call concurrently with
// lock traffic; call it from init paths only.
func EnableInvariantsCheck() {
	gEnableInvariantsCheck = true
}

// EnableDebugMessages turns on warnings for locks held longer than a second.
func EnableDebugMessages() {
	gEnableDebugMessages = true
}

const holdWarnThreshold = time.Second

// Locker is a mutex which checks invariants when enabled.
type Locker interface {
	sync.Locker
}

// RWLocker adds the reader and try-lock surface needed by the cache's
// per-entry locks. TryLock never blocks; the LRU reaper leans on it to keep
// reclamation opportunistic.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
	TryLock() bool
}

// New creates a Locker with the supplied name (used in debug messages) and
// invariant check function.
func New(name string, check func()) Locker {
	return &locker{name: name, check: check}
}

// NewRW creates an RWLocker.
func NewRW(name string, check func()) RWLocker {
	return &rwLocker{name: name, check: check}
}

type locker struct {
	mu       sync.Mutex
	name     string
	check    func()
	lockedAt time.Time
}

func (l *locker) Lock() {
	l.mu.Lock()
	if gEnableDebugMessages {
		l.lockedAt = time.Now()
	}
}

func (l *locker) Unlock() {
	if gEnableDebugMessages {
		if held := time.Since(l.lockedAt); held > holdWarnThreshold {
			logger.Warnf("locker %q held for %v", l.name, held)
		}
	}
	if gEnableInvariantsCheck && l.check != nil {
		l.check()
	}
	l.mu.Unlock()
}

type rwLocker struct {
	mu       sync.RWMutex
	name     string
	check    func()
	lockedAt time.Time
}

func (l *rwLocker) Lock() {
	l.mu.Lock()
	if gEnableDebugMessages {
		l.lockedAt = time.Now()
	}
}

func (l *rwLocker) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	if gEnableDebugMessages {
		l.lockedAt = time.Now()
	}
	return true
}

func (l *rwLocker) Unlock() {
	if gEnableDebugMessages {
		if held := time.Since(l.lockedAt); held > holdWarnThreshold {
			logger.Warnf("locker %q held for %v", l.name, held)
		}
	}
	if gEnableInvariantsCheck && l.check != nil {
		l.check()
	}
	l.mu.Unlock()
}

func (l *rwLocker) RLock() {
	l.mu.RLock()
}

func (l *rwLocker) RUnlock() {
	l.mu.RUnlock()
}
