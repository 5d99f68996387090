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

// Package delayexec runs deferred work on a single background goroutine.
// Upcall follow-ups and directory reindexing go through here so that upcall
// delivery never calls back into a backend synchronously.
package delayexec

import (
	"sync"
	"time"

	"github.com/metanfs/metanfs/common"
	"github.com/metanfs/metanfs/internal/logger"
)

// A Task is one unit of deferred work. Tasks must not submit to the executor
// that is running them after Stop has begun; late submissions are dropped.
type Task func()

type Executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   common.Queue[Task]
	stopped bool
	done    chan struct{}
}

// New creates an executor and starts its service goroutine.
func New() *Executor {
	e := &Executor{
		tasks: common.NewQueue[Task](),
		done:  make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)

	go e.run()

	return e
}

// Submit enqueues a task. Returns false if the executor has stopped, in
// which case the task is dropped.
func (e *Executor) Submit(t Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}

	e.tasks.Push(t)
	e.cond.Signal()

	return true
}

// SubmitAfter enqueues a task once the delay has elapsed. The timer
// goroutine is abandoned if the executor stops first.
func (e *Executor) SubmitAfter(d time.Duration, t Task) {
	time.AfterFunc(d, func() {
		e.Submit(t)
	})
}

// Stop drains queued tasks and waits for the service goroutine to exit, or
// gives up after the supplied timeout. Returns true if the drain completed.
func (e *Executor) Stop(timeout time.Duration) bool {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		e.cond.Signal()
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return true

	case <-time.After(timeout):
		logger.Warnf("delayexec: drain timed out after %v", timeout)
		return false
	}
}

func (e *Executor) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for e.tasks.IsEmpty() && !e.stopped {
			e.cond.Wait()
		}

		if e.tasks.IsEmpty() {
			e.mu.Unlock()
			return
		}

		t := e.tasks.Pop()
		e.mu.Unlock()

		t()
	}
}
