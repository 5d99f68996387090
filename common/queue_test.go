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

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewQueueIsEmpty(t *testing.T) {
	q := NewQueue[int]()

	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Len())
}

func TestPushPopOrder(t *testing.T) {
	q := NewQueue[string]()

	q.Push("a")
	q.Push("b")
	q.Push("c")

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, "a", q.Pop())
	assert.Equal(t, "b", q.Pop())
	assert.Equal(t, "c", q.Pop())
	assert.True(t, q.IsEmpty())
}

func TestInterleavedPushPop(t *testing.T) {
	q := NewQueue[int]()

	q.Push(1)
	q.Push(2)
	assert.Equal(t, 1, q.Pop())

	q.Push(3)
	assert.Equal(t, 2, q.Pop())
	assert.Equal(t, 3, q.Pop())
	assert.True(t, q.IsEmpty())

	// The queue is reusable after draining.
	q.Push(4)
	assert.Equal(t, 4, q.Pop())
}

func TestPopEmptyPanics(t *testing.T) {
	q := NewQueue[int]()

	assert.Panics(t, func() { q.Pop() })
}
