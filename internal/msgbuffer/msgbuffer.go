//
// Licensed to the Apache Software Foundation (ASF) under one
// or more contributor license agreements.  See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership.  The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License.  You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.
//

// Package msgbuffer wraps internal/ring with the library's overflow
// policy at the storage layer: when full, the oldest payload is evicted
// to make room rather than rejecting the new one. A distinct Raise
// policy lives one layer up, in the producer package, since it needs to
// fail the caller's Publish rather than silently evict.
package msgbuffer

import (
	"sync/atomic"

	"resilientmq/internal/ring"
)

// Buffer is a Message Buffer: a ring.Buffer plus a drop counter.
type Buffer struct {
	ring    *ring.Buffer
	dropped atomic.Uint64
}

// New returns a Buffer enforcing the given capacity.
func New(capacity int) *Buffer {
	return &Buffer{ring: ring.New(capacity)}
}

// Enqueue tries to place item at the tail. If the buffer is full it
// evicts the head, increments the dropped counter, and retries the
// enqueue (which must then succeed), returning the evicted item. If the
// buffer had room, it returns (nil, false).
func (b *Buffer) Enqueue(item []byte) (evicted []byte, didEvict bool) {
	if b.ring.Enqueue(item) {
		return nil, false
	}

	head, _ := b.ring.Dequeue()
	b.dropped.Add(1)

	if !b.ring.Enqueue(item) {
		// A concurrent enqueuer refilled the slot we just freed; fall
		// back to a second evict-and-retry round rather than silently
		// losing item.
		head2, _ := b.ring.Dequeue()
		b.dropped.Add(1)
		b.ring.Enqueue(item)
		if head == nil {
			head = head2
		}
	}

	return head, true
}

// EnqueueStrict places item at the tail without evicting anything,
// returning false if the buffer is already full. This backs the Raise
// buffer policy, which must fail the caller rather than silently drop
// an older payload.
func (b *Buffer) EnqueueStrict(item []byte) bool {
	return b.ring.Enqueue(item)
}

// Drain dequeues repeatedly until empty, returning items in FIFO order.
func (b *Buffer) Drain() [][]byte {
	var out [][]byte
	for {
		item, ok := b.ring.Dequeue()
		if !ok {
			return out
		}
		out = append(out, item)
	}
}

func (b *Buffer) Size() int            { return b.ring.Size() }
func (b *Buffer) Capacity() int        { return b.ring.Capacity() }
func (b *Buffer) Empty() bool          { return b.ring.Empty() }
func (b *Buffer) Full() bool           { return b.ring.Full() }
func (b *Buffer) DroppedCount() uint64 { return b.dropped.Load() }
func (b *Buffer) Clear()               { b.ring.Clear() }
