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

// Package ring implements a bounded, lock-free, multi-producer
// multi-consumer FIFO queue of opaque byte payloads.
//
// The internal array is sized to the next power of two at or above the
// requested capacity plus one extra slot; the extra slot is what lets
// Enqueue/Dequeue tell "empty" from "full" apart by comparing the head
// and tail indices rather than needing a separate counter, in the style
// of vinq1911's RingBuffer and evm_triarb's sequenced ring. Unlike
// either of those this buffer allows more than one concurrent writer
// and more than one concurrent reader, so both the head and tail
// cursors are advanced with a compare-and-swap loop rather than a plain
// atomic add.
package ring

import "sync/atomic"

// Buffer is a bounded lock-free FIFO of byte-slice payloads.
type Buffer struct {
	slots    []unsafeSlot
	mask     uint64
	capacity uint64

	head atomic.Uint64 // next write index
	tail atomic.Uint64 // next read index
	size atomic.Int64  // advisory; head/tail are authoritative
}

type unsafeSlot struct {
	item atomic.Pointer[[]byte]
}

// New returns a Buffer enforcing the given capacity. The backing array is
// sized to the next power of two >= capacity+1.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	bufSize := nextPowerOfTwo(uint64(capacity) + 1)
	return &Buffer{
		slots:    make([]unsafeSlot, bufSize),
		mask:     bufSize - 1,
		capacity: uint64(capacity),
	}
}

func nextPowerOfTwo(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Enqueue attempts to place item at the tail. It fails (returns false)
// if the observed size is already at capacity. Succeeds atomically
// without locks; concurrent enqueuers never corrupt slots.
func (b *Buffer) Enqueue(item []byte) bool {
	for {
		if uint64(b.size.Load()) >= b.capacity {
			return false
		}

		h := b.head.Load()
		t := b.tail.Load()
		// One slot is always left empty so a full ring-buffer's next
		// index never collides with tail; this also re-checks the
		// capacity bound against the actual index distance in case
		// size is momentarily stale under contention.
		if (h-t)&b.mask >= b.capacity {
			return false
		}

		if !b.head.CompareAndSwap(h, (h+1)&b.mask) {
			continue // lost the race for this slot, retry
		}

		b.slots[h].item.Store(&item)
		b.size.Add(1)
		return true
	}
}

// Dequeue removes and returns the head, or (nil, false) if the buffer
// was observed empty.
func (b *Buffer) Dequeue() ([]byte, bool) {
	for {
		h := b.head.Load()
		t := b.tail.Load()
		if h == t {
			return nil, false
		}

		if !b.tail.CompareAndSwap(t, (t+1)&b.mask) {
			continue // lost the race for this slot, retry
		}

		slot := &b.slots[t]
		p := slot.item.Swap(nil) // clear the slot to drop ownership
		b.size.Add(-1)
		if p == nil {
			// Writer CAS'd the index but hasn't stored yet; this is a
			// vanishingly brief window, spin until visible.
			for p == nil {
				p = slot.item.Swap(nil)
			}
		}
		return *p, true
	}
}

// Size returns the advisory element count.
func (b *Buffer) Size() int { return int(b.size.Load()) }

// Capacity returns the declared capacity enforced by Enqueue.
func (b *Buffer) Capacity() int { return int(b.capacity) }

// Empty reports whether the buffer currently holds no elements.
func (b *Buffer) Empty() bool { return b.head.Load() == b.tail.Load() }

// Full reports whether the buffer is at its declared capacity.
func (b *Buffer) Full() bool { return uint64(b.size.Load()) >= b.capacity }

// Clear drains every element, discarding it.
func (b *Buffer) Clear() {
	for {
		if _, ok := b.Dequeue(); !ok {
			return
		}
	}
}
