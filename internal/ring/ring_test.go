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

package ring

import (
	"sync"
	"testing"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	b := New(2)

	if !b.Enqueue([]byte("a")) {
		t.Fatal("expected enqueue a to succeed")
	}
	if !b.Enqueue([]byte("b")) {
		t.Fatal("expected enqueue b to succeed")
	}
	if b.Enqueue([]byte("c")) {
		t.Fatal("expected enqueue c to fail, buffer is at capacity")
	}

	if got, ok := b.Dequeue(); !ok || string(got) != "a" {
		t.Fatalf("got %q, %v, want a, true", got, ok)
	}
	if got, ok := b.Dequeue(); !ok || string(got) != "b" {
		t.Fatalf("got %q, %v, want b, true", got, ok)
	}
	if _, ok := b.Dequeue(); ok {
		t.Fatal("expected dequeue on empty buffer to fail")
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	b := New(4)
	for i := 0; i < 4; i++ {
		if !b.Enqueue([]byte{byte(i)}) {
			t.Fatalf("enqueue %d should have succeeded", i)
		}
	}
	if b.Enqueue([]byte("overflow")) {
		t.Fatal("enqueue beyond capacity should fail")
	}
	if b.Size() != b.Capacity() {
		t.Fatalf("size %d != capacity %d", b.Size(), b.Capacity())
	}
}

func TestEmptyAndFull(t *testing.T) {
	b := New(1)
	if !b.Empty() {
		t.Fatal("expected new buffer to be empty")
	}
	b.Enqueue([]byte("x"))
	if !b.Full() {
		t.Fatal("expected buffer at capacity to be full")
	}
	b.Dequeue()
	if !b.Empty() {
		t.Fatal("expected drained buffer to be empty")
	}
}

func TestClear(t *testing.T) {
	b := New(8)
	for i := 0; i < 5; i++ {
		b.Enqueue([]byte{byte(i)})
	}
	b.Clear()
	if !b.Empty() || b.Size() != 0 {
		t.Fatalf("expected empty buffer after Clear, size=%d", b.Size())
	}
}

// TestConcurrentEnqueueRespectsCapacity checks that, under N concurrent
// producers racing a buffer with capacity C < N, the number of
// successful enqueues never exceeds C and the observed size is always
// consistent with successes minus dequeues.
func TestConcurrentEnqueueRespectsCapacity(t *testing.T) {
	const n = 64
	const capacity = 8
	b := New(capacity)

	var wg sync.WaitGroup
	var successes [n]bool
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			successes[i] = b.Enqueue([]byte{byte(i)})
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, ok := range successes {
		if ok {
			accepted++
		}
	}
	if accepted != capacity {
		t.Fatalf("accepted %d enqueues, want exactly %d", accepted, capacity)
	}
	if b.Size() != capacity {
		t.Fatalf("size %d, want %d", b.Size(), capacity)
	}
}

func TestConcurrentEnqueueDequeueNoCorruption(t *testing.T) {
	const n = 2000
	b := New(16)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			for !b.Enqueue([]byte{byte(i), byte(i >> 8)}) {
			}
		}
	}()

	seen := make(map[int]bool)
	go func() {
		defer wg.Done()
		for len(seen) < n {
			item, ok := b.Dequeue()
			if !ok {
				continue
			}
			v := int(item[0]) | int(item[1])<<8
			if seen[v] {
				t.Errorf("duplicate item %d dequeued", v)
			}
			seen[v] = true
		}
	}()

	wg.Wait()
	if len(seen) != n {
		t.Fatalf("saw %d distinct items, want %d", len(seen), n)
	}
}
