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

package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"resilientmq"
	"resilientmq/config"
	"resilientmq/internal/transport"
)

// fakeSession is a minimal transport.Session double: no real socket, but
// a close notification and an IsClosed flag the tests can drive.
type fakeSession struct {
	closed  atomic.Bool
	closeCh chan error
}

func newFakeSession() *fakeSession {
	return &fakeSession{closeCh: make(chan error, 1)}
}

func (f *fakeSession) OpenChannel() (transport.Channel, error) { return &fakeChannel{}, nil }
func (f *fakeSession) IsClosed() bool                          { return f.closed.Load() }
func (f *fakeSession) NotifyClose() <-chan error                { return f.closeCh }
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

// dropConnection simulates the broker severing the connection: it flips
// IsClosed and fires the close notification, mirroring what amqp091-go
// does on a real socket error.
func (f *fakeSession) dropConnection() {
	f.closed.Store(true)
	f.closeCh <- transport.ErrClosed
}

type fakeChannel struct{}

func (c *fakeChannel) Publish(ctx context.Context, queue string, body []byte) error { return nil }
func (c *fakeChannel) PublishWithConfirm(ctx context.Context, queue string, body []byte) (bool, error) {
	return true, nil
}
func (c *fakeChannel) Subscribe(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan transport.Delivery, error) {
	return make(chan transport.Delivery), nil
}
func (c *fakeChannel) Ack(tag uint64, multiple bool) error          { return nil }
func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error { return nil }
func (c *fakeChannel) Close() error                                  { return nil }
func (c *fakeChannel) IsClosed() bool                                { return false }

// dialer queues up sessions (or errors) for successive connectFunc calls.
type dialer struct {
	mu    sync.Mutex
	queue []dialResult
}

type dialResult struct {
	session transport.Session
	err     error
}

func (d *dialer) push(r dialResult) {
	d.mu.Lock()
	d.queue = append(d.queue, r)
	d.mu.Unlock()
}

func (d *dialer) connect(ctx context.Context, uri string, opts ...transport.Option) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return newFakeSession(), nil
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	return r.session, r.err
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ConnectTimeout = 200 * time.Millisecond
	cfg.ReconnectInitialDelay = 5 * time.Millisecond
	cfg.ReconnectMaxDelay = 20 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	return cfg
}

func withFakeDialer(t *testing.T, d *dialer) {
	t.Helper()
	prev := connectFunc
	connectFunc = d.connect
	t.Cleanup(func() { connectFunc = prev })
}

func TestNewConnectsAndPublishesConnectedState(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.State() != resilientmq.Connected {
		t.Fatalf("state = %v, want Connected", s.State())
	}
	if _, ok := s.TrySession(); !ok {
		t.Fatal("TrySession returned false after successful connect")
	}
}

func TestNewFailsReturnsConnectionError(t *testing.T) {
	d := &dialer{}
	d.push(dialResult{err: context.DeadlineExceeded})
	withFakeDialer(t, d)

	_, err := New("amqp://localhost", testConfig())
	if err == nil {
		t.Fatal("expected error")
	}
	var connErr *resilientmq.ConnectionError
	if !asConnectionError(err, &connErr) {
		t.Fatalf("got %T, want *resilientmq.ConnectionError", err)
	}
}

func asConnectionError(err error, target **resilientmq.ConnectionError) bool {
	ce, ok := err.(*resilientmq.ConnectionError)
	if ok {
		*target = ce
	}
	return ok
}

// An asynchronous close notification must trigger a reconnect that
// settles back into Connected with a fresh session.
func TestReconnectOnCloseNotification(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	first, _ := s.TrySession()
	firstFake := first.(*fakeSession)

	firstFake.dropConnection()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == resilientmq.Connected {
			if cur, ok := s.TrySession(); ok && cur != first {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("did not reconnect to a new session; final state = %v", s.State())
}

// Reconnect attempts back off exponentially and retry after transient
// dial failures until one succeeds.
func TestReconnectRetriesAfterDialFailures(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	first, _ := s.TrySession()
	d.push(dialResult{err: context.DeadlineExceeded})
	d.push(dialResult{err: context.DeadlineExceeded})
	// Third attempt (and default fallback) succeeds.

	first.(*fakeSession).dropConnection()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == resilientmq.Connected {
			if cur, ok := s.TrySession(); ok && cur != first {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("did not recover after dial failures; final state = %v", s.State())
}

func TestHealthPollDetectsSilentlyDeadConnection(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	first, _ := s.TrySession()
	// Mark the connection dead without firing NotifyClose, simulating a
	// missed/delayed close event; only the health poll (Trigger B) can
	// notice this.
	first.(*fakeSession).closed.Store(true)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == resilientmq.Connected {
			if cur, ok := s.TrySession(); ok && cur != first {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("health poll did not detect dead connection; final state = %v", s.State())
}

func TestOnConnectFiresOnReconnect(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	var calls atomic.Int32
	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.OnConnect(func() { calls.Add(1) })

	first, _ := s.TrySession()
	first.(*fakeSession).dropConnection()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("OnConnect callback never fired on reconnect")
}

type resubscribeRecorder struct {
	calls atomic.Int32
}

func (r *resubscribeRecorder) Resubscribe() { r.calls.Add(1) }

func TestRegisterConsumerResubscribesOnReconnect(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rec := &resubscribeRecorder{}
	s.RegisterConsumer(rec)

	first, _ := s.TrySession()
	first.(*fakeSession).dropConnection()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rec.calls.Load() >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Resubscribe was never called after reconnect")
}

func TestCloseIsIdempotentAndTerminal(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if s.State() != resilientmq.Closed {
		t.Fatalf("state = %v, want Closed", s.State())
	}
	if _, err := s.Session(); err != resilientmq.ClosedError {
		t.Fatalf("Session() err = %v, want ClosedError", err)
	}
}

func TestOnStateChangePublishesTransitions(t *testing.T) {
	d := &dialer{}
	withFakeDialer(t, d)

	s, err := New("amqp://localhost", testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch := s.OnStateChange()
	s.Close()

	select {
	case state, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before delivering Closed state")
		}
		if state != resilientmq.Closed {
			t.Fatalf("state = %v, want Closed", state)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change notification")
	}
}
