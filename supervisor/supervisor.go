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

// Package supervisor implements the Connection Supervisor: the single
// owner of the broker session. It detects loss via
// both an asynchronous close notification and a periodic health probe,
// drives exponential-backoff reconnect, and lets Producers and
// Consumers observe connection state without ever blocking on it.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"resilientmq"
	"resilientmq/config"
	"resilientmq/internal/logging"
	"resilientmq/internal/transport"
)

// Resubscriber is implemented by Consumers so the Supervisor can fan out
// resubscription after every successful (re)connect.
type Resubscriber interface {
	Resubscribe()
}

// Supervisor owns the single session to the broker.
type Supervisor struct {
	cfg           config.Config
	uri           string
	transportOpts []transport.Option

	ctx    context.Context
	cancel context.CancelFunc

	session      atomic.Pointer[sessionHandle]
	state        atomic.Int32
	closed       atomic.Bool
	reconnecting atomic.Bool
	currentDelay time.Duration // mutated only inside the single reconnect goroutine

	mu         sync.Mutex
	consumers  []Resubscriber
	listeners  []chan resilientmq.ConnState
	onConnect  []func()
}

type sessionHandle struct {
	session transport.Session
}

// connectFunc is transport.Connect by default; tests substitute a fake
// dialer so the state machine can be exercised without a broker.
var connectFunc = transport.Connect

// New dials uri and returns a running Supervisor. The dial attempt is
// bounded by cfg.ConnectTimeout; on timeout or dial failure a
// *resilientmq.ConnectionError is returned and no goroutines are left
// running.
func New(uri string, cfg config.Config, opts ...transport.Option) (*Supervisor, error) {
	if cfg.LogLevel != "" {
		if err := logging.SetLevel(cfg.LogLevel); err != nil {
			log.Warnf("supervisor: ignoring invalid log level %q: %s", cfg.LogLevel, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:           cfg,
		uri:           uri,
		transportOpts: opts,
		ctx:           ctx,
		cancel:        cancel,
		currentDelay:  cfg.ReconnectInitialDelay,
	}
	s.state.Store(int32(resilientmq.Connecting))

	dialCtx, dialCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer dialCancel()

	sess, err := connectFunc(dialCtx, uri, opts...)
	if err != nil {
		cancel()
		return nil, &resilientmq.ConnectionError{URI: uri, Err: err}
	}

	s.session.Store(&sessionHandle{session: sess})
	s.state.Store(int32(resilientmq.Connected))
	s.watchClose(sess)
	go s.healthPollLoop()

	s.fireStateChange(resilientmq.Connected)
	s.fireOnConnect()

	return s, nil
}

// Session returns the current session, polling briefly if none is
// available yet (e.g. a reconnect is in flight). It returns
// resilientmq.ClosedError once the Supervisor is closed.
func (s *Supervisor) Session() (transport.Session, error) {
	const pollInterval = 10 * time.Millisecond
	const pollBudget = 100 * time.Millisecond

	deadline := time.Now().Add(pollBudget)
	for {
		if s.closed.Load() {
			return nil, resilientmq.ClosedError
		}
		if sess, ok := s.TrySession(); ok {
			return sess, nil
		}
		if time.Now().After(deadline) {
			return nil, resilientmq.ClosedError
		}
		time.Sleep(pollInterval)
	}
}

// TrySession is the non-blocking variant: it never suspends the caller,
// which is why it is the only session accessor the Producer package
// ever calls.
func (s *Supervisor) TrySession() (transport.Session, bool) {
	h := s.session.Load()
	if h == nil || h.session == nil {
		return nil, false
	}
	return h.session, true
}

// State atomically loads the current connection state.
func (s *Supervisor) State() resilientmq.ConnState {
	return resilientmq.ConnState(s.state.Load())
}

// Context is cancelled the moment Close is called; components that hold
// a reference to the Supervisor use it to unwind background loops.
func (s *Supervisor) Context() context.Context {
	return s.ctx
}

// RegisterConsumer adds r to the fan-out list that Resubscribe is called
// on after every successful (re)connect.
func (s *Supervisor) RegisterConsumer(r Resubscriber) {
	s.mu.Lock()
	s.consumers = append(s.consumers, r)
	s.mu.Unlock()
}

// OnStateChange returns a channel that every subsequent state transition
// is published to. The channel is buffered so a slow observer never
// blocks the Supervisor.
func (s *Supervisor) OnStateChange() <-chan resilientmq.ConnState {
	ch := make(chan resilientmq.ConnState, 16)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// OnConnect registers fn to run (concurrently with any other registered
// callback) after every successful reconnect. The first connect happens
// inside New, before any callback can be registered, so it never runs fn.
// Producers use this to schedule an out-of-phase flush pass so recovery
// latency tracks round-trip time rather than the flush timer period.
func (s *Supervisor) OnConnect(fn func()) {
	s.mu.Lock()
	s.onConnect = append(s.onConnect, fn)
	s.mu.Unlock()
}

// Close tears the Supervisor down. Only the first caller performs
// teardown; subsequent calls are no-ops.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.state.Store(int32(resilientmq.Closed))
	s.fireStateChange(resilientmq.Closed)
	s.cancel()

	s.mu.Lock()
	for _, ch := range s.listeners {
		close(ch)
	}
	s.listeners = nil
	s.mu.Unlock()

	if h := s.session.Load(); h != nil && h.session != nil {
		return h.session.Close()
	}
	return nil
}

func (s *Supervisor) fireStateChange(state resilientmq.ConnState) {
	s.mu.Lock()
	listeners := append([]chan resilientmq.ConnState(nil), s.listeners...)
	s.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- state:
		default:
			// Buffered channel full; drop rather than block the
			// Supervisor on a slow observer (state is also available
			// via State() for anyone who missed a notification).
		}
	}
}

func (s *Supervisor) fireOnConnect() {
	s.mu.Lock()
	callbacks := append([]func(){}, s.onConnect...)
	consumers := append([]Resubscriber(nil), s.consumers...)
	s.mu.Unlock()

	for _, fn := range callbacks {
		go fn()
	}
	// Every registered Consumer must resubscribe after each successful
	// connect; each Resubscribe is spawned concurrently so a slow
	// broker on one queue does not block the others.
	for _, c := range consumers {
		go c.Resubscribe()
	}
}

// watchClose blocks on sess's asynchronous close notification (Trigger
// A) in its own goroutine and schedules a reconnect without holding any
// lock, which is mandatory: holding a lock across this notification is
// what caused the original silent-reconnect hazard under load.
func (s *Supervisor) watchClose(sess transport.Session) {
	go func() {
		select {
		case <-sess.NotifyClose():
			if s.closed.Load() {
				return
			}
			log.Info("supervisor: connection closed, scheduling reconnect")
			s.beginReconnect()
		case <-s.ctx.Done():
		}
	}()
}

// healthPollLoop is Trigger B, the polling failsafe: even if the close
// notification is lost or delayed, a dead connection is noticed within
// one HealthCheckInterval.
func (s *Supervisor) healthPollLoop() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.State() != resilientmq.Connected {
				continue
			}
			sess, ok := s.TrySession()
			if !ok || sess.IsClosed() {
				s.beginReconnect()
			}
		}
	}
}

// beginReconnect is the single entry point both triggers funnel through.
// The reconnecting flag ensures only one reconnect task ever runs; a
// loser of the CAS does nothing, trusting the winner to finish the job.
func (s *Supervisor) beginReconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer s.reconnecting.Store(false)

		s.state.Store(int32(resilientmq.Reconnecting))
		s.fireStateChange(resilientmq.Reconnecting)

		delay := time.Duration(0) // no delay on the first attempt after loss
		for {
			if s.closed.Load() {
				return
			}

			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-s.ctx.Done():
					return
				}
			}

			dialCtx, dialCancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
			sess, err := connectFunc(dialCtx, s.uri, s.transportOpts...)
			dialCancel()

			if err == nil {
				if s.closed.Load() {
					// Closed mid-reconnect: honour the terminal state
					// and release the session we just opened.
					sess.Close()
					return
				}

				s.session.Store(&sessionHandle{session: sess})
				s.currentDelay = s.cfg.ReconnectInitialDelay
				s.state.Store(int32(resilientmq.Connected))
				s.watchClose(sess)

				log.Info("supervisor: reconnected")
				s.fireStateChange(resilientmq.Connected)
				s.fireOnConnect()
				return
			}

			log.Warnf("supervisor: reconnect attempt failed: %s", err)
			if delay == 0 {
				delay = s.cfg.ReconnectInitialDelay
			} else {
				delay = time.Duration(float64(delay) * s.cfg.ReconnectMultiplier)
			}
			if delay > s.cfg.ReconnectMaxDelay {
				delay = s.cfg.ReconnectMaxDelay
			}
		}
	}()
}
