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

// Package producer implements the Producer engine: a publish path that
// never blocks the caller, backed by a Message Buffer that absorbs
// payloads while the broker is unreachable and a flush loop that
// drains it once a connection is available again.
package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"resilientmq"
	"resilientmq/config"
	"resilientmq/internal/msgbuffer"
	"resilientmq/internal/transport"
)

// Supervisor is the slice of *supervisor.Supervisor's surface the
// Producer needs. Depending on the interface rather than the concrete
// type lets tests exercise the flush and fast-path logic against a fake
// broker session without dialing anything. TrySession is the only way
// the Producer ever asks for a session: it is non-blocking, so nothing
// in this package can suspend the caller of Publish.
type Supervisor interface {
	TrySession() (transport.Session, bool)
	State() resilientmq.ConnState
	Context() context.Context
	OnConnect(fn func())
}

// maxFlushRetries bounds how many times the flush loop retries a single
// payload against a connection that claims to be live before giving up
// on it and reporting FlushRetryExceeded.
const maxFlushRetries = 3

// sessionRetryAttempts and sessionRetryBackoff bound how long
// getOrCreateChannel, called only from the flush loop and from Close's
// final drain, waits for a
// session to become available before giving up on the current batch
// item.
const (
	sessionRetryAttempts = 3
	sessionRetryBackoff  = 50 * time.Millisecond
)

var errBrokerNacked = errors.New("producer: broker nacked delivery")

// Option configures a Producer at construction time.
type Option func(*Producer)

// Mode sets the publish mode. Default is resilientmq.FireAndForget.
func Mode(m resilientmq.PublishMode) Option {
	return func(p *Producer) { p.mode = m }
}

// Policy sets the buffer overflow policy. Default is
// resilientmq.DropOldest.
func Policy(policy resilientmq.BufferPolicy) Option {
	return func(p *Producer) { p.policy = policy }
}

// Producer publishes payloads to a single queue through a Supervisor,
// buffering locally whenever the broker is unreachable.
type Producer struct {
	sup    Supervisor
	queue  string
	mode   resilientmq.PublishMode
	policy resilientmq.BufferPolicy
	cfg    config.Config

	buf *msgbuffer.Buffer

	channelCache atomic.Pointer[channelHandle]
	closed       atomic.Bool
	started      atomic.Bool

	onConfirm func(body []byte)
	onNack    func(body []byte, err error)
	onError   func(err error)
	onDrop    func(body []byte, reason resilientmq.DropReason)

	flushSignal chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
}

type channelHandle struct {
	channel transport.Channel
}

// New returns a Producer publishing to queue through sup. The flush loop
// starts immediately; Close releases it.
func New(sup Supervisor, queue string, cfg config.Config, opts ...Option) *Producer {
	p := &Producer{
		sup:         sup,
		queue:       queue,
		mode:        resilientmq.FireAndForget,
		policy:      resilientmq.DropOldest,
		cfg:         cfg,
		buf:         msgbuffer.New(cfg.BufferSize),
		flushSignal: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	sup.OnConnect(p.triggerFlush)

	p.wg.Add(1)
	go p.flushLoop()
	// sup may already be connected by the time New registers OnConnect
	// above, in which case that first connect event was missed; nudge
	// the flush loop once so a channel is warmed without waiting for
	// FlushInterval to tick.
	p.triggerFlush()
	return p
}

// OnConfirm registers fn to run when a Confirm-mode publish is acked by
// the broker. Must be called before the first Publish; later calls are
// ignored so the hot path can read the callback without locking.
func (p *Producer) OnConfirm(fn func(body []byte)) {
	if !p.started.Load() {
		p.onConfirm = fn
	}
}

// OnNack registers fn to run when a Confirm-mode publish is nacked by
// the broker. Same before-first-Publish rule as OnConfirm.
func (p *Producer) OnNack(fn func(body []byte, err error)) {
	if !p.started.Load() {
		p.onNack = fn
	}
}

// OnError registers fn to run, in either mode, when a fast-path publish
// fails with a transport error (before the payload falls back to
// buffering) and when the flush loop gives up on a payload after
// maxFlushRetries failed attempts. A broker nack fires OnNack instead.
func (p *Producer) OnError(fn func(err error)) {
	if !p.started.Load() {
		p.onError = fn
	}
}

// OnDrop registers fn to run whenever a payload is discarded instead of
// reaching the broker, along with why.
func (p *Producer) OnDrop(fn func(body []byte, reason resilientmq.DropReason)) {
	if !p.started.Load() {
		p.onDrop = fn
	}
}

// Publish hands body straight to an already-cached channel if one is
// available, or to the Message Buffer otherwise. It never acquires a
// session or opens a channel itself, and never waits on the buffer: a
// stale cached channel is used exactly like an active one, and a cache
// miss falls straight through to buffering rather than pausing to
// dial one. Channel creation is the flush loop's job alone. Callers
// observe publish outcomes only through the On* callbacks.
func (p *Producer) Publish(body []byte) error {
	p.started.Store(true)

	if p.closed.Load() {
		return resilientmq.ClosedError
	}

	if ch, ok := p.cachedChannel(); ok {
		err := p.sendVia(ch, body)
		if err == nil {
			return nil
		}
		p.evictChannel()
		if errors.Is(err, errBrokerNacked) {
			// Already reported via OnNack; the broker explicitly
			// refused this payload, so it is not requeued.
			return nil
		}
		p.fireError(err)
	}

	return p.handleBuffering(body)
}

// cachedChannel returns the currently cached channel without touching
// the Supervisor at all.
func (p *Producer) cachedChannel() (transport.Channel, bool) {
	h := p.channelCache.Load()
	if h == nil || h.channel.IsClosed() {
		return nil, false
	}
	return h.channel, true
}

// sendVia performs one publish attempt on ch. In Confirm mode it blocks
// on that channel's confirm window and fires OnConfirm/OnNack. A broker
// nack fires OnNack and returns errBrokerNacked so the caller evicts
// the channel the broker just refused a delivery on, without treating
// the nack as a transport failure that should be retried or requeued.
func (p *Producer) sendVia(ch transport.Channel, body []byte) error {
	ctx := context.Background()

	if p.mode != resilientmq.Confirm {
		if err := ch.Publish(ctx, p.queue, body); err != nil {
			return err
		}
		return nil
	}

	ok, err := ch.PublishWithConfirm(ctx, p.queue, body)
	if err != nil {
		return err
	}
	if !ok {
		p.fireNack(body, errBrokerNacked)
		return errBrokerNacked
	}
	p.fireConfirm(body)
	return nil
}

// handleBuffering decides what happens to a payload that could not go
// straight to the broker, per the configured buffer policy. Publish
// mode does not change the outcome here: buffering is a connectivity
// concern, not a delivery-guarantee one.
func (p *Producer) handleBuffering(body []byte) error {
	if p.policy == resilientmq.Raise {
		if !p.buf.EnqueueStrict(body) {
			p.fireDrop(body, resilientmq.BufferFull)
			return &resilientmq.BufferFullError{Destination: p.queue}
		}
		return nil
	}

	// DropOldest and Block share the same observable behaviour: evict
	// the oldest buffered payload to make room rather than ever
	// suspending the caller.
	evicted, did := p.buf.Enqueue(body)
	if did {
		p.fireDrop(evicted, resilientmq.BufferFull)
	}
	return nil
}

func (p *Producer) triggerFlush() {
	select {
	case p.flushSignal <- struct{}{}:
	default:
	}
}

func (p *Producer) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	ctx := p.sup.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-p.flushSignal:
			p.flushOnce()
			// A nudge (New's own, or a connect event) also warms a
			// channel for the fast path when nothing was buffered.
			if p.sup.State() == resilientmq.Connected {
				p.getOrCreateChannel()
			}
		case <-ticker.C:
			p.flushOnce()
		}
	}
}

// flushOnce drains the buffer and attempts to publish every item. Each
// item gets up to maxFlushRetries attempts while the connection claims
// to be live; the moment it does not, every remaining item (including
// the one in flight) goes back to the tail of the buffer for the next
// pass, rather than burning retries against a connection that is
// already gone.
func (p *Producer) flushOnce() {
	batch := p.buf.Drain()
	if len(batch) == 0 {
		return
	}

	for i, item := range batch {
		if p.sup.State() != resilientmq.Connected {
			p.requeueRemaining(batch[i:])
			return
		}

		var err error
		nacked := false
		for attempt := 0; attempt < maxFlushRetries; attempt++ {
			var ch transport.Channel
			ch, err = p.getOrCreateChannel()
			if err == nil {
				err = p.sendVia(ch, item)
			}
			if err == nil {
				break
			}
			p.evictChannel()
			if errors.Is(err, errBrokerNacked) {
				nacked = true
				break
			}
			if p.sup.State() != resilientmq.Connected {
				break
			}
		}

		if nacked {
			// Already reported via OnNack; not a retryable transport
			// failure, and the broker's own refusal means the payload
			// is not requeued.
			continue
		}

		if err != nil {
			if p.sup.State() != resilientmq.Connected {
				p.requeueRemaining(batch[i:])
				return
			}
			p.fireError(err)
			p.fireDrop(item, resilientmq.FlushRetryExceeded)
		}
	}
}

func (p *Producer) requeueRemaining(items [][]byte) {
	for _, item := range items {
		evicted, did := p.buf.Enqueue(item)
		if did {
			p.fireDrop(evicted, resilientmq.BufferFull)
		}
	}
}

// getOrCreateChannel returns the cached channel if it is still usable,
// otherwise opens a fresh one and installs it with a CAS. A goroutine
// that loses the race closes the redundant channel it just opened
// rather than leaking it. This is the only place a Producer ever opens
// a channel; it runs on the flush loop and in Close's final drain,
// never on Publish's fast path, so blocking here never stalls a
// Publish caller.
func (p *Producer) getOrCreateChannel() (transport.Channel, error) {
	for {
		old := p.channelCache.Load()
		if old != nil && !old.channel.IsClosed() {
			return old.channel, nil
		}

		sess, err := p.sessionWithRetry()
		if err != nil {
			return nil, err
		}
		ch, err := sess.OpenChannel()
		if err != nil {
			return nil, err
		}

		handle := &channelHandle{channel: ch}
		if p.channelCache.CompareAndSwap(old, handle) {
			return ch, nil
		}
		ch.Close()
	}
}

// sessionWithRetry polls TrySession up to sessionRetryAttempts times,
// waiting sessionRetryBackoff between attempts, before giving up. It
// never falls back to a blocking session lookup: if the Supervisor has
// nothing to offer after the last attempt, the caller treats that
// exactly like any other transport failure.
func (p *Producer) sessionWithRetry() (transport.Session, error) {
	for attempt := 0; ; attempt++ {
		if sess, ok := p.sup.TrySession(); ok {
			return sess, nil
		}
		if attempt == sessionRetryAttempts-1 {
			return nil, resilientmq.ClosedError
		}
		select {
		case <-time.After(sessionRetryBackoff):
		case <-p.sup.Context().Done():
			return nil, resilientmq.ClosedError
		}
	}
}

func (p *Producer) evictChannel() {
	old := p.channelCache.Load()
	if old == nil {
		return
	}
	if p.channelCache.CompareAndSwap(old, nil) {
		old.channel.Close()
	}
}

func (p *Producer) fireConfirm(body []byte) {
	if p.onConfirm != nil {
		go p.onConfirm(body)
	}
}

func (p *Producer) fireNack(body []byte, err error) {
	if p.onNack != nil {
		go p.onNack(body, err)
	}
}

func (p *Producer) fireError(err error) {
	if p.onError != nil {
		go p.onError(err)
	}
}

func (p *Producer) fireDrop(body []byte, reason resilientmq.DropReason) {
	if p.onDrop != nil {
		go p.onDrop(body, reason)
	}
}

// Close stops the flush loop, makes one best-effort final drain
// attempt, and releases the cached channel. Subsequent Publish calls
// return resilientmq.ClosedError.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(p.done)
	p.wg.Wait()

	p.flushOnce()

	if old := p.channelCache.Load(); old != nil {
		old.channel.Close()
	}
	return nil
}

// BufferedCount reports how many payloads are currently held in the
// Message Buffer awaiting flush.
func (p *Producer) BufferedCount() int {
	return p.buf.Size()
}

// DroppedCount reports the cumulative number of payloads the Message
// Buffer has evicted to make room for newer ones. Payloads rejected
// under Raise or dropped after exhausting flush retries are reported
// through OnDrop but not counted here.
func (p *Producer) DroppedCount() uint64 {
	return p.buf.DroppedCount()
}
