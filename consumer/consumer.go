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

// Package consumer implements the Consumer engine: a single
// subscription on a dedicated channel, with deliveries tracked
// until acked or nacked and automatic resubscription after the
// Connection Supervisor reconnects.
package consumer

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"resilientmq"
	"resilientmq/internal/acktracker"
	"resilientmq/internal/transport"
	"resilientmq/supervisor"
)

// Supervisor is the slice of *supervisor.Supervisor's surface the
// Consumer needs, so tests can exercise resubscription against a fake
// broker session.
type Supervisor interface {
	Session() (transport.Session, error)
	Context() context.Context
	RegisterConsumer(r supervisor.Resubscriber)
}

// Handler processes one delivery. The consume request is always issued
// in manual-ack mode, so it must eventually call Consumer.Ack or
// Consumer.Nack for every delivery it receives, with or without AutoAck.
type Handler func(d resilientmq.Delivery)

// Option configures a Consumer at construction time.
type Option func(*Consumer)

// AutoAck stops the Consumer from tracking delivery tags, so
// PendingCount stays at zero. It does not change the consume request:
// the broker does not ack on send, and Ack/Nack are still forwarded to
// the channel.
func AutoAck() Option {
	return func(c *Consumer) { c.autoAck = true }
}

// Prefetch sets the channel's QoS prefetch count. Default is 1.
func Prefetch(n int) Option {
	return func(c *Consumer) { c.prefetch = n }
}

// Consumer subscribes to a single queue through a Supervisor.
type Consumer struct {
	sup         Supervisor
	queue       string
	consumerTag string
	autoAck     bool
	prefetch    int
	handler     Handler

	tracker *acktracker.Tracker

	mu      sync.Mutex
	channel transport.Channel
	cancel  context.CancelFunc

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New returns a Consumer subscribed to queue, and registers it with sup
// so it is resubscribed after every reconnect. The initial subscribe
// happens synchronously as part of New's own call to Resubscribe.
func New(sup Supervisor, queue string, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		sup:         sup,
		queue:       queue,
		consumerTag: randomConsumerTag(queue),
		prefetch:    1,
		handler:     handler,
		tracker:     acktracker.New(),
	}
	for _, opt := range opts {
		opt(c)
	}

	sup.RegisterConsumer(c)
	c.Resubscribe()
	return c
}

// Resubscribe (re)opens a channel and issues a fresh consume request. It
// is idempotent and safe to call repeatedly: the Connection Supervisor
// calls it after every successful (re)connect, and New calls it once up
// front for the initial subscribe.
func (c *Consumer) Resubscribe() {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	// Delivery tags are scoped to the channel they arrived on; once that
	// channel is gone the broker will itself requeue whatever was left
	// unacked, so tracking them across a resubscribe would only produce
	// stale tags nothing will ever ack.
	c.tracker.Clear()

	sess, err := c.sup.Session()
	if err != nil {
		log.Warnf("consumer: resubscribe to %s deferred, no session: %s", c.queue, err)
		return
	}

	ch, err := sess.OpenChannel()
	if err != nil {
		log.Warnf("consumer: resubscribe to %s failed to open channel: %s", c.queue, err)
		return
	}

	ctx, cancel := context.WithCancel(c.sup.Context())
	deliveries, err := ch.Subscribe(ctx, c.queue, c.consumerTag, c.prefetch)
	if err != nil {
		log.Warnf("consumer: resubscribe to %s failed: %s", c.queue, err)
		ch.Close()
		cancel()
		return
	}

	c.channel = ch
	c.cancel = cancel

	c.wg.Add(1)
	go c.dispatch(deliveries)

	log.Infof("consumer: subscribed to %s as %s", c.queue, c.consumerTag)
}

func (c *Consumer) dispatch(deliveries <-chan transport.Delivery) {
	defer c.wg.Done()
	for d := range deliveries {
		if !c.autoAck {
			c.tracker.Track(d.DeliveryTag)
		}
		c.handler(resilientmq.Delivery{
			Body:        d.Body,
			DeliveryTag: d.DeliveryTag,
			Redelivered: d.Redelivered,
		})
	}
}

// Ack acknowledges a delivery by tag. When multiple is true, every
// unacked delivery up to and including tag is also acknowledged. A
// failure to reach the broker is logged, not returned as fatal: the
// delivery tracker still forgets the tag(s), since a reconnect will
// clear it anyway and the broker will redeliver if the ack never
// landed.
func (c *Consumer) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	c.tracker.Ack(tag, multiple)
	if ch == nil {
		return resilientmq.ClosedError
	}
	if err := ch.Ack(tag, multiple); err != nil {
		log.Warnf("consumer: ack %d (multiple=%t) on %s failed: %s", tag, multiple, c.queue, err)
		return nil
	}
	return nil
}

// Nack rejects a delivery by tag, optionally asking the broker to
// requeue it. When multiple is true, every unacked delivery up to and
// including tag is also rejected.
func (c *Consumer) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	c.tracker.Nack(tag, multiple)
	if ch == nil {
		return resilientmq.ClosedError
	}
	if err := ch.Nack(tag, multiple, requeue); err != nil {
		log.Warnf("consumer: nack %d (multiple=%t) on %s failed: %s", tag, multiple, c.queue, err)
		return err
	}
	return nil
}

// PendingCount reports how many deliveries are tracked as unacked.
func (c *Consumer) PendingCount() int {
	return c.tracker.Count()
}

// Close cancels the subscription and releases the channel. Subsequent
// Resubscribe calls (e.g. a reconnect racing with Close) are no-ops.
func (c *Consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	c.wg.Wait()
	c.tracker.Clear()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

func randomConsumerTag(queue string) string {
	return fmt.Sprintf("consumer-%s-%d", queue, rand.Int63())
}
