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

// Package transport is the thin, single-connection wrapper over
// github.com/rabbitmq/amqp091-go that the rest of resilientmq treats as
// an opaque broker session: open connection, open channel, publish,
// publish-with-confirm, subscribe, ack/nack, close, and an asynchronous
// "connection closed" notification.
//
// It deliberately carries no connection/channel pooling (this library
// uses exactly one connection by design) and no JMS-style address-string
// parsing: destinations here are addressed directly by queue name, with
// no exchange/routing layer.
package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

const defaultLocale = "en_GB"

// ErrClosed is returned by operations attempted on a closed Session or
// Channel.
var ErrClosed = errors.New("transport: closed")

// Delivery is a single message handed back from Subscribe.
type Delivery struct {
	Body        []byte
	DeliveryTag uint64
	Redelivered bool
}

// Channel is a single AMQP channel: independent confirm and ack state.
type Channel interface {
	// Publish sends body to queue without waiting for a broker ack.
	Publish(ctx context.Context, queue string, body []byte) error
	// PublishWithConfirm sends body to queue and blocks on that
	// channel's confirm window for a single ack/nack.
	PublishWithConfirm(ctx context.Context, queue string, body []byte) (acked bool, err error)
	// Subscribe issues a consume request against queue under consumerTag
	// with the given prefetch (QoS) and returns a channel of deliveries.
	Subscribe(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Close() error
	IsClosed() bool
}

// Session owns one broker connection and opens Channels on demand.
type Session interface {
	OpenChannel() (Channel, error)
	IsClosed() bool
	// NotifyClose returns the channel the asynchronous close event is
	// delivered on. It is buffered so the notification is never lost
	// even if nobody is receiving yet.
	NotifyClose() <-chan error
	Close() error
}

// Option configures Connect.
type Option func(*options)

type options struct {
	heartbeat time.Duration
}

// Heartbeat overrides the AMQP heartbeat interval (default 10s).
func Heartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// Connect dials uri and returns an open Session. ctx bounds the dial
// attempt only; it does not cancel operations on the returned Session.
func Connect(ctx context.Context, uri string, opts ...Option) (Session, error) {
	o := options{heartbeat: 10 * time.Second}
	for _, apply := range opts {
		apply(&o)
	}

	dialCfg := amqp.Config{Heartbeat: o.heartbeat, Locale: defaultLocale}

	type result struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(uri, dialCfg)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		log.Infof("transport: connected to broker")
		return &session{conn: r.conn, closeNotify: make(chan error, 1)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

//------------------------------------------------------------------------------

type session struct {
	conn        *amqp.Connection
	closeNotify chan error
	notified    bool
}

func (s *session) OpenChannel() (Channel, error) {
	if s.IsClosed() {
		return nil, ErrClosed
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		// Confirm mode is best-effort at open time; PublishWithConfirm
		// will surface the error on first use if the broker refused it.
		log.Debugf("transport: channel.Confirm() error: %s", err)
	}

	c := &channel{
		ch:       ch,
		declared: make(map[string]bool),
	}
	return c, nil
}

func (s *session) IsClosed() bool {
	return s.conn == nil || s.conn.IsClosed()
}

func (s *session) NotifyClose() <-chan error {
	if !s.notified {
		s.notified = true
		go func() {
			err := <-s.conn.NotifyClose(make(chan *amqp.Error, 1))
			if err != nil {
				s.closeNotify <- err
			} else {
				s.closeNotify <- nil
			}
		}()
	}
	return s.closeNotify
}

func (s *session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

//------------------------------------------------------------------------------

type channel struct {
	ch *amqp.Channel

	declareMu sync.Mutex
	declared  map[string]bool
}

// ensureDeclared idempotently declares queue on first use. It is called
// from the fast path, which may run concurrently for the one queue a
// given Producer or Consumer channel ever addresses, so the declared
// set is mutex-guarded rather than a bare map.
func (c *channel) ensureDeclared(queue string) error {
	c.declareMu.Lock()
	if c.declared[queue] {
		c.declareMu.Unlock()
		return nil
	}
	c.declareMu.Unlock()

	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return err
	}

	c.declareMu.Lock()
	c.declared[queue] = true
	c.declareMu.Unlock()
	return nil
}

func (c *channel) Publish(ctx context.Context, queue string, body []byte) error {
	if err := c.ensureDeclared(queue); err != nil {
		return err
	}
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// PublishWithConfirm uses PublishWithDeferredConfirmWithContext directly,
// since the plain Publish method is deprecated in favour of it.
func (c *channel) PublishWithConfirm(ctx context.Context, queue string, body []byte) (bool, error) {
	if err := c.ensureDeclared(queue); err != nil {
		return false, err
	}

	confirmation, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return false, err
	}
	if confirmation == nil {
		// Confirm mode wasn't actually negotiated on this channel.
		return true, nil
	}

	ok, err := confirmation.WaitContext(ctx)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *channel) Subscribe(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan Delivery, error) {
	if err := c.ensureDeclared(queue); err != nil {
		return nil, err
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}

	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Body: d.Body, DeliveryTag: d.DeliveryTag, Redelivered: d.Redelivered}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *channel) Ack(tag uint64, multiple bool) error {
	return c.ch.Ack(tag, multiple)
}

func (c *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return c.ch.Nack(tag, multiple, requeue)
}

func (c *channel) Close() error {
	return c.ch.Close()
}

func (c *channel) IsClosed() bool {
	return c.ch.IsClosed()
}
