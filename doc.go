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

// Package resilientmq provides a client-side library for an AMQP 0-9-1
// message broker that keeps producers publishing through connection
// churn and high concurrent load.
//
// The package owns connection lifecycle, reconnection, channel caching,
// ordered in-memory buffering during outages, publisher-confirm
// accounting, consumer re-subscription and outcome notifications. Callers
// own the Producers and Consumers; resilientmq owns everything between
// them and the wire.
//
// The moving parts are split across sub-packages:
//
//	config      - Config and its environment-variable defaults
//	supervisor  - the Connection Supervisor (C4)
//	producer    - the Producer engine (C5)
//	consumer    - the Consumer engine (C6)
//
// This root package holds the shared vocabulary the packages above agree
// on: the error taxonomy, connection state enum, publish mode, buffer
// policy and drop reason.
package resilientmq

import (
	"errors"
	"fmt"
)

// Error is the sentinel wrapped by every error type and value this
// package defines, so callers can test membership with
// errors.Is(err, resilientmq.Error).
var Error = errors.New("resilientmq")

// BufferFullError is returned by Producer.Publish when the Raise buffer
// policy is in effect and the buffer has no room for the new payload.
type BufferFullError struct {
	Destination string
}

func (e *BufferFullError) Error() string {
	return "resilientmq: buffer full for destination " + e.Destination
}

func (e *BufferFullError) Unwrap() error { return Error }

// ConnectionError is returned when the initial connect to the broker
// fails to complete within the configured timeout.
type ConnectionError struct {
	URI string
	Err error
}

func (e *ConnectionError) Error() string {
	return "resilientmq: connection to " + e.URI + " failed: " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() []error { return []error{Error, e.Err} }

// ClosedError is returned by any operation attempted after Close has
// been observed on the owning Supervisor, Producer or Consumer.
var ClosedError = fmt.Errorf("%w: closed", Error)

// ConfigError is returned when a Config value fails validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "resilientmq: invalid config field " + e.Field + ": " + e.Reason
}

func (e *ConfigError) Unwrap() error { return Error }
