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

// Package config holds the tunables shared by the Connection Supervisor,
// Producer and Consumer, and the environment-variable loader for them.
package config

import (
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the library's public surface exposes.
type Config struct {
	// BufferSize is the Message Buffer capacity for each Producer.
	BufferSize int

	// ReconnectInitialDelay is the delay before the second reconnect
	// attempt after a connection loss (the first attempt fires
	// immediately; this field seeds the backoff from there on).
	ReconnectInitialDelay time.Duration
	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay time.Duration
	// ReconnectMultiplier is the exponential backoff growth factor.
	ReconnectMultiplier float64

	// HealthCheckInterval is the polling failsafe's period, catching a
	// dead connection even if the broker's close notification is lost
	// or delayed. Defaults to 1s; set to 100ms for tighter failure
	// detection at the cost of more frequent health checks.
	HealthCheckInterval time.Duration
	// FlushInterval is how often each Producer's flush loop wakes to
	// drain its buffer back to the broker.
	FlushInterval time.Duration
	// ConnectTimeout bounds the initial connect attempt.
	ConnectTimeout time.Duration

	// LogLevel is a logrus level name (e.g. "info", "debug") applied to
	// every resilientmq component's shared logger when a Supervisor is
	// constructed.
	LogLevel string
}

// Default returns the Config field values this library ships with out
// of the box.
func Default() Config {
	return Config{
		BufferSize:            10000,
		ReconnectInitialDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMultiplier:   2.0,
		HealthCheckInterval:   time.Second,
		FlushInterval:         100 * time.Millisecond,
		ConnectTimeout:        10 * time.Second,
		LogLevel:              "info",
	}
}

// FromEnv returns Default() with any RESILIENTMQ_* environment variables
// applied over it. It uses os.LookupEnv, not os.Getenv, so an
// explicitly-empty env var is distinguishable from an unset one.
func FromEnv() Config {
	cfg := Default()

	if v, ok := lookupInt("RESILIENTMQ_BUFFER_SIZE"); ok {
		cfg.BufferSize = v
	}
	if v, ok := lookupDuration("RESILIENTMQ_RECONNECT_INITIAL_DELAY"); ok {
		cfg.ReconnectInitialDelay = v
	}
	if v, ok := lookupDuration("RESILIENTMQ_RECONNECT_MAX_DELAY"); ok {
		cfg.ReconnectMaxDelay = v
	}
	if v, ok := lookupFloat("RESILIENTMQ_RECONNECT_MULTIPLIER"); ok {
		cfg.ReconnectMultiplier = v
	}
	if v, ok := lookupDuration("RESILIENTMQ_HEALTH_CHECK_INTERVAL"); ok {
		cfg.HealthCheckInterval = v
	}
	if v, ok := lookupDuration("RESILIENTMQ_FLUSH_INTERVAL"); ok {
		cfg.FlushInterval = v
	}
	if v, ok := lookupDuration("RESILIENTMQ_CONNECT_TIMEOUT"); ok {
		cfg.ConnectTimeout = v
	}
	if v, ok := os.LookupEnv("RESILIENTMQ_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}

	return cfg
}

// InjectCredentials returns rawURI with username/password added as its
// userinfo component, unless rawURI already carries credentials or
// either argument is empty. This lets callers keep broker credentials
// in dedicated env vars separate from the connection URI.
func InjectCredentials(rawURI, username, password string) string {
	parsed, err := url.Parse(rawURI)
	if err != nil {
		return rawURI
	}
	if parsed.User != nil {
		return rawURI
	}
	if username == "" || password == "" {
		return rawURI
	}
	parsed.User = url.UserPassword(username, password)
	return parsed.String()
}

func lookupInt(key string) (int, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupFloat(key string) (float64, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func lookupDuration(key string) (time.Duration, bool) {
	s, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
