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

// Package logging configures the structured logger shared by every
// resilientmq component, with a custom logrus.Formatter tuned for
// single-line operational output.
package logging

import (
	"bytes"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus" // Structured logging
)

const (
	// RFC3339Milli gives broker and producer log timestamps millisecond
	// precision; https://pkg.go.dev/time#pkg-constants has no such constant.
	RFC3339Milli = "2006-01-02T15:04:05.999Z07"
)

// SetLevel sets the log level for internal logging. Call this very early
// during startup to configure logs emitted during component construction.
func SetLevel(level string) error {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	log.SetFormatter(&Formatter{})
	return nil
}

// Formatter is the logrus.Formatter used by every resilientmq component.
type Formatter struct{}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	b := &bytes.Buffer{}

	fmt.Fprint(b, entry.Time.Format(RFC3339Milli))
	fmt.Fprintf(b, " [%s]", strings.ToUpper(entry.Level.String()))
	fmt.Fprint(b, " (resilientmq)")
	fmt.Fprintf(b, " %s", entry.Message)

	for field, value := range entry.Data {
		fmt.Fprintf(b, " %s=%s", field, value)
	}

	fmt.Fprint(b, "\n")
	return b.Bytes(), nil
}
