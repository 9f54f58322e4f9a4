// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the three message-source consumer
// loops named by the external-interface table: SQS, RabbitMQ, and the
// data-mart database itself. Every consumer shares the same contract:
// read one message, hand it to Process, and only acknowledge it (or
// delete it, for the database source) once Process returns nil, so
// that a message is never acked before the listener's transaction
// that consumed it has committed.
package transport

import (
	"context"
	"time"

	"github.com/entitymart/replicator/internal/util/stopper"
)

// Process consumes the body of one info message. It returns nil once
// the message has been durably applied (the listener's transaction
// committed); any other return value leaves the message for redelivery.
type Process func(ctx context.Context, body []byte) error

// Source runs a consumer loop bound to sc until sc is stopped or the
// loop hits an unrecoverable error. Run blocks; callers invoke it from
// an sc.Go goroutine.
type Source interface {
	Run(sc *stopper.Context, process Process) error
}

// sleep waits for d or sc to begin stopping, whichever comes first.
// Consumers use it between retries after a transport-level error so a
// shutdown request is never blocked on a fixed backoff.
func sleep(sc *stopper.Context, d time.Duration) {
	select {
	case <-sc.Stopping():
	case <-time.After(d):
	}
}
