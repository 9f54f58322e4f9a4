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

package stopper

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopWaitsForGoroutines(t *testing.T) {
	s := WithContext(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	s.Go(func() error {
		close(started)
		<-release
		return nil
	})

	<-started
	done := make(chan struct{})
	go func() {
		s.Stop(0)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before goroutine finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after goroutine finished")
	}
	assert.Error(t, s.Context.Err())
}

func TestGoErrorTriggersStop(t *testing.T) {
	s := WithContext(context.Background())
	boom := errors.New("boom")
	s.Go(func() error { return boom })

	select {
	case <-s.Stopping():
	case <-time.After(time.Second):
		t.Fatal("Stopping was not closed after goroutine error")
	}
	require.Error(t, s.Failure())
	assert.ErrorIs(t, s.Failure(), boom)
}

func TestStopGraceTimesOut(t *testing.T) {
	s := WithContext(context.Background())
	s.Go(func() error {
		<-s.Context.Done()
		return nil
	})
	start := time.Now()
	s.Stop(10 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}
