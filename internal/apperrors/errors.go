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

// Package apperrors classifies the error outcomes a task handler or
// listener can produce: retry, dead-letter, or fatal. Dispatchers and
// the scheduling service branch on these types rather than on
// exception hierarchies.
package apperrors

import "github.com/pkg/errors"

// Retryable wraps a transient error (I/O, lock contention, deadlock)
// that should cause a task to be released back to the queue with
// backoff rather than dead-lettered.
type Retryable struct {
	cause error
}

// NewRetryable wraps err as a retryable error.
func NewRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &Retryable{cause: err}
}

func (e *Retryable) Error() string { return e.cause.Error() }
func (e *Retryable) Unwrap() error { return e.cause }

// IsRetryable reports whether err (or a wrapped cause) is a Retryable.
func IsRetryable(err error) bool {
	var r *Retryable
	return errors.As(err, &r)
}

// Fatal wraps an error that indicates corrupted state or a broken
// invariant. The process should log it, attempt an orderly shutdown,
// and exit with a non-zero status.
type Fatal struct {
	cause error
}

// NewFatal wraps err as a fatal error.
func NewFatal(err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{cause: err}
}

func (e *Fatal) Error() string { return e.cause.Error() }
func (e *Fatal) Unwrap() error { return e.cause }

// IsFatal reports whether err (or a wrapped cause) is Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// DeadLetter indicates a task or message should be moved to the
// dead-letter path rather than retried: an unknown action, a
// malformed message, or a handler programming error.
type DeadLetter struct {
	Reason string
	cause  error
}

// NewDeadLetter builds a DeadLetter with the given operator-facing
// reason. cause may be nil.
func NewDeadLetter(reason string, cause error) error {
	return &DeadLetter{Reason: reason, cause: cause}
}

func (e *DeadLetter) Error() string {
	if e.cause == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.cause.Error()
}
func (e *DeadLetter) Unwrap() error { return e.cause }

// IsDeadLetter reports whether err (or a wrapped cause) is a DeadLetter,
// returning the matched value for inspection of Reason.
func IsDeadLetter(err error) (*DeadLetter, bool) {
	var d *DeadLetter
	ok := errors.As(err, &d)
	return d, ok
}
