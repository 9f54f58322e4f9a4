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

package config

import "fmt"

// Error reports a command-line or environment configuration problem.
// It carries the offending flag so that the CLI can print a precise,
// actionable message and exit with status 1, per the re-architecture
// away from exception-based option validation.
type Error struct {
	Flag    string
	Message string
}

func (e *Error) Error() string {
	if e.Flag == "" {
		return e.Message
	}
	return fmt.Sprintf("--%s: %s", e.Flag, e.Message)
}

// Errorf builds an *Error for the given flag.
func Errorf(flag, format string, args ...any) *Error {
	return &Error{Flag: flag, Message: fmt.Sprintf(format, args...)}
}
