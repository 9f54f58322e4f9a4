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

import "time"

// Rate is a named set of timing constants governing how aggressively
// the scheduler and report updater operate. It is a plain data struct
// rather than an enum with merge methods, per the re-architecture
// note: a free function (Profile) selects one of the three named
// instances, and merging is simply assignment.
type Rate struct {
	Name string

	// FollowUpDelay is added to "now" when a handler schedules a
	// follow-up task with no explicit delay.
	FollowUpDelay time.Duration

	// LeaseTimeout bounds how long a claimed task may run before the
	// janitor reclaims it.
	LeaseTimeout time.Duration

	// ReportUpdatePeriod is the delay before a re-queued
	// update-report follow-up becomes visible.
	ReportUpdatePeriod time.Duration
}

// Standard is the default timing profile.
var Standard = Rate{
	Name:               "standard",
	FollowUpDelay:      500 * time.Millisecond,
	LeaseTimeout:       1500 * time.Millisecond,
	ReportUpdatePeriod: 100 * time.Millisecond,
}

// Leisurely runs five times slower than Standard; useful for shared or
// rate-limited databases.
var Leisurely = Rate{
	Name:               "leisurely",
	FollowUpDelay:      5 * Standard.FollowUpDelay,
	LeaseTimeout:       5 * Standard.LeaseTimeout,
	ReportUpdatePeriod: 5 * Standard.ReportUpdatePeriod,
}

// Aggressive trades database load for latency; suitable for
// low-volume interactive testing.
var Aggressive = Rate{
	Name:               "aggressive",
	FollowUpDelay:      100 * time.Millisecond,
	LeaseTimeout:       300 * time.Millisecond,
	ReportUpdatePeriod: time.Millisecond,
}

// Profile resolves a named processing-rate profile. It returns an
// *Error if name is not one of "leisurely", "standard", or
// "aggressive".
func Profile(name string) (Rate, error) {
	switch name {
	case "", "standard":
		return Standard, nil
	case "leisurely":
		return Leisurely, nil
	case "aggressive":
		return Aggressive, nil
	default:
		return Rate{}, Errorf("processing-rate", "unknown profile %q", name)
	}
}
