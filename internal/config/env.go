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

import (
	"os"
	"strings"
)

// EnvPrefix is prepended to every flag's upper-cased, dash-to-underscore
// name to form its environment-variable fallback, e.g. the flag
// "core-concurrency" falls back to "REPLICATOR_CORE_CONCURRENCY".
const EnvPrefix = "REPLICATOR"

// envName converts a flag name such as "core-settings" into its
// environment variable form "REPLICATOR_CORE_SETTINGS".
func envName(flag string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// lookupEnv resolves the environment-variable fallback for flag,
// honoring an optional legacy alias. It returns ("", false) when
// ignoreEnv is set, reproducing --ignore-environment.
func lookupEnv(ignoreEnv bool, flag string, legacy ...string) (string, bool) {
	if ignoreEnv {
		return "", false
	}
	if v, ok := os.LookupEnv(envName(flag)); ok {
		return v, true
	}
	for _, alias := range legacy {
		if v, ok := os.LookupEnv(alias); ok {
			return v, true
		}
	}
	return "", false
}
