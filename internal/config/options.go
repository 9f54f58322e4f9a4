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
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// Source names which message transport feeds the listener.
type Source int

const (
	SourceNone Source = iota
	SourceSQS
	SourceRabbit
	SourceDatabase
)

// Options is the fully explicit command-line/environment surface of
// the replicator, replacing the reflective JSON-to-setter wiring the
// re-architecture note calls out: every flag is an ordinary struct
// field, bound and validated by hand rather than by a marshaler.
type Options struct {
	Help    bool
	Version bool

	IgnoreEnvironment bool

	CoreInstanceName    string
	CoreSettings        string
	CoreConfigID        int64
	CoreLogLevelVerbose bool
	CoreConcurrency     int
	RefreshConfigSecs   int

	ProcessingRate string

	SQSInfoURI       string
	RabbitInfoURI    string
	RabbitInfoQueue  string
	DatabaseInfoQueue bool

	DatabaseURI string
}

// Bind registers every flag in the external-interface table onto fs,
// using EnvPrefix-derived environment fallbacks applied in Preflight
// rather than at parse time, so that --ignore-environment can veto
// them uniformly.
func (o *Options) Bind(fs *pflag.FlagSet) {
	fs.BoolVar(&o.Help, "help", false, "print usage and exit")
	fs.BoolVar(&o.Version, "version", false, "print version and exit")
	fs.BoolVar(&o.IgnoreEnvironment, "ignore-environment", false, "ignore env-var fallbacks")

	fs.StringVar(&o.CoreInstanceName, "core-instance-name", "", "logical name for the resolution engine client")
	fs.StringVar(&o.CoreSettings, "core-settings", "", "engine configuration JSON literal or file path")
	fs.Int64Var(&o.CoreConfigID, "core-config-id", 0, "pin a specific engine configuration")
	fs.BoolVar(&o.CoreLogLevelVerbose, "core-log-level-verbose", false, "equivalent to --core-log-level verbose")
	fs.IntVar(&o.CoreConcurrency, "core-concurrency", 1, "worker pool size (n>=1)")
	fs.IntVar(&o.RefreshConfigSecs, "refresh-config-seconds", 0, "background engine-config refresh period")

	fs.StringVar(&o.ProcessingRate, "processing-rate", "standard", "leisurely|standard|aggressive")

	fs.StringVar(&o.SQSInfoURI, "sqs-info-uri", "", "message source is SQS")
	fs.StringVar(&o.RabbitInfoURI, "rabbit-info-uri", "", "message source is RabbitMQ")
	fs.StringVar(&o.RabbitInfoQueue, "rabbit-info-queue", "", "RabbitMQ queue name (requires --rabbit-info-uri)")
	fs.BoolVar(&o.DatabaseInfoQueue, "database-info-queue", false, "message source is the data-mart DB itself")

	fs.StringVar(&o.DatabaseURI, "database-uri", "", "data-mart connection URI")
}

// applyEnv fills in any flag not set on the command line from the
// environment, honoring legacy aliases for options the source
// exposed under a different variable name. A numeric variable that
// does not parse as its flag's type is ignored.
func (o *Options) applyEnv(fs *pflag.FlagSet) {
	str := func(flag string, dst *string, legacy ...string) {
		if fs.Changed(flag) {
			return
		}
		if v, ok := lookupEnv(o.IgnoreEnvironment, flag, legacy...); ok {
			*dst = v
		}
	}
	boolean := func(flag string, dst *bool) {
		if fs.Changed(flag) {
			return
		}
		if v, ok := lookupEnv(o.IgnoreEnvironment, flag); ok {
			*dst = v == "true" || v == "1"
		}
	}
	numeric := func(flag string) {
		if fs.Changed(flag) {
			return
		}
		if v, ok := lookupEnv(o.IgnoreEnvironment, flag); ok {
			_ = fs.Set(flag, v)
		}
	}

	str("core-instance-name", &o.CoreInstanceName)
	str("core-settings", &o.CoreSettings, "SENZING_ENGINE_CONFIGURATION_JSON")
	str("processing-rate", &o.ProcessingRate)
	str("sqs-info-uri", &o.SQSInfoURI)
	str("rabbit-info-uri", &o.RabbitInfoURI)
	str("rabbit-info-queue", &o.RabbitInfoQueue)
	str("database-uri", &o.DatabaseURI)
	boolean("database-info-queue", &o.DatabaseInfoQueue)
	boolean("core-log-level-verbose", &o.CoreLogLevelVerbose)
	numeric("core-config-id")
	numeric("core-concurrency")
	numeric("refresh-config-seconds")
}

// Preflight validates mutual-exclusion and dependency rules from the
// external-interface table and resolves environment fallbacks. It
// must run once, after Bind and pflag.Parse, before any other
// component consumes Options.
func (o *Options) Preflight(fs *pflag.FlagSet) error {
	o.applyEnv(fs)

	if o.Help || o.Version {
		exclusive := o.IgnoreEnvironment || o.CoreInstanceName != "" || o.CoreSettings != "" ||
			o.SQSInfoURI != "" || o.RabbitInfoURI != "" || o.DatabaseInfoQueue || o.DatabaseURI != ""
		if exclusive {
			return Errorf("help", "--help and --version are mutually exclusive with all other flags")
		}
		return nil
	}

	sources := 0
	if o.SQSInfoURI != "" {
		sources++
	}
	if o.RabbitInfoURI != "" {
		sources++
	}
	if o.DatabaseInfoQueue {
		sources++
	}
	if sources == 0 {
		return Errorf("sqs-info-uri", "exactly one of --sqs-info-uri, --rabbit-info-uri, or --database-info-queue is required")
	}
	if sources > 1 {
		return Errorf("sqs-info-uri", "--sqs-info-uri, --rabbit-info-uri, and --database-info-queue are mutually exclusive")
	}
	if o.RabbitInfoURI != "" && o.RabbitInfoQueue == "" {
		return Errorf("rabbit-info-queue", "required when --rabbit-info-uri is set")
	}
	if o.RabbitInfoQueue != "" && o.RabbitInfoURI == "" {
		return Errorf("rabbit-info-queue", "requires --rabbit-info-uri")
	}

	if o.DatabaseURI == "" {
		return Errorf("database-uri", "required")
	}
	if _, err := ParseConnectionURI(o.DatabaseURI); err != nil {
		return err
	}
	if o.SQSInfoURI != "" {
		if _, err := ParseSQSInfoURI(o.SQSInfoURI); err != nil {
			return err
		}
	}
	if o.RabbitInfoURI != "" {
		if _, err := ParseRabbitInfoURI(o.RabbitInfoURI); err != nil {
			return err
		}
	}

	if o.CoreConcurrency < 1 {
		return Errorf("core-concurrency", "must be >= 1, got %d", o.CoreConcurrency)
	}
	if _, err := Profile(o.ProcessingRate); err != nil {
		return err
	}

	return nil
}

// Source reports which message transport was selected; callers must
// call Preflight first to guarantee exactly one is set.
func (o *Options) Source() Source {
	switch {
	case o.SQSInfoURI != "":
		return SourceSQS
	case o.RabbitInfoURI != "":
		return SourceRabbit
	case o.DatabaseInfoQueue:
		return SourceDatabase
	default:
		return SourceNone
	}
}

// Usage prints the flag table to stderr; invoked for --help and on
// bind failure.
func Usage(fs *pflag.FlagSet) {
	fmt.Fprintln(os.Stderr, "Usage: replicator [flags]")
	fs.PrintDefaults()
}
