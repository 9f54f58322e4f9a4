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
	"net/url"
	"regexp"
)

// sqsHostPattern matches the region-qualified SQS endpoint host, e.g.
// sqs.us-east-1.amazonaws.com.
var sqsHostPattern = regexp.MustCompile(`^sqs\.[a-z0-9-]+\.amazonaws\.com$`)

// SQSInfoURI is the parsed form of an --sqs-info-uri value.
type SQSInfoURI struct {
	Region  string
	Account string
	Queue   string
	Raw     string
}

// ParseSQSInfoURI validates and parses an SQS queue URL. The host must
// match the SQS endpoint pattern; anything else is rejected as an
// invalid argument rather than silently accepted, since a malformed
// queue URL would otherwise fail much later with an opaque AWS error.
func ParseSQSInfoURI(raw string) (SQSInfoURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return SQSInfoURI{}, Errorf("sqs-info-uri", "malformed URI: %v", err)
	}
	if u.Scheme != "https" {
		return SQSInfoURI{}, Errorf("sqs-info-uri", "must use https")
	}
	if !sqsHostPattern.MatchString(u.Host) {
		return SQSInfoURI{}, Errorf("sqs-info-uri", "invalid argument: host %q is not an SQS endpoint", u.Host)
	}

	region := ""
	if parts := regexp.MustCompile(`^sqs\.([a-z0-9-]+)\.amazonaws\.com$`).FindStringSubmatch(u.Host); len(parts) == 2 {
		region = parts[1]
	}

	segments := regexp.MustCompile(`/+`).Split(u.Path, -1)
	var account, queue string
	for _, s := range segments {
		if s == "" {
			continue
		}
		if account == "" {
			account = s
			continue
		}
		queue = s
	}
	if account == "" || queue == "" {
		return SQSInfoURI{}, Errorf("sqs-info-uri", "invalid argument: expected /<account>/<queue>")
	}

	return SQSInfoURI{Region: region, Account: account, Queue: queue, Raw: raw}, nil
}

// RabbitInfoURI is the parsed form of an --rabbit-info-uri value.
type RabbitInfoURI struct {
	TLS      bool
	User     string
	Password string
	Host     string
	Port     string
	VHost    string
	Raw      string
}

// ParseRabbitInfoURI validates and parses an amqp(s):// broker URI.
func ParseRabbitInfoURI(raw string) (RabbitInfoURI, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RabbitInfoURI{}, Errorf("rabbit-info-uri", "malformed URI: %v", err)
	}

	var tls bool
	switch u.Scheme {
	case "amqp":
		tls = false
	case "amqps":
		tls = true
	default:
		return RabbitInfoURI{}, Errorf("rabbit-info-uri", "scheme must be amqp or amqps, got %q", u.Scheme)
	}

	ret := RabbitInfoURI{
		TLS:  tls,
		Host: u.Hostname(),
		Port: u.Port(),
		Raw:  raw,
	}
	if u.User != nil {
		ret.User = u.User.Username()
		ret.Password, _ = u.User.Password()
	}
	if len(u.Path) > 1 {
		ret.VHost = u.Path[1:]
	}
	return ret, nil
}
