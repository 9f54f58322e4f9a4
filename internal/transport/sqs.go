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

package transport

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/util/stopper"
)

// SQSSource consumes one queue via long polling, deleting each
// message only after Process reports it was durably applied.
type SQSSource struct {
	Client   *sqs.Client
	QueueURL string

	// MaxMessages bounds how many messages one ReceiveMessage call
	// returns; defaults to 10, the SQS maximum.
	MaxMessages int32

	// WaitTime is the long-poll duration; defaults to 20s.
	WaitTime time.Duration
}

var _ Source = (*SQSSource)(nil)

// NewSQSSource builds a source bound to uri using the default AWS
// credential chain (environment, shared config, or instance role).
func NewSQSSource(ctx context.Context, uri config.SQSInfoURI) (*SQSSource, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(uri.Region))
	if err != nil {
		return nil, errors.Wrap(err, "could not load AWS configuration")
	}
	return &SQSSource{
		Client:   sqs.NewFromConfig(cfg),
		QueueURL: fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", uri.Region, uri.Account, uri.Queue),
	}, nil
}

// Run implements Source.
func (s *SQSSource) Run(sc *stopper.Context, process Process) error {
	maxMessages := s.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}
	waitTime := s.WaitTime
	if waitTime <= 0 {
		waitTime = 20 * time.Second
	}

	for {
		select {
		case <-sc.Stopping():
			return nil
		default:
		}

		out, err := s.Client.ReceiveMessage(sc, &sqs.ReceiveMessageInput{
			QueueUrl:            &s.QueueURL,
			MaxNumberOfMessages: maxMessages,
			WaitTimeSeconds:     int32(waitTime.Seconds()),
		})
		if err != nil {
			log.WithError(err).Warn("could not receive from SQS, backing off")
			sleep(sc, time.Second)
			continue
		}

		for _, msg := range out.Messages {
			s.handle(sc, process, msg)
		}
	}
}

func (s *SQSSource) handle(ctx context.Context, process Process, msg types.Message) {
	if msg.Body == nil {
		return
	}
	if err := process(ctx, []byte(*msg.Body)); err != nil {
		log.WithError(err).Warn("could not process SQS message, leaving for redelivery")
		return
	}
	if _, err := s.Client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &s.QueueURL,
		ReceiptHandle: msg.ReceiptHandle,
	}); err != nil {
		log.WithError(err).Warn("could not delete acknowledged SQS message")
	}
}
