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
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/entitymart/replicator/internal/config"
	"github.com/entitymart/replicator/internal/util/stopper"
)

// rabbitPrefetch matches the channel QoS set in NewRabbitSource: up to
// this many deliveries may be handled concurrently, so the prefetch
// window is actually exploited instead of being drained one at a time.
const rabbitPrefetch = 10

// RabbitSource consumes one queue from a RabbitMQ broker, acking each
// delivery only after Process reports it was durably applied and
// nacking-with-requeue otherwise.
type RabbitSource struct {
	Conn    *amqp.Connection
	Channel *amqp.Channel
	Queue   string
}

var _ Source = (*RabbitSource)(nil)

// NewRabbitSource dials uri and opens a channel bound to queue.
func NewRabbitSource(uri config.RabbitInfoURI, queue string) (*RabbitSource, error) {
	scheme := "amqp"
	if uri.TLS {
		scheme = "amqps"
	}
	dsn := fmt.Sprintf("%s://%s:%s@%s:%s/%s", scheme, uri.User, uri.Password, uri.Host, uri.Port, uri.VHost)

	conn, err := amqp.Dial(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not dial RabbitMQ broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "could not open RabbitMQ channel")
	}
	if err := ch.Qos(10, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "could not set RabbitMQ QoS")
	}
	return &RabbitSource{Conn: conn, Channel: ch, Queue: queue}, nil
}

// Close tears down the channel and connection, in that order.
func (r *RabbitSource) Close() error {
	chErr := r.Channel.Close()
	connErr := r.Conn.Close()
	if chErr != nil {
		return errors.Wrap(chErr, "could not close RabbitMQ channel")
	}
	return errors.Wrap(connErr, "could not close RabbitMQ connection")
}

// Run implements Source.
func (r *RabbitSource) Run(sc *stopper.Context, process Process) error {
	deliveries, err := r.Channel.Consume(r.Queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "could not start RabbitMQ consumer")
	}

	var g errgroup.Group
	g.SetLimit(rabbitPrefetch)

	for {
		select {
		case <-sc.Stopping():
			return g.Wait()
		case delivery, ok := <-deliveries:
			if !ok {
				log.Warn("RabbitMQ delivery channel closed, reconnecting consumer")
				sleep(sc, time.Second)
				deliveries, err = r.Channel.Consume(r.Queue, "", false, false, false, false, nil)
				if err != nil {
					_ = g.Wait()
					return errors.Wrap(err, "could not restart RabbitMQ consumer")
				}
				continue
			}
			delivery := delivery
			g.Go(func() error {
				r.handle(sc, process, delivery)
				return nil
			})
		}
	}
}

func (r *RabbitSource) handle(ctx *stopper.Context, process Process, delivery amqp.Delivery) {
	if err := process(ctx, delivery.Body); err != nil {
		log.WithError(err).Warn("could not process RabbitMQ message, requeuing")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Warn("could not nack RabbitMQ message")
		}
		return
	}
	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Warn("could not ack RabbitMQ message")
	}
}
