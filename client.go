// Copyright 2024 Mmate Contributors
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

// Package xbus connects a bus.Connection to RabbitMQ in one call.
package xbus

import (
	"context"
	"fmt"

	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/transports/rabbitmq"
)

// Dial reads the configuration from the XBUS_* environment variables,
// applies options on top and returns a connection that is already connected
// to RabbitMQ.
func Dial(ctx context.Context, options ...bus.Option) (*bus.Connection, error) {
	cfg, err := bus.ConfigFromEnv(options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return DialConfig(ctx, cfg)
}

// DialConfig connects cfg to RabbitMQ. Transport options are applied after
// the ones derived from cfg.
func DialConfig(ctx context.Context, cfg *bus.Config, options ...rabbitmq.TransportOption) (*bus.Connection, error) {
	conn, err := bus.New(cfg, NewTransport(cfg, options...))
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewTransport creates a RabbitMQ transport for cfg's connection string,
// logger and reconnect interval
func NewTransport(cfg *bus.Config, options ...rabbitmq.TransportOption) *rabbitmq.Transport {
	base := []rabbitmq.TransportOption{
		rabbitmq.WithLogger(cfg.Logger()),
	}
	if interval := cfg.Timeouts().Reconnect(); interval > 0 {
		base = append(base, rabbitmq.WithReconnectDelay(interval))
	}
	return rabbitmq.NewTransport(cfg.ConnectionString(), append(base, options...)...)
}
