// Package rabbitmq wraps amqp091-go for the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and re-dials it with backoff
//   - ChannelPool: reuses channels for topology and publishing
//   - Publisher: publishes with broker confirms and retries
//   - Consumer: runs queue subscriptions that resume after a reconnect
//   - TopologyManager: declares and removes exchanges, queues and bindings
package rabbitmq
