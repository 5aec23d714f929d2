// Package bus connects a process to the message bus.
//
// A Connection publishes and consumes three kinds of traffic over a
// messaging.Transport:
//   - events, fanned out to one queue per subscriber
//   - commands, load-balanced over one shared queue per command name
//   - RPC requests, answered by any number of replies sharing the request's
//     correlation id
//
// Exchanges, queues and bindings are declared lazily and cached for the
// lifetime of the connection. Transport failures on those paths are logged
// and degrade to empty results.
package bus
