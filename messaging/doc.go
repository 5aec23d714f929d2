// Package messaging provides handler dispatch and the broker capability set.
//
// This package implements:
//   - HandlerRegistry: a type-indexed table of handlers, error handlers and an
//     optional timeout handler for one logical channel or one RPC call
//   - Invoke: runs every matching handler in registration order, isolating
//     failures and aggregating them into a DispatchResult
//   - Typed registration helpers: On, OnRequest, OnReply, OnResponse, OnError
//   - Transport: the minimal broker interface the bus is built on
//
// Lookup prefers an exact type match. Otherwise the first interface type
// registered that the message type implements wins, so registering for
// interfaces gives polymorphic dispatch with a deterministic tie-break.
//
// Example usage:
//
//	registry := messaging.NewHandlerRegistry()
//
//	err := messaging.On(registry, func(ctx context.Context, evt OrderPlaced) error {
//		// Handle the event
//		return nil
//	})
//
//	err = messaging.OnError[OrderPlaced](registry,
//		func(ctx context.Context, errMsg string, reply messaging.ReplyFunc) error {
//			log.Println(errMsg)
//			return nil
//		})
package messaging
