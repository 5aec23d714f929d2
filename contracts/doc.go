// Package contracts provides the wire-level types shared by every layer of xbus.
//
// This package defines:
//   - Envelope: payload bytes plus the routing metadata carried by the broker
//   - Delivery: an inbound envelope together with the exchange and queue it arrived on
//   - DeliveryMode: persistent or transient delivery
//   - Validatable and Named: optional capabilities a message type may implement
//
// Message payloads themselves are plain Go values; xbus does not require them to
// embed a base type.
package contracts
