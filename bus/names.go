package bus

import (
	"fmt"

	"github.com/glimte/xbus/contracts"
)

// Default exchange and queue names
const (
	DefaultEventsExchange       = "integration.events.exchange"
	DefaultCommandsExchange     = "integration.commands.exchange"
	DefaultRpcRequestExchange   = "integration.rpc.request.exchange"
	DefaultRpcResponseExchange  = "integration.rpc.response.exchange"
	DefaultRpcResponseQueueName = "rpc.response.queue"
)

// Names are the deployment constants shared by every process on the bus
type Names struct {
	EventsExchange      string
	CommandsExchange    string
	RpcRequestExchange  string
	RpcResponseExchange string
	// RpcResponseQueue prefixes the per-connection reply queue
	RpcResponseQueue string
}

// DefaultNames returns the standard names
func DefaultNames() Names {
	return Names{
		EventsExchange:      DefaultEventsExchange,
		CommandsExchange:    DefaultCommandsExchange,
		RpcRequestExchange:  DefaultRpcRequestExchange,
		RpcResponseExchange: DefaultRpcResponseExchange,
		RpcResponseQueue:    DefaultRpcResponseQueueName,
	}
}

func (n Names) validate() error {
	for field, value := range map[string]string{
		"events exchange":       n.EventsExchange,
		"commands exchange":     n.CommandsExchange,
		"rpc request exchange":  n.RpcRequestExchange,
		"rpc response exchange": n.RpcResponseExchange,
		"rpc response queue":    n.RpcResponseQueue,
	} {
		if value == "" {
			return fmt.Errorf("%w: %s name", contracts.ErrMissingConfiguration, field)
		}
	}
	return nil
}

// EventQueueName returns the per-subscriber queue name for an event
func EventQueueName(eventName, subscriberID string) string {
	return eventName + "." + subscriberID
}

// ReplyQueueName returns the reply queue name for a client id
func (n Names) ReplyQueueName(clientID string) string {
	return n.RpcResponseQueue + "." + clientID
}
