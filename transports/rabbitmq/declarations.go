package rabbitmq

import (
	"sync"

	"github.com/glimte/xbus/internal/rabbitmq"
)

// declarations remembers the topology declared through the transport
type declarations struct {
	mu        sync.Mutex
	exchanges map[string]rabbitmq.ExchangeDeclaration
	queues    map[string]rabbitmq.QueueDeclaration
	bindings  map[string]map[route]struct{}
}

// route is a binding of a known queue
type route struct {
	exchange   string
	routingKey string
}

func newDeclarations() *declarations {
	d := &declarations{}
	d.reset()
	return d
}

func (d *declarations) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exchanges = make(map[string]rabbitmq.ExchangeDeclaration)
	d.queues = make(map[string]rabbitmq.QueueDeclaration)
	d.bindings = make(map[string]map[route]struct{})
}

func (d *declarations) addExchange(decl rabbitmq.ExchangeDeclaration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exchanges[decl.Name] = decl
}

func (d *declarations) removeExchange(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.exchanges, name)
}

func (d *declarations) exchange(name string) (rabbitmq.ExchangeDeclaration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	decl, ok := d.exchanges[name]
	return decl, ok
}

func (d *declarations) addQueue(decl rabbitmq.QueueDeclaration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queues[decl.Name] = decl
}

func (d *declarations) removeQueue(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.queues, name)
	delete(d.bindings, name)
}

// queue returns a declared queue and its bindings
func (d *declarations) queue(name string) (rabbitmq.QueueDeclaration, []rabbitmq.Binding, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	decl, ok := d.queues[name]
	if !ok {
		return rabbitmq.QueueDeclaration{}, nil, false
	}
	bindings := make([]rabbitmq.Binding, 0, len(d.bindings[name]))
	for r := range d.bindings[name] {
		bindings = append(bindings, rabbitmq.Binding{Queue: name, Exchange: r.exchange, RoutingKey: r.routingKey})
	}
	return decl, bindings, true
}

func (d *declarations) addBinding(b rabbitmq.Binding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.bindings[b.Queue]
	if !ok {
		set = make(map[route]struct{})
		d.bindings[b.Queue] = set
	}
	set[route{exchange: b.Exchange, routingKey: b.RoutingKey}] = struct{}{}
}

func (d *declarations) removeBinding(b rabbitmq.Binding) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bindings[b.Queue], route{exchange: b.Exchange, routingKey: b.RoutingKey})
}
