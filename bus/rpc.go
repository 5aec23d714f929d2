package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/messaging"
	"github.com/google/uuid"
)

// RPC call outcomes
const (
	outcomeCompleted = "completed"
	outcomeTimedOut  = "timed_out"
	outcomeFailed    = "failed"
	outcomeCanceled  = "canceled"
	outcomeClosed    = "closed"
)

// startReplyConsumer declares this connection's reply queue and consumes it.
// Replies are routed to pending calls by correlation id.
func (c *Connection) startReplyConsumer(ctx context.Context) error {
	if _, ok := c.DeclareExchange(ctx, c.names.RpcResponseExchange); !ok {
		return fmt.Errorf("failed to declare exchange %s", c.names.RpcResponseExchange)
	}

	queue, ok := c.DeclareQueue(ctx, Queue{
		Name:       c.ReplyQueue(),
		Durable:    true,
		MessageTTL: c.cfg.timeouts.RpcRequest(),
		Expires:    c.cfg.timeouts.RpcQueue(),
	})
	if !ok {
		return fmt.Errorf("failed to declare reply queue %s", c.ReplyQueue())
	}

	entry := &consumerEntry{}
	if _, exists := c.consumers.LoadOrStore(queue.Name, entry); exists {
		return fmt.Errorf("%w: %s", contracts.ErrConsumerExists, queue.Name)
	}

	consumer, err := c.transport.Consume(ctx, queue.Name, c.handleReply)
	if err != nil {
		c.consumers.CompareAndDelete(queue.Name, entry)
		return fmt.Errorf("failed to consume reply queue %s: %w", queue.Name, err)
	}
	entry.set(consumer, c.logger)
	c.replyQ = queue

	return nil
}

// handleReply routes one reply to its pending call
func (c *Connection) handleReply(ctx context.Context, d contracts.Delivery) error {
	if !c.validateDelivery(channelRpcResponse, d, d.RoutingKey) {
		return nil
	}

	value, ok := c.pending.Load(d.CorrelationID)
	if !ok {
		c.logger.Debug(d.Source()+" no pending rpc call for reply, dropping message",
			"correlationId", d.CorrelationID)
		c.metrics.messageDropped(channelRpcResponse, "unknown_correlation_id")
		return nil
	}

	value.(*pendingCall).deliver(ctx, d)
	return nil
}

// SendRpcRequest publishes msg as an RPC request to name. Replies are
// dispatched to the handlers registrar installs on a registry private to
// this call. The call stays open while handlers keep asking for more replies
// and ends on a final reply, a failed dispatch or the timeout.
func (c *Connection) SendRpcRequest(ctx context.Context, name string, msg interface{}, registrar messaging.Registrar) (string, error) {
	call, err := c.sendRequest(ctx, name, msg, registrar)
	if err != nil {
		return "", err
	}
	return call.correlationID, nil
}

// CancelRpcRequest ends an outstanding call and drops its handlers. It
// reports whether the call was still pending. Reply and timeout handlers
// run while their call is locked and must not cancel that same call.
func (c *Connection) CancelRpcRequest(correlationID string) bool {
	value, ok := c.pending.Load(correlationID)
	if !ok {
		return false
	}
	call := value.(*pendingCall)
	call.cancel(outcomeCanceled)
	return true
}

func (c *Connection) sendRequest(ctx context.Context, name string, msg interface{}, registrar messaging.Registrar) (*pendingCall, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, contracts.ErrNilMessage
	}

	correlationID := uuid.NewString()
	registryID := name + "." + correlationID

	registry, err := c.registry(registryID, registrar)
	if err != nil {
		return nil, err
	}

	requestExchange, _ := c.DeclareExchange(ctx, c.names.RpcRequestExchange)
	responseExchange, _ := c.DeclareExchange(ctx, c.names.RpcResponseExchange)
	binding, ok := c.Bind(ctx, responseExchange, c.replyQ, correlationID)
	if !ok {
		c.registries.Delete(registryID)
		return nil, fmt.Errorf("failed to bind reply queue for %s", name)
	}

	call := &pendingCall{
		conn:          c,
		requestName:   name,
		correlationID: correlationID,
		registryID:    registryID,
		registry:      registry,
		binding:       binding,
		timeout:       c.rpcTimeout,
		started:       time.Now(),
		done:          make(chan struct{}),
	}
	c.pending.Store(correlationID, call)
	c.metrics.callStarted()
	call.start()

	err = c.publish(ctx, channelRpcRequest, requestExchange.Name, name, msg, outboundProps{
		mode:          contracts.Persistent,
		correlationID: correlationID,
		replyTo:       c.replyQ.Name,
	})
	if err != nil {
		call.cancel(outcomeFailed)
		return nil, err
	}

	return call, nil
}

// pendingCall is the correlation entry of one outstanding RPC call.
// mu serializes reply and deadline processing; claimed makes teardown
// happen exactly once.
type pendingCall struct {
	conn          *Connection
	requestName   string
	correlationID string
	registryID    string
	registry      *messaging.HandlerRegistry
	binding       Binding
	timeout       time.Duration
	started       time.Time

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	claimed    atomic.Bool
	outcome    string
	done       chan struct{}
}

func (p *pendingCall) start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arm()
}

// arm starts a fresh deadline. Callers hold p.mu.
func (p *pendingCall) arm() {
	if p.claimed.Load() {
		return
	}
	p.disarm()
	p.generation++
	gen := p.generation
	p.timer = time.AfterFunc(p.timeout, func() { p.expire(gen) })
}

// disarm stops the deadline. Callers hold p.mu.
func (p *pendingCall) disarm() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// deliver handles one reply. The call ends unless a handler asked for more
// replies and every handler succeeded.
func (p *pendingCall) deliver(ctx context.Context, d contracts.Delivery) {
	p.mu.Lock()
	defer p.unlock()

	if p.claimed.Load() {
		return
	}
	p.disarm()

	logger := p.conn.logger
	t, msg, ok := p.conn.serializer.Decode(d.Type, d.Body)
	if !ok {
		logger.Error(d.Source()+" rpc response message deserialization failed",
			"request", p.requestName,
			"correlationId", p.correlationID,
		)
		p.conn.metrics.messageDropped(channelRpcResponse, "decode")
		p.finish(ctx, outcomeFailed)
		return
	}

	more := false
	continuation := func(context.Context, interface{}) error {
		more = true
		return nil
	}

	result := p.conn.invoke(ctx, channelRpcResponse, d, p.registry, t, msg, continuation)
	switch {
	case !result.OK():
		p.finish(ctx, outcomeFailed)
	case more:
		p.arm()
	default:
		p.finish(ctx, outcomeCompleted)
	}
}

// expire runs when the deadline of generation gen passes. The timeout
// handler may keep the call open, without a deadline, until a reply,
// CancelRpcRequest or Close ends it. A failing handler ends it.
func (p *pendingCall) expire(gen uint64) {
	p.mu.Lock()
	defer p.unlock()

	if p.claimed.Load() || gen != p.generation {
		return
	}
	p.timer = nil

	ctx := context.Background()
	logger := p.conn.logger

	handler, ok := p.registry.TimeoutHandler()
	if !ok {
		logger.Warn("rpc request timed out",
			"request", p.requestName,
			"correlationId", p.correlationID,
		)
		p.finish(ctx, outcomeTimedOut)
		return
	}

	stop, err := callTimeoutHandler(ctx, handler)
	if err != nil {
		logger.Error("rpc timeout handler failed",
			"request", p.requestName,
			"correlationId", p.correlationID,
			"error", err,
		)
		p.finish(ctx, outcomeTimedOut)
		return
	}
	if stop {
		p.finish(ctx, outcomeTimedOut)
		return
	}

	logger.Debug("rpc timeout handler keeps waiting",
		"request", p.requestName,
		"correlationId", p.correlationID,
	)
}

func callTimeoutHandler(ctx context.Context, handler messaging.TimeoutHandlerFunc) (stop bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in timeout handler: %v", rec)
		}
	}()
	return handler(ctx)
}

// finish tears the call down: correlation entry, registry and binding go
// together. Only the first caller does the work. Callers hold p.mu.
func (p *pendingCall) finish(ctx context.Context, outcome string) bool {
	if !p.claimed.CompareAndSwap(false, true) {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.outcome = outcome

	c := p.conn
	c.pending.CompareAndDelete(p.correlationID, p)
	c.registries.Delete(p.registryID)
	c.Unbind(ctx, p.binding)

	c.metrics.callFinished(outcome, time.Since(p.started))
	c.logger.Debug("rpc call finished",
		"request", p.requestName,
		"correlationId", p.correlationID,
		"outcome", outcome,
	)

	close(p.done)
	return true
}

// cancel ends the call from outside the reply and deadline paths
func (p *pendingCall) cancel(outcome string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finish(context.Background(), outcome)
}

// abandon ends the call on Close. While a reply or timeout handler holds the
// call it is left to unlock, so a handler may close the connection.
func (p *pendingCall) abandon() {
	if !p.mu.TryLock() {
		return
	}
	defer p.mu.Unlock()
	p.finish(context.Background(), outcomeClosed)
}

// unlock releases the call after reply or deadline processing and finishes
// it if the connection was closed meanwhile
func (p *pendingCall) unlock() {
	p.mu.Unlock()
	if !p.conn.connected.Load() {
		p.cancel(outcomeClosed)
	}
}

// Request sends req to name and waits for a single reply of type TResp.
// It returns ErrRequestTimeout when the deadline passes first and ctx.Err()
// when ctx is done first.
func Request[TResp any](ctx context.Context, c *Connection, name string, req interface{}) (TResp, error) {
	var (
		zero     TResp
		response TResp
		received bool
	)

	call, err := c.sendRequest(ctx, name, req, func(r *messaging.HandlerRegistry) error {
		return messaging.OnResponse(r, func(_ context.Context, msg TResp) error {
			response = msg
			received = true
			return nil
		})
	})
	if err != nil {
		return zero, err
	}

	select {
	case <-call.done:
	case <-ctx.Done():
		call.cancel(outcomeCanceled)
		<-call.done
		if !received {
			return zero, ctx.Err()
		}
	}

	if received {
		return response, nil
	}

	switch call.outcome {
	case outcomeTimedOut:
		return zero, fmt.Errorf("%w: %s", contracts.ErrRequestTimeout, name)
	case outcomeClosed:
		return zero, contracts.ErrNotConnected
	default:
		return zero, fmt.Errorf("%w: rpc %s did not return %T", contracts.ErrUnexpectedMessage, name, zero)
	}
}
