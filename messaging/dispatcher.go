package messaging

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/glimte/xbus/contracts"
)

// HandlerFailure records one failed handler invocation
type HandlerFailure struct {
	Index           int
	Err             error
	ErrorHandlerErr error
}

// DispatchResult aggregates the outcome of one Invoke call
type DispatchResult struct {
	MessageType reflect.Type
	Found       bool
	Invoked     int
	Failures    []HandlerFailure
}

// OK is the logical AND over all handler outcomes. It is false when no
// handler was found.
func (r DispatchResult) OK() bool {
	return r.Found && len(r.Failures) == 0
}

// Err joins the handler errors, or reports the missing handler
func (r DispatchResult) Err() error {
	if !r.Found {
		return fmt.Errorf("no handler registered for message type %s", typeLabel(r.MessageType))
	}
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f.Err)
	}
	return errors.Join(errs...)
}

// NoReply is passed to handlers of channels that never reply
func NoReply(ctx context.Context, msg interface{}) error {
	return contracts.ErrNoReplyChannel
}

// Invoke runs every handler found for t in order. A failing handler does not
// stop the next one; each failure triggers the type's error handler, if any.
func (r *HandlerRegistry) Invoke(ctx context.Context, t reflect.Type, msg interface{}, reply ReplyFunc) DispatchResult {
	result := DispatchResult{MessageType: t}
	if reply == nil {
		reply = NoReply
	}

	handlers, found := r.Lookup(t)
	if !found {
		r.logger.Error("handler for message type not found, dropping message",
			"messageType", typeLabel(t))
		return result
	}
	result.Found = true

	errorHandler, hasErrorHandler := r.LookupErrorHandler(t)

	for i, handler := range handlers {
		result.Invoked++

		err := safeCall(func() error { return handler(ctx, msg, reply) })
		if err == nil {
			continue
		}

		r.logger.Error("message handler failed",
			"messageType", typeLabel(t),
			"handler", i,
			"error", err,
		)
		failure := HandlerFailure{Index: i, Err: err}

		if hasErrorHandler {
			errMsg := fmt.Sprintf("message handler failed: %v", err)
			if herr := safeCall(func() error { return errorHandler(ctx, errMsg, reply) }); herr != nil {
				r.logger.Error("error handler failed",
					"messageType", typeLabel(t),
					"error", herr,
				)
				failure.ErrorHandlerErr = herr
			}
		}

		result.Failures = append(result.Failures, failure)
	}

	return result
}

// safeCall runs fn, turning a panic into an error
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in handler: %v", rec)
		}
	}()
	return fn()
}

func typeLabel(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.String()
}
