package extapi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/contracts"
	"github.com/glimte/xbus/messaging"
)

var (
	// ErrNotFound is returned when no provider serves the request
	ErrNotFound = errors.New("extapi: data provider not found")
	// ErrRequestFailed is returned when the provider reported an error
	ErrRequestFailed = errors.New("extapi: data request failed")
	// ErrIncomplete is returned when Ready arrives before every part
	ErrIncomplete = errors.New("extapi: response incomplete")
)

// PartFunc receives data parts in arrival order. Returning an error stops
// the request.
type PartFunc func(ctx context.Context, part DataResponse) error

// Result is the outcome of Collect
type Result struct {
	Status StatusResponse
	Parts  []string
}

// Fetch sends req and streams its parts to onPart until the final status.
// An empty RequestID is filled in. The RPC request timeout applies to every
// single response, not to the whole exchange.
func Fetch(ctx context.Context, c *bus.Connection, req DataRequest, onPart PartFunc) (StatusResponse, error) {
	if req.RequestID == "" {
		req.RequestID = NewRequestID()
	}
	if err := req.Validate(); err != nil {
		return StatusResponse{}, err
	}

	f := &fetch{
		requestID: req.RequestID,
		onPart:    onPart,
		done:      make(chan struct{}),
	}

	correlationID, err := c.SendRpcRequest(ctx, RpcGetData, req, f.register)
	if err != nil {
		return StatusResponse{}, err
	}

	select {
	case <-f.done:
		return f.status, f.err
	case <-ctx.Done():
		c.CancelRpcRequest(correlationID)
		return StatusResponse{}, ctx.Err()
	}
}

// Collect fetches every part of req into memory. On failure the parts
// received so far are returned with the error.
func Collect(ctx context.Context, c *bus.Connection, req DataRequest) (*Result, error) {
	result := &Result{}
	status, err := Fetch(ctx, c, req, func(_ context.Context, part DataResponse) error {
		result.Parts = append(result.Parts, part.Data)
		return nil
	})
	result.Status = status
	return result, err
}

// fetch tracks one Fetch call. Its handlers run one at a time on the
// connection's reply consumer.
type fetch struct {
	requestID string
	onPart    PartFunc
	received  int

	once   sync.Once
	status StatusResponse
	err    error
	done   chan struct{}
}

func (f *fetch) register(r *messaging.HandlerRegistry) error {
	r.OnTimeout(func(context.Context) (bool, error) {
		f.finish(StatusResponse{RequestID: f.requestID}, fmt.Errorf("%w: %s", contracts.ErrRequestTimeout, RpcGetData))
		return true, nil
	})
	if err := messaging.OnReply(r, f.onStatus); err != nil {
		return err
	}
	return messaging.OnReply(r, f.onData)
}

func (f *fetch) finish(status StatusResponse, err error) {
	f.once.Do(func() {
		f.status = status
		f.err = err
		close(f.done)
	})
}

func (f *fetch) onStatus(_ context.Context, status StatusResponse) (bool, error) {
	if status.RequestID != f.requestID {
		return false, nil
	}

	switch status.Status {
	case StatusReady:
		if f.received < status.TotalParts {
			f.finish(status, fmt.Errorf("%w: received %d of %d parts", ErrIncomplete, f.received, status.TotalParts))
		} else {
			f.finish(status, nil)
		}
	case StatusNotFound:
		f.finish(status, fmt.Errorf("%w: %s", ErrNotFound, status.StatusMessage))
	case StatusError:
		f.finish(status, fmt.Errorf("%w: %s", ErrRequestFailed, status.StatusMessage))
	default:
		return false, nil
	}
	return true, nil
}

func (f *fetch) onData(ctx context.Context, part DataResponse) (bool, error) {
	if part.RequestID != f.requestID {
		return false, nil
	}

	if part.ErrorFlag {
		f.finish(StatusResponse{
			RequestID:     f.requestID,
			Status:        StatusError,
			StatusMessage: part.ErrorMessage,
			TotalParts:    part.TotalParts,
		}, fmt.Errorf("%w: %s", ErrRequestFailed, part.ErrorMessage))
		return true, nil
	}

	f.received++
	if f.onPart != nil {
		if err := f.onPart(ctx, part); err != nil {
			f.finish(StatusResponse{RequestID: f.requestID, TotalParts: part.TotalParts}, err)
			return true, nil
		}
	}
	return false, nil
}
