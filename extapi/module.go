package extapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/messaging"
	"github.com/glimte/xbus/serialization"
)

// Module serves RpcGetData requests from a provider registry. It implements
// bus.Module.
type Module struct {
	registry *Registry
	logger   *slog.Logger
}

// ModuleOption configures a module
type ModuleOption func(*Module)

// WithLogger sets the module logger. The connection logger is used otherwise.
func WithLogger(logger *slog.Logger) ModuleOption {
	return func(m *Module) {
		m.logger = logger
	}
}

// NewModule creates a module over registry
func NewModule(registry *Registry, options ...ModuleOption) *Module {
	m := &Module{registry: registry}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Install returns the bus option that adds a module for registry together
// with the ExtApi message types. An empty registry installs nothing.
func Install(registry *Registry, options ...ModuleOption) bus.Option {
	if registry == nil || registry.Len() == 0 {
		return func(*bus.Config) {}
	}
	return bus.WithModule(NewModule(registry, options...))
}

// EnableClient returns the bus option registering the ExtApi message types on
// a connection that only calls Fetch or Collect
func EnableClient() bus.Option {
	return bus.WithMessageTypes(MessageTypes()...)
}

// Name implements bus.Module
func (m *Module) Name() string {
	return "extapi"
}

// MessageTypes implements bus.Module
func (m *Module) MessageTypes() []serialization.TypeEntry {
	return MessageTypes()
}

// RegisterEndpoints implements bus.Module
func (m *Module) RegisterEndpoints(ctx context.Context, c *bus.Connection) error {
	logger := m.logger
	if logger == nil {
		logger = c.Config().Logger()
	}
	logger = logger.With("module", m.Name())

	_, err := bus.ConsumeRpcRequest(ctx, c, RpcGetData, func(ctx context.Context, req DataRequest, reply messaging.ReplyFunc) error {
		return m.serve(ctx, logger, req, reply)
	})
	return err
}

// serve answers one request with Created, one DataResponse per part and
// Ready, or with a single NotFound or Error status.
func (m *Module) serve(ctx context.Context, logger *slog.Logger, req DataRequest, reply messaging.ReplyFunc) error {
	if err := req.Validate(); err != nil {
		logger.Warn("invalid data request, dropping message",
			"requestId", req.RequestID,
			"error", err,
		)
		return nil
	}

	logger = logger.With(
		"requestId", req.RequestID,
		"provider", req.ProviderName,
		"object", req.ObjectName,
		"action", req.Action,
	)
	logger.Info("data request received", "origin", req.RequestOrigin)

	provider, ok := m.registry.find(req.ProviderName, req.ObjectName, req.Action)
	if !ok {
		msg := fmt.Sprintf("data provider %q for object %q and action %q not found", req.ProviderName, req.ObjectName, req.Action)
		logger.Error(msg)
		return sendStatus(ctx, reply, req.RequestID, StatusNotFound, msg)
	}

	call := Call{
		RequestID:    req.RequestID,
		ProviderName: req.ProviderName,
		ObjectName:   req.ObjectName,
		Action:       req.Action,
		ID:           req.ID,
		Origin:       req.RequestOrigin,
	}

	var generator DataGenerator
	err := guard(func() (err error) {
		generator, err = provider(ctx, call, req.Params)
		return err
	})
	if err != nil {
		logger.Error("data provider failed", "error", err)
		return sendStatus(ctx, reply, req.RequestID, StatusError, err.Error())
	}
	if generator == nil {
		return nil
	}
	defer func() {
		if err := generator.Close(); err != nil {
			logger.Warn("failed to close data generator", "error", err)
		}
	}()

	return m.stream(ctx, logger, req.RequestID, generator, reply)
}

func (m *Module) stream(ctx context.Context, logger *slog.Logger, requestID string, generator DataGenerator, reply messaging.ReplyFunc) error {
	var total int
	if err := guard(func() error { total = generator.TotalParts(); return nil }); err != nil {
		logger.Error("data generator failed", "error", err)
		return sendStatus(ctx, reply, requestID, StatusError, err.Error())
	}
	if total < 0 {
		msg := fmt.Sprintf("invalid part count %d", total)
		logger.Error("data generator failed", "error", msg)
		return sendStatus(ctx, reply, requestID, StatusError, msg)
	}

	status := StatusResponse{RequestID: requestID, Status: StatusCreated, TotalParts: total}
	if err := reply(ctx, status); err != nil {
		return err
	}

	for i := 0; i < total; i++ {
		var data string
		err := guard(func() (err error) {
			data, err = generator.GetPart(ctx, i)
			return err
		})
		if err != nil {
			logger.Error("data generator failed", "part", i, "error", err)
			return sendStatus(ctx, reply, requestID, StatusError, err.Error())
		}

		if err := reply(ctx, DataResponse{
			RequestID:  requestID,
			Part:       i,
			TotalParts: total,
			Data:       data,
		}); err != nil {
			return err
		}
	}

	status.Status = StatusReady
	if err := reply(ctx, status); err != nil {
		return err
	}
	logger.Info("data request completed", "parts", total)
	return nil
}

func sendStatus(ctx context.Context, reply messaging.ReplyFunc, requestID string, status Status, msg string) error {
	return reply(ctx, StatusResponse{
		RequestID:     requestID,
		Status:        status,
		StatusMessage: msg,
	})
}

// guard turns a provider panic into an error
func guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
