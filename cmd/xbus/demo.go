package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/extapi"
	"github.com/glimte/xbus/messaging"
	"github.com/glimte/xbus/serialization"
	"github.com/glimte/xbus/transports/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const exportedEvent = "demo.customers.exported"

// customersExported is published once a data set has been fetched
type customersExported struct {
	Parts   int    `json:"parts"`
	Country string `json:"country"`
}

func newDemoCommand(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a provider and a client over the in-memory transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			return runDemo(ctx, cmd.OutOrStdout(), g.logger)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")
	return cmd
}

// runDemo wires a data provider and a client to one in-memory broker, fetches
// the US customers and announces the export as an event.
func runDemo(ctx context.Context, out io.Writer, logger *slog.Logger) error {
	transport := memory.NewTransport(memory.WithLogger(logger))

	registry, err := newCatalog(2, extapi.WithRegistryLogger(logger))
	if err != nil {
		return err
	}

	server, err := demoConnection(ctx, transport, logger, "demo-provider", extapi.Install(registry))
	if err != nil {
		return fmt.Errorf("start provider: %w", err)
	}
	defer func() { _ = server.Close(context.Background()) }()

	client, err := demoConnection(ctx, transport, logger, "demo-client", extapi.EnableClient())
	if err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer func() { _ = client.Close(context.Background()) }()

	received := make(chan customersExported, 1)
	sub, err := server.ConsumeEvents(ctx, exportedEvent, func(r *messaging.HandlerRegistry) error {
		return messaging.On(r, func(_ context.Context, msg customersExported) error {
			received <- msg
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", exportedEvent, err)
	}
	defer func() { _ = sub.Close() }()

	req := extapi.DataRequest{
		ProviderName:  catalogProvider,
		ObjectName:    "customers",
		Action:        "list",
		Params:        `{"country":"US"}`,
		RequestOrigin: "xbus-demo",
	}
	if err := fetchAndPrint(ctx, client, req, out); err != nil {
		return err
	}

	if err := client.PublishEvent(ctx, exportedEvent, customersExported{Parts: 2, Country: "US"}); err != nil {
		return fmt.Errorf("publish %s: %w", exportedEvent, err)
	}

	select {
	case msg := <-received:
		fmt.Fprintf(out, "event %s: %d parts for %s\n", exportedEvent, msg.Parts, msg.Country)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s: %w", exportedEvent, ctx.Err())
	}
}

func demoConnection(ctx context.Context, transport messaging.Transport, logger *slog.Logger, clientID string, module bus.Option) (*bus.Connection, error) {
	cfg, err := bus.NewConfig(
		bus.WithConnectionString("memory://demo"),
		bus.WithClientID(clientID),
		bus.WithLogger(logger),
		bus.WithMetricsRegisterer(prometheus.NewRegistry()),
		bus.WithMessageTypes(serialization.NamedType[customersExported](exportedEvent)),
		module,
	)
	if err != nil {
		return nil, err
	}

	conn, err := bus.New(cfg, transport)
	if err != nil {
		return nil, err
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}
