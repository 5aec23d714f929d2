package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/glimte/xbus"
	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/extapi"
	"github.com/glimte/xbus/health"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newServeCommand(g *globals) *cobra.Command {
	var (
		partSize int
		httpAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo ExtApi data sets until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			registry, err := newCatalog(partSize, extapi.WithRegistryLogger(g.logger))
			if err != nil {
				return err
			}

			conn, err := xbus.Dial(ctx, append(g.busOptions(), extapi.Install(registry))...)
			if err != nil {
				return err
			}
			defer func() {
				if err := conn.Close(context.Background()); err != nil {
					g.logger.Warn("failed to close connection", "error", err)
				}
			}()

			if httpAddr != "" {
				server := newOpsServer(httpAddr, conn)
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						g.logger.Error("http server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = server.Shutdown(shutdownCtx)
				}()
				g.logger.Info("serving metrics and health", "addr", httpAddr)
			}

			g.logger.Info("serving data sets", "provider", catalogProvider, "clientId", conn.ClientID(), "partSize", partSize)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().IntVar(&partSize, "part-size", 2, "Records per response part")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "Address for /metrics, /healthz, /readyz and /livez (disabled when empty)")
	return cmd
}

// newOpsServer exposes Prometheus metrics and the health of conn
func newOpsServer(addr string, conn *bus.Connection) *http.Server {
	registry := health.NewRegistry()
	registry.Register(health.ConnectionChecker("bus", conn))
	registry.Register(health.GoroutineChecker(500, 1000))
	registry.SetMetadata("clientId", conn.ClientID())
	registry.SetMetadata("version", version)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.Mount(mux, registry, 5*time.Second)

	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
