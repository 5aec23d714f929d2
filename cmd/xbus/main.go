package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/xbus/bus"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globals holds the persistent flags shared by every command
type globals struct {
	url      string
	clientID string
	envFile  string
	verbose  bool
	logger   *slog.Logger
}

// busOptions returns the bus options the flags translate to. Values unset on
// the command line fall back to the XBUS_* environment.
func (g *globals) busOptions() []bus.Option {
	options := []bus.Option{bus.WithLogger(g.logger)}
	if g.url != "" {
		options = append(options, bus.WithConnectionString(g.url))
	}
	if g.clientID != "" {
		options = append(options, bus.WithClientID(g.clientID))
	}
	return options
}

func newRootCommand() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "xbus",
		Short: "Publish, consume and query over the xbus message bus",
		Long: `xbus talks to services on the message bus: it serves and fetches paginated
ExtApi data sets, publishes events and commands, and runs an in-memory demo.
Connection settings are read from XBUS_* variables, optionally loaded from a
.env file, and from flags.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(g.envFile); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to load %s: %w", g.envFile, err)
			}

			level := slog.LevelInfo
			if g.verbose {
				level = slog.LevelDebug
			}
			g.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&g.url, "url", "u", "", "AMQP connection URL (default $"+bus.EnvURL+")")
	rootCmd.PersistentFlags().StringVar(&g.clientID, "client-id", "", "Client id used for the reply queue (default random)")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Environment file to load")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCommand(g),
		newFetchCommand(g),
		newPublishCommand(g),
		newDemoCommand(g),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
