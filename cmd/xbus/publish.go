package main

import (
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/glimte/xbus"
	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/serialization"
	"github.com/spf13/cobra"
)

// payload carries arbitrary JSON under a caller supplied type name
type payload map[string]interface{}

func newPublishCommand(g *globals) *cobra.Command {
	var typeName string

	cmd := &cobra.Command{
		Use:       "publish <event|command> <name> <json>",
		Short:     "Publish a JSON event or command",
		Args:      cobra.ExactArgs(3),
		ValidArgs: []string{"event", "command"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, name, raw := args[0], args[1], args[2]
			if kind != "event" && kind != "command" {
				return fmt.Errorf("unknown message kind %q, expected event or command", kind)
			}

			var body payload
			if err := sonic.UnmarshalString(raw, &body); err != nil {
				return fmt.Errorf("invalid JSON payload: %w", err)
			}
			if typeName == "" {
				typeName = name
			}

			ctx, stop := signalContext()
			defer stop()

			options := append(g.busOptions(), bus.WithMessageTypes(serialization.NamedType[payload](typeName)))
			conn, err := xbus.Dial(ctx, options...)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close(ctx) }()

			if kind == "event" {
				err = conn.PublishEvent(ctx, name, body)
			} else {
				err = conn.PublishCommand(ctx, name, body)
			}
			if err != nil {
				return fmt.Errorf("publish %s %s: %w", kind, name, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s %s as %s\n", kind, name, typeName)
			return nil
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "Message type name (defaults to the routing name)")
	return cmd
}
