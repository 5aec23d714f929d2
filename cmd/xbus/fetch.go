package main

import (
	"context"
	"fmt"
	"io"

	"github.com/glimte/xbus"
	"github.com/glimte/xbus/bus"
	"github.com/glimte/xbus/extapi"
	"github.com/spf13/cobra"
)

func newFetchCommand(g *globals) *cobra.Command {
	req := extapi.DataRequest{RequestOrigin: "xbus-cli"}

	cmd := &cobra.Command{
		Use:   "fetch <provider> <object> <action>",
		Short: "Fetch a paginated ExtApi data set and print every part",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			req.ProviderName, req.ObjectName, req.Action = args[0], args[1], args[2]

			conn, err := xbus.Dial(ctx, append(g.busOptions(), extapi.EnableClient())...)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close(ctx) }()

			return fetchAndPrint(ctx, conn, req, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&req.ID, "id", "", "Object id passed to the provider")
	cmd.Flags().StringVar(&req.Params, "params", "", "Provider parameters, usually JSON")
	cmd.Flags().StringVar(&req.AuthToken, "token", "", "Auth token passed to the provider")
	return cmd
}

func fetchAndPrint(ctx context.Context, conn *bus.Connection, req extapi.DataRequest, out io.Writer) error {
	result, err := extapi.Collect(ctx, conn, req)
	if err != nil {
		return fmt.Errorf("fetch %s/%s/%s: %w", req.ProviderName, req.ObjectName, req.Action, err)
	}

	for i, part := range result.Parts {
		fmt.Fprintf(out, "part %d/%d: %s\n", i+1, result.Status.TotalParts, part)
	}
	fmt.Fprintf(out, "status: %s (%d parts)\n", result.Status.Status, result.Status.TotalParts)
	return nil
}
