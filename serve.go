package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mieweb/mieapi-go/internal/gateway"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP gateway",
		Long: `Run a local HTTP gateway that forwards calls to the backend through one
shared session:

  GET|POST|PUT /api/{endpoint}   logical API call, query string as parameters
  GET /layout/{module}/{name}    layout fetch
  GET /healthz                   liveness
  GET /metrics                   Prometheus metrics

The first SIGINT or SIGTERM drains in-flight requests; a second one exits
immediately.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", gateway.DefaultAddr, "listen address (overrides [gateway] listen)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := gatewayContext(cmd.Context(), logger, resolvedCfg.ShutdownTimeout())

	return withRuntime(cmd, func(_ context.Context, rt *apiRuntime) error {
		srv := gateway.NewServer(rt.client, rt.registry, logger,
			gateway.WithAddr(resolvedCfg.Gateway.Listen),
			gateway.WithShutdownTimeout(resolvedCfg.ShutdownTimeout()),
			gateway.WithMetrics(rt.metrics),
		)

		logger.Info("starting gateway",
			slog.String("listen", resolvedCfg.Gateway.Listen),
			slog.String("strategy", rt.manager.StrategyName()),
		)

		return srv.Run(ctx)
	})
}
