package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/loom/internal/health"
	"github.com/felixgeelhaar/loom/internal/metrics"
	"github.com/felixgeelhaar/loom/internal/server"
	"github.com/felixgeelhaar/loom/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server with health, metrics and workflow endpoints",
	Long: `Start an HTTP server exposing loom's state.

Endpoints:
  /health/live         - Liveness probe (process alive and responsive)
  /health/ready        - Readiness probe (store reachable)
  /health/startup      - Startup probe (finished initialization)
  /healthz             - Backward-compatible readiness endpoint
  /metrics             - Prometheus metrics (metrics.enabled)
  /api/workflows       - Known and running workflows
  /api/workflows/{id}  - Latest state of one workflow
  /api/graph           - The learned dependency graph

The server shuts down gracefully, draining connections, on SIGTERM or SIGINT.

Example:
  loom serve
  loom serve --address :9090 --shutdown-timeout 60s`,
	RunE: runServe,
}

var (
	serveAddress         string
	serveShutdownTimeout time.Duration
	serveReadTimeout     time.Duration
	serveWriteTimeout    time.Duration
	serveIdleTimeout     time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "address to listen on (default metrics.addr)")
	serveCmd.Flags().DurationVar(&serveShutdownTimeout, "shutdown-timeout", 30*time.Second, "Maximum time to wait for connections to drain during shutdown")
	serveCmd.Flags().DurationVar(&serveReadTimeout, "read-timeout", 10*time.Second, "Maximum duration for reading the entire request")
	serveCmd.Flags().DurationVar(&serveWriteTimeout, "write-timeout", 10*time.Second, "Maximum duration before timing out writes of the response")
	serveCmd.Flags().DurationVar(&serveIdleTimeout, "idle-timeout", 60*time.Second, "Maximum amount of time to wait for the next request")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	info := version.GetInfo()
	pm := health.NewProbeManager(info.Version)
	if p, ok := a.store.(health.Pinger); ok {
		pm.AddChecker(health.NewStoreChecker(p))
	}
	pm.AddChecker(health.NewGraphChecker(a.graph))

	var metricsHandler http.Handler
	if a.cfg.Metrics.Enabled {
		metricsHandler = metrics.HandlerFor(a.registry)
	}

	addr := serveAddress
	if addr == "" {
		addr = a.cfg.Metrics.Addr
	}
	srv := server.NewServer(pm, a.engine, a.graph, metricsHandler, server.Config{
		Address:         addr,
		ShutdownTimeout: serveShutdownTimeout,
		ReadTimeout:     serveReadTimeout,
		WriteTimeout:    serveWriteTimeout,
		IdleTimeout:     serveIdleTimeout,
	}, a.logger)

	fmt.Fprintf(cmd.OutOrStdout(), "loom %s listening on http://%s\n", info.Version, addr)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		a.logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serveShutdownTimeout+5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	}
}
