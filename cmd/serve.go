package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shipyardhq/sma/internal/config"
	"github.com/shipyardhq/sma/internal/paths"
	"github.com/shipyardhq/sma/internal/runtime"
	"github.com/shipyardhq/sma/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	layout := paths.New(rootDir)

	cfg, err := config.Load(layout.ConfigFile())
	if err != nil {
		return err
	}

	closeLogs, err := telemetry.Setup(layout.LogsDir(), verbose)
	if err != nil {
		return err
	}
	defer closeLogs()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(flushCtx)
		}()
	}

	rt, err := runtime.New(cfg, runtime.Options{Root: rootDir})
	if err != nil {
		return err
	}

	err = rt.Start(ctx)

	if serr := rt.Shutdown(10 * time.Second); serr != nil {
		slog.Warn("serve.shutdown_incomplete", "error", serr)
	}
	return err
}
