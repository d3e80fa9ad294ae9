package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teiops/tei-manager/pkg/config"
	"github.com/teiops/tei-manager/pkg/logging"
	"github.com/teiops/tei-manager/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the supervisor until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(cfg.Logging)

	sup, err := supervisor.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build supervisor: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting supervisor", "grpc_port", cfg.API.GRPCPort, "api_port", cfg.API.APIPort)
		errCh <- sup.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("supervisor exited unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.GracefulShutdownTimeout)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	return nil
}
