package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin API (health, metrics, batch processing)",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := signalContext()
	defer cancel()

	app := newLabeler(ctx, cfg)
	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start labeler", "error", err)
		os.Exit(1)
	}

	slog.Info("Labeler started", "config", cfgPath, "port", cfg.Server.Port)

	done := make(chan error, 1)
	go func() { done <- app.Wait() }()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down...")
	case err := <-done:
		if err != nil {
			slog.Error("Admin API failed", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Labeler stopped gracefully")
}
