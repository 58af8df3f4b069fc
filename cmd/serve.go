package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/archivum-ai/archivum/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	a, err := app.New()
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.Logger.Info("starting archivum",
		"version", Version,
		"model", a.Config.ModelName,
		"retrieval_configured", a.Config.RetrievalConfigured(),
		"generation_configured", a.Config.GenerationConfigured(),
	)

	return a.Serve(ctx)
}
