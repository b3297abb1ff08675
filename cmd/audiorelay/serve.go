package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"audiorelay/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP streaming service",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appServer, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	return appServer.Run(ctx)
}
