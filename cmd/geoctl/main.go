package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/joho/godotenv"

	"geo-content-pipeline/internal/app"
	"geo-content-pipeline/internal/cli"
	"geo-content-pipeline/internal/config"
	"geo-content-pipeline/internal/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, closeLog, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	root := cli.NewRootCmd(func(ctx context.Context, opts app.Options) (*app.App, error) {
		return app.Build(ctx, cfg, opts, logger)
	})
	err = root.ExecuteContext(ctx)
	cancel()
	_ = closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
