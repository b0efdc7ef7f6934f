// Package main is the entry point for the generation pipeline server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"genforge/config"
	"genforge/internal/app"
	"genforge/internal/logging"
	"genforge/internal/version"

	// Import vendor packages to trigger their init() registration
	_ "genforge/internal/adapters/kling"
	_ "genforge/internal/adapters/minimax"
	_ "genforge/internal/adapters/openai"
	_ "genforge/internal/adapters/runway"
	_ "genforge/internal/adapters/stability"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	logging.Setup(os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))

	slog.Info("starting genforge",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if len(cfg.Candidates.Image) == 0 && len(cfg.Candidates.Video) == 0 {
		slog.Error("at least one routing candidate must be configured")
		os.Exit(1)
	}

	application, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := application.Start(":" + cfg.Server.Port); err != nil {
		slog.Error("server failed to start", "error", err)
		os.Exit(1)
	}
}
