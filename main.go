package main

import (
	"log/slog"
	"os"

	"clinrag/backend/internal/app"
	"clinrag/backend/internal/config"
	"clinrag/backend/internal/logger"
)

func main() {
	handler := logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := app.Run(cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
