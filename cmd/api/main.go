package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/sylvestre/lando-api/internal/config"
	httpapi "github.com/sylvestre/lando-api/internal/http"
	"github.com/sylvestre/lando-api/internal/repo/postgres"
)

func main() {
	cfg := config.FromEnv()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	store, err := postgres.NewStore(cfg)
	if err != nil {
		slog.Error("failed to init store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	srv, err := httpapi.NewServer(cfg, store)
	if err != nil {
		slog.Error("failed to init server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
