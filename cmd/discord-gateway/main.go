package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/cjp0116/discord/internal/chat"
	"github.com/cjp0116/discord/internal/gateway"
	"github.com/cjp0116/discord/internal/identity"
	"github.com/cjp0116/discord/internal/store"
	"github.com/cjp0116/discord/pkg/config"
	"github.com/cjp0116/discord/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo)

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	st, err := buildStore(cfg)
	if err != nil {
		logger.Error("Failed to initialize store", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Store initialized", slog.String("driver", cfg.Store.Driver))

	verifier := identity.NewJWTVerifier(cfg.Server.Auth.JWTSecret)
	chatSvc := chat.NewService(st, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := gateway.NewApp(logger, ctx, cfg, chatSvc, verifier)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

func buildStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Driver == "postgres" {
		return store.NewPostgres(cfg.Store.DSN)
	}
	return store.NewMemory(), nil
}
