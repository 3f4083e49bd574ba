package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apitrail/apitrail/internal/config"
	"github.com/apitrail/apitrail/internal/pkg/logger"
	"github.com/apitrail/apitrail/internal/server"
	"github.com/apitrail/apitrail/internal/storage"
	"github.com/joho/godotenv"
)

func main() {
	// Load env if it exists
	godotenv.Load()

	cfg, err := config.Load("config.json")
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Init(cfg.Server.LogLevel)

	postgres, err := storage.NewPostgres(cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	if err := postgres.AutoMigrate(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	redis, err := storage.NewRedis(
		cfg.Redis.GetRedisAddr(),
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()

	logger.Info("connected to postgres and redis")

	srv, err := server.New(cfg, redis, postgres)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
}
