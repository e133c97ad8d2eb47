package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"anoa.com/residencenotify/internal/bootstrap"
	"anoa.com/residencenotify/internal/config"
	"anoa.com/residencenotify/internal/server"
	"anoa.com/residencenotify/pkg/database"
	"anoa.com/residencenotify/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DSN(), cfg.IsDevelopment())
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	defer database.Close(db)

	if cfg.AutoMigrate {
		if err := bootstrap.Migrate(db); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			if cfg.RealtimeRelay == config.RelayRedis {
				logger.Fatal("redis unavailable", zap.Error(err))
			}
			logger.Warn("redis unavailable, continuing with local relay", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	srv, err := server.NewServer(cfg, db, redisClient)
	if err != nil {
		logger.Fatal("server wiring failed", zap.Error(err))
	}

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
	logger.Info("server stopped")
}
