package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bidstream/internal/config"
	"bidstream/internal/infrastructure/leader"
	"bidstream/internal/infrastructure/mysql"
	"bidstream/internal/infrastructure/redis"
	"bidstream/internal/services"
	"bidstream/pkg/logger"

	redisClient "github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"
)

func main() {
	log := logger.New()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	log = logger.NewWithLevel(cfg.Log.Level).With("service", "bid-recorder", "instance_id", cfg.Instance.ID)
	log.Info("Starting bid recorder", "config", cfg.GetConfigString())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis
	rdb := redisClient.NewClient(&redisClient.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Initialize MySQL
	db, err := mysql.Open(pingCtx, cfg.MySQL.DSN, cfg.MySQL.MaxOpenConns,
		cfg.MySQL.MaxIdleConns, cfg.MySQL.ConnMaxLifetime)
	if err != nil {
		log.Error("Failed to connect to MySQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	bidRepo := mysql.NewMySQLBidRepository(db)
	if err := bidRepo.EnsureSchema(pingCtx); err != nil {
		log.Error("Failed to prepare bid_updates table", "error", err)
		os.Exit(1)
	}

	leaderElection := leader.NewRedisLeaderElection(rdb, cfg.Leader.Key, cfg.Leader.TTL)
	recorder := services.NewHistoryRecorder(redis.NewUpdateSubscriber(rdb, log), bidRepo,
		leaderElection, cfg.Instance.ID, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recorder.Campaign(gctx, cfg.Leader.TTL/3)
	})
	g.Go(func() error {
		return recorder.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Bid recorder failed", "error", err)
		os.Exit(1)
	}
	log.Info("Bid recorder stopped")
}
