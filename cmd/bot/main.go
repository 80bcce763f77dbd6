package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tvb/internal/bot"
	"tvb/internal/config"
	"tvb/internal/pkg/logger"
	"tvb/internal/pkg/shutdown"
	"tvb/internal/queue"
	"tvb/internal/redis/progress"
	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
	"tvb/internal/storage"
	"tvb/internal/telegram"
)

func main() {
	log := logger.New(logger.Config{
		Level:       envOr("LOG_LEVEL", "info"),
		Format:      envOr("LOG_FORMAT", "json"),
		ServiceName: "tvb-bot",
		AddSource:   os.Getenv("LOG_SOURCE") == "true",
	})

	cfg, err := config.Load()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}
	if err := cfg.RequireDatabase(); err != nil {
		log.LogFatal("invalid configuration", err)
	}
	if err := cfg.RequireTelegram(); err != nil {
		log.LogFatal("invalid configuration", err)
	}

	log.Info("starting bot", "version", "0.1.0")

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	store := sessions.NewPGStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.LogFatal("failed to ensure schema", err)
	}

	keys := rkeys.New(cfg.KeyPrefix)
	tg := telegram.New(cfg.TelegramAPIBase, cfg.TelegramToken)

	opts := queue.DefaultOptions()
	opts.MaxAttempts = cfg.JobAttempts
	opts.BackoffBase = cfg.BackoffBase

	b := bot.New(bot.Deps{
		API:         tg,
		Store:       store,
		Progress:    progress.New(rdb, keys),
		Queue:       queue.New(rdb, keys, "render", opts),
		Fetcher:     tg,
		Storage:     sp,
		Log:         log,
		PollTimeout: cfg.PollTimeout,
	})

	runCtx, cancel := context.WithCancel(ctx)
	shutdownMgr.RegisterSimple("poll-loop", cancel)

	go func() {
		if err := b.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.LogFatal("poll loop failed", err)
		}
	}()

	shutdownMgr.Wait()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
