package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tvb/internal/config"
	"tvb/internal/observability"
	"tvb/internal/pkg/logger"
	"tvb/internal/pkg/shutdown"
	"tvb/internal/queue"
	"tvb/internal/redis/lock"
	"tvb/internal/redis/progress"
	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
	"tvb/internal/storage"
	"tvb/internal/telegram"
	"tvb/internal/worker"
	"tvb/internal/worker/render"
)

func main() {
	log := logger.New(logger.Config{
		Level:       envOr("LOG_LEVEL", "info"),
		Format:      envOr("LOG_FORMAT", "json"),
		ServiceName: "tvb-worker",
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

	log.Info("starting render worker", "version", "0.1.0", "concurrency", cfg.Concurrency)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 60*time.Second)

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
	// A job is only stalled once it has clearly outlived its render window.
	opts.StallTimeout = cfg.RenderTimeout + 5*time.Minute

	// Metrics on a side port so the queue loop has no HTTP coupling.
	metricsServer(shutdownMgr, log)

	runCtx, cancel := context.WithCancel(ctx)
	shutdownMgr.RegisterSimple("worker-loop", cancel)

	deps := worker.Deps{
		Queue:       queue.New(rdb, keys, "render", opts),
		Store:       store,
		Progress:    progress.New(rdb, keys),
		Lock:        lock.New(rdb, cfg.LockTTL),
		Keys:        keys,
		Storage:     sp,
		Sender:      tg,
		Concurrency: cfg.Concurrency,
		Render: render.Config{
			GlobalLock:        cfg.GlobalLock,
			HeartbeatInterval: cfg.HeartbeatInterval,
			RenderTimeout:     cfg.RenderTimeout,
			ScratchDir:        cfg.ScratchDir,
			FFmpegBinary:      cfg.FFmpegPath,
			FontPath:          cfg.FontPath,
			OutputWidth:       cfg.OutputWidth,
			OutputHeight:      cfg.OutputHeight,
			PresignExpires:    cfg.PresignExpires,
		},
		Log: log,
	}

	go func() {
		if err := worker.Run(runCtx, deps); err != nil && runCtx.Err() == nil {
			log.LogFatal("worker loop failed", err)
		}
	}()

	shutdownMgr.Wait()
}

func metricsServer(mgr *shutdown.Manager, log *logger.Logger) {
	addr := envOr("METRICS_ADDR", ":9091")
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(observability.NewRegistry()))
	server := &http.Server{Addr: addr, Handler: mux}
	mgr.Register("metrics-server", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})
	go func() {
		log.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server failed", "error", err.Error())
		}
	}()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
