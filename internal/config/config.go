// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration shared by the bot, worker and api binaries.
type Config struct {
	// Durable session store
	DatabaseURL string

	// Redis (locks, progress cache, render queue)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	// HTTP status API
	HTTPPort string

	// Telegram Bot API
	TelegramToken   string
	TelegramAPIBase string
	PollTimeout     time.Duration

	// Render lease
	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	GlobalLock        bool

	// Render job/queue policy
	RenderTimeout time.Duration
	JobAttempts   int
	BackoffBase   time.Duration
	Concurrency   int

	// ffmpeg transform
	FFmpegPath   string
	FontPath     string
	OutputWidth  int
	OutputHeight int
	ScratchDir   string

	// Object storage presign
	PresignExpires time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         env("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:         env("REDIS_KEY_PREFIX", "tvb"),
		HTTPPort:          env("HTTP_PORT", "8080"),
		TelegramToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAPIBase:   strings.TrimRight(env("TELEGRAM_API_BASE_URL", "https://api.telegram.org"), "/"),
		FFmpegPath:        env("FFMPEG_PATH", "ffmpeg"),
		FontPath:          env("FONT_PATH", "/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf"),
		ScratchDir:        env("RENDER_TMP_DIR", ""),
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.PollTimeout, err = durEnv("TELEGRAM_POLL_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LockTTL, err = durEnv("LOCK_TTL", 30*time.Minute); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durEnv("RENDER_HEARTBEAT_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RenderTimeout, err = durEnv("RENDER_TIMEOUT", 20*time.Minute); err != nil {
		return nil, err
	}
	if cfg.JobAttempts, err = intEnv("RENDER_JOB_ATTEMPTS", 6); err != nil {
		return nil, err
	}
	if cfg.BackoffBase, err = durEnv("RENDER_BACKOFF", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = intEnv("WORKER_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if cfg.OutputWidth, err = intEnv("OUTPUT_WIDTH", 1080); err != nil {
		return nil, err
	}
	if cfg.OutputHeight, err = intEnv("OUTPUT_HEIGHT", 1920); err != nil {
		return nil, err
	}
	if cfg.PresignExpires, err = durEnv("PRESIGN_EXPIRES", 30*time.Minute); err != nil {
		return nil, err
	}
	cfg.GlobalLock = boolEnv("RENDER_GLOBAL_LOCK", true)

	if cfg.HeartbeatInterval >= cfg.LockTTL {
		return nil, fmt.Errorf("RENDER_HEARTBEAT_INTERVAL (%s) must be shorter than LOCK_TTL (%s)",
			cfg.HeartbeatInterval, cfg.LockTTL)
	}
	return cfg, nil
}

// RequireDatabase ensures DATABASE_URL is set (bot, worker, api).
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// RequireTelegram ensures the bot token is set (bot, worker).
func (c *Config) RequireTelegram() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	return nil
}

func env(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func intEnv(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", k, err)
	}
	return n, nil
}

func durEnv(k string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", k, err)
	}
	return d, nil
}

func boolEnv(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
