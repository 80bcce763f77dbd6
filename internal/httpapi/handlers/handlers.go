package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tvb/internal/pkg/logger"
	"tvb/internal/ports"
	"tvb/internal/redis/progress"
	"tvb/internal/sessions"
)

type Deps struct {
	Pool     *pgxpool.Pool
	RDB      *redis.Client
	SP       ports.StorageProvider
	Store    sessions.Store
	Progress *progress.Cache
	Log      *logger.Logger
}

type Handler struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	sp       ports.StorageProvider
	store    sessions.Store
	progress *progress.Cache
	log      *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		pool:     d.Pool,
		rdb:      d.RDB,
		sp:       d.SP,
		store:    d.Store,
		progress: d.Progress,
		log:      log.WithComponent("httpapi"),
	}
}
