package worker

import (
	"tvb/internal/pkg/logger"
	"tvb/internal/ports"
	"tvb/internal/queue"
	"tvb/internal/redis/lock"
	"tvb/internal/redis/progress"
	"tvb/internal/redis/rkeys"
	"tvb/internal/sessions"
	"tvb/internal/worker/render"
)

type Deps struct {
	Queue    *queue.Queue
	Store    sessions.Store
	Progress *progress.Cache
	Lock     *lock.Lease
	Keys     rkeys.Keys
	Storage  ports.StorageProvider
	Sender   ports.ChatSender

	// Concurrency is the number of parallel render slots; with a global
	// lease extra slots only drain contention retries faster.
	Concurrency int
	Render      render.Config
	Log         *logger.Logger
}
