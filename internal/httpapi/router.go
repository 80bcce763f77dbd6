package httpapi

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"tvb/internal/httpapi/handlers"
	"tvb/internal/httpkit"
	"tvb/internal/observability"
	"tvb/internal/pkg/logger"
	"tvb/internal/pkg/middleware"
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
	Metrics  *prometheus.Registry
	Log      *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins: envCSV("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAgeSeconds:  600,
	}))

	h := handlers.New(handlers.Deps{
		Pool:     d.Pool,
		RDB:      d.RDB,
		SP:       d.SP,
		Store:    d.Store,
		Progress: d.Progress,
		Log:      log,
	})

	r.Get("/health", h.Health)
	r.Get("/v1/sessions/{sessionId}/status", h.GetSessionStatus)

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", observability.Handler(d.Metrics))
	}

	return r
}

func envCSV(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
