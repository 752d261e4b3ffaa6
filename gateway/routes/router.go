package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"pegledger/core/events"
	"pegledger/gateway/middleware"
	"pegledger/native/loans"
)

// Rate limit keys applied to route groups.
const (
	LimitReads  = "reads"
	LimitWrites = "writes"
	LimitAdmin  = "admin"
)

type Config struct {
	Ledger         *loans.Ledger
	Journal        EventSource
	Hub            *events.Hub
	Authenticator  *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	Idempotency    *middleware.IdempotencyStore
	Observability  *middleware.Observability
	CORS           middleware.CORSConfig
	AdminScope     string
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("routes: ledger required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	api := &ledgerRoutes{
		ledger:  cfg.Ledger,
		journal: cfg.Journal,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger.With(slog.String("component", "routes")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	limit := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return passthrough
		}
		return cfg.RateLimiter.Middleware(key)
	}
	authenticate := func(scopes ...string) func(http.Handler) http.Handler {
		if cfg.Authenticator == nil {
			return passthrough
		}
		return cfg.Authenticator.Middleware(scopes...)
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(authenticate(), limit(LimitReads))
			api.mountReads(read)
			if cfg.Hub != nil {
				read.Get("/stream", newStream(cfg.Hub, cfg.Logger).serve)
			}
		})
		v1.Group(func(write chi.Router) {
			write.Use(authenticate(), limit(LimitWrites))
			if cfg.Idempotency != nil {
				write.Use(cfg.Idempotency.Middleware)
			}
			api.mountWrites(write)
		})
		v1.Route("/admin", func(admin chi.Router) {
			var scopes []string
			if cfg.AdminScope != "" {
				scopes = append(scopes, cfg.AdminScope)
			}
			admin.Use(authenticate(scopes...), limit(LimitAdmin))
			api.mountAdmin(admin)
		})
	})
	return r, nil
}

func passthrough(next http.Handler) http.Handler { return next }
