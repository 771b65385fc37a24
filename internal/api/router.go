package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chronos/ebreplay/internal/metrics"
)

// RouterConfig holds configuration for the API router.
type RouterConfig struct {
	// AllowedOrigins is the list of allowed CORS origins. Empty means all origins allowed.
	AllowedOrigins []string
	// AuthConfig holds authentication configuration.
	AuthConfig AuthConfig
	// RateLimiter is the rate limiter instance (optional).
	RateLimiter *RateLimiter
	// Metrics records request metrics (optional).
	Metrics *metrics.Metrics
	// Gatherer serves /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
	// MetricsPath is where metrics are served. Empty disables the endpoint.
	MetricsPath string
	// RequestTimeout bounds each request. Long polls are capped below it.
	RequestTimeout time.Duration
}

// NewRouter creates a new API router.
func NewRouter(handler *Handler, logger zerolog.Logger) *chi.Mux {
	return NewRouterWithConfig(handler, logger, RouterConfig{MetricsPath: "/metrics"})
}

// NewRouterWithConfig creates a new API router with configuration.
func NewRouterWithConfig(handler *Handler, logger zerolog.Logger, config RouterConfig) *chi.Mux {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = maxWaitTimeout + 10*time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger, config.Metrics))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	if config.RateLimiter != nil {
		r.Use(NewRateLimitMiddleware(config.RateLimiter))
	}

	r.Use(NewCORSMiddleware(config.AllowedOrigins))

	// Health check (no auth required)
	r.Get("/health", handler.HealthCheck)

	if config.MetricsPath != "" {
		if config.Gatherer != nil {
			r.Handle(config.MetricsPath, metrics.Handler(config.Gatherer))
		} else {
			r.Handle(config.MetricsPath, promhttp.Handler())
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(NewAuthMiddleware(config.AuthConfig))

		r.Post("/replays", handler.SubmitReplay)
		r.Get("/stats", handler.Stats)

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", handler.ListExecutions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", handler.GetExecution)
				r.Get("/wait", handler.WaitExecution)
				r.Post("/cancel", handler.CancelExecution)
			})
		})
	})

	return r
}

// NewCORSMiddleware creates a CORS middleware with configurable origins.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if len(allowedOrigins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				for _, allowed := range allowedOrigins {
					if origin == allowed || allowed == "*" {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						break
					}
				}
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-API-Key, X-Requested-With")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
