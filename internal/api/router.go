package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fuomag9/oauth-vault/internal/config"
	"github.com/fuomag9/oauth-vault/internal/metrics"
	"github.com/fuomag9/oauth-vault/internal/oauth"
)

// Pinger reports whether a backing store is reachable.
type Pinger func(ctx context.Context) error

// Deps are the collaborators the router needs.
type Deps struct {
	Manager     *oauth.Manager
	Metrics     *metrics.Collector
	Ping        Pinger
	RateLimiter *RateLimiter
	Logger      *zap.Logger
}

// NewRouter creates a new HTTP router
func NewRouter(cfg *config.Config, deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	h := NewOAuthHandler(deps.Manager, callbackReturnURL(cfg), logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeadersMiddleware(cfg.Environment == "production"))
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware(routePattern))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/oauth/providers", h.HandleListProviders)
		r.With(limiter.Middleware).Get("/oauth/callback", h.HandleCallback)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret))

			r.Route("/connections/{connectionID}/oauth", func(r chi.Router) {
				r.Get("/", h.HandleGetConnection)
				r.Patch("/", h.HandleLink)
				r.Delete("/", h.HandleDisconnect)
				r.With(limiter.Middleware).Post("/authorize", h.HandleAuthorize)
				r.Post("/refresh", h.HandleRefresh)
				r.Get("/token", h.HandleGetToken)
				r.Get("/rotation", h.HandleCheckRotation)
				r.Post("/rotate", h.HandleRotate)
				r.Get("/health", h.HandleHealth)
				r.Post("/migrate", h.HandleMigrate)
			})
		})
	})

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Get("/health", healthHandler(deps.Ping, logger))

	return r
}

// callbackReturnURL is the UI page browsers land on after the callback.
func callbackReturnURL(cfg *config.Config) string {
	if cfg.AppURL == "" {
		return ""
	}
	return cfg.AppURL + "/connections"
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func healthHandler(ping Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
