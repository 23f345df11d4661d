package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/compass/internal/metrics"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	// Limiter caps requests per client on /v1. Nil disables limiting.
	Limiter Limiter
	// Timeout bounds each request. Zero uses 30s.
	Timeout time.Duration
}

// NewRouter mounts the handler under /v1 along with /health and /metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, logger, ClientKeyFunc))

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/preferences", h.GetPreferences)
			r.Put("/preferences", h.UpdatePreferences)
			r.Get("/contact", h.GetContact)
			r.Put("/contact", h.UpdateContact)

			r.Get("/notifications", h.ListNotifications)
			r.Get("/notifications/stats", h.NotificationStats)
			r.Post("/notifications/permission", h.RequestPermission)
			r.Post("/notifications/test", h.SendTestNotification)

			r.Post("/events", h.ScheduleEvent)
			r.Delete("/events/{eventID}", h.CancelEvent)
		})

		r.Post("/recommendations", h.GetRecommendations)
		r.Get("/recommendations/mode", h.GetMode)
		r.Put("/recommendations/mode", h.SetMode)
		r.Get("/recommendations/health", h.RecommendationHealth)

		r.Post("/sync/actions", h.AddSyncAction)
		r.Get("/sync/actions", h.ListSyncActions)
		r.Post("/sync/drain", h.DrainSync)
		r.Get("/sync/stats", h.SyncStats)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}
