package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calmirror/internal/auth"
	"gitea.jw6.us/james/calmirror/internal/config"
	"gitea.jw6.us/james/calmirror/internal/http/api"
	"gitea.jw6.us/james/calmirror/internal/http/ratelimit"
	"gitea.jw6.us/james/calmirror/internal/metrics"
	"gitea.jw6.us/james/calmirror/internal/store"
)

// NewRouter wires the auth, webhook and JSON API routes.
func NewRouter(cfg *config.Config, store *store.Store, authService *auth.Service, apiHandler *api.Handler) http.Handler {
	r := chi.NewRouter()

	// Auth endpoints: 5 requests per second, burst of 10
	authRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute, cfg.TrustedProxies)
	// Webhook endpoint: 20 requests per second, burst of 50 (push bursts
	// arrive when a busy calendar changes)
	webhookRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := store.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/auth", func(r chi.Router) {
		r.Use(authRateLimiter.Middleware())
		r.Get("/login", authService.HandleLogin)
		r.Get("/callback", authService.HandleCallback)
	})
	r.With(authService.RequireSession).Post("/auth/logout", authService.HandleLogout)

	// The push service authenticates with the channel token, not a session.
	r.With(webhookRateLimiter.Middleware()).
		Post("/api/sync/notifications", apiHandler.Notifications)

	r.Route("/api", func(r chi.Router) {
		r.Use(authService.RequireSession)

		r.Get("/events", apiHandler.ListEvents)
		r.Post("/events", apiHandler.CreateEvent)
		r.Delete("/events", apiHandler.DeleteAllEvents)
		r.Get("/events/{id}", apiHandler.GetEvent)
		r.Put("/events/{id}", apiHandler.UpdateEvent)
		r.Delete("/events/{id}", apiHandler.DeleteEvent)

		r.Post("/sync/import", apiHandler.Import)
		r.Post("/sync/watch", apiHandler.StartWatch)
		r.Delete("/sync/watch", apiHandler.StopWatch)
		r.Post("/sync/refresh", apiHandler.RefreshWatches)
	})

	return r
}
