package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/legal-audit/app"
	"github.com/upb/legal-audit/middleware"
	"github.com/upb/legal-audit/services/ratelimit"
	"github.com/upb/legal-audit/utils"
)

const defaultRequestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	cfg := deps.Config

	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	// Core middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger, deps.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(timeout))

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID", "X-RateLimit-Limit"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Get("/readyz", deps.HealthHandler.HandleReadiness)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	adminRole := cfg.Auth.AdminRole
	if adminRole == "" {
		adminRole = "admin"
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.AuthMiddleware.RequireAuth)
		r.Use(deps.RateLimitMiddleware.Limit(ratelimit.ClassAPI))

		// Audit trail, scoped to the caller's tenant
		r.Route("/audit", func(r chi.Router) {
			r.Post("/events", deps.AuditHandler.HandleRecordEvent)
			r.Get("/events", deps.AuditHandler.HandleListEvents)
			r.Get("/events/{id}", deps.AuditHandler.HandleGetEvent)
			r.Get("/events/{id}/verify", deps.AuditHandler.HandleVerifyEvent)

			r.With(deps.AuthMiddleware.RequireRole(adminRole)).
				Get("/chains/verify", deps.AuditHandler.HandleVerifyChain)
		})

		// Security monitor (require admin role)
		r.Route("/security", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireRole(adminRole))
			r.Get("/status", deps.SecurityHandler.HandleStatus)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
