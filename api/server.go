/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Request count and latency by route pattern
  5. CORS:       Cross-origin requests for frontend
  6. Auth:       Bearer token to caller identity
  7. RateLimit:  Per-caller token bucket

ROUTE GROUPS:
  /healthz                   Liveness + storage ping
  /metrics                   Prometheus scrape
  /api/families/*            Karma reads and writes
  /api/admin/*               Reconciliation, membership (admin claim)

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional middleware collaborators.
type RouterOptions struct {
	Auth           *Authenticator
	RateLimiter    *RateLimiter
	Metrics        MetricsProvider
	AllowedOrigins []string
	// RequestLogging enables chi's request logger.
	RequestLogging bool
}

// MetricsProvider is implemented by metrics.Metrics.
type MetricsProvider interface {
	Instrument(next http.Handler) http.Handler
	Handler() http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if opts.RequestLogging {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Instrument)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}
		if opts.RateLimiter != nil {
			r.Use(opts.RateLimiter.Handler)
		}

		r.Route("/families/{familyId}", func(r chi.Router) {
			r.Get("/karma", h.GetFamilyKarma)

			r.Route("/members/{userId}/karma", func(r chi.Router) {
				r.Get("/", h.GetMemberKarma)
				r.Get("/history", h.GetHistory)
				r.Post("/grants", h.Grant)
				r.Post("/events", h.RecordEvent)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Post("/reconcile", h.TriggerReconcile)
			r.Get("/reconcile", h.GetLastReconcile)

			r.Route("/families/{familyId}/members", func(r chi.Router) {
				r.Get("/", h.ListMembers)
				r.Put("/{userId}", h.SaveMember)
				r.Delete("/{userId}", h.RemoveMember)
			})
		})
	})

	return r
}
