/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the panel frontend

ROUTE GROUPS:
  /healthz, /metrics       Probes and Prometheus scrape (public)
  /eko/badge.js            Embeddable badge (public)
  /api/webhooks/stripe     Gateway events (signature-verified)
  /api/plans               Public catalog
  /api/eko/*               Customer, bearer token
  /api/services/*          Customer, bearer token
  /api/wallet/*            Customer, bearer token
  /api/admin/*             Bearer token with role=admin

SEE ALSO:
  - handlers.go, services.go, admin.go: Handler implementations
  - auth.go: Bearer token verification
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the router's collaborators that are not handlers.
type RouterConfig struct {
	AllowedOrigins []string
	Auth           *Authenticator

	// Webhook receives gateway events. Nil disables the route.
	Webhook http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "If-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/eko/badge.js", h.GetBadge)

	r.Route("/api", func(r chi.Router) {
		if cfg.Webhook != nil {
			r.Method(http.MethodPost, "/webhooks/stripe", cfg.Webhook)
		}
		r.Get("/plans", h.ListPublicPlans)

		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			// EKO routes
			r.Route("/eko", func(r chi.Router) {
				r.Get("/summary", h.GetEkoSummary)
				r.Post("/redeem", h.Redeem)
				r.Post("/actions", h.RecordAction)
			})

			// Service routes
			r.Route("/services", func(r chi.Router) {
				r.Get("/", h.ListServices)
				r.Post("/", h.PurchaseService)
				r.Get("/{id}", h.GetService)
				r.Put("/{id}/auto-renew", h.SetAutoRenew)
				r.Patch("/{id}/toggle-renew", h.ToggleAutoRenew)
				r.Post("/{id}/subscription", h.StartSubscription)
				r.Post("/{id}/renew", h.StartRenewal)
				r.Get("/{id}/renewals", h.ListRenewals)
				r.Get("/{id}/renewals/{renewalId}/receipt.pdf", h.GetReceipt)
			})

			// Wallet routes
			r.Route("/wallet", func(r chi.Router) {
				r.Get("/", h.GetWallet)
				r.Get("/transactions", h.ListWalletTransactions)
				r.Post("/top-up", h.StartTopUp)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Route("/eko", func(r chi.Router) {
					r.Get("/settings", h.GetEkoSettings)
					r.Put("/settings", h.UpdateEkoSettings)
					r.Post("/accounts/{accountId}/adjust", h.AdjustPoints)
					r.Get("/accounts/{accountId}/audit", h.AuditPoints)
					r.Post("/accounts/{accountId}/repair", h.RepairPoints)
				})

				r.Route("/plans", func(r chi.Router) {
					r.Get("/", h.ListAllPlans)
					r.Post("/", h.CreatePlan)
					r.Put("/{id}", h.UpdatePlan)
					r.Delete("/{id}", h.DeletePlan)
				})

				r.Route("/services", func(r chi.Router) {
					r.Get("/", h.ListAllServices)
					r.Post("/{id}/cancel", h.CancelService)
				})

				r.Post("/sweep", h.RunSweep)
			})
		})
	})

	return r
}
