/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request, attached to postback logs
  4. CORS:       Cross-origin requests from the admin UI (/api only)

ROUTE GROUPS:
  /postback/{partner}   Partner callbacks (GET, signed)
  /health               Liveness
  /metrics              Prometheus scrape
  /api/accounts/*       User balances, notifications, withdrawals
  /api/admin/*          Task transitions, revenue, policy, sweep, payouts

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/postback/{partner}", h.Postback)
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(h.Metrics.Registry, promhttp.HandlerOpts{}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))

		// Account routes
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/notifications", h.ListNotifications)
			r.Get("/{id}/withdrawals", h.ListUserWithdrawals)
			r.Post("/{id}/withdrawals", h.RequestWithdrawal)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", h.ListTasks)
				r.Get("/pending", h.ListPending)
				r.Get("/{id}", h.GetTask)
				r.Post("/{id}/pending", h.MoveToPending)
				r.Post("/{id}/complete", h.CompletePending)
				r.Post("/{id}/chargeback-pending", h.ChargebackPending)
				r.Post("/{id}/chargeback", h.ChargebackCompleted)
				r.Put("/{id}/chargeback-status", h.SetChargebackStatus)
			})

			r.Get("/revenue", h.GetRevenue)
			r.Get("/pending-policy", h.GetPendingPolicy)
			r.Put("/pending-policy", h.UpdatePendingPolicy)
			r.Post("/sweep", h.RunSweep)
			r.Post("/credits", h.CreateInternalCredit)

			r.Route("/withdrawals", func(r chi.Router) {
				r.Get("/", h.ListWithdrawals)
				r.Post("/{id}/approve", h.ApproveWithdrawal)
				r.Post("/{id}/refund", h.RefundWithdrawal)
				r.Post("/{id}/reject", h.RejectWithdrawal)
			})
		})
	})

	return r
}
