/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     request logging
  2. Recoverer:  panic recovery (500 instead of crash)
  3. RequestID:  unique ID per request for tracing
  4. CORS:       cross-origin requests for the dashboard frontend

ROUTE GROUPS:
  /api/guilds/{guildID}/orders/*   Order listing and fulfillment actions
  /api/guilds/{guildID}/users/*    Wallet balance and ledger history
  /api/scenarios/*                 Demo data seeding (dev only)

SECURITY NOTE:
  The admin actor is assumed already authenticated by the surrounding
  platform; there is no auth middleware here.

SEE ALSO:
  - handlers.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/guilds/{guildID}", func(r chi.Router) {
			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.ListOrders)
				r.Post("/{id}/approve", h.ApproveOrder)
				r.Post("/{id}/reject", h.RejectOrder)
				r.Post("/{id}/refund", h.RefundOrder)
			})

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Get("/balance", h.GetBalance)
				r.Get("/ledger", h.GetLedger)
			})
		})

		// Scenario routes (dev/demo)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
