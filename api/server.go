/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. StripSlashes: Trailing-slash tolerant routing
  5. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/v1/stations/*      Station registry
  /api/v1/pumps/*         Heartbeats, transaction history
  /api/v1/tanks/*         Readings, reconcile
  /api/v1/reconcile/*     Station-wide sweeps
  /api/v1/transactions/*  Dispensing events
  /api/v1/anomalies/*     Lifecycle operations
  /api/v1/receipts/*      Issue/verify
  /api/v1/rules/*         Rule configuration
  /api/v1/scenarios/*     Demo data loaders
  /ws/stations/{id}/      Realtime events

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - ws.go: WebSocket endpoint
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/stations", func(r chi.Router) {
			r.Get("/", h.ListStations)
			r.Get("/{id}/pumps", h.ListStationPumps)
		})

		r.Route("/pumps", func(r chi.Router) {
			r.Post("/{id}/heartbeat", h.PumpHeartbeat)
			r.Get("/{id}/transactions", h.ListPumpTransactions)
		})

		r.Route("/tanks", func(r chi.Router) {
			r.Get("/", h.ListTanks)
			r.Get("/{id}/readings", h.ListTankReadings)
			r.Post("/{id}/readings", h.CreateTankReading)
			r.Post("/{id}/reconcile", h.ReconcileTank)
		})

		r.Post("/reconcile/station/{id}", h.ReconcileStation)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Get("/{id}", h.GetTransaction)
		})

		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", h.ListAnomalies)
			r.Post("/{id}/acknowledge", h.AcknowledgeAnomaly)
			r.Post("/{id}/resolve", h.ResolveAnomaly)
		})

		r.Route("/receipts", func(r chi.Router) {
			r.Get("/", h.ListReceipts)
			r.Post("/generate", h.GenerateReceipt)
			r.Post("/verify", h.VerifyReceipt)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Put("/{id}", h.UpdateRule)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	// Realtime events
	r.Get("/ws/stations/{id}", h.ServeStationWS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
