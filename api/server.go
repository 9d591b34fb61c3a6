/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the registrar/cashier frontends

ROUTE GROUPS:
  /api/students/*      Statements, assessments, payments, credits, late fees
  /api/overpayments/*  Single-record credit application
  /api/late-fees/*     Waivers
  /api/awards/*        Scholarship revocation
  /api/scholarships    Scholarship catalog
  /api/programs/*      Resolved rates
  /api/catalog         Catalog import
  /api/admin/*         Manual job runs
  /api/scenarios/*     Demo scenarios

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

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

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: !containsWildcard(allowedOrigins),
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetStudent)
				r.Get("/statement", h.GetStatement)

				r.Route("/terms/{ay}/{sem}", func(r chi.Router) {
					r.Get("/assessment", h.GetAssessment)
					r.Get("/summary", h.GetTermSummary)
					r.Get("/late-fee", h.QuoteLateFee)
					r.Post("/late-fees", h.PostLateFee)
				})

				r.Get("/payments", h.ListPayments)
				r.Post("/payments", h.PostPayment)
				r.Post("/balance-forwards", h.ForwardBalance)

				r.Get("/overpayments", h.ListOverpayments)
				r.Post("/overpayments", h.RecordOverpayment)
				r.Post("/overpayments/sync", h.SyncOverpayments)
				r.Post("/credits/apply", h.ApplyCredits)

				r.Get("/late-fees", h.ListLateFees)
				r.Post("/scholarships", h.AwardScholarship)
			})
		})

		r.Post("/overpayments/{id}/apply", h.ApplyOverpayment)
		r.Post("/late-fees/{id}/waive", h.WaiveLateFee)
		r.Post("/awards/{id}/revoke", h.RevokeAward)

		r.Get("/scholarships", h.ListScholarships)
		r.Post("/scholarships", h.CreateScholarship)

		r.Get("/programs/{id}/rates", h.GetProgramRates)
		r.Post("/catalog", h.ImportCatalog)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/late-fees/accrue", h.AccrueLateFees)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
