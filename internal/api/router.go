/**
 * @description
 * This file sets up the HTTP router for the ledger-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * the internal authentication middleware.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LedgerRoutes creates and returns a new router for the ledger service.
func LedgerRoutes(h *LedgerHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		// Student management endpoints
		r.Post("/students", h.CreateStudentHandler)
		r.Get("/students/{accountID}", h.GetStudentHandler)
		r.Patch("/students/{accountID}", h.UpdateStudentHandler)

		// Ledger endpoints
		r.Post("/accounts/{accountID}/transactions", h.PostTransactionHandler)
		r.Post("/accounts/{accountID}/payments", h.RecordPaymentHandler)
		r.Get("/accounts/{accountID}/balance", h.GetBalanceHandler)
		r.Get("/accounts/{accountID}/statement", h.GetStatementHandler)
		r.Get("/accounts/{accountID}/payment-terms", h.GetPaymentTermsHandler)

		// Identity migration endpoints
		r.Post("/admin/backfill", h.BackfillHandler)
		r.Get("/admin/audit", h.AuditHandler)
	})

	return r
}
