/**
 * @description
 * This file contains the HTTP handlers for the ledger-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * Error mapping:
 * - validation failures                  -> 400
 * - unknown student / term              -> 404
 * - identifier immutability, duplicates -> 409
 * - payment rate limit                  -> 429
 * - identifier exhaustion, concurrency  -> 503 (retryable)
 * - everything else                     -> 500
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/campuspay/ledger-service/internal/app"
	"github.com/campuspay/ledger-service/internal/domain"
	"github.com/campuspay/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service *app.Service
}

// NewLedgerHandlers creates a new instance of LedgerHandlers.
func NewLedgerHandlers(service *app.Service) *LedgerHandlers {
	return &LedgerHandlers{service: service}
}

func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
	}
}

func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (h *LedgerHandlers) writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var rle *app.RateLimitError
	switch {
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStudentNotFound), errors.Is(err, store.ErrTermNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrIdentifierImmutable), errors.Is(err, store.ErrDuplicateEmail):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &rle):
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, store.ErrGenerationExhausted), errors.Is(err, store.ErrConcurrentModification):
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", endpoint, err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// CreateStudentHandler handles enrollment requests.
func (h *LedgerHandlers) CreateStudentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	student, err := h.service.CreateStudent(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_student", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, student)
}

// GetStudentHandler returns a student by account identifier.
func (h *LedgerHandlers) GetStudentHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	student, err := h.service.GetStudent(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_student", err)
		return
	}
	h.writeJSON(w, http.StatusOK, student)
}

// UpdateStudentHandler applies a profile update.
func (h *LedgerHandlers) UpdateStudentHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req domain.UpdateStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	student, err := h.service.UpdateStudent(r.Context(), accountID, req)
	if err != nil {
		h.writeServiceError(w, "update_student", err)
		return
	}
	h.writeJSON(w, http.StatusOK, student)
}

type transactionResponse struct {
	Transaction *domain.Transaction  `json:"transaction"`
	Result      *domain.RecalcResult `json:"result"`
}

// PostTransactionHandler appends a ledger entry to an account.
func (h *LedgerHandlers) PostTransactionHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req domain.PostTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	entry, result, err := h.service.PostTransaction(r.Context(), accountID, req)
	if err != nil {
		h.writeServiceError(w, "post_transaction", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: entry, Result: result})
}

type paymentResponse struct {
	Payment *domain.Payment      `json:"payment"`
	Result  *domain.RecalcResult `json:"result"`
}

// RecordPaymentHandler records a completed payment against an account.
func (h *LedgerHandlers) RecordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var req domain.RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	payment, result, err := h.service.RecordPayment(r.Context(), accountID, req)
	if err != nil {
		h.writeServiceError(w, "record_payment", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, paymentResponse{Payment: payment, Result: result})
}

// GetBalanceHandler returns the derived balance for an account.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_balance", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"balance":    balance,
	})
}

// GetStatementHandler returns the account ledger grouped by school term.
func (h *LedgerHandlers) GetStatementHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	groups, err := h.service.GetStatement(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_statement", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": accountID,
		"statement":  groups,
	})
}

// GetPaymentTermsHandler returns the installment schedule for an account.
func (h *LedgerHandlers) GetPaymentTermsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	terms, err := h.service.GetPaymentTerms(r.Context(), accountID)
	if err != nil {
		h.writeServiceError(w, "get_payment_terms", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":    accountID,
		"payment_terms": terms,
	})
}

// BackfillHandler triggers the identity backfill. ?dry_run=true reports the
// affected row counts without committing.
func (h *LedgerHandlers) BackfillHandler(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"

	report, err := h.service.RunBackfill(r.Context(), dryRun)
	if err != nil {
		h.writeServiceError(w, "backfill", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// AuditHandler runs the read-only ledger consistency audit.
func (h *LedgerHandlers) AuditHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RunAudit(r.Context())
	if err != nil {
		h.writeServiceError(w, "audit", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
