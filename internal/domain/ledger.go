/**
 * @description
 * This file defines the ledger domain models: transactions (the append-only
 * ledger), payments (completed money movements, 1:1 with a kind=payment
 * transaction), scheduled payment terms, and the report/result types returned
 * by ledger operations.
 *
 * @notes
 * - Transactions are never deleted; corrections are posted as offsetting
 *   entries.
 * - Amounts use fixed-point decimals (NUMERIC(12,2) in Postgres) to avoid
 *   floating-point drift in financial data.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction kinds.
const (
	TransactionKindCharge  = "charge"
	TransactionKindPayment = "payment"
)

// Transaction statuses.
const (
	TransactionStatusPending = "pending"
	TransactionStatusPaid    = "paid"
	TransactionStatusPartial = "partial"
)

// Transaction is one append-only ledger entry for an account. Maps to the
// `transactions` table. Only kind=charge entries and kind=payment entries
// with status=paid contribute to the balance.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	LegacyUserID *int64          `json:"legacy_user_id,omitempty"`
	AccountID    string          `json:"account_id"`
	Reference    string          `json:"reference"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Description  *string         `json:"description,omitempty"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Payment is a completed money-movement record. Every payment is written in
// the same transaction as its kind=payment ledger entry; TransactionID is a
// NOT NULL unique reference, which keeps the two tables in 1:1
// correspondence. Maps to the `payments` table.
type Payment struct {
	ID              uuid.UUID       `json:"id"`
	LegacyUserID    *int64          `json:"legacy_user_id,omitempty"`
	AccountID       string          `json:"account_id"`
	TransactionID   uuid.UUID       `json:"transaction_id"`
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	ReferenceNumber *string         `json:"reference_number,omitempty"`
	PaidAt          time.Time       `json:"paid_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Payment term statuses.
const (
	TermStatusPending = "pending"
	TermStatusPartial = "partial"
	TermStatusPaid    = "paid"
)

// PaymentTerm is a scheduled installment due by a date. Payments are applied
// against an account's open terms in due-date order until exhausted. Maps to
// the `payment_terms` table.
type PaymentTerm struct {
	ID           uuid.UUID       `json:"id"`
	LegacyUserID *int64          `json:"legacy_user_id,omitempty"`
	AccountID    string          `json:"account_id"`
	SchoolYear   string          `json:"school_year"`
	Semester     string          `json:"semester"`
	TermName     string          `json:"term_name"`
	TermOrder    int             `json:"term_order"`
	Amount       decimal.Decimal `json:"amount"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	DueDate      time.Time       `json:"due_date"`
	Status       string          `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Outstanding returns the unpaid remainder of the term.
func (t PaymentTerm) Outstanding() decimal.Decimal {
	return t.Amount.Sub(t.PaidAmount)
}

// PostTransactionRequest is the DTO for appending a ledger entry.
type PostTransactionRequest struct {
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status,omitempty"`
	Description *string         `json:"description,omitempty"`
}

// RecordPaymentRequest is the DTO for recording a completed payment. TermID
// optionally targets one payment term; when absent the amount is allocated
// against open terms in due-date order.
type RecordPaymentRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	ReferenceNumber *string         `json:"reference_number,omitempty"`
	PaidAt          time.Time       `json:"paid_at"`
	TermID          *uuid.UUID      `json:"term_id,omitempty"`
}

// RecalcResult reports what a ledger recalculation did: the authoritative
// balance and any status transition it triggered.
type RecalcResult struct {
	Balance   decimal.Decimal `json:"balance"`
	Promoted  bool            `json:"promoted"`
	FromLevel string          `json:"from_level,omitempty"`
	ToLevel   string          `json:"to_level,omitempty"`
	Graduated bool            `json:"graduated"`
}

// BackfillReport holds the per-table affected row counts from one backfill
// invocation. A dry run reports the same counts without writing.
type BackfillReport struct {
	DryRun       bool  `json:"dry_run"`
	Students     int64 `json:"students"`
	PaymentTerms int64 `json:"payment_terms"`
	Assessments  int64 `json:"assessments"`
	Transactions int64 `json:"transactions"`
	Payments     int64 `json:"payments"`
}

// Total returns the total number of rows the invocation touched (or would
// touch, for a dry run).
func (r BackfillReport) Total() int64 {
	return r.Students + r.PaymentTerms + r.Assessments + r.Transactions + r.Payments
}

// AuditReport summarizes ledger consistency findings: dependent rows whose
// account identifier has no matching student (a detected failure state, never
// auto-corrected), rows still missing an identifier, and students whose
// cached balance disagrees with the ledger.
type AuditReport struct {
	OrphanedPaymentTerms int64 `json:"orphaned_payment_terms"`
	OrphanedAssessments  int64 `json:"orphaned_assessments"`
	OrphanedTransactions int64 `json:"orphaned_transactions"`
	OrphanedPayments     int64 `json:"orphaned_payments"`
	MissingAccountIDRows int64 `json:"missing_account_id_rows"`
	StaleBalances        int64 `json:"stale_balances"`
}

// Clean reports whether the audit found nothing wrong.
func (r AuditReport) Clean() bool {
	return r.OrphanedPaymentTerms == 0 && r.OrphanedAssessments == 0 &&
		r.OrphanedTransactions == 0 && r.OrphanedPayments == 0 &&
		r.MissingAccountIDRows == 0 && r.StaleBalances == 0
}

// StatementGroup is one school term's slice of an account statement.
type StatementGroup struct {
	Term         string        `json:"term"`
	Transactions []Transaction `json:"transactions"`
}
