/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the ledger-service needs. The interface decouples the business logic
 * from the PostgreSQL implementation and is the seam service-level tests fake.
 *
 * Operations that must be atomic (identifier allocation, ledger posting plus
 * recalculation, payment recording plus term allocation, the backfill) are
 * exposed as single composite methods so an implementation can run each one
 * inside one database transaction.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid, github.com/shopspring/decimal: Key and money types.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuspay/ledger-service/internal/domain"
)

var (
	ErrStudentNotFound        = errors.New("student not found")
	ErrTermNotFound           = errors.New("payment term not found")
	ErrGenerationExhausted    = errors.New("account identifier space exhausted after bounded retries")
	ErrConcurrentModification = errors.New("concurrent ledger modification, retry the operation")
	ErrDuplicateEmail         = errors.New("a student with this email already exists")
	ErrBackfillVerification   = errors.New("backfill verification failed: rows still missing account identifier")
	ErrOrphanedRecords        = errors.New("orphaned financial rows reference a missing student")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Student methods. CreateStudent allocates the account identifier and
	// writes the student plus any generated assessment and payment terms in
	// one transaction; the identifier on the returned student is final.
	CreateStudent(ctx context.Context, student *domain.Student, assessment *domain.Assessment, terms []domain.PaymentTerm) (*domain.Student, error)
	FindStudentByAccountID(ctx context.Context, accountID string) (*domain.Student, error)
	UpdateStudentProfile(ctx context.Context, accountID string, req domain.UpdateStudentRequest) (*domain.Student, error)

	// Ledger methods. PostTransaction and RecordPayment recalculate the
	// balance and evaluate promotion inside the transaction that wrote the
	// triggering rows; no partial state is ever visible.
	PostTransaction(ctx context.Context, tx *domain.Transaction) (*domain.RecalcResult, error)
	RecordPayment(ctx context.Context, payment *domain.Payment, tx *domain.Transaction, termID *uuid.UUID) (*domain.RecalcResult, error)
	ComputeBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
	ListPaymentTerms(ctx context.Context, accountID string) ([]domain.PaymentTerm, error)

	// Identity migration methods.
	RunBackfill(ctx context.Context, dryRun bool) (*domain.BackfillReport, error)
	Audit(ctx context.Context) (*domain.AuditReport, error)
}
