/**
 * @description
 * This file contains the core business logic for the ledger-service. The
 * `Service` struct orchestrates enrollment, ledger postings, payments, and the
 * identity backfill, coordinating between the database repository, the Redis
 * rate limiter, and the message broker.
 *
 * Key features:
 * - Validates requests before they reach the store; the store only ever sees
 *   well-formed writes.
 * - Rejects any attempt to change an account identifier after assignment.
 * - Publishes events to RabbitMQ for asynchronous processing by other
 *   services; event publishing is best-effort and never fails a committed
 *   operation.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID and reference generation.
 * - github.com/shopspring/decimal: Money amounts.
 * - internal/domain, internal/store, internal/ledger, internal/term: Domain
 *   models, data access, and ledger math.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuspay/ledger-service/internal/domain"
	"github.com/campuspay/ledger-service/internal/ledger"
	"github.com/campuspay/ledger-service/internal/store"
	"github.com/campuspay/ledger-service/internal/term"
	"github.com/campuspay/ledger-service/pkg/rabbitmq"
)

var (
	// ErrValidation wraps all request-shape failures; handlers map it to 400.
	ErrValidation = errors.New("invalid request")
	// ErrIdentifierImmutable is returned when an update tries to change an
	// assigned account identifier.
	ErrIdentifierImmutable = errors.New("account identifier is immutable once assigned")
)

// RateLimitError reports that an account exceeded its payment posting limit.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("payment rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// RateLimiter is the seam the Redis limiter implements; a nil limiter
// disables rate limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Config carries the service-level tunables.
type Config struct {
	EventsExchange            string
	PaymentRateLimitPerMinute int
}

// Service provides the core business logic for the ledger.
type Service struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	limiter  RateLimiter
	cfg      Config
	now      func() time.Time
}

// NewService creates a new ledger service instance.
func NewService(repo store.Repository, producer rabbitmq.Publisher, limiter RateLimiter, cfg Config) *Service {
	if cfg.EventsExchange == "" {
		cfg.EventsExchange = "campuspay.events"
	}
	return &Service{
		repo:     repo,
		producer: producer,
		limiter:  limiter,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// newReference builds a human-readable reference like PAY-1A2B3C4D.
func newReference(prefix string) string {
	return prefix + "-" + strings.ToUpper(uuid.New().String()[:8])
}

// CreateStudent enrolls a student. The account identifier and student number
// are allocated by the store inside the enrollment transaction; when a total
// assessment is supplied, the assessment and its five payment terms are
// created in the same transaction. No ledger entries are posted at
// enrollment: transactions enter the ledger only when payments land or
// charges are posted explicitly.
func (s *Service) CreateStudent(ctx context.Context, req domain.CreateStudentRequest) (*domain.Student, error) {
	if err := validateCreateStudent(req); err != nil {
		return nil, err
	}

	student := &domain.Student{
		LastName:      strings.TrimSpace(req.LastName),
		FirstName:     strings.TrimSpace(req.FirstName),
		MiddleInitial: req.MiddleInitial,
		Email:         strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:         req.Phone,
		Address:       req.Address,
		Birthday:      req.Birthday,
		Course:        strings.TrimSpace(req.Course),
		YearLevel:     req.YearLevel,
	}

	var (
		assessment *domain.Assessment
		terms      []domain.PaymentTerm
	)
	if req.TotalAssessment != nil && req.TotalAssessment.GreaterThan(decimal.Zero) {
		assessment, terms = s.buildAssessment(req.YearLevel, *req.TotalAssessment)
	}

	created, err := s.repo.CreateStudent(ctx, student, assessment, terms)
	if err != nil {
		return nil, fmt.Errorf("failed to create student: %w", err)
	}
	log.Printf("level=info component=service msg=\"student enrolled\" account_id=%s student_no=%s year_level=%q",
		created.AccountID, created.StudentNo, created.YearLevel)

	s.publish(ctx, "student.created", rabbitmq.StudentCreatedEvent{
		AccountID: created.AccountID,
		StudentNo: created.StudentNo,
		YearLevel: created.YearLevel,
		Timestamp: s.now(),
	})
	return created, nil
}

// buildAssessment generates the active assessment for the current school term
// and the five-term installment schedule derived from the total.
func (s *Service) buildAssessment(yearLevel string, total decimal.Decimal) (*domain.Assessment, []domain.PaymentTerm) {
	now := s.now()
	current := term.Current(now)
	start := term.TermStart(current.SchoolYear)

	assessment := &domain.Assessment{
		AssessmentNumber: newReference("AST"),
		YearLevel:        yearLevel,
		Semester:         current.Semester,
		SchoolYear:       current.SchoolYear,
		TotalAssessment:  total.Round(2),
		Status:           domain.AssessmentStatusActive,
	}

	plans := ledger.SplitAssessment(assessment.TotalAssessment)
	terms := make([]domain.PaymentTerm, 0, len(plans))
	for _, p := range plans {
		terms = append(terms, domain.PaymentTerm{
			SchoolYear: current.SchoolYear,
			Semester:   current.Semester,
			TermName:   p.Name,
			TermOrder:  p.Order,
			Amount:     p.Amount,
			DueDate:    p.DueDate(start),
			Status:     domain.TermStatusPending,
		})
	}
	return assessment, terms
}

func validateCreateStudent(req domain.CreateStudentRequest) error {
	if strings.TrimSpace(req.LastName) == "" || strings.TrimSpace(req.FirstName) == "" {
		return fmt.Errorf("%w: first and last name are required", ErrValidation)
	}
	if strings.TrimSpace(req.Email) == "" || !strings.Contains(req.Email, "@") {
		return fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	if strings.TrimSpace(req.Course) == "" {
		return fmt.Errorf("%w: course is required", ErrValidation)
	}
	if !validYearLevel(req.YearLevel) {
		return fmt.Errorf("%w: year_level must be one of %v", ErrValidation, domain.YearLevels)
	}
	if req.TotalAssessment != nil && req.TotalAssessment.LessThan(decimal.Zero) {
		return fmt.Errorf("%w: total_assessment cannot be negative", ErrValidation)
	}
	return nil
}

func validYearLevel(level string) bool {
	for _, l := range domain.YearLevels {
		if l == level {
			return true
		}
	}
	return false
}

// GetStudent retrieves a student by account identifier.
func (s *Service) GetStudent(ctx context.Context, accountID string) (*domain.Student, error) {
	return s.repo.FindStudentByAccountID(ctx, accountID)
}

// UpdateStudent applies a profile update. The account identifier can never be
// changed: a payload carrying a different identifier than the one addressed
// is rejected before the repository is touched.
func (s *Service) UpdateStudent(ctx context.Context, accountID string, req domain.UpdateStudentRequest) (*domain.Student, error) {
	if req.AccountID != nil && *req.AccountID != accountID {
		log.Printf("level=warn component=service msg=\"rejected identifier mutation\" account_id=%s attempted=%s",
			accountID, *req.AccountID)
		return nil, ErrIdentifierImmutable
	}
	if req.Email != nil && !strings.Contains(*req.Email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrValidation)
	}
	return s.repo.UpdateStudentProfile(ctx, accountID, req)
}

// PostTransaction appends a ledger entry and returns the recalculation
// result. Charges default to pending; payment entries posted directly must
// carry an explicit status.
func (s *Service) PostTransaction(ctx context.Context, accountID string, req domain.PostTransactionRequest) (*domain.Transaction, *domain.RecalcResult, error) {
	if req.Kind != domain.TransactionKindCharge && req.Kind != domain.TransactionKindPayment {
		return nil, nil, fmt.Errorf("%w: kind must be charge or payment", ErrValidation)
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	status := req.Status
	if status == "" {
		status = domain.TransactionStatusPending
	}
	switch status {
	case domain.TransactionStatusPending, domain.TransactionStatusPaid, domain.TransactionStatusPartial:
	default:
		return nil, nil, fmt.Errorf("%w: unknown transaction status %q", ErrValidation, status)
	}

	entry := &domain.Transaction{
		ID:          uuid.New(),
		AccountID:   accountID,
		Reference:   newReference("SYS"),
		Kind:        req.Kind,
		Status:      status,
		Amount:      req.Amount.Round(2),
		Description: req.Description,
	}
	if req.Kind == domain.TransactionKindPayment && status == domain.TransactionStatusPaid {
		now := s.now()
		entry.PaidAt = &now
	}

	result, err := s.repo.PostTransaction(ctx, entry)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to post transaction: %w", err)
	}
	log.Printf("level=info component=service msg=\"transaction posted\" account_id=%s reference=%s kind=%s amount=%s balance=%s",
		accountID, entry.Reference, entry.Kind, entry.Amount, result.Balance)

	s.publishAdvancement(ctx, accountID, result)
	return entry, result, nil
}

// RecordPayment records a completed payment: one payment row, its kind=payment
// ledger entry, the term allocation, and the recalculation, all in one store
// transaction. Posting is rate limited per account.
func (s *Service) RecordPayment(ctx context.Context, accountID string, req domain.RecordPaymentRequest) (*domain.Payment, *domain.RecalcResult, error) {
	if !req.Amount.GreaterThan(decimal.Zero) {
		return nil, nil, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if strings.TrimSpace(req.Method) == "" {
		return nil, nil, fmt.Errorf("%w: method is required", ErrValidation)
	}

	if s.limiter != nil && s.cfg.PaymentRateLimitPerMinute > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, "payments", accountID, s.cfg.PaymentRateLimitPerMinute, time.Minute)
		if err != nil {
			// Redis being down must not block payments
			log.Printf("level=warn component=service msg=\"rate limiter unavailable, allowing request\" account_id=%s err=%v", accountID, err)
		} else if count > s.cfg.PaymentRateLimitPerMinute {
			return nil, nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}

	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}

	entry := &domain.Transaction{
		ID:        uuid.New(),
		AccountID: accountID,
		Reference: newReference("PAY"),
		Kind:      domain.TransactionKindPayment,
		Status:    domain.TransactionStatusPaid,
		Amount:    req.Amount.Round(2),
		PaidAt:    &paidAt,
	}
	payment := &domain.Payment{
		ID:              uuid.New(),
		AccountID:       accountID,
		TransactionID:   entry.ID,
		Amount:          entry.Amount,
		Method:          strings.TrimSpace(req.Method),
		ReferenceNumber: req.ReferenceNumber,
		PaidAt:          paidAt,
	}

	result, err := s.repo.RecordPayment(ctx, payment, entry, req.TermID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record payment: %w", err)
	}
	log.Printf("level=info component=service msg=\"payment recorded\" account_id=%s reference=%s amount=%s balance=%s",
		accountID, entry.Reference, payment.Amount, result.Balance)

	s.publish(ctx, "payment.recorded", rabbitmq.PaymentRecordedEvent{
		AccountID: accountID,
		Reference: entry.Reference,
		Amount:    payment.Amount,
		Method:    payment.Method,
		Balance:   result.Balance,
		Timestamp: s.now(),
	})
	s.publishAdvancement(ctx, accountID, result)
	return payment, result, nil
}

// GetBalance derives the authoritative balance from the ledger.
func (s *Service) GetBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	return s.repo.ComputeBalance(ctx, accountID)
}

// GetPaymentTerms returns the account's installment schedule.
func (s *Service) GetPaymentTerms(ctx context.Context, accountID string) ([]domain.PaymentTerm, error) {
	return s.repo.ListPaymentTerms(ctx, accountID)
}

// GetStatement returns the account's full ledger grouped by school term, in
// chronological order within each group.
func (s *Service) GetStatement(ctx context.Context, accountID string) ([]domain.StatementGroup, error) {
	txs, err := s.repo.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var groups []domain.StatementGroup
	index := map[string]int{}
	for _, tx := range txs {
		key := term.Current(tx.CreatedAt).String()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, domain.StatementGroup{Term: key})
		}
		groups[i].Transactions = append(groups[i].Transactions, tx)
	}
	return groups, nil
}

// RunBackfill executes the identity backfill and publishes a completion event
// for committed runs.
func (s *Service) RunBackfill(ctx context.Context, dryRun bool) (*domain.BackfillReport, error) {
	report, err := s.repo.RunBackfill(ctx, dryRun)
	if err != nil {
		return nil, fmt.Errorf("backfill failed: %w", err)
	}
	log.Printf("level=info component=service msg=\"backfill finished\" dry_run=%v students=%d total_rows=%d",
		report.DryRun, report.Students, report.Total())

	if !report.DryRun {
		s.publish(ctx, "ledger.backfill.completed", rabbitmq.BackfillCompletedEvent{
			RowsUpdated: report.Total(),
			Timestamp:   s.now(),
		})
	}
	return report, nil
}

// RunAudit reports ledger consistency findings without modifying anything.
func (s *Service) RunAudit(ctx context.Context) (*domain.AuditReport, error) {
	report, err := s.repo.Audit(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit failed: %w", err)
	}
	if !report.Clean() {
		log.Printf("level=warn component=service msg=\"ledger audit found inconsistencies\" orphans=%d missing_ids=%d stale_balances=%d",
			report.OrphanedPaymentTerms+report.OrphanedAssessments+report.OrphanedTransactions+report.OrphanedPayments,
			report.MissingAccountIDRows, report.StaleBalances)
	}
	return report, nil
}

// publishAdvancement emits a student.promoted or student.graduated event when
// the recalculation moved the student.
func (s *Service) publishAdvancement(ctx context.Context, accountID string, result *domain.RecalcResult) {
	switch {
	case result.Promoted:
		s.publish(ctx, "student.promoted", rabbitmq.StudentAdvancedEvent{
			AccountID: accountID,
			FromLevel: result.FromLevel,
			ToLevel:   result.ToLevel,
			Timestamp: s.now(),
		})
	case result.Graduated:
		s.publish(ctx, "student.graduated", rabbitmq.StudentAdvancedEvent{
			AccountID: accountID,
			FromLevel: result.FromLevel,
			Graduated: true,
			Timestamp: s.now(),
		})
	}
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.producer == nil {
		return
	}
	if err := s.producer.Publish(ctx, s.cfg.EventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}
