/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. Every ledger-affecting operation for an account runs inside a
 * single transaction that first takes a `FOR UPDATE` lock on the student row,
 * which gives the single-writer-per-account semantics the ledger requires:
 * concurrent postings against the same account serialize, different accounts
 * proceed in parallel.
 *
 * Identifier allocation finds the day's maximum suffix under a row lock and
 * retries the whole transaction on a unique violation, bounded by
 * MaxIDAttempts, so two concurrent creations can never both keep the same
 * identifier.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Fixed-point money amounts (NUMERIC columns
 *   are scanned through ::text).
 * - internal/domain, internal/identifier, internal/ledger, internal/term.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/campuspay/ledger-service/internal/domain"
	"github.com/campuspay/ledger-service/internal/identifier"
	"github.com/campuspay/ledger-service/internal/ledger"
	"github.com/campuspay/ledger-service/internal/term"
)

// Config carries the tunables the repository needs for identifier allocation
// and promotion evaluation.
type Config struct {
	MaxIDAttempts             int
	PromotionWindowStartMonth int
	PromotionWindowEndMonth   int
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db  *pgxpool.Pool
	cfg Config
	now func() time.Time
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool, cfg Config) *PostgresRepository {
	if cfg.MaxIDAttempts <= 0 {
		cfg.MaxIDAttempts = identifier.DefaultMaxAttempts
	}
	return &PostgresRepository{
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// querier is the subset of pgx query methods shared by the pool and an open
// transaction, letting read helpers run in either scope.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// translateErr maps serialization failures and lock timeouts onto the
// sentinel the caller retries on.
func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "55P03" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, pgErr.Message)
	}
	return err
}

const studentColumns = `
	id, user_id, student_no, COALESCE(account_id, ''), last_name, first_name,
	middle_initial, email, phone, address, birthday, course, year_level,
	status, balance::text, created_at, updated_at`

func scanStudent(row pgx.Row) (*domain.Student, error) {
	var (
		s       domain.Student
		balance string
	)
	err := row.Scan(
		&s.ID, &s.LegacyUserID, &s.StudentNo, &s.AccountID, &s.LastName,
		&s.FirstName, &s.MiddleInitial, &s.Email, &s.Phone, &s.Address,
		&s.Birthday, &s.Course, &s.YearLevel, &s.Status, &balance,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &s, nil
}

// CreateStudent allocates the account identifier and student number, then
// writes the student row (and, when provided, the assessment and its payment
// terms) in one transaction. On an identifier collision the whole transaction
// is retried with the next candidate, up to MaxIDAttempts.
func (r *PostgresRepository) CreateStudent(ctx context.Context, student *domain.Student, assessment *domain.Assessment, terms []domain.PaymentTerm) (*domain.Student, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxIDAttempts; attempt++ {
		created, err := r.createStudentOnce(ctx, student, assessment, terms)
		if err == nil {
			return created, nil
		}
		if isUniqueViolation(err, "students_account_id_key") || isUniqueViolation(err, "students_student_no_key") {
			lastErr = err
			continue
		}
		if isUniqueViolation(err, "students_email_key") {
			return nil, ErrDuplicateEmail
		}
		return nil, translateErr(err)
	}
	return nil, fmt.Errorf("%w (last attempt: %v)", ErrGenerationExhausted, lastErr)
}

func (r *PostgresRepository) createStudentOnce(ctx context.Context, student *domain.Student, assessment *domain.Assessment, terms []domain.PaymentTerm) (*domain.Student, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create student tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := r.now()
	accountID, err := r.nextAccountID(ctx, tx, now)
	if err != nil {
		return nil, err
	}
	studentNo, err := r.nextStudentNo(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	s := *student
	s.ID = uuid.New()
	s.AccountID = accountID
	s.StudentNo = studentNo
	s.Status = domain.StudentStatusEnrolled
	s.Balance = decimal.Zero

	insertQuery := `
		INSERT INTO students (
			id, student_no, account_id, last_name, first_name, middle_initial,
			email, phone, address, birthday, course, year_level, status, balance
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		s.ID, s.StudentNo, s.AccountID, s.LastName, s.FirstName, s.MiddleInitial,
		s.Email, s.Phone, s.Address, s.Birthday, s.Course, s.YearLevel,
		s.Status, s.Balance.StringFixed(2),
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if assessment != nil {
		a := *assessment
		a.ID = uuid.New()
		a.AccountID = s.AccountID
		_, err = tx.Exec(ctx, `
			INSERT INTO assessments (
				id, account_id, assessment_number, year_level, semester,
				school_year, total_assessment, status
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, a.ID, a.AccountID, a.AssessmentNumber, a.YearLevel, a.Semester,
			a.SchoolYear, a.TotalAssessment.StringFixed(2), a.Status)
		if err != nil {
			return nil, err
		}

		for _, pt := range terms {
			_, err = tx.Exec(ctx, `
				INSERT INTO payment_terms (
					id, account_id, school_year, semester, term_name, term_order,
					amount, paid_amount, due_date, status
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, uuid.New(), s.AccountID, pt.SchoolYear, pt.Semester, pt.TermName,
				pt.TermOrder, pt.Amount.StringFixed(2), "0.00", pt.DueDate, domain.TermStatusPending)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// nextAccountID computes the next free identifier for the day. The max-row
// lock serializes allocators that see an existing identifier for the day; the
// unique index backstops the empty-day race, surfaced to the caller as a
// unique violation it retries on.
func (r *PostgresRepository) nextAccountID(ctx context.Context, tx pgx.Tx, now time.Time) (string, error) {
	prefix := identifier.Prefix(now)
	var last string
	err := tx.QueryRow(ctx, `
		SELECT account_id FROM students
		WHERE account_id LIKE $1 || '%'
		ORDER BY account_id DESC
		LIMIT 1
		FOR UPDATE
	`, prefix).Scan(&last)
	if err != nil {
		if err == pgx.ErrNoRows {
			return identifier.First(now), nil
		}
		return "", err
	}
	next, err := identifier.Next(last)
	if err != nil {
		if errors.Is(err, identifier.ErrSequenceOverflow) {
			return "", ErrGenerationExhausted
		}
		return "", err
	}
	return next, nil
}

// nextStudentNo allocates the legacy-format YYYY-NNNN student number, kept as
// a display attribute alongside the canonical account identifier.
func (r *PostgresRepository) nextStudentNo(ctx context.Context, tx pgx.Tx, now time.Time) (string, error) {
	prefix := fmt.Sprintf("%d-", now.Year())
	var last string
	err := tx.QueryRow(ctx, `
		SELECT student_no FROM students
		WHERE student_no LIKE $1 || '%'
		ORDER BY student_no DESC
		LIMIT 1
		FOR UPDATE
	`, prefix).Scan(&last)
	if err != nil {
		if err == pgx.ErrNoRows {
			return prefix + "0001", nil
		}
		return "", err
	}
	var seq int
	if _, err := fmt.Sscanf(last[len(prefix):], "%d", &seq); err != nil {
		return "", fmt.Errorf("malformed student number %q: %w", last, err)
	}
	return fmt.Sprintf("%s%04d", prefix, seq+1), nil
}

// FindStudentByAccountID retrieves a student by their account identifier.
func (r *PostgresRepository) FindStudentByAccountID(ctx context.Context, accountID string) (*domain.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE account_id = $1`
	s, err := scanStudent(r.db.QueryRow(ctx, query, accountID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrStudentNotFound
		}
		return nil, translateErr(err)
	}
	return s, nil
}

// UpdateStudentProfile updates mutable profile fields. The account identifier
// column is deliberately absent from the statement; immutability is enforced
// before this method is reached and again by the database trigger installed
// in the enforcement migration.
func (r *PostgresRepository) UpdateStudentProfile(ctx context.Context, accountID string, req domain.UpdateStudentRequest) (*domain.Student, error) {
	query := `
		UPDATE students SET
			last_name      = COALESCE($2, last_name),
			first_name     = COALESCE($3, first_name),
			middle_initial = COALESCE($4, middle_initial),
			email          = COALESCE($5, email),
			phone          = COALESCE($6, phone),
			address        = COALESCE($7, address),
			course         = COALESCE($8, course),
			updated_at     = NOW()
		WHERE account_id = $1
		RETURNING ` + studentColumns
	s, err := scanStudent(r.db.QueryRow(ctx, query, accountID,
		req.LastName, req.FirstName, req.MiddleInitial, req.Email,
		req.Phone, req.Address, req.Course))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrStudentNotFound
		}
		if isUniqueViolation(err, "students_email_key") {
			return nil, ErrDuplicateEmail
		}
		return nil, translateErr(err)
	}
	return s, nil
}

// lockStudent loads the student row under FOR UPDATE inside the given
// transaction, establishing the per-account mutual-exclusion scope.
func (r *PostgresRepository) lockStudent(ctx context.Context, tx pgx.Tx, accountID string) (*domain.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE account_id = $1 FOR UPDATE`
	s, err := scanStudent(tx.QueryRow(ctx, query, accountID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrStudentNotFound
		}
		return nil, err
	}
	return s, nil
}

const transactionColumns = `
	id, user_id, account_id, reference, kind, status, amount::text,
	description, paid_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t      domain.Transaction
		amount string
	)
	err := row.Scan(
		&t.ID, &t.LegacyUserID, &t.AccountID, &t.Reference, &t.Kind, &t.Status,
		&amount, &t.Description, &t.PaidAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}

func (r *PostgresRepository) loadTransactions(ctx context.Context, q querier, accountID string) ([]domain.Transaction, error) {
	rows, err := q.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// PostTransaction appends a ledger entry and recalculates the account inside
// one transaction. The student row lock is taken before the insert so
// concurrent postings against the same account serialize.
func (r *PostgresRepository) PostTransaction(ctx context.Context, entry *domain.Transaction) (*domain.RecalcResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin post transaction tx: %w", err)
	}
	defer tx.Rollback(ctx)

	student, err := r.lockStudent(ctx, tx, entry.AccountID)
	if err != nil {
		return nil, translateErr(err)
	}

	entry.LegacyUserID = student.LegacyUserID
	if err := r.insertTransaction(ctx, tx, entry); err != nil {
		return nil, translateErr(err)
	}

	result, err := r.recalculateLocked(ctx, tx, student)
	if err != nil {
		return nil, translateErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateErr(err)
	}
	return result, nil
}

func (r *PostgresRepository) insertTransaction(ctx context.Context, tx pgx.Tx, entry *domain.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (
			id, user_id, account_id, reference, kind, status, amount,
			description, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, entry.ID, entry.LegacyUserID, entry.AccountID, entry.Reference,
		entry.Kind, entry.Status, entry.Amount.StringFixed(2),
		entry.Description, entry.PaidAt,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
}

// RecordPayment writes the payment, its kind=payment ledger entry, the term
// allocations, and the recalculation as one atomic operation.
func (r *PostgresRepository) RecordPayment(ctx context.Context, payment *domain.Payment, entry *domain.Transaction, termID *uuid.UUID) (*domain.RecalcResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin record payment tx: %w", err)
	}
	defer tx.Rollback(ctx)

	student, err := r.lockStudent(ctx, tx, payment.AccountID)
	if err != nil {
		return nil, translateErr(err)
	}

	entry.LegacyUserID = student.LegacyUserID
	payment.LegacyUserID = student.LegacyUserID
	if err := r.insertTransaction(ctx, tx, entry); err != nil {
		return nil, translateErr(err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO payments (
			id, user_id, account_id, transaction_id, amount, method,
			reference_number, paid_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, payment.ID, payment.LegacyUserID, payment.AccountID, payment.TransactionID,
		payment.Amount.StringFixed(2), payment.Method, payment.ReferenceNumber,
		payment.PaidAt,
	).Scan(&payment.CreatedAt)
	if err != nil {
		return nil, translateErr(err)
	}

	if err := r.applyToTerms(ctx, tx, payment, termID); err != nil {
		return nil, translateErr(err)
	}

	result, err := r.recalculateLocked(ctx, tx, student)
	if err != nil {
		return nil, translateErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateErr(err)
	}
	return result, nil
}

// applyToTerms distributes the payment across the account's payment terms:
// against one targeted term when termID is set, otherwise against open terms
// in due-date order until the amount is exhausted.
func (r *PostgresRepository) applyToTerms(ctx context.Context, tx pgx.Tx, payment *domain.Payment, termID *uuid.UUID) error {
	var applications []ledger.TermApplication

	if termID != nil {
		t, err := r.lockTerm(ctx, tx, payment.AccountID, *termID)
		if err != nil {
			return err
		}
		applications = append(applications, ledger.ApplyToTerm(payment.Amount, *t))
	} else {
		terms, err := r.lockOpenTerms(ctx, tx, payment.AccountID)
		if err != nil {
			return err
		}
		applications, _ = ledger.Allocate(payment.Amount, terms)
	}

	for _, app := range applications {
		_, err := tx.Exec(ctx, `
			UPDATE payment_terms
			SET paid_amount = $2, status = $3, updated_at = NOW()
			WHERE id = $1
		`, app.TermID, app.NewPaidAmount.StringFixed(2), app.NewStatus)
		if err != nil {
			return err
		}
	}
	return nil
}

const termColumns = `
	id, user_id, account_id, school_year, semester, term_name, term_order,
	amount::text, paid_amount::text, due_date, status, created_at, updated_at`

func scanTerm(row pgx.Row) (*domain.PaymentTerm, error) {
	var (
		t            domain.PaymentTerm
		amount, paid string
	)
	err := row.Scan(
		&t.ID, &t.LegacyUserID, &t.AccountID, &t.SchoolYear, &t.Semester,
		&t.TermName, &t.TermOrder, &amount, &paid, &t.DueDate, &t.Status,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse term amount: %w", err)
	}
	if t.PaidAmount, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("parse term paid amount: %w", err)
	}
	return &t, nil
}

func (r *PostgresRepository) lockTerm(ctx context.Context, tx pgx.Tx, accountID string, termID uuid.UUID) (*domain.PaymentTerm, error) {
	query := `
		SELECT ` + termColumns + `
		FROM payment_terms
		WHERE id = $1 AND account_id = $2
		FOR UPDATE`
	t, err := scanTerm(tx.QueryRow(ctx, query, termID, accountID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTermNotFound
		}
		return nil, err
	}
	return t, nil
}

func (r *PostgresRepository) lockOpenTerms(ctx context.Context, tx pgx.Tx, accountID string) ([]domain.PaymentTerm, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+termColumns+`
		FROM payment_terms
		WHERE account_id = $1 AND status != 'paid' AND paid_amount < amount
		ORDER BY due_date, term_order
		FOR UPDATE
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terms []domain.PaymentTerm
	for rows.Next() {
		t, err := scanTerm(rows)
		if err != nil {
			return nil, err
		}
		terms = append(terms, *t)
	}
	return terms, rows.Err()
}

// recalculateLocked derives the balance from the full transaction set,
// stores it on the student row, and applies any promotion the new balance
// triggers. Runs inside the caller's transaction; the student row is already
// locked.
func (r *PostgresRepository) recalculateLocked(ctx context.Context, tx pgx.Tx, student *domain.Student) (*domain.RecalcResult, error) {
	txs, err := r.loadTransactions(ctx, tx, student.AccountID)
	if err != nil {
		return nil, err
	}
	balance := ledger.Balance(txs)

	now := r.now()
	inWindow := term.InPromotionWindow(now, r.cfg.PromotionWindowStartMonth, r.cfg.PromotionWindowEndMonth)

	hasAssessment := false
	if balance.LessThanOrEqual(decimal.Zero) && inWindow {
		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM assessments
				WHERE account_id = $1 AND year_level = $2 AND school_year = $3 AND status = 'active'
			)
		`, student.AccountID, student.YearLevel, term.SchoolYear(now)).Scan(&hasAssessment)
		if err != nil {
			return nil, err
		}
	}

	outcome := ledger.EvaluatePromotion(*student, balance, inWindow, hasAssessment)
	result := &domain.RecalcResult{Balance: balance}

	yearLevel := student.YearLevel
	status := student.Status
	switch {
	case outcome.Promote:
		result.Promoted = true
		result.FromLevel = student.YearLevel
		result.ToLevel = outcome.NextLevel
		yearLevel = outcome.NextLevel
	case outcome.Graduate:
		result.Graduated = true
		result.FromLevel = student.YearLevel
		status = domain.StudentStatusGraduated
	}

	_, err = tx.Exec(ctx, `
		UPDATE students
		SET balance = $2, year_level = $3, status = $4, updated_at = NOW()
		WHERE account_id = $1
	`, student.AccountID, balance.StringFixed(2), yearLevel, status)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ComputeBalance derives the balance from the ledger on every read; the
// cached column is never trusted for this answer.
func (r *PostgresRepository) ComputeBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if _, err := r.FindStudentByAccountID(ctx, accountID); err != nil {
		return decimal.Zero, err
	}
	txs, err := r.loadTransactions(ctx, r.db, accountID)
	if err != nil {
		return decimal.Zero, translateErr(err)
	}
	return ledger.Balance(txs), nil
}

// ListTransactions returns the full ledger for an account, oldest first.
func (r *PostgresRepository) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	if _, err := r.FindStudentByAccountID(ctx, accountID); err != nil {
		return nil, err
	}
	txs, err := r.loadTransactions(ctx, r.db, accountID)
	if err != nil {
		return nil, translateErr(err)
	}
	return txs, nil
}

// ListPaymentTerms returns all payment terms for an account in schedule order.
func (r *PostgresRepository) ListPaymentTerms(ctx context.Context, accountID string) ([]domain.PaymentTerm, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+termColumns+`
		FROM payment_terms
		WHERE account_id = $1
		ORDER BY due_date, term_order
	`, accountID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var terms []domain.PaymentTerm
	for rows.Next() {
		t, err := scanTerm(rows)
		if err != nil {
			return nil, err
		}
		terms = append(terms, *t)
	}
	return terms, rows.Err()
}
