package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuspay/ledger-service/internal/domain"
	"github.com/campuspay/ledger-service/internal/store"
)

type fakeRepo struct {
	students map[string]*domain.Student

	createdAssessment *domain.Assessment
	createdTerms      []domain.PaymentTerm
	postedEntries     []*domain.Transaction
	recordedPayments  []*domain.Payment
	updateCalled      bool

	recalcResult   *domain.RecalcResult
	backfillReport *domain.BackfillReport
	transactions   []domain.Transaction
	err            error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		students:     map[string]*domain.Student{},
		recalcResult: &domain.RecalcResult{Balance: decimal.Zero},
	}
}

func (f *fakeRepo) CreateStudent(_ context.Context, student *domain.Student, assessment *domain.Assessment, terms []domain.PaymentTerm) (*domain.Student, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := *student
	s.ID = uuid.New()
	s.AccountID = "ACC-20260828-0001"
	s.StudentNo = "2026-0001"
	s.Status = domain.StudentStatusEnrolled
	f.students[s.AccountID] = &s
	f.createdAssessment = assessment
	f.createdTerms = terms
	return &s, nil
}

func (f *fakeRepo) FindStudentByAccountID(_ context.Context, accountID string) (*domain.Student, error) {
	s, ok := f.students[accountID]
	if !ok {
		return nil, store.ErrStudentNotFound
	}
	return s, nil
}

func (f *fakeRepo) UpdateStudentProfile(_ context.Context, accountID string, _ domain.UpdateStudentRequest) (*domain.Student, error) {
	f.updateCalled = true
	return f.FindStudentByAccountID(context.Background(), accountID)
}

func (f *fakeRepo) PostTransaction(_ context.Context, tx *domain.Transaction) (*domain.RecalcResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.postedEntries = append(f.postedEntries, tx)
	return f.recalcResult, nil
}

func (f *fakeRepo) RecordPayment(_ context.Context, payment *domain.Payment, tx *domain.Transaction, _ *uuid.UUID) (*domain.RecalcResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.recordedPayments = append(f.recordedPayments, payment)
	f.postedEntries = append(f.postedEntries, tx)
	return f.recalcResult, nil
}

func (f *fakeRepo) ComputeBalance(_ context.Context, _ string) (decimal.Decimal, error) {
	return f.recalcResult.Balance, f.err
}

func (f *fakeRepo) ListTransactions(_ context.Context, _ string) ([]domain.Transaction, error) {
	return f.transactions, f.err
}

func (f *fakeRepo) ListPaymentTerms(_ context.Context, _ string) ([]domain.PaymentTerm, error) {
	return nil, f.err
}

func (f *fakeRepo) RunBackfill(_ context.Context, dryRun bool) (*domain.BackfillReport, error) {
	if f.err != nil {
		return nil, f.err
	}
	report := *f.backfillReport
	report.DryRun = dryRun
	return &report, nil
}

func (f *fakeRepo) Audit(_ context.Context) (*domain.AuditReport, error) {
	return &domain.AuditReport{}, f.err
}

type fakePublisher struct {
	routingKeys []string
	bodies      []interface{}
}

func (p *fakePublisher) Publish(_ context.Context, _, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) Close() {}

func (p *fakePublisher) published(key string) bool {
	for _, k := range p.routingKeys {
		if k == key {
			return true
		}
	}
	return false
}

type fakeLimiter struct {
	count      int
	retryAfter int
	err        error
}

func (l *fakeLimiter) ConsumeRateLimit(context.Context, string, string, int, time.Duration) (int, int, error) {
	return l.count, l.retryAfter, l.err
}

func newTestService(repo *fakeRepo, pub *fakePublisher, limiter RateLimiter) *Service {
	svc := NewService(repo, pub, limiter, Config{PaymentRateLimitPerMinute: 10})
	svc.now = func() time.Time {
		return time.Date(2026, time.August, 28, 10, 0, 0, 0, time.UTC)
	}
	return svc
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestCreateStudentValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakePublisher{}, nil)

	tests := []struct {
		name string
		req  domain.CreateStudentRequest
	}{
		{name: "missing name", req: domain.CreateStudentRequest{Email: "a@b.c", Course: "BSIT", YearLevel: "1st Year"}},
		{name: "bad email", req: domain.CreateStudentRequest{LastName: "Cruz", FirstName: "Ana", Email: "not-an-email", Course: "BSIT", YearLevel: "1st Year"}},
		{name: "missing course", req: domain.CreateStudentRequest{LastName: "Cruz", FirstName: "Ana", Email: "a@b.c", YearLevel: "1st Year"}},
		{name: "unknown year level", req: domain.CreateStudentRequest{LastName: "Cruz", FirstName: "Ana", Email: "a@b.c", Course: "BSIT", YearLevel: "5th Year"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateStudent(context.Background(), tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateStudentGeneratesAssessment(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, nil)

	total := dec("50000.00")
	created, err := svc.CreateStudent(context.Background(), domain.CreateStudentRequest{
		LastName:        "Cruz",
		FirstName:       "Ana",
		Email:           "Ana.Cruz@Example.com",
		Course:          "BSIT",
		YearLevel:       "1st Year",
		TotalAssessment: &total,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Email != "ana.cruz@example.com" {
		t.Errorf("expected normalized email, got %s", created.Email)
	}

	if repo.createdAssessment == nil {
		t.Fatal("expected an assessment to be created")
	}
	if repo.createdAssessment.Status != domain.AssessmentStatusActive {
		t.Errorf("expected active assessment, got %s", repo.createdAssessment.Status)
	}
	// August 2026 falls in school year 2026-2027, first semester
	if repo.createdAssessment.SchoolYear != "2026-2027" || repo.createdAssessment.Semester != "1st Sem" {
		t.Errorf("unexpected term: %s %s", repo.createdAssessment.SchoolYear, repo.createdAssessment.Semester)
	}

	if len(repo.createdTerms) != 5 {
		t.Fatalf("expected 5 payment terms, got %d", len(repo.createdTerms))
	}
	sum := decimal.Zero
	for _, pt := range repo.createdTerms {
		sum = sum.Add(pt.Amount)
	}
	if !sum.Equal(total) {
		t.Errorf("terms must sum to the assessment, got %s", sum)
	}

	if !pub.published("student.created") {
		t.Error("expected student.created event")
	}
}

func TestCreateStudentWithoutAssessmentPostsNoTerms(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakePublisher{}, nil)

	_, err := svc.CreateStudent(context.Background(), domain.CreateStudentRequest{
		LastName: "Cruz", FirstName: "Ana", Email: "a@b.c", Course: "BSIT", YearLevel: "1st Year",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.createdAssessment != nil || len(repo.createdTerms) != 0 {
		t.Error("expected no assessment or terms without a total")
	}
	if len(repo.postedEntries) != 0 {
		t.Error("enrollment must not post ledger entries")
	}
}

func TestUpdateStudentRejectsIdentifierChange(t *testing.T) {
	repo := newFakeRepo()
	repo.students["ACC-20260828-0001"] = &domain.Student{AccountID: "ACC-20260828-0001"}
	svc := newTestService(repo, &fakePublisher{}, nil)

	other := "ACC-20260828-0002"
	_, err := svc.UpdateStudent(context.Background(), "ACC-20260828-0001", domain.UpdateStudentRequest{AccountID: &other})
	if !errors.Is(err, ErrIdentifierImmutable) {
		t.Fatalf("expected ErrIdentifierImmutable, got %v", err)
	}
	if repo.updateCalled {
		t.Error("repository must not be reached on an identifier mutation")
	}

	// echoing back the same identifier is fine
	same := "ACC-20260828-0001"
	if _, err := svc.UpdateStudent(context.Background(), "ACC-20260828-0001", domain.UpdateStudentRequest{AccountID: &same}); err != nil {
		t.Fatalf("unexpected error echoing identifier: %v", err)
	}
}

func TestPostTransactionValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakePublisher{}, nil)

	tests := []struct {
		name string
		req  domain.PostTransactionRequest
	}{
		{name: "unknown kind", req: domain.PostTransactionRequest{Kind: "refund", Amount: dec("100")}},
		{name: "zero amount", req: domain.PostTransactionRequest{Kind: "charge", Amount: decimal.Zero}},
		{name: "negative amount", req: domain.PostTransactionRequest{Kind: "charge", Amount: dec("-5")}},
		{name: "unknown status", req: domain.PostTransactionRequest{Kind: "charge", Amount: dec("100"), Status: "void"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := svc.PostTransaction(context.Background(), "ACC-20260828-0001", tt.req); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestPostTransactionPublishesPromotion(t *testing.T) {
	repo := newFakeRepo()
	repo.recalcResult = &domain.RecalcResult{
		Balance:  decimal.Zero,
		Promoted: true, FromLevel: "1st Year", ToLevel: "2nd Year",
	}
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, nil)

	entry, result, err := svc.PostTransaction(context.Background(), "ACC-20260828-0001", domain.PostTransactionRequest{
		Kind: domain.TransactionKindCharge, Amount: dec("100.00"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Status != domain.TransactionStatusPending {
		t.Errorf("charge must default to pending, got %s", entry.Status)
	}
	if !result.Promoted {
		t.Fatal("expected promotion in result")
	}
	if !pub.published("student.promoted") {
		t.Error("expected student.promoted event")
	}
}

func TestRecordPayment(t *testing.T) {
	repo := newFakeRepo()
	repo.recalcResult = &domain.RecalcResult{Balance: dec("4000.00")}
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, &fakeLimiter{count: 1})

	payment, _, err := svc.RecordPayment(context.Background(), "ACC-20260828-0001", domain.RecordPaymentRequest{
		Amount: dec("1000.00"),
		Method: "cash",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(repo.postedEntries) != 1 {
		t.Fatalf("expected exactly one ledger entry per payment, got %d", len(repo.postedEntries))
	}
	entry := repo.postedEntries[0]
	if payment.TransactionID != entry.ID {
		t.Error("payment must reference its ledger entry")
	}
	if entry.Kind != domain.TransactionKindPayment || entry.Status != domain.TransactionStatusPaid {
		t.Errorf("expected paid payment entry, got %s/%s", entry.Kind, entry.Status)
	}
	if payment.PaidAt.IsZero() {
		t.Error("expected paid_at to default to now")
	}
	if !pub.published("payment.recorded") {
		t.Error("expected payment.recorded event")
	}
}

func TestRecordPaymentRateLimited(t *testing.T) {
	svc := newTestService(newFakeRepo(), &fakePublisher{}, &fakeLimiter{count: 11, retryAfter: 42})

	_, _, err := svc.RecordPayment(context.Background(), "ACC-20260828-0001", domain.RecordPaymentRequest{
		Amount: dec("10.00"), Method: "cash",
	})
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rle.RetryAfterSeconds != 42 {
		t.Errorf("expected retry after 42s, got %d", rle.RetryAfterSeconds)
	}
}

func TestRecordPaymentAllowsWhenLimiterDown(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, &fakePublisher{}, &fakeLimiter{err: errors.New("redis down")})

	_, _, err := svc.RecordPayment(context.Background(), "ACC-20260828-0001", domain.RecordPaymentRequest{
		Amount: dec("10.00"), Method: "cash",
	})
	if err != nil {
		t.Fatalf("limiter outage must not block payments: %v", err)
	}
}

func TestGetStatementGroupsByTerm(t *testing.T) {
	repo := newFakeRepo()
	repo.transactions = []domain.Transaction{
		{Reference: "SYS-1", CreatedAt: time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)},
		{Reference: "SYS-2", CreatedAt: time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC)},
		{Reference: "SYS-3", CreatedAt: time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)},
	}
	svc := newTestService(repo, &fakePublisher{}, nil)

	groups, err := svc.GetStatement(context.Background(), "ACC-20260828-0001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 term groups, got %d", len(groups))
	}
	if groups[0].Term != "2025-2026 1st Sem" || len(groups[0].Transactions) != 1 {
		t.Errorf("unexpected first group: %+v", groups[0])
	}
	// December and the following January share a school term
	if groups[1].Term != "2025-2026 2nd Sem" || len(groups[1].Transactions) != 2 {
		t.Errorf("unexpected second group: %+v", groups[1])
	}
}

func TestRunBackfillPublishesOnlyWhenCommitted(t *testing.T) {
	repo := newFakeRepo()
	repo.backfillReport = &domain.BackfillReport{Students: 3, Transactions: 7}
	pub := &fakePublisher{}
	svc := newTestService(repo, pub, nil)

	report, err := svc.RunBackfill(context.Background(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !report.DryRun || report.Total() != 10 {
		t.Errorf("unexpected dry run report: %+v", report)
	}
	if pub.published("ledger.backfill.completed") {
		t.Error("dry run must not publish a completion event")
	}

	if _, err := svc.RunBackfill(context.Background(), false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pub.published("ledger.backfill.completed") {
		t.Error("committed run must publish a completion event")
	}
}
