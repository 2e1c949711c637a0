package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuspay/ledger-service/internal/app"
	"github.com/campuspay/ledger-service/internal/domain"
	"github.com/campuspay/ledger-service/internal/store"
)

type stubRepo struct {
	students map[string]*domain.Student
	err      error
}

func newStubRepo() *stubRepo {
	return &stubRepo{students: map[string]*domain.Student{}}
}

func (s *stubRepo) CreateStudent(_ context.Context, student *domain.Student, _ *domain.Assessment, _ []domain.PaymentTerm) (*domain.Student, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := *student
	out.ID = uuid.New()
	out.AccountID = "ACC-20260828-0001"
	out.StudentNo = "2026-0001"
	out.Status = domain.StudentStatusEnrolled
	return &out, nil
}

func (s *stubRepo) FindStudentByAccountID(_ context.Context, accountID string) (*domain.Student, error) {
	if st, ok := s.students[accountID]; ok {
		return st, nil
	}
	return nil, store.ErrStudentNotFound
}

func (s *stubRepo) UpdateStudentProfile(_ context.Context, accountID string, _ domain.UpdateStudentRequest) (*domain.Student, error) {
	return s.FindStudentByAccountID(context.Background(), accountID)
}

func (s *stubRepo) PostTransaction(_ context.Context, _ *domain.Transaction) (*domain.RecalcResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RecalcResult{Balance: decimal.RequireFromString("100.00")}, nil
}

func (s *stubRepo) RecordPayment(_ context.Context, _ *domain.Payment, _ *domain.Transaction, _ *uuid.UUID) (*domain.RecalcResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.RecalcResult{Balance: decimal.Zero}, nil
}

func (s *stubRepo) ComputeBalance(_ context.Context, accountID string) (decimal.Decimal, error) {
	if _, ok := s.students[accountID]; !ok {
		return decimal.Zero, store.ErrStudentNotFound
	}
	return decimal.RequireFromString("1500.00"), nil
}

func (s *stubRepo) ListTransactions(_ context.Context, _ string) ([]domain.Transaction, error) {
	return nil, s.err
}

func (s *stubRepo) ListPaymentTerms(_ context.Context, _ string) ([]domain.PaymentTerm, error) {
	return nil, s.err
}

func (s *stubRepo) RunBackfill(_ context.Context, dryRun bool) (*domain.BackfillReport, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.BackfillReport{DryRun: dryRun, Students: 2}, nil
}

func (s *stubRepo) Audit(_ context.Context) (*domain.AuditReport, error) {
	return &domain.AuditReport{}, s.err
}

const testAPIKey = "test-internal-key"

func newTestServer(repo *stubRepo) *httptest.Server {
	svc := app.NewService(repo, nil, nil, app.Config{})
	handlers := NewLedgerHandlers(svc)
	return httptest.NewServer(LedgerRoutes(handlers, testAPIKey))
}

func doRequest(t *testing.T, method, url, body string, withKey bool) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if withKey {
		req.Header.Set("X-Internal-Api-Key", testAPIKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func TestHealthEndpointIsOpen(t *testing.T) {
	srv := newTestServer(newStubRepo())
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 without key, got %d", resp.StatusCode)
	}
}

func TestInternalAuthRequired(t *testing.T) {
	srv := newTestServer(newStubRepo())
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/students/ACC-20260828-0001", "", false)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
}

func TestCreateStudentHandler(t *testing.T) {
	srv := newTestServer(newStubRepo())
	defer srv.Close()

	resp := doRequest(t, http.MethodPost, srv.URL+"/students",
		`{"last_name":"Cruz","first_name":"Ana","email":"ana@example.com","course":"BSIT","year_level":"1st Year"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestCreateStudentValidationMapsTo400(t *testing.T) {
	srv := newTestServer(newStubRepo())
	defer srv.Close()

	resp := doRequest(t, http.MethodPost, srv.URL+"/students",
		`{"last_name":"Cruz","first_name":"Ana","email":"bad","course":"BSIT","year_level":"1st Year"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetStudentNotFoundMapsTo404(t *testing.T) {
	srv := newTestServer(newStubRepo())
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/students/ACC-20260828-9999", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUpdateStudentIdentifierMutationMapsTo409(t *testing.T) {
	repo := newStubRepo()
	repo.students["ACC-20260828-0001"] = &domain.Student{AccountID: "ACC-20260828-0001"}
	srv := newTestServer(repo)
	defer srv.Close()

	resp := doRequest(t, http.MethodPatch, srv.URL+"/students/ACC-20260828-0001",
		`{"account_id":"ACC-20260828-0002","last_name":"Reyes"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestPostTransactionHandler(t *testing.T) {
	repo := newStubRepo()
	repo.students["ACC-20260828-0001"] = &domain.Student{AccountID: "ACC-20260828-0001"}
	srv := newTestServer(repo)
	defer srv.Close()

	resp := doRequest(t, http.MethodPost, srv.URL+"/accounts/ACC-20260828-0001/transactions",
		`{"kind":"charge","amount":"2500.00"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestGetBalanceHandler(t *testing.T) {
	repo := newStubRepo()
	repo.students["ACC-20260828-0001"] = &domain.Student{AccountID: "ACC-20260828-0001"}
	srv := newTestServer(repo)
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/accounts/ACC-20260828-0001/balance", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBackfillDryRun(t *testing.T) {
	srv := newTestServer(newStubRepo())
	defer srv.Close()

	resp := doRequest(t, http.MethodPost, srv.URL+"/admin/backfill?dry_run=true", "", true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestConcurrentModificationMapsTo503(t *testing.T) {
	repo := newStubRepo()
	repo.students["ACC-20260828-0001"] = &domain.Student{AccountID: "ACC-20260828-0001"}
	repo.err = store.ErrConcurrentModification
	srv := newTestServer(repo)
	defer srv.Close()

	resp := doRequest(t, http.MethodPost, srv.URL+"/accounts/ACC-20260828-0001/transactions",
		`{"kind":"charge","amount":"100.00"}`, true)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}
