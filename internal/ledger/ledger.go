/**
 * @description
 * This package contains the pure ledger math: deriving an account balance
 * from its transaction history, allocating a payment across scheduled terms,
 * splitting an assessment into payment terms, and deciding promotion. Nothing
 * here touches the database; the store runs these functions inside the same
 * transaction as the writes they govern, which keeps the calculation rules
 * unit-testable without a Postgres instance.
 */

package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/campuspay/ledger-service/internal/domain"
)

// Balance derives the authoritative balance from a transaction set:
// sum of charges minus sum of paid payments. Pending or partial payment
// entries do not reduce the balance.
func Balance(txs []domain.Transaction) decimal.Decimal {
	balance := decimal.Zero
	for _, tx := range txs {
		switch tx.Kind {
		case domain.TransactionKindCharge:
			balance = balance.Add(tx.Amount)
		case domain.TransactionKindPayment:
			if tx.Status == domain.TransactionStatusPaid {
				balance = balance.Sub(tx.Amount)
			}
		}
	}
	return balance
}

// TermApplication describes how much of a payment lands on one term and the
// resulting term state.
type TermApplication struct {
	TermID        uuid.UUID
	Applied       decimal.Decimal
	NewPaidAmount decimal.Decimal
	NewStatus     string
}

// Allocate spreads a payment across open terms in the order given (callers
// pass terms sorted by due date). It returns the per-term applications and
// any unallocated remainder; a remainder is not an error, it simply means the
// account is paid ahead of its schedule.
func Allocate(amount decimal.Decimal, terms []domain.PaymentTerm) ([]TermApplication, decimal.Decimal) {
	remaining := amount
	var applications []TermApplication

	for _, t := range terms {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		open := t.Outstanding()
		if open.LessThanOrEqual(decimal.Zero) {
			continue
		}
		applied := decimal.Min(remaining, open)
		applications = append(applications, applyAmount(t, applied))
		remaining = remaining.Sub(applied)
	}

	return applications, remaining
}

// ApplyToTerm credits the full amount against a single targeted term. Unlike
// Allocate it permits overpaying the term, matching how a cashier records a
// payment earmarked for one installment.
func ApplyToTerm(amount decimal.Decimal, t domain.PaymentTerm) TermApplication {
	return applyAmount(t, amount)
}

func applyAmount(t domain.PaymentTerm, applied decimal.Decimal) TermApplication {
	newPaid := t.PaidAmount.Add(applied)
	status := domain.TermStatusPending
	switch {
	case newPaid.GreaterThanOrEqual(t.Amount):
		status = domain.TermStatusPaid
	case newPaid.GreaterThan(decimal.Zero):
		status = domain.TermStatusPartial
	}
	return TermApplication{
		TermID:        t.ID,
		Applied:       applied,
		NewPaidAmount: newPaid,
		NewStatus:     status,
	}
}

// TermPlan is the blueprint for one generated payment term.
type TermPlan struct {
	Name       string
	Order      int
	Amount     decimal.Decimal
	WeeksAfter int
}

// termSchedule is the fixed installment layout for one semester: name and
// weeks after the term start at which the installment falls due.
var termSchedule = []struct {
	name  string
	weeks int
}{
	{"Upon Registration", 0},
	{"Prelim", 6},
	{"Midterm", 12},
	{"Semi-Final", 15},
	{"Final", 18},
}

// SplitAssessment divides a total assessment into the fixed five-term
// schedule. The first four terms carry the rounded equal share; the final
// term absorbs the rounding remainder so the terms always sum to the total.
func SplitAssessment(total decimal.Decimal) []TermPlan {
	count := int64(len(termSchedule))
	share := total.Div(decimal.NewFromInt(count)).Round(2)
	last := total.Sub(share.Mul(decimal.NewFromInt(count - 1)))

	plans := make([]TermPlan, 0, count)
	for i, s := range termSchedule {
		amount := share
		if i == len(termSchedule)-1 {
			amount = last
		}
		plans = append(plans, TermPlan{
			Name:       s.name,
			Order:      i + 1,
			Amount:     amount,
			WeeksAfter: s.weeks,
		})
	}
	return plans
}

// DueDate computes a term plan's due date from the school-year anchor.
func (p TermPlan) DueDate(termStart time.Time) time.Time {
	return termStart.AddDate(0, 0, p.WeeksAfter*7)
}

// PromotionOutcome describes the status transition a recalculation decided
// on, if any.
type PromotionOutcome struct {
	Promote   bool
	NextLevel string
	Graduate  bool
}

// EvaluatePromotion decides whether a student advances. All three
// preconditions must hold: the balance is cleared, the date is inside the
// promotion window, and an active assessment exists for the student's current
// year level and school year. The decision is idempotent: advancing the year
// level (or graduating) invalidates the assessment precondition, so a repeat
// evaluation is a no-op.
func EvaluatePromotion(s domain.Student, balance decimal.Decimal, inWindow, hasActiveAssessment bool) PromotionOutcome {
	if s.Status == domain.StudentStatusGraduated {
		return PromotionOutcome{}
	}
	if balance.GreaterThan(decimal.Zero) || !inWindow || !hasActiveAssessment {
		return PromotionOutcome{}
	}

	next, ok := NextYearLevel(s.YearLevel)
	if !ok {
		// unknown level: leave it alone rather than guess
		return PromotionOutcome{}
	}
	if next == "" {
		return PromotionOutcome{Graduate: true}
	}
	return PromotionOutcome{Promote: true, NextLevel: next}
}

// NextYearLevel returns the level after the given one. The second return is
// false when the level is not part of the known progression; an empty next
// level means the student is at the final level and graduates instead.
func NextYearLevel(level string) (string, bool) {
	for i, l := range domain.YearLevels {
		if l == level {
			if i == len(domain.YearLevels)-1 {
				return "", true
			}
			return domain.YearLevels[i+1], true
		}
	}
	return "", false
}
