/**
 * @description
 * This file defines the student-facing domain models for the ledger-service.
 * A Student is the parent entity for every financial record in the system;
 * its account identifier (ACC-YYYYMMDD-NNNN) is the canonical key that all
 * dependent tables reference.
 *
 * @notes
 * - The account identifier is immutable once assigned. No update path in the
 *   service may change it; attempts are rejected before persistence.
 * - Balance is the single cached view of the ledger, stored signed: charges
 *   increase it, paid payments decrease it. Presentation-layer formatting
 *   derives any absolute-value view from this one field.
 * - Legacy keys (user_id, the YYYY-NNNN student number) are carried through
 *   the identity migration period only.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Student statuses.
const (
	StudentStatusEnrolled  = "enrolled"
	StudentStatusGraduated = "graduated"
)

// YearLevels is the fixed ordered progression a student advances through.
// Promotion walks this slice; the last entry graduates instead of advancing.
var YearLevels = []string{"1st Year", "2nd Year", "3rd Year", "4th Year"}

// Student represents a person enrolled in a program together with the cached
// ledger balance for their account. Maps to the `students` table.
type Student struct {
	ID            uuid.UUID       `json:"id"`
	LegacyUserID  *int64          `json:"legacy_user_id,omitempty"`
	StudentNo     string          `json:"student_no"`
	AccountID     string          `json:"account_id"`
	LastName      string          `json:"last_name"`
	FirstName     string          `json:"first_name"`
	MiddleInitial *string         `json:"middle_initial,omitempty"`
	Email         string          `json:"email"`
	Phone         *string         `json:"phone,omitempty"`
	Address       *string         `json:"address,omitempty"`
	Birthday      *time.Time      `json:"birthday,omitempty"`
	Course        string          `json:"course"`
	YearLevel     string          `json:"year_level"`
	Status        string          `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// CreateStudentRequest is the DTO for enrolling a new student. When
// TotalAssessment is set, an active assessment and its payment terms are
// generated in the same transaction (no charges are posted at this point;
// transactions enter the ledger only when terms are posted or paid).
type CreateStudentRequest struct {
	LastName        string           `json:"last_name"`
	FirstName       string           `json:"first_name"`
	MiddleInitial   *string          `json:"middle_initial,omitempty"`
	Email           string           `json:"email"`
	Phone           *string          `json:"phone,omitempty"`
	Address         *string          `json:"address,omitempty"`
	Birthday        *time.Time       `json:"birthday,omitempty"`
	Course          string           `json:"course"`
	YearLevel       string           `json:"year_level"`
	TotalAssessment *decimal.Decimal `json:"total_assessment,omitempty"`
}

// UpdateStudentRequest is the DTO for profile updates. AccountID is accepted
// only so that echoed-back payloads can be detected: any value differing from
// the stored identifier is an immutability violation.
type UpdateStudentRequest struct {
	AccountID     *string `json:"account_id,omitempty"`
	LastName      *string `json:"last_name,omitempty"`
	FirstName     *string `json:"first_name,omitempty"`
	MiddleInitial *string `json:"middle_initial,omitempty"`
	Email         *string `json:"email,omitempty"`
	Phone         *string `json:"phone,omitempty"`
	Address       *string `json:"address,omitempty"`
	Course        *string `json:"course,omitempty"`
}

// Assessment represents a fee assessment for one school term. Maps to the
// `assessments` table. An assessment with status `active` for the student's
// current year level and school year is the precondition for promotion.
type Assessment struct {
	ID               uuid.UUID       `json:"id"`
	LegacyUserID     *int64          `json:"legacy_user_id,omitempty"`
	AccountID        string          `json:"account_id"`
	AssessmentNumber string          `json:"assessment_number"`
	YearLevel        string          `json:"year_level"`
	Semester         string          `json:"semester"`
	SchoolYear       string          `json:"school_year"`
	TotalAssessment  decimal.Decimal `json:"total_assessment"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Assessment statuses.
const (
	AssessmentStatusActive   = "active"
	AssessmentStatusSettled  = "settled"
	AssessmentStatusArchived = "archived"
)
