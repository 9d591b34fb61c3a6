/*
Package billing turns enrollments, fee schedules, scholarships, payments and
late-fee policy into per-term tuition balances.

PURPOSE:
  The generic package knows about money, terms and the carry-forward fold.
  This package supplies the school-specific rules that feed the fold:

    Fee Rate Resolver        rates.go        program rate → catalog → defaults
    Scholarship Discounts    scholarship.go  per-award discount with breakdown
    Late Fee Calculator      latefee.go      overdue penalty with a cap
    Term Assessment          assessment.go   units × rate + misc − discount
    Carry-Forward Statement  ledger.go       Engine.Statement over all terms
    Credit Application       credits.go      persisted overpayment records

DATA FLOW:
  Directory (students, enrollments) ─┐
  Catalog (rates, fees, policy)     ─┼─► Engine ─► generic.CarryForward ─► Statement
  Awards (scholarships)             ─┤
  generic.Ledger (payments)         ─┘

  Everything up to the Statement is read-only. Writes happen in the
  services (payments.go, credits.go, latefee.go, scholarships.go), each
  serialised per student.

SEE ALSO:
  - generic/carryforward.go: The fold
  - store/sqlite, store/postgres: Repository implementations
*/
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// STUDENTS AND ENROLLMENTS (read-only collaborators)
// =============================================================================

type ProgramID string

type Student struct {
	ID        generic.StudentID
	Name      string
	ProgramID *ProgramID // nil = no program, global rates apply
	Status    string
}

type EnrollmentStatus string

const (
	EnrollmentEnrolled EnrollmentStatus = "Enrolled"
	EnrollmentPassed   EnrollmentStatus = "Passed"
	EnrollmentFailed   EnrollmentStatus = "Failed"
	EnrollmentDropped  EnrollmentStatus = "Dropped"
)

// Enrollment is one curriculum line a student took in a term.
type Enrollment struct {
	ID           string
	StudentID    generic.StudentID
	Term         generic.Term
	CurriculumID string
	Units        decimal.Decimal
	Status       EnrollmentStatus
	EnrolledAt   time.Time
}

// =============================================================================
// FEE CATALOG
// =============================================================================

type FeeType string

const (
	FeeFixed   FeeType = "fixed"    // Flat per-term charge
	FeePerUnit FeeType = "per_unit" // Charged per enrolled unit
)

// Catalog codes with special meaning.
const (
	FeeCodeTuition = "TUITION"
	FeeCodeLab     = "LAB"
)

type Fee struct {
	Code        string
	Description string
	Type        FeeType
	Amount      generic.Money
}

// TuitionRate is a program-specific override of the catalog rates.
type TuitionRate struct {
	ID             string
	ProgramID      ProgramID
	TuitionPerUnit generic.Money
	LabFee         generic.Money
	EffectiveDate  time.Time
	Active         bool
}

// =============================================================================
// SCHOLARSHIPS
// =============================================================================

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type AppliesTo string

const (
	AppliesToTuition AppliesTo = "tuition"
	AppliesToMisc    AppliesTo = "misc"
	AppliesToAll     AppliesTo = "all"
)

type Scholarship struct {
	ID            string
	Code          string
	Name          string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	AppliesTo     AppliesTo
	Active        bool
}

// Validate rejects definitions the discount engine cannot apply.
// Percentages must lie in [0, 100]; fixed amounts must not be negative.
func (s Scholarship) Validate() error {
	invalid := func(reason string) error {
		return fmt.Errorf("%w: %s", generic.ErrInvalidDiscount, reason)
	}
	if strings.TrimSpace(s.Code) == "" || strings.TrimSpace(s.Name) == "" {
		return invalid("code and name are required")
	}
	switch s.AppliesTo {
	case AppliesToTuition, AppliesToMisc, AppliesToAll:
	default:
		return invalid(fmt.Sprintf("unknown applies_to %q", s.AppliesTo))
	}
	if s.DiscountValue.IsNegative() {
		return invalid("discount value must not be negative")
	}
	switch s.DiscountType {
	case DiscountPercentage:
		if s.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
			return invalid("percentage discount cannot exceed 100")
		}
	case DiscountFixed:
	default:
		return invalid(fmt.Sprintf("unknown discount_type %q", s.DiscountType))
	}
	return nil
}

type AwardStatus string

const (
	AwardActive  AwardStatus = "Active"
	AwardRevoked AwardStatus = "Revoked"
)

// Award grants a scholarship to a student for one term.
type Award struct {
	ID            string
	StudentID     generic.StudentID
	ScholarshipID string
	Term          generic.Term
	Status        AwardStatus
	AwardedAt     time.Time
	Notes         string

	// Joined from the scholarship catalog
	Scholarship Scholarship
}

// =============================================================================
// OVERPAYMENT CREDIT RECORDS
// =============================================================================

// Overpayment is a persisted credit. Unapplied records are available to a
// later term; applied records carry the term they were consumed by.
type Overpayment struct {
	ID          string
	StudentID   generic.StudentID
	SourceTerm  generic.Term
	Amount      generic.Money
	IsApplied   bool
	AppliedTerm *generic.Term
	AppliedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// LATE FEES
// =============================================================================

type LateFeeType string

const (
	LateFeePercentage LateFeeType = "percentage"
	LateFeeFixed      LateFeeType = "fixed"
)

type ApplyPer string

const (
	ApplyPerMonth ApplyPer = "month"
	ApplyPerWeek  ApplyPer = "week"
	ApplyPerOnce  ApplyPer = "once"
)

type LateFeePolicy struct {
	FeeType           LateFeeType
	FeeValue          decimal.Decimal
	GracePeriodDays   int
	MaxPenaltyPercent decimal.Decimal
	ApplyPer          ApplyPer
	Active            bool
}

// DefaultLateFeePolicy applies when no active policy is configured:
// 5% per month after 30 days, capped at 25% of the balance.
func DefaultLateFeePolicy() LateFeePolicy {
	return LateFeePolicy{
		FeeType:           LateFeePercentage,
		FeeValue:          decimal.NewFromInt(5),
		GracePeriodDays:   30,
		MaxPenaltyPercent: decimal.NewFromInt(25),
		ApplyPer:          ApplyPerMonth,
		Active:            true,
	}
}

// LateFee is a posted penalty. Waived fees stay on record but no longer count.
type LateFee struct {
	ID        string
	StudentID generic.StudentID
	Term      generic.Term
	Amount    generic.Money
	Reason    string
	AppliedAt time.Time
	IsWaived  bool
	WaivedBy  string
	WaivedAt  *time.Time
}

// SumLateFees totals fees, skipping waived ones unless includeWaived is set.
func SumLateFees(fees []LateFee, term generic.Term, includeWaived bool) generic.Money {
	total := generic.ZeroMoney()
	for _, f := range fees {
		if !f.Term.Equal(term) || (f.IsWaived && !includeWaived) {
			continue
		}
		total = total.Add(f.Amount)
	}
	return total
}
