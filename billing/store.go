package billing

import (
	"context"
	"time"

	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// READ-ONLY COLLABORATORS
// =============================================================================

// Directory supplies students and their enrollments.
type Directory interface {
	// Student returns generic.ErrStudentNotFound when the id is unknown.
	Student(ctx context.Context, id generic.StudentID) (Student, error)
	Students(ctx context.Context) ([]Student, error)
	Enrollments(ctx context.Context, id generic.StudentID) ([]Enrollment, error)
}

// Catalog supplies fee configuration. Missing rows are not errors.
type Catalog interface {
	TuitionRates(ctx context.Context, program ProgramID) ([]TuitionRate, error)
	Fees(ctx context.Context) ([]Fee, error)
	// ActiveLateFeePolicy returns nil when no active policy exists.
	ActiveLateFeePolicy(ctx context.Context) (*LateFeePolicy, error)
}

// AwardSource lists a student's scholarship awards with the scholarship joined.
type AwardSource interface {
	Awards(ctx context.Context, studentID generic.StudentID) ([]Award, error)
}

// =============================================================================
// WRITE SINKS
// =============================================================================

// ScholarshipStore persists the scholarship catalog and awards.
type ScholarshipStore interface {
	AwardSource
	Scholarships(ctx context.Context, activeOnly bool) ([]Scholarship, error)
	// Scholarship returns generic.ErrScholarshipNotFound when unknown.
	Scholarship(ctx context.Context, id string) (Scholarship, error)
	SaveScholarship(ctx context.Context, s Scholarship) error
	// InsertAward returns generic.ErrAlreadyAwarded when the student already
	// holds the scholarship for the term.
	InsertAward(ctx context.Context, a Award) error
	Award(ctx context.Context, id string) (Award, error)
	SetAwardStatus(ctx context.Context, id string, status AwardStatus, at time.Time) error
}

// CreditStore persists overpayment records. It is also the payment store,
// so a transaction can read and append payments next to its credit writes.
type CreditStore interface {
	generic.Store
	// Overpayments lists a student's records, newest first.
	Overpayments(ctx context.Context, studentID generic.StudentID, unappliedOnly bool) ([]Overpayment, error)
	// Overpayment returns generic.ErrOverpaymentNotFound when unknown.
	Overpayment(ctx context.Context, id string) (Overpayment, error)
	InsertOverpayment(ctx context.Context, o Overpayment) error
	UpdateOverpaymentAmount(ctx context.Context, id string, amount generic.Money, at time.Time) error
	MarkOverpaymentApplied(ctx context.Context, id string, target generic.Term, at time.Time) error
	// AppliedCredit sums applied records whose target is term.
	AppliedCredit(ctx context.Context, studentID generic.StudentID, term generic.Term) (generic.Money, error)
}

// CreditTxStore runs a student's payment and credit writes atomically,
// holding the student's row lock (where the database has one) for the
// duration of fn.
type CreditTxStore interface {
	CreditStore
	WithCreditTx(ctx context.Context, studentID generic.StudentID, fn func(CreditStore) error) error
}

// LateFeeStore persists applied late fees.
type LateFeeStore interface {
	InsertLateFee(ctx context.Context, f LateFee) error
	// LateFees lists a student's fees, newest first. A nil term lists all.
	LateFees(ctx context.Context, studentID generic.StudentID, term *generic.Term) ([]LateFee, error)
	// LateFee returns generic.ErrLateFeeNotFound when unknown.
	LateFee(ctx context.Context, id string) (LateFee, error)
	WaiveLateFee(ctx context.Context, id string, waivedBy string, at time.Time) error
}

// Registrar writes the collaborator data. Used by catalog import and demo loading.
type Registrar interface {
	SaveStudent(ctx context.Context, s Student) error
	SaveEnrollment(ctx context.Context, e Enrollment) error
	SaveFee(ctx context.Context, f Fee) error
	SaveTuitionRate(ctx context.Context, r TuitionRate) error
	SaveLateFeePolicy(ctx context.Context, p LateFeePolicy) error
}

// Repository is everything a database backend provides.
type Repository interface {
	generic.Store
	Directory
	Catalog
	ScholarshipStore
	CreditTxStore
	LateFeeStore
	Registrar
	Reset(ctx context.Context) error
	Close() error
}
