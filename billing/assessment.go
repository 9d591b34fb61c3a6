package billing

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// TERM ASSESSMENT CALCULATOR
// =============================================================================

// AssessmentPolicy decides which enrollments are billable.
// Dropped enrollments are excluded unless IncludeDropped is set; the same
// policy applies to every view (statement, summary, late fees).
type AssessmentPolicy struct {
	IncludeDropped bool
}

func (p AssessmentPolicy) Assessable(s EnrollmentStatus) bool {
	switch s {
	case EnrollmentEnrolled, EnrollmentPassed, EnrollmentFailed:
		return true
	case EnrollmentDropped:
		return p.IncludeDropped
	}
	return false
}

// Assessment is the gross-to-net computation for one term.
type Assessment struct {
	Term        generic.Term
	Units       decimal.Decimal
	TuitionRate generic.Money
	Tuition     generic.Money
	Misc        generic.Money
	Gross       generic.Money
	Discount    Discount
	Net         generic.Money // Never negative
}

// AssessTerm computes a term's assessment. Misc fees are charged only when
// the student has billable units in the term.
func AssessTerm(term generic.Term, enrollments []Enrollment, awards []Award, schedule FeeSchedule, policy AssessmentPolicy) Assessment {
	units := BillableUnits(term, enrollments, policy)

	tuition := schedule.Rates.TuitionPerUnit.Mul(units)
	misc := generic.ZeroMoney()
	if units.IsPositive() {
		misc = schedule.MiscTotal()
	}
	gross := tuition.Add(misc)
	discount := ComputeDiscount(ActiveScholarships(awards, term), tuition, misc)

	return Assessment{
		Term:        term,
		Units:       units,
		TuitionRate: schedule.Rates.TuitionPerUnit,
		Tuition:     tuition,
		Misc:        misc,
		Gross:       gross,
		Discount:    discount,
		Net:         gross.Sub(discount.Total).ClampZero(),
	}
}

// BillableUnits sums the units of assessable enrollments in term.
func BillableUnits(term generic.Term, enrollments []Enrollment, policy AssessmentPolicy) decimal.Decimal {
	units := decimal.Zero
	for _, e := range enrollments {
		if e.Term.Equal(term) && policy.Assessable(e.Status) {
			units = units.Add(e.Units)
		}
	}
	return units
}

// EnrolledTerms lists the distinct terms with any enrollment, oldest first.
func EnrolledTerms(enrollments []Enrollment) []generic.Term {
	terms := make([]generic.Term, 0, len(enrollments))
	for _, e := range enrollments {
		terms = append(terms, e.Term)
	}
	return generic.DistinctTerms(terms)
}

// FirstEnrolledAt is the earliest enrollment timestamp of term, any status.
func FirstEnrolledAt(term generic.Term, enrollments []Enrollment) *time.Time {
	var first *time.Time
	for i := range enrollments {
		e := enrollments[i]
		if !e.Term.Equal(term) || e.EnrolledAt.IsZero() {
			continue
		}
		if first == nil || e.EnrolledAt.Before(*first) {
			t := e.EnrolledAt
			first = &t
		}
	}
	return first
}
