/*
ledger.go - Carry-forward statement of account

PURPOSE:
  The Engine gathers a student's inputs ONCE (student, enrollments, fee
  schedule, awards, payments), assesses every enrolled term and runs the
  carry-forward fold. The resulting statement is the single source of
  truth for balances shown to anyone.

KEY OPERATIONS:
  Statement(student)         every term, oldest first, plus grand totals
  Assessment(student, term)  one term's gross-to-net computation
  TermSummary(student, term) assessment + fold result + late fees + status

TERMS:
  The statement covers the distinct terms the student has enrollment
  records in, of any status. A term whose enrollments are all dropped is
  still emitted, with a zero assessment.

READ-ONLY:
  Nothing here writes. Re-running a statement over the same data yields
  the same result.

SEE ALSO:
  - generic/carryforward.go: The fold itself
  - credits.go: Writes the fold's overpayments to the credit log
*/
package billing

import (
	"context"
	"fmt"

	"github.com/warp/tuition-engine/generic"
)

// Engine computes assessments and statements.
type Engine struct {
	Directory Directory
	Rates     *RateResolver
	Awards    AwardSource
	Payments  generic.Ledger
	LateFees  LateFeeStore
	Policy    AssessmentPolicy
	Clock     generic.Clock
}

// TermStatement pairs a term's assessment with its fold result.
type TermStatement struct {
	Assessment Assessment
	generic.TermResult
}

// StudentStatement is the full statement of account.
type StudentStatement struct {
	Student  Student
	Schedule FeeSchedule
	Terms    []TermStatement
	Totals   generic.Totals
}

// Term returns the statement line for t.
func (s StudentStatement) Term(t generic.Term) (TermStatement, bool) {
	for _, ts := range s.Terms {
		if ts.Term.Equal(t) {
			return ts, true
		}
	}
	return TermStatement{}, false
}

// inputs is everything one computation reads, loaded once.
type inputs struct {
	student     Student
	enrollments []Enrollment
	schedule    FeeSchedule
	awards      []Award
	payments    []generic.Payment
}

func (e *Engine) load(ctx context.Context, id generic.StudentID) (inputs, error) {
	student, err := e.Directory.Student(ctx, id)
	if err != nil {
		return inputs{}, err
	}
	enrollments, err := e.Directory.Enrollments(ctx, id)
	if err != nil {
		return inputs{}, fmt.Errorf("failed to load enrollments: %w", err)
	}
	schedule, err := e.Rates.Schedule(ctx, student.ProgramID)
	if err != nil {
		return inputs{}, err
	}
	awards, err := e.Awards.Awards(ctx, id)
	if err != nil {
		return inputs{}, fmt.Errorf("failed to load awards: %w", err)
	}
	payments, err := e.Payments.Payments(ctx, id)
	if err != nil {
		return inputs{}, fmt.Errorf("failed to load payments: %w", err)
	}
	return inputs{
		student:     student,
		enrollments: enrollments,
		schedule:    schedule,
		awards:      awards,
		payments:    payments,
	}, nil
}

func (e *Engine) statement(in inputs) StudentStatement {
	terms := EnrolledTerms(in.enrollments)
	assessments := make(map[generic.Term]Assessment, len(terms))
	charges := make([]generic.TermCharge, 0, len(terms))
	for _, t := range terms {
		a := AssessTerm(t, in.enrollments, in.awards, in.schedule, e.Policy)
		assessments[t] = a
		charges = append(charges, generic.TermCharge{
			Term:     t,
			Net:      a.Net,
			Discount: a.Discount.Total,
			Paid:     generic.TotalPaid(in.payments, t),
		})
	}

	folded := generic.CarryForward(charges)
	out := StudentStatement{
		Student:  in.student,
		Schedule: in.schedule,
		Terms:    make([]TermStatement, 0, len(folded.Terms)),
		Totals:   folded.Totals,
	}
	for _, r := range folded.Terms {
		out.Terms = append(out.Terms, TermStatement{Assessment: assessments[r.Term], TermResult: r})
	}
	return out
}

// Statement runs the carry-forward ledger for a student.
func (e *Engine) Statement(ctx context.Context, id generic.StudentID) (StudentStatement, error) {
	in, err := e.load(ctx, id)
	if err != nil {
		return StudentStatement{}, err
	}
	return e.statement(in), nil
}

// Assessment computes one term, whether or not the student is enrolled in it.
func (e *Engine) Assessment(ctx context.Context, id generic.StudentID, term generic.Term) (Assessment, error) {
	if err := term.Validate(); err != nil {
		return Assessment{}, err
	}
	in, err := e.load(ctx, id)
	if err != nil {
		return Assessment{}, err
	}
	return AssessTerm(term, in.enrollments, in.awards, in.schedule, e.Policy), nil
}

// =============================================================================
// TERM SUMMARY
// =============================================================================

type TermStatus string

const (
	StatusPaid    TermStatus = "Paid"
	StatusOverdue TermStatus = "Overdue"
	StatusUnpaid  TermStatus = "Unpaid"
)

// TermSummary is the comprehensive view of one term.
type TermSummary struct {
	Assessment      Assessment
	MiscLines       []FeeLine
	Paid            generic.Money
	CreditApplied   generic.Money // From the carry-forward fold
	AvailableCredit generic.Money // Pool after the whole statement
	AppliedLateFees generic.Money // Posted, not waived
	PendingLateFee  LateFeeQuote  // Quote less fees already posted, waived included
	Balance         generic.Money // Fold balance + applied late fees
	TotalDue        generic.Money // max(0, balance + pending late fee)
	Overpayment     generic.Money // What this term added to the pool
	Status          TermStatus
}

func (s TermSummary) HasOverpayment() bool { return s.Overpayment.IsPositive() }

// TermSummary combines the statement line, posted late fees and the pending
// late-fee quote. Late fees never enter the fold: they are shown on top of
// the carry-forward balance.
func (e *Engine) TermSummary(ctx context.Context, id generic.StudentID, term generic.Term) (TermSummary, error) {
	if err := term.Validate(); err != nil {
		return TermSummary{}, err
	}
	in, err := e.load(ctx, id)
	if err != nil {
		return TermSummary{}, err
	}
	policy, err := LoadLateFeePolicy(ctx, e.Rates.Catalog)
	if err != nil {
		return TermSummary{}, err
	}
	st := e.statement(in)

	line, ok := st.Term(term)
	if !ok {
		// Not enrolled: zero assessment, any payment is pure credit.
		a := AssessTerm(term, in.enrollments, in.awards, in.schedule, e.Policy)
		paid := generic.TotalPaid(in.payments, term)
		line = TermStatement{Assessment: a, TermResult: generic.TermResult{
			Term:          term,
			Net:           a.Net,
			Paid:          paid,
			CreditApplied: generic.ZeroMoney(),
			Balance:       a.Net.Sub(paid).ClampZero(),
			Overpayment:   paid.Sub(a.Net).ClampZero(),
		}}
	}

	applied, posted := generic.ZeroMoney(), generic.ZeroMoney()
	if e.LateFees != nil {
		fees, err := e.LateFees.LateFees(ctx, id, &term)
		if err != nil {
			return TermSummary{}, fmt.Errorf("failed to load late fees: %w", err)
		}
		applied = SumLateFees(fees, term, false)
		posted = SumLateFees(fees, term, true)
	}

	today := clockOrSystem(e.Clock).Now()
	quote := QuoteLateFee(line.Balance, nil, FirstEnrolledAt(term, in.enrollments), policy, today)
	// Only the part of the quote not yet posted (or waived) is pending.
	quote.LateFee = quote.LateFee.Sub(posted).ClampZero()

	balance := line.Balance.Add(applied)
	status := StatusUnpaid
	switch {
	case !balance.IsPositive():
		status = StatusPaid
	case quote.DaysOverdue > 0:
		status = StatusOverdue
	}

	return TermSummary{
		Assessment:      line.Assessment,
		MiscLines:       in.schedule.MiscLines(),
		Paid:            line.Paid,
		CreditApplied:   line.CreditApplied,
		AvailableCredit: st.Totals.AvailableCredit,
		AppliedLateFees: applied,
		PendingLateFee:  quote,
		Balance:         balance,
		TotalDue:        balance.Add(quote.LateFee).ClampZero(),
		Overpayment:     line.Overpayment,
		Status:          status,
	}, nil
}
