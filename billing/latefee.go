/*
latefee.go - Late fee quoting, posting and waiving

PURPOSE:
  QuoteLateFee computes what a term's overdue balance has accrued in
  penalties. It is a pure function; LateFeeService wires it to the
  statement, the configured policy and the late-fee records.

QUOTE RULES (in order):
  1. balance ≤ 0                              → 0, "No balance due"
  2. no due date and no enrollment timestamp → 0, "No enrollment found"
  3. today ≤ due date                        → 0, "Not yet overdue"
  4. otherwise:
       days    = today − due date
       periods = ceil(days/30) per month, ceil(days/7) per week, else 1
       fee     = balance × value% × periods   (percentage)
               = value × periods              (fixed)
       fee     = min(fee, balance × max_penalty%), rounded to 2 dp

  The due date defaults to the first enrollment timestamp of the term plus
  the grace period.

BALANCE:
  The balance quoted against is the term's carry-forward balance. Posted
  late fees are NOT part of it, so penalties never compound.

ACCRUAL:
  Accrue posts the difference between the current quote and everything
  already posted for the term, waived fees included. A waived fee is
  therefore never charged again by the nightly job.

SEE ALSO:
  - ledger.go: Supplies the term balance
  - api/scheduler.go: Nightly accrual job
*/
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/generic"
)

// Quote messages.
const (
	MsgNoBalanceDue  = "No balance due"
	MsgNoEnrollment  = "No enrollment found"
	MsgNotYetOverdue = "Not yet overdue"
)

// DefaultLateFeeReason is used when a fee is posted without a reason.
const DefaultLateFeeReason = "Late payment penalty"

// LateFeeQuote is the result of QuoteLateFee.
type LateFeeQuote struct {
	LateFee        generic.Money
	DaysOverdue    int
	PeriodsOverdue int
	MaxFee         generic.Money
	Balance        generic.Money
	DueDate        *time.Time
	Message        string
}

// QuoteLateFee computes the accrued late fee on balance as of today.
func QuoteLateFee(balance generic.Money, dueDate, firstEnrolledAt *time.Time, policy LateFeePolicy, today time.Time) LateFeeQuote {
	q := LateFeeQuote{
		LateFee: generic.ZeroMoney(),
		MaxFee:  generic.ZeroMoney(),
		Balance: balance,
	}
	if !balance.IsPositive() {
		q.Message = MsgNoBalanceDue
		return q
	}

	if dueDate == nil {
		if firstEnrolledAt == nil {
			q.Message = MsgNoEnrollment
			return q
		}
		d := generic.StartOfDay(*firstEnrolledAt).AddDate(0, 0, policy.GracePeriodDays)
		dueDate = &d
	}
	due := generic.StartOfDay(*dueDate)
	q.DueDate = &due

	days := generic.DaysBetween(due, today)
	if days <= 0 {
		q.Message = MsgNotYetOverdue
		return q
	}

	periods := 1
	switch policy.ApplyPer {
	case ApplyPerMonth:
		periods = int(math.Ceil(float64(days) / 30))
	case ApplyPerWeek:
		periods = int(math.Ceil(float64(days) / 7))
	}

	var fee generic.Money
	n := decimal.NewFromInt(int64(periods))
	if policy.FeeType == LateFeePercentage {
		fee = balance.Percent(policy.FeeValue).Mul(n)
	} else {
		fee = generic.MoneyOf(policy.FeeValue).Mul(n)
	}
	maxFee := balance.Percent(policy.MaxPenaltyPercent)

	q.LateFee = fee.Min(maxFee).Round2()
	q.MaxFee = maxFee.Round2()
	q.DaysOverdue = days
	q.PeriodsOverdue = periods
	q.Message = fmt.Sprintf("Overdue by %d days", days)
	return q
}

// LoadLateFeePolicy returns the active policy or the default one.
func LoadLateFeePolicy(ctx context.Context, c Catalog) (LateFeePolicy, error) {
	p, err := c.ActiveLateFeePolicy(ctx)
	if err != nil {
		return LateFeePolicy{}, fmt.Errorf("failed to load late fee policy: %w", err)
	}
	if p == nil {
		return DefaultLateFeePolicy(), nil
	}
	return *p, nil
}

// =============================================================================
// LATE FEE SERVICE
// =============================================================================

type LateFeeService struct {
	Engine    *Engine
	Directory Directory
	Catalog   Catalog
	Store     LateFeeStore
	Events    Publisher
	Logger    *slog.Logger
	Locks     *generic.KeyedMutex
	Clock     generic.Clock
}

// Quote computes the pending late fee for one term. A nil due date is
// derived from the term's first enrollment.
func (s *LateFeeService) Quote(ctx context.Context, id generic.StudentID, term generic.Term, dueDate *time.Time) (LateFeeQuote, error) {
	if err := term.Validate(); err != nil {
		return LateFeeQuote{}, err
	}
	st, err := s.Engine.Statement(ctx, id)
	if err != nil {
		return LateFeeQuote{}, err
	}
	policy, err := LoadLateFeePolicy(ctx, s.Catalog)
	if err != nil {
		return LateFeeQuote{}, err
	}
	enrollments, err := s.Directory.Enrollments(ctx, id)
	if err != nil {
		return LateFeeQuote{}, fmt.Errorf("failed to load enrollments: %w", err)
	}
	balance := generic.ZeroMoney()
	if line, ok := st.Term(term); ok {
		balance = line.Balance
	}
	return QuoteLateFee(balance, dueDate, FirstEnrolledAt(term, enrollments), policy, clockOrSystem(s.Clock).Now()), nil
}

// Post records a late fee against a term.
func (s *LateFeeService) Post(ctx context.Context, id generic.StudentID, term generic.Term, amount generic.Money, reason string) (LateFee, error) {
	if err := term.Validate(); err != nil {
		return LateFee{}, err
	}
	if err := generic.RequirePositive("late fee", amount); err != nil {
		return LateFee{}, err
	}
	if _, err := s.Directory.Student(ctx, id); err != nil {
		return LateFee{}, err
	}
	unlock := s.Locks.Lock(string(id))
	defer unlock()
	return s.post(ctx, id, term, amount, reason)
}

func (s *LateFeeService) post(ctx context.Context, id generic.StudentID, term generic.Term, amount generic.Money, reason string) (LateFee, error) {
	if reason == "" {
		reason = DefaultLateFeeReason
	}
	fee := LateFee{
		ID:        newID(),
		StudentID: id,
		Term:      term,
		Amount:    amount.Round2(),
		Reason:    reason,
		AppliedAt: clockOrSystem(s.Clock).Now().UTC(),
	}
	if err := s.Store.InsertLateFee(ctx, fee); err != nil {
		return LateFee{}, fmt.Errorf("failed to post late fee: %w", err)
	}

	loggerOrDefault(s.Logger).Info("late fee posted",
		"student_id", id, "term", term.String(), "amount", fee.Amount.String(), "late_fee_id", fee.ID)
	publish(ctx, s.Events, s.Logger, EventLateFeePosted, LedgerEvent{
		StudentID: id, Term: term.String(), Amount: fee.Amount.String(), RecordID: fee.ID, OccurredAt: fee.AppliedAt,
	})
	return fee, nil
}

// Waive flags a posted fee as waived. Waiving twice is rejected.
func (s *LateFeeService) Waive(ctx context.Context, lateFeeID, waivedBy string) (LateFee, error) {
	if waivedBy == "" {
		waivedBy = "Admin"
	}
	fee, err := s.Store.LateFee(ctx, lateFeeID)
	if err != nil {
		return LateFee{}, err
	}
	unlock := s.Locks.Lock(string(fee.StudentID))
	defer unlock()

	// Re-read under the lock
	fee, err = s.Store.LateFee(ctx, lateFeeID)
	if err != nil {
		return LateFee{}, err
	}
	if fee.IsWaived {
		return LateFee{}, generic.ErrAlreadyWaived
	}

	now := clockOrSystem(s.Clock).Now().UTC()
	if err := s.Store.WaiveLateFee(ctx, lateFeeID, waivedBy, now); err != nil {
		return LateFee{}, fmt.Errorf("failed to waive late fee: %w", err)
	}
	fee.IsWaived = true
	fee.WaivedBy = waivedBy
	fee.WaivedAt = &now

	loggerOrDefault(s.Logger).Info("late fee waived",
		"student_id", fee.StudentID, "late_fee_id", fee.ID, "waived_by", waivedBy)
	publish(ctx, s.Events, s.Logger, EventLateFeeWaived, LedgerEvent{
		StudentID: fee.StudentID, Term: fee.Term.String(), Amount: fee.Amount.String(), RecordID: fee.ID, OccurredAt: now,
	})
	return fee, nil
}

// List returns posted fees, newest first. A nil term lists every term.
func (s *LateFeeService) List(ctx context.Context, id generic.StudentID, term *generic.Term) ([]LateFee, error) {
	return s.Store.LateFees(ctx, id, term)
}

// Accrue brings every term of a student up to its current quote.
func (s *LateFeeService) Accrue(ctx context.Context, id generic.StudentID) ([]LateFee, error) {
	unlock := s.Locks.Lock(string(id))
	defer unlock()

	st, err := s.Engine.Statement(ctx, id)
	if err != nil {
		return nil, err
	}
	policy, err := LoadLateFeePolicy(ctx, s.Catalog)
	if err != nil {
		return nil, err
	}
	enrollments, err := s.Directory.Enrollments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrollments: %w", err)
	}
	posted, err := s.Store.LateFees(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load late fees: %w", err)
	}

	today := clockOrSystem(s.Clock).Now()
	var created []LateFee
	for _, line := range st.Terms {
		q := QuoteLateFee(line.Balance, nil, FirstEnrolledAt(line.Term, enrollments), policy, today)
		delta := q.LateFee.Sub(SumLateFees(posted, line.Term, true))
		if !delta.IsPositive() {
			continue
		}
		fee, err := s.post(ctx, id, line.Term, delta, fmt.Sprintf("%s (%s)", DefaultLateFeeReason, q.Message))
		if err != nil {
			return created, err
		}
		created = append(created, fee)
	}
	return created, nil
}

// AccrualReport summarises one accrual run over all students.
type AccrualReport struct {
	Students int
	Posted   int
	Total    generic.Money
	Failures map[generic.StudentID]string
}

// AccrueAll runs Accrue for every student. One student's failure does not
// stop the others.
func (s *LateFeeService) AccrueAll(ctx context.Context) (AccrualReport, error) {
	students, err := s.Directory.Students(ctx)
	if err != nil {
		return AccrualReport{}, fmt.Errorf("failed to list students: %w", err)
	}
	report := AccrualReport{Total: generic.ZeroMoney(), Failures: map[generic.StudentID]string{}}
	for _, st := range students {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Students++
		fees, err := s.Accrue(ctx, st.ID)
		if err != nil {
			report.Failures[st.ID] = err.Error()
			loggerOrDefault(s.Logger).Error("late fee accrual failed", "student_id", st.ID, "error", err)
			continue
		}
		for _, f := range fees {
			report.Posted++
			report.Total = report.Total.Add(f.Amount)
		}
	}
	return report, nil
}
