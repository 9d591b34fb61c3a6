/*
credits.go - Persisted overpayment credits

PURPOSE:
  Overpayment records let a registrar move credit explicitly to a chosen
  term (for example at promotion time) and keep an audit trail of where
  every unit of credit came from and where it went.

RECORD LIFECYCLE:
  RecordOverpayment       upsert the unapplied record of a source term
  ApplyOverpaymentCredit  mark one record fully applied to a later term
  ApplyAvailableCredits   drain unapplied records FIFO into a target term;
                          a partial drain splits the record:

    before:  [2025-2026/1  3000  unapplied]
    apply 1000 to 2025-2026/2
    after:   [2025-2026/1  2000  unapplied]
             [2025-2026/1  1000  applied → 2025-2026/2]

RELATION TO THE STATEMENT:
  The carry-forward statement is authoritative. These records are a log
  written behind it: SyncOverpayments replays the fold's overflows and
  credit consumption into records, writing only what is missing.

CONCURRENCY:
  Every write runs under the student's lock AND inside one store
  transaction. A failed split rolls back both the reduced original and
  the new applied record. The target term's payments are read inside
  that transaction; payment appends take the same row lock.

SEE ALSO:
  - generic/allocation.go: FIFO decision
  - ledger.go: The statement replayed by SyncOverpayments
*/
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/warp/tuition-engine/generic"
)

// CreditTargetError rejects applying credit to a term not after its source.
type CreditTargetError struct {
	Source generic.Term
	Target generic.Term
}

func (e *CreditTargetError) Error() string {
	return fmt.Sprintf("cannot apply credit from %s to %s: target must be a later term", e.Source, e.Target)
}

func (e *CreditTargetError) Unwrap() error {
	return generic.ErrInvalidCreditTarget
}

type CreditService struct {
	Engine    *Engine
	Directory Directory
	Store     CreditTxStore
	Events    Publisher
	Logger    *slog.Logger
	Locks     *generic.KeyedMutex
	Clock     generic.Clock
}

func (s *CreditService) now() time.Time {
	return clockOrSystem(s.Clock).Now().UTC()
}

// =============================================================================
// QUERIES
// =============================================================================

// Overpayments lists a student's records, newest first.
func (s *CreditService) Overpayments(ctx context.Context, id generic.StudentID, unappliedOnly bool) ([]Overpayment, error) {
	if _, err := s.Directory.Student(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Overpayments(ctx, id, unappliedOnly)
}

// AvailableCredit sums the unapplied records.
func (s *CreditService) AvailableCredit(ctx context.Context, id generic.StudentID) (generic.Money, error) {
	ops, err := s.Overpayments(ctx, id, true)
	if err != nil {
		return generic.Money{}, err
	}
	total := generic.ZeroMoney()
	for _, o := range ops {
		total = total.Add(o.Amount)
	}
	return total, nil
}

// =============================================================================
// RECORD
// =============================================================================

// RecordOverpayment stores credit from a source term. An unapplied record
// for the same source term is updated in place instead of duplicated.
func (s *CreditService) RecordOverpayment(ctx context.Context, id generic.StudentID, source generic.Term, amount generic.Money) (Overpayment, error) {
	if err := source.Validate(); err != nil {
		return Overpayment{}, err
	}
	if err := generic.RequirePositive("overpayment", amount); err != nil {
		return Overpayment{}, err
	}
	if _, err := s.Directory.Student(ctx, id); err != nil {
		return Overpayment{}, err
	}

	unlock := s.Locks.Lock(string(id))
	defer unlock()

	var out Overpayment
	err := s.Store.WithCreditTx(ctx, id, func(cs CreditStore) error {
		var err error
		out, err = upsertOverpayment(ctx, cs, id, source, amount, s.now())
		return err
	})
	if err != nil {
		return Overpayment{}, fmt.Errorf("failed to record overpayment: %w", err)
	}

	s.logRecorded(ctx, out)
	return out, nil
}

func upsertOverpayment(ctx context.Context, cs CreditStore, id generic.StudentID, source generic.Term, amount generic.Money, now time.Time) (Overpayment, error) {
	unapplied, err := cs.Overpayments(ctx, id, true)
	if err != nil {
		return Overpayment{}, err
	}
	for _, o := range unapplied {
		if !o.SourceTerm.Equal(source) {
			continue
		}
		if err := cs.UpdateOverpaymentAmount(ctx, o.ID, amount, now); err != nil {
			return Overpayment{}, err
		}
		o.Amount = amount
		o.UpdatedAt = now
		return o, nil
	}

	o := Overpayment{
		ID:         newID(),
		StudentID:  id,
		SourceTerm: source,
		Amount:     amount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := cs.InsertOverpayment(ctx, o); err != nil {
		return Overpayment{}, err
	}
	return o, nil
}

// =============================================================================
// APPLY ONE RECORD
// =============================================================================

// ApplyOverpaymentCredit marks a record fully applied to target. Applying an
// already-applied record returns generic.ErrCreditAlreadyApplied.
func (s *CreditService) ApplyOverpaymentCredit(ctx context.Context, overpaymentID string, target generic.Term) (Overpayment, error) {
	if err := target.Validate(); err != nil {
		return Overpayment{}, err
	}
	o, err := s.Store.Overpayment(ctx, overpaymentID)
	if err != nil {
		return Overpayment{}, err
	}

	unlock := s.Locks.Lock(string(o.StudentID))
	defer unlock()

	now := s.now()
	err = s.Store.WithCreditTx(ctx, o.StudentID, func(cs CreditStore) error {
		current, err := cs.Overpayment(ctx, overpaymentID)
		if err != nil {
			return err
		}
		if current.IsApplied {
			return generic.ErrCreditAlreadyApplied
		}
		if !target.After(current.SourceTerm) {
			return &CreditTargetError{Source: current.SourceTerm, Target: target}
		}
		if err := cs.MarkOverpaymentApplied(ctx, overpaymentID, target, now); err != nil {
			return err
		}
		o = current
		return nil
	})
	if err != nil {
		return Overpayment{}, err
	}

	o.IsApplied = true
	o.AppliedTerm = &target
	o.AppliedAt = &now
	o.UpdatedAt = now
	s.logApplied(ctx, o)
	return o, nil
}

// =============================================================================
// APPLY AVAILABLE CREDITS (FIFO)
// =============================================================================

// CreditApplication reports what ApplyAvailableCredits did.
type CreditApplication struct {
	Target    generic.Term
	Balance   generic.Money // Target balance before this application
	Applied   generic.Money
	Remaining generic.Money // Target balance after this application
	Records   []Overpayment // Applied records written
}

// ApplyAvailableCredits drains unapplied records, oldest source term first,
// into target until its balance is covered. The target balance is its net
// assessment minus payments minus credits already applied to it.
func (s *CreditService) ApplyAvailableCredits(ctx context.Context, id generic.StudentID, target generic.Term) (CreditApplication, error) {
	if err := target.Validate(); err != nil {
		return CreditApplication{}, err
	}

	unlock := s.Locks.Lock(string(id))
	defer unlock()

	assessment, err := s.Engine.Assessment(ctx, id, target)
	if err != nil {
		return CreditApplication{}, err
	}

	now := s.now()
	var res CreditApplication
	err = s.Store.WithCreditTx(ctx, id, func(cs CreditStore) error {
		// Payments are read under the row lock that payment appends take.
		ps, err := cs.LoadTerm(ctx, id, target)
		if err != nil {
			return fmt.Errorf("failed to load payments: %w", err)
		}
		paid := generic.TotalPaid(ps, target)
		already, err := cs.AppliedCredit(ctx, id, target)
		if err != nil {
			return err
		}
		balance := assessment.Net.Sub(paid).Sub(already)
		res = CreditApplication{Target: target, Balance: balance, Applied: generic.ZeroMoney(), Remaining: balance}
		if !balance.IsPositive() {
			return nil
		}

		unapplied, err := cs.Overpayments(ctx, id, true)
		if err != nil {
			return err
		}
		// Records come newest first; feed them oldest first so equal
		// source terms keep creation order.
		sources := make([]generic.CreditSource, 0, len(unapplied))
		for i := len(unapplied) - 1; i >= 0; i-- {
			o := unapplied[i]
			if o.SourceTerm.Before(target) {
				sources = append(sources, generic.CreditSource{ID: o.ID, Term: o.SourceTerm, Amount: o.Amount})
			}
		}

		alloc := generic.AllocateFIFO(sources, balance)
		for _, a := range alloc.Allocations {
			rec, err := applyAllocation(ctx, cs, id, target, a, now)
			if err != nil {
				return err
			}
			res.Records = append(res.Records, rec)
		}
		res.Applied = alloc.Allocated
		res.Remaining = balance.Sub(alloc.Allocated)
		return nil
	})
	if err != nil {
		return CreditApplication{}, fmt.Errorf("failed to apply credits: %w", err)
	}

	for _, rec := range res.Records {
		s.logApplied(ctx, rec)
	}
	return res, nil
}

// applyAllocation consumes a whole record, or splits it into a reduced
// remainder plus a new applied record for exactly the allocated amount.
func applyAllocation(ctx context.Context, cs CreditStore, id generic.StudentID, target generic.Term, a generic.Allocation, now time.Time) (Overpayment, error) {
	t := target
	applied := Overpayment{
		ID:          a.Source.ID,
		StudentID:   id,
		SourceTerm:  a.Source.Term,
		Amount:      a.Amount,
		IsApplied:   true,
		AppliedTerm: &t,
		AppliedAt:   &now,
		UpdatedAt:   now,
	}
	if a.Full() {
		return applied, cs.MarkOverpaymentApplied(ctx, a.Source.ID, target, now)
	}

	if err := cs.UpdateOverpaymentAmount(ctx, a.Source.ID, a.Remainder(), now); err != nil {
		return Overpayment{}, err
	}
	applied.ID = newID()
	applied.CreatedAt = now
	if err := cs.InsertOverpayment(ctx, applied); err != nil {
		return Overpayment{}, err
	}
	return applied, nil
}

// =============================================================================
// SYNC FROM THE STATEMENT
// =============================================================================

// SyncResult lists the records SyncOverpayments wrote.
type SyncResult struct {
	Recorded []Overpayment // Unapplied records created or resized
	Applied  []Overpayment // Applied records created
}

type creditPair struct {
	source generic.Term
	target generic.Term
}

// SyncOverpayments replays the statement into the record log: each term's
// overflow becomes credit from that term, and each term's consumed credit
// becomes applied records, FIFO by source term. Only the difference from
// the existing log is written, so running it twice writes nothing new.
func (s *CreditService) SyncOverpayments(ctx context.Context, id generic.StudentID) (SyncResult, error) {
	unlock := s.Locks.Lock(string(id))
	defer unlock()

	st, err := s.Engine.Statement(ctx, id)
	if err != nil {
		return SyncResult{}, err
	}

	// Replay the fold: which source term funded which target, and how much.
	overflow := map[generic.Term]generic.Money{}
	var sourceOrder []generic.Term
	desired := map[creditPair]generic.Money{}
	var pairOrder []creditPair
	var queue []generic.CreditSource

	for _, line := range st.Terms {
		if line.CreditApplied.IsPositive() {
			alloc := generic.AllocateFIFO(queue, line.CreditApplied)
			for _, a := range alloc.Allocations {
				p := creditPair{source: a.Source.Term, target: line.Term}
				if _, ok := desired[p]; !ok {
					pairOrder = append(pairOrder, p)
					desired[p] = generic.ZeroMoney()
				}
				desired[p] = desired[p].Add(a.Amount)
			}
			queue = drain(queue, alloc)
		}
		if line.Overpayment.IsPositive() {
			overflow[line.Term] = line.Overpayment
			sourceOrder = append(sourceOrder, line.Term)
			queue = append(queue, generic.CreditSource{ID: line.Term.String(), Term: line.Term, Amount: line.Overpayment})
		}
	}

	now := s.now()
	var res SyncResult
	err = s.Store.WithCreditTx(ctx, id, func(cs CreditStore) error {
		res = SyncResult{}
		all, err := cs.Overpayments(ctx, id, false)
		if err != nil {
			return err
		}

		existing := map[creditPair]generic.Money{}
		appliedFrom := map[generic.Term]generic.Money{}
		unapplied := map[generic.Term]Overpayment{}
		for _, o := range all {
			if o.IsApplied && o.AppliedTerm != nil {
				p := creditPair{source: o.SourceTerm, target: *o.AppliedTerm}
				existing[p] = existing[p].Add(o.Amount)
				appliedFrom[o.SourceTerm] = appliedFrom[o.SourceTerm].Add(o.Amount)
				continue
			}
			if !o.IsApplied {
				unapplied[o.SourceTerm] = o
			}
		}

		for _, p := range pairOrder {
			// Credit applied explicitly elsewhere has already spent part
			// of the source's overflow.
			delta := desired[p].Sub(existing[p]).Min(overflow[p.source].Sub(appliedFrom[p.source]))
			if !delta.IsPositive() {
				continue
			}
			t := p.target
			rec := Overpayment{
				ID:          newID(),
				StudentID:   id,
				SourceTerm:  p.source,
				Amount:      delta,
				IsApplied:   true,
				AppliedTerm: &t,
				AppliedAt:   &now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := cs.InsertOverpayment(ctx, rec); err != nil {
				return err
			}
			appliedFrom[p.source] = appliedFrom[p.source].Add(delta)
			res.Applied = append(res.Applied, rec)
		}

		// Remaining unapplied credit per source term, including stale records
		// of terms the statement no longer shows as overpaid.
		sources := append([]generic.Term{}, sourceOrder...)
		for t := range unapplied {
			if _, ok := overflow[t]; !ok {
				sources = append(sources, t)
			}
		}
		generic.SortTerms(sources)

		for _, t := range sources {
			want := overflow[t].Sub(appliedFrom[t]).ClampZero()
			rec, ok := unapplied[t]
			switch {
			case ok && rec.Amount.Equal(want):
				continue
			case ok:
				if err := cs.UpdateOverpaymentAmount(ctx, rec.ID, want, now); err != nil {
					return err
				}
				rec.Amount = want
				rec.UpdatedAt = now
				res.Recorded = append(res.Recorded, rec)
			case want.IsPositive():
				rec = Overpayment{
					ID:         newID(),
					StudentID:  id,
					SourceTerm: t,
					Amount:     want,
					CreatedAt:  now,
					UpdatedAt:  now,
				}
				if err := cs.InsertOverpayment(ctx, rec); err != nil {
					return err
				}
				res.Recorded = append(res.Recorded, rec)
			}
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to sync overpayments: %w", err)
	}

	for _, rec := range res.Recorded {
		s.logRecorded(ctx, rec)
	}
	for _, rec := range res.Applied {
		s.logApplied(ctx, rec)
	}
	return res, nil
}

// drain subtracts an allocation from the queue it was computed from.
func drain(queue []generic.CreditSource, alloc generic.AllocationResult) []generic.CreditSource {
	taken := map[string]generic.Money{}
	for _, a := range alloc.Allocations {
		taken[a.Source.ID] = a.Amount
	}
	out := queue[:0]
	for _, src := range queue {
		src.Amount = src.Amount.Sub(taken[src.ID])
		if src.Amount.IsPositive() {
			out = append(out, src)
		}
	}
	return out
}

// =============================================================================
// LOGGING AND EVENTS
// =============================================================================

func (s *CreditService) logRecorded(ctx context.Context, o Overpayment) {
	loggerOrDefault(s.Logger).Info("overpayment recorded",
		"student_id", o.StudentID, "term", o.SourceTerm.String(), "amount", o.Amount.String(), "overpayment_id", o.ID)
	publish(ctx, s.Events, s.Logger, EventOverpaymentRecorded, LedgerEvent{
		StudentID: o.StudentID, Term: o.SourceTerm.String(), Amount: o.Amount.String(), RecordID: o.ID, OccurredAt: o.UpdatedAt,
	})
}

func (s *CreditService) logApplied(ctx context.Context, o Overpayment) {
	target := ""
	if o.AppliedTerm != nil {
		target = o.AppliedTerm.String()
	}
	loggerOrDefault(s.Logger).Info("credit applied",
		"student_id", o.StudentID, "term", o.SourceTerm.String(), "target_term", target,
		"amount", o.Amount.String(), "overpayment_id", o.ID)
	publish(ctx, s.Events, s.Logger, EventCreditApplied, LedgerEvent{
		StudentID: o.StudentID, Term: o.SourceTerm.String(), TargetTerm: target,
		Amount: o.Amount.String(), RecordID: o.ID, OccurredAt: o.UpdatedAt,
	})
}
