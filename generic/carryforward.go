/*
carryforward.go - The carry-forward fold over a student's terms

PURPOSE:
  Turns per-term charges (net assessment, discount, amount paid) into
  per-term balances, carrying overpayments forward to later terms.
  This is the single authoritative computation of what a student owes;
  persisted overpayment records are a log derived from it, never an input.

THE FOLD:
  One running variable, the credit pool, starts at zero. For each term in
  chronological order:

    applied  = min(pool, max(net, 0))
    pool    -= applied
    balance  = net - paid - applied
    if balance < 0 { pool += |balance|; balance = 0 }

  A term's balance never goes negative: excess becomes pool credit.
  The pool only ever flows to LATER terms, never to an earlier one.

EXAMPLE:
  Term 1: net 18000, paid 20000   → applied 0,    balance 0,     pool 2000
  Term 2: net 18000, paid 0       → applied 2000, balance 16000, pool 0

PURITY:
  CarryForward has no hidden state. Running it twice over the same input
  yields the same Statement. It never rounds; rounding happens at the
  boundary where values are rendered.

SEE ALSO:
  - billing/ledger.go: Builds TermCharges from enrollments, rates, awards, payments
  - allocation.go: FIFO consumption of persisted overpayment records
*/
package generic

import "sort"

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

// TermCharge is what the fold needs to know about one term.
type TermCharge struct {
	Term     Term
	Net      Money // Net assessment, already floored at zero
	Discount Money // Scholarship discount (reported in totals only)
	Paid     Money // Sum of payments for the term
}

// TermResult is the fold's output for one term.
type TermResult struct {
	Term          Term
	Net           Money
	Discount      Money
	Paid          Money
	CreditApplied Money // Pool credit consumed by this term
	Balance       Money // Never negative
	Overpayment   Money // Amount this term added to the pool
	PoolAfter     Money // Credit pool after this term
}

// Totals are the grand totals over all emitted terms.
type Totals struct {
	Assessment      Money // Σ net
	Paid            Money // Σ paid
	Discount        Money // Σ discount
	CreditApplied   Money // Σ credit applied
	AvailableCredit Money // Final pool
	Balance         Money // Σ net − Σ paid (negative when the student is in credit)
	Outstanding     Money // Σ term balances
}

// Statement is the full carry-forward result for one student.
type Statement struct {
	Terms  []TermResult
	Totals Totals
}

// =============================================================================
// FOLD
// =============================================================================

// CarryForward folds the charges in chronological order. The input slice is
// not modified; charges are sorted by term on a copy.
func CarryForward(charges []TermCharge) Statement {
	ordered := make([]TermCharge, len(charges))
	copy(ordered, charges)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Term.Before(ordered[j].Term)
	})

	pool := ZeroMoney()
	totals := Totals{
		Assessment:    ZeroMoney(),
		Paid:          ZeroMoney(),
		Discount:      ZeroMoney(),
		CreditApplied: ZeroMoney(),
		Outstanding:   ZeroMoney(),
	}
	results := make([]TermResult, 0, len(ordered))

	for _, c := range ordered {
		applied := pool.Min(c.Net.ClampZero())
		pool = pool.Sub(applied)

		balance := c.Net.Sub(c.Paid).Sub(applied)
		overpayment := ZeroMoney()
		if balance.IsNegative() {
			overpayment = balance.Abs()
			pool = pool.Add(overpayment)
			balance = ZeroMoney()
		}

		results = append(results, TermResult{
			Term:          c.Term,
			Net:           c.Net,
			Discount:      c.Discount,
			Paid:          c.Paid,
			CreditApplied: applied,
			Balance:       balance,
			Overpayment:   overpayment,
			PoolAfter:     pool,
		})

		totals.Assessment = totals.Assessment.Add(c.Net)
		totals.Paid = totals.Paid.Add(c.Paid)
		totals.Discount = totals.Discount.Add(c.Discount)
		totals.CreditApplied = totals.CreditApplied.Add(applied)
		totals.Outstanding = totals.Outstanding.Add(balance)
	}

	totals.AvailableCredit = pool
	totals.Balance = totals.Assessment.Sub(totals.Paid)

	return Statement{Terms: results, Totals: totals}
}

// Term returns the result for t, if the statement covers it.
func (s Statement) Term(t Term) (TermResult, bool) {
	for _, r := range s.Terms {
		if r.Term.Equal(t) {
			return r, true
		}
	}
	return TermResult{}, false
}
