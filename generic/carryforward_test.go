package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	term1 = generic.MustTerm("2025-2026", 1)
	term2 = generic.MustTerm("2025-2026", 2)
	term3 = generic.MustTerm("2026-2027", 1)
)

func money(s string) generic.Money {
	return generic.MustMoney(s)
}

func assertMoney(t *testing.T, want string, got generic.Money, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, money(want).String(), got.String(), msgAndArgs...)
}

func charge(term generic.Term, net, paid string) generic.TermCharge {
	return generic.TermCharge{Term: term, Net: money(net), Discount: generic.ZeroMoney(), Paid: money(paid)}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCarryForward_SingleTermUnpaid(t *testing.T) {
	// GIVEN: One term assessed 18000, nothing paid
	// WHEN: Folding
	// THEN: Balance 18000, no credit
	st := generic.CarryForward([]generic.TermCharge{charge(term1, "18000", "0")})

	require.Len(t, st.Terms, 1)
	assertMoney(t, "18000", st.Terms[0].Balance)
	assertMoney(t, "0", st.Terms[0].PoolAfter)
	assertMoney(t, "18000", st.Totals.Balance)
	assertMoney(t, "0", st.Totals.AvailableCredit)
}

func TestCarryForward_OverpaymentBecomesCredit(t *testing.T) {
	// GIVEN: Term assessed 18000, paid 20000
	// WHEN: Folding
	// THEN: Balance 0, pool 2000 after the term
	st := generic.CarryForward([]generic.TermCharge{charge(term1, "18000", "20000")})

	r := st.Terms[0]
	assertMoney(t, "0", r.Balance)
	assertMoney(t, "2000", r.Overpayment)
	assertMoney(t, "2000", r.PoolAfter)
	assertMoney(t, "2000", st.Totals.AvailableCredit)
	assertMoney(t, "-2000", st.Totals.Balance)
	assertMoney(t, "0", st.Totals.Outstanding)
}

func TestCarryForward_CreditAppliedToNextTerm(t *testing.T) {
	// GIVEN: 2000 overpaid in term 1, term 2 assessed 18000 with no payment
	// WHEN: Folding
	// THEN: Term 2 consumes 2000 credit, balance 16000, pool empty
	st := generic.CarryForward([]generic.TermCharge{
		charge(term1, "18000", "20000"),
		charge(term2, "18000", "0"),
	})

	r := st.Terms[1]
	assertMoney(t, "2000", r.CreditApplied)
	assertMoney(t, "16000", r.Balance)
	assertMoney(t, "0", r.PoolAfter)
	assertMoney(t, "2000", st.Totals.CreditApplied)
	assertMoney(t, "16000", st.Totals.Outstanding)
	assertMoney(t, "16000", st.Totals.Balance)
}

func TestCarryForward_CreditSpansSeveralTerms(t *testing.T) {
	// GIVEN: 25000 overpaid in term 1, two later terms of 10000 each
	// WHEN: Folding
	// THEN: Both later terms are covered, 5000 remains in the pool
	st := generic.CarryForward([]generic.TermCharge{
		charge(term1, "5000", "30000"),
		charge(term2, "10000", "0"),
		charge(term3, "10000", "0"),
	})

	assertMoney(t, "25000", st.Terms[0].PoolAfter)
	assertMoney(t, "10000", st.Terms[1].CreditApplied)
	assertMoney(t, "10000", st.Terms[2].CreditApplied)
	assertMoney(t, "0", st.Terms[2].Balance)
	assertMoney(t, "5000", st.Totals.AvailableCredit)
}

func TestCarryForward_ZeroAssessmentTermStillEmitted(t *testing.T) {
	// GIVEN: A term with zero net between two billed terms
	// WHEN: Folding
	// THEN: The zero term is emitted, consumes no credit, and passes the pool on
	st := generic.CarryForward([]generic.TermCharge{
		charge(term1, "1000", "3000"),
		charge(term2, "0", "0"),
		charge(term3, "1000", "0"),
	})

	require.Len(t, st.Terms, 3)
	assertMoney(t, "0", st.Terms[1].CreditApplied)
	assertMoney(t, "2000", st.Terms[1].PoolAfter)
	assertMoney(t, "1000", st.Terms[2].CreditApplied)
	assertMoney(t, "1000", st.Totals.AvailableCredit)
}

func TestCarryForward_PaymentOnZeroTermBecomesCredit(t *testing.T) {
	// GIVEN: A payment posted to a term with no assessment
	// WHEN: Folding
	// THEN: The whole payment flows into the pool
	st := generic.CarryForward([]generic.TermCharge{charge(term1, "0", "500")})

	assertMoney(t, "500", st.Terms[0].Overpayment)
	assertMoney(t, "500", st.Totals.AvailableCredit)
}

// =============================================================================
// ORDERING AND PURITY
// =============================================================================

func TestCarryForward_SortsTermsChronologically(t *testing.T) {
	// GIVEN: Charges supplied out of order
	// WHEN: Folding
	// THEN: Results are emitted oldest first and credit never flows backwards
	in := []generic.TermCharge{
		charge(term2, "1000", "0"),
		charge(term1, "1000", "3000"),
	}
	st := generic.CarryForward(in)

	assert.Equal(t, term1, st.Terms[0].Term)
	assert.Equal(t, term2, st.Terms[1].Term)
	assertMoney(t, "1000", st.Terms[1].CreditApplied)

	// Input untouched
	assert.Equal(t, term2, in[0].Term)
}

func TestCarryForward_CreditNeverFlowsToEarlierTerm(t *testing.T) {
	// GIVEN: Term 1 unpaid, term 2 overpaid
	// WHEN: Folding
	// THEN: Term 1 keeps its full balance; the credit sits in the pool
	st := generic.CarryForward([]generic.TermCharge{
		charge(term1, "1000", "0"),
		charge(term2, "1000", "4000"),
	})

	assertMoney(t, "1000", st.Terms[0].Balance)
	assertMoney(t, "3000", st.Totals.AvailableCredit)
	assertMoney(t, "1000", st.Totals.Outstanding)
	assertMoney(t, "-2000", st.Totals.Balance)
}

func TestCarryForward_Idempotent(t *testing.T) {
	// GIVEN: The same input
	// WHEN: Folding twice
	// THEN: Identical statements
	in := []generic.TermCharge{
		charge(term1, "18000", "20000"),
		charge(term2, "18000", "1000"),
		charge(term3, "0", "0"),
	}
	a := generic.CarryForward(in)
	b := generic.CarryForward(in)

	require.Len(t, b.Terms, len(a.Terms))
	for i := range a.Terms {
		assert.True(t, a.Terms[i].Balance.Equal(b.Terms[i].Balance))
		assert.True(t, a.Terms[i].PoolAfter.Equal(b.Terms[i].PoolAfter))
	}
	assert.True(t, a.Totals.AvailableCredit.Equal(b.Totals.AvailableCredit))
}

func TestCarryForward_InvariantsHoldAtEveryStep(t *testing.T) {
	// GIVEN: A mixed history of under- and over-payments
	// WHEN: Folding
	// THEN: No negative balance, no negative pool, and grand totals match the rows
	in := []generic.TermCharge{
		charge(generic.MustTerm("2022-2023", 1), "12000", "15000"),
		charge(generic.MustTerm("2022-2023", 2), "9000", "2000"),
		charge(generic.MustTerm("2023-2024", 1), "0", "1000"),
		charge(generic.MustTerm("2023-2024", 2), "7000", "20000"),
		charge(generic.MustTerm("2024-2025", 1), "11000", "0"),
	}
	st := generic.CarryForward(in)

	sumNet, sumPaid := generic.ZeroMoney(), generic.ZeroMoney()
	for _, r := range st.Terms {
		assert.False(t, r.Balance.IsNegative(), r.Term.String())
		assert.False(t, r.PoolAfter.IsNegative(), r.Term.String())
		sumNet = sumNet.Add(r.Net)
		sumPaid = sumPaid.Add(r.Paid)
	}
	assert.True(t, st.Totals.Balance.Equal(sumNet.Sub(sumPaid)))

	// Outstanding − pool reconciles to Σnet − Σpaid
	assert.True(t, st.Totals.Outstanding.Sub(st.Totals.AvailableCredit).Equal(st.Totals.Balance))
}

func TestCarryForward_KeepsFullPrecision(t *testing.T) {
	// GIVEN: Amounts with sub-cent fractions
	// WHEN: Folding
	// THEN: Nothing is rounded inside the fold
	st := generic.CarryForward([]generic.TermCharge{charge(term1, "100.005", "0.001")})

	assert.Equal(t, "100.004", st.Terms[0].Balance.Value.String())
}

func TestStatement_TermLookup(t *testing.T) {
	st := generic.CarryForward([]generic.TermCharge{charge(term1, "10", "0")})

	r, ok := st.Term(term1)
	assert.True(t, ok)
	assertMoney(t, "10", r.Balance)

	_, ok = st.Term(term2)
	assert.False(t, ok)
}
