/*
Package generic provides the core ledger primitives of the tuition engine.

PURPOSE:
  This package contains the school-agnostic types and algorithms for
  tracking money owed per billing term. Fee rules, scholarships and late
  fees live in the billing package; this package only knows about money,
  terms, append-only payments and how credit carries forward from one term
  to the next.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A fixed-point currency amount (never float64)
  - Payment: An immutable ledger entry posted against a student and term
  - Student/Payment IDs: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Payments are never modified, only offset
  2. Precision: Uses decimal.Decimal; rounding happens at the boundary only
  3. Type Safety: Strong typing for IDs prevents mixing student/payment IDs
  4. Auditability: Every payment has a reference and an idempotency key

USAGE:
  p := generic.Payment{
      StudentID: "stu-123",
      Term:      generic.MustTerm("2025-2026", 1),
      Amount:    generic.MustMoney("15000"),
      Type:      generic.PaymentCash,
  }

SEE ALSO:
  - term.go: Term ordering
  - carryforward.go: The carry-forward fold
  - ledger.go: Payment persistence interface
*/
package generic

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Fixed-point currency amount
// =============================================================================

// Money is a currency amount kept at full precision.
// Round2 is applied only when a value leaves the engine.
type Money struct {
	Value decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func NewMoney(value float64) Money      { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int64) Money { return Money{Value: decimal.NewFromInt(value)} }
func MoneyOf(d decimal.Decimal) Money   { return Money{Value: d} }
func ZeroMoney() Money                  { return Money{Value: decimal.Zero} }

// ParseMoney parses a decimal string such as "1500.25".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d}, nil
}

// MustMoney is ParseMoney for constants and tests. It panics on invalid input.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(fmt.Sprintf("invalid money %q: %v", s, err))
	}
	return m
}

func (m Money) Add(o Money) Money           { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money           { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Mul(s decimal.Decimal) Money { return Money{Value: m.Value.Mul(s)} }
func (m Money) Neg() Money                  { return Money{Value: m.Value.Neg()} }
func (m Money) Abs() Money                  { return Money{Value: m.Value.Abs()} }
func (m Money) IsNegative() bool            { return m.Value.IsNegative() }
func (m Money) IsZero() bool                { return m.Value.IsZero() }
func (m Money) IsPositive() bool            { return m.Value.IsPositive() }
func (m Money) Equal(o Money) bool          { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool    { return m.Value.GreaterThan(o.Value) }
func (m Money) LessThan(o Money) bool       { return m.Value.LessThan(o.Value) }
func (m Money) ClampZero() Money            { return m.Max(ZeroMoney()) }

// Min returns the smaller of m and o.
func (m Money) Min(o Money) Money {
	if m.LessThan(o) {
		return m
	}
	return o
}

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// Percent returns m × pct / 100.
func (m Money) Percent(pct decimal.Decimal) Money {
	return Money{Value: m.Value.Mul(pct).Div(hundred)}
}

// Round2 rounds half away from zero to two decimal places.
func (m Money) Round2() Money { return Money{Value: m.Value.Round(2)} }

// String renders the amount with exactly two decimal places.
func (m Money) String() string { return m.Value.StringFixed(2) }

// SumMoney adds a list of amounts.
func SumMoney(ms ...Money) Money {
	total := ZeroMoney()
	for _, m := range ms {
		total = total.Add(m)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type PaymentID string

// =============================================================================
// PAYMENT - Append-only money movement against a term
// =============================================================================

type PaymentType string

const (
	PaymentCash     PaymentType = "payment"          // Money collected from the student
	PaymentForward  PaymentType = "balance_forward"  // Money moved between terms (may be negative)
	PaymentReversal PaymentType = "reversal"         // Offsets a mistaken payment
)

// Payment is one immutable entry of a student's payment ledger.
// The sum of payments for a term is the amount paid toward that term; there
// is no stored balance anywhere.
type Payment struct {
	ID             PaymentID
	StudentID      StudentID
	Term           Term
	Amount         Money
	Type           PaymentType
	Reference      string // Receipt/OR number, or the paired entry of a forward
	Notes          string
	IdempotencyKey string
	PostedAt       time.Time

	// Audit fields
	CreatedBy string
}

// TotalPaid sums payment amounts for one term.
func TotalPaid(payments []Payment, term Term) Money {
	total := ZeroMoney()
	for _, p := range payments {
		if p.Term.Equal(term) {
			total = total.Add(p.Amount)
		}
	}
	return total
}
