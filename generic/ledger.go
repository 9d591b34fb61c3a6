/*
ledger.go - Append-only payment log

PURPOSE:
  The Ledger is the immutable source of truth for money collected.
  Every payment, balance forward and reversal is recorded here.
  Amount paid is always computed by summing entries - there's no
  separate "paid" column that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, payments cannot be modified
  3. IDEMPOTENT: Same idempotency key = same payment (no duplicates)

CORRECTIONS:
  A wrong posting is offset by a reversal entry (opposite sign) rather
  than edited. Both remain in the ledger.

EXAMPLE FLOW:
  1. Cashier posts 20000 for 2025-2026/1:           +20000
  2. Registrar forwards 2000 to 2025-2026/2:        -2000 on /1, +2000 on /2

  Paid(2025-2026/1) = 18000, Paid(2025-2026/2) = 2000

SEE ALSO:
  - store.go: Low-level persistence interface
  - billing/payments.go: Validation of amounts before they reach the ledger
*/
package generic

import "context"

// =============================================================================
// LEDGER - Append-only payment log
// =============================================================================

// Ledger is the source of truth for payments.
type Ledger interface {
	// Append adds a payment. Fails if idempotency key exists.
	Append(ctx context.Context, p Payment) error

	// AppendBatch adds multiple payments atomically.
	AppendBatch(ctx context.Context, ps []Payment) error

	// Payments returns all payments of a student, oldest first.
	Payments(ctx context.Context, studentID StudentID) ([]Payment, error)

	// Paid sums the payments of a student for one term.
	Paid(ctx context.Context, studentID StudentID, term Term) (Money, error)
}

// =============================================================================
// DEFAULT LEDGER - Implementation using Store
// =============================================================================

type DefaultLedger struct {
	Store Store
}

func NewLedger(store Store) *DefaultLedger {
	return &DefaultLedger{Store: store}
}

func (l *DefaultLedger) Append(ctx context.Context, p Payment) error {
	if p.IdempotencyKey != "" {
		exists, err := l.Store.Exists(ctx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.Append(ctx, p)
}

func (l *DefaultLedger) AppendBatch(ctx context.Context, ps []Payment) error {
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		if p.IdempotencyKey == "" {
			continue
		}
		if seen[p.IdempotencyKey] {
			return ErrDuplicateIdempotencyKey
		}
		seen[p.IdempotencyKey] = true
		exists, err := l.Store.Exists(ctx, p.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendBatch(ctx, ps)
}

func (l *DefaultLedger) Payments(ctx context.Context, studentID StudentID) ([]Payment, error) {
	return l.Store.Load(ctx, studentID)
}

func (l *DefaultLedger) Paid(ctx context.Context, studentID StudentID, term Term) (Money, error) {
	ps, err := l.Store.LoadTerm(ctx, studentID, term)
	if err != nil {
		return Money{}, err
	}
	return TotalPaid(ps, term), nil
}
