/*
store.go - Persistence interface for payments

PURPOSE:
  Defines the interface between the ledger logic and the database.
  The Store handles persistence while maintaining append-only semantics.
  Different implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  Store: Core payment persistence (append, load, exists)

TRANSACTIONS:
  Store has no transaction method of its own. Backends hand a tx-scoped
  Store to billing.CreditTxStore.WithCreditTx, which also holds the
  student's row lock, so a payment append and a credit write never
  interleave for the same student.

APPEND-ONLY CONTRACT:
  - Append(): Single payment write
  - AppendBatch(): Atomic multi-payment write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  A payment may carry an idempotency key. If the key already exists, the
  write is rejected. This prevents a double-clicked cashier form from
  posting the same receipt twice.

ATOMIC BATCHES:
  AppendBatch() ensures all-or-nothing semantics. A balance forward is two
  entries (debit the source term, credit the target term); either both are
  written or neither is.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (pgx)
  - generic/store/memory.go: In-memory for testing

SEE ALSO:
  - ledger.go: Higher-level interface using Store
*/
package generic

import "context"

// =============================================================================
// STORE - Interface for payment persistence (append-only)
// =============================================================================

// Store handles persistence of payments.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
// Corrections are made via reversal or balance-forward entries.
type Store interface {
	// Append persists a payment. Returns ErrDuplicateIdempotencyKey if the key exists.
	Append(ctx context.Context, p Payment) error

	// AppendBatch persists multiple payments atomically.
	AppendBatch(ctx context.Context, ps []Payment) error

	// Load returns all payments of a student ordered by PostedAt.
	Load(ctx context.Context, studentID StudentID) ([]Payment, error)

	// LoadTerm returns the payments of a student for one term.
	LoadTerm(ctx context.Context, studentID StudentID, term Term) ([]Payment, error)

	// Exists checks if idempotency key already exists.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}
