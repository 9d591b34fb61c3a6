package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/tuition-engine/generic"
)

// PaymentService posts payments to the append-only ledger. Appends run
// inside the student's credit transaction, so they never interleave with
// a credit application reading the same term.
type PaymentService struct {
	Directory Directory
	Ledger    generic.Ledger
	Store     CreditTxStore
	Events    Publisher
	Logger    *slog.Logger
	Locks     *generic.KeyedMutex
	Clock     generic.Clock
}

// PaymentInput is a cashier posting.
type PaymentInput struct {
	StudentID      generic.StudentID
	Term           generic.Term
	Amount         generic.Money
	Reference      string
	Notes          string
	IdempotencyKey string
	CreatedBy      string
}

// Post records money collected. The amount must be positive; negative
// entries are only ever written by ForwardBalance.
func (s *PaymentService) Post(ctx context.Context, in PaymentInput) (generic.Payment, error) {
	if err := in.Term.Validate(); err != nil {
		return generic.Payment{}, err
	}
	if err := generic.RequirePositive("payment amount", in.Amount); err != nil {
		return generic.Payment{}, err
	}
	if _, err := s.Directory.Student(ctx, in.StudentID); err != nil {
		return generic.Payment{}, err
	}

	unlock := s.Locks.Lock(string(in.StudentID))
	defer unlock()

	p := generic.Payment{
		ID:             generic.PaymentID(newID()),
		StudentID:      in.StudentID,
		Term:           in.Term,
		Amount:         in.Amount,
		Type:           generic.PaymentCash,
		Reference:      in.Reference,
		Notes:          in.Notes,
		IdempotencyKey: in.IdempotencyKey,
		PostedAt:       clockOrSystem(s.Clock).Now().UTC(),
		CreatedBy:      in.CreatedBy,
	}
	err := s.Store.WithCreditTx(ctx, in.StudentID, func(cs CreditStore) error {
		return generic.NewLedger(cs).Append(ctx, p)
	})
	if err != nil {
		return generic.Payment{}, err
	}

	loggerOrDefault(s.Logger).Info("payment posted",
		"student_id", p.StudentID, "term", p.Term.String(), "amount", p.Amount.String(), "payment_id", p.ID)
	publish(ctx, s.Events, s.Logger, EventPaymentPosted, LedgerEvent{
		StudentID: p.StudentID, Term: p.Term.String(), Amount: p.Amount.String(), RecordID: string(p.ID), OccurredAt: p.PostedAt,
	})
	return p, nil
}

// ForwardInput moves already-collected money from one term to another.
type ForwardInput struct {
	StudentID      generic.StudentID
	From           generic.Term
	To             generic.Term
	Amount         generic.Money
	Notes          string
	IdempotencyKey string
	CreatedBy      string
}

// ForwardBalance writes a negative entry on From and a positive entry on To
// in one batch. Either both land or neither does.
func (s *PaymentService) ForwardBalance(ctx context.Context, in ForwardInput) ([]generic.Payment, error) {
	if err := in.From.Validate(); err != nil {
		return nil, err
	}
	if err := in.To.Validate(); err != nil {
		return nil, err
	}
	if in.From.Equal(in.To) {
		return nil, &CreditTargetError{Source: in.From, Target: in.To}
	}
	if err := generic.RequirePositive("forward amount", in.Amount); err != nil {
		return nil, err
	}
	if _, err := s.Directory.Student(ctx, in.StudentID); err != nil {
		return nil, err
	}

	unlock := s.Locks.Lock(string(in.StudentID))
	defer unlock()

	now := clockOrSystem(s.Clock).Now().UTC()
	debitID := generic.PaymentID(newID())
	creditID := generic.PaymentID(newID())
	keyOut, keyIn := "", ""
	if in.IdempotencyKey != "" {
		keyOut, keyIn = in.IdempotencyKey+":out", in.IdempotencyKey+":in"
	}

	batch := []generic.Payment{
		{
			ID:             debitID,
			StudentID:      in.StudentID,
			Term:           in.From,
			Amount:         in.Amount.Neg(),
			Type:           generic.PaymentForward,
			Reference:      string(creditID),
			Notes:          fmt.Sprintf("Balance forwarded to %s. %s", in.To.Label(), in.Notes),
			IdempotencyKey: keyOut,
			PostedAt:       now,
			CreatedBy:      in.CreatedBy,
		},
		{
			ID:             creditID,
			StudentID:      in.StudentID,
			Term:           in.To,
			Amount:         in.Amount,
			Type:           generic.PaymentForward,
			Reference:      string(debitID),
			Notes:          fmt.Sprintf("Balance forwarded from %s. %s", in.From.Label(), in.Notes),
			IdempotencyKey: keyIn,
			PostedAt:       now,
			CreatedBy:      in.CreatedBy,
		},
	}
	err := s.Store.WithCreditTx(ctx, in.StudentID, func(cs CreditStore) error {
		return generic.NewLedger(cs).AppendBatch(ctx, batch)
	})
	if err != nil {
		return nil, err
	}

	loggerOrDefault(s.Logger).Info("balance forwarded",
		"student_id", in.StudentID, "term", in.From.String(), "target_term", in.To.String(), "amount", in.Amount.String())
	publish(ctx, s.Events, s.Logger, EventBalanceForwarded, LedgerEvent{
		StudentID: in.StudentID, Term: in.From.String(), TargetTerm: in.To.String(),
		Amount: in.Amount.String(), RecordID: string(creditID), OccurredAt: now,
	})
	return batch, nil
}

// List returns all payments of a student, oldest first.
func (s *PaymentService) List(ctx context.Context, id generic.StudentID) ([]generic.Payment, error) {
	if _, err := s.Directory.Student(ctx, id); err != nil {
		return nil, err
	}
	return s.Ledger.Payments(ctx, id)
}
