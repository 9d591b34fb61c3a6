package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

func TestPaymentService_Post(t *testing.T) {
	h := newHarness(t)
	id := h.student("s1")

	p, err := h.svc.Payments.Post(h.ctx, billing.PaymentInput{
		StudentID: id, Term: term1, Amount: money("5000.25"), Reference: "OR-1001", IdempotencyKey: "OR-1001", CreatedBy: "cashier",
	})
	require.NoError(t, err)
	assert.Equal(t, generic.PaymentCash, p.Type)
	assert.Equal(t, h.clock.At, p.PostedAt)

	paid, err := h.svc.Ledger.Paid(h.ctx, id, term1)
	require.NoError(t, err)
	assertMoney(t, "5000.25", paid)
	assert.Equal(t, []string{billing.EventPaymentPosted}, h.events.RoutingKeys())
}

func TestPaymentService_PostRejects(t *testing.T) {
	h := newHarness(t)
	id := h.student("s1")

	tests := []struct {
		name  string
		input billing.PaymentInput
		check func(error) bool
	}{
		{
			name:  "zero amount",
			input: billing.PaymentInput{StudentID: id, Term: term1, Amount: money("0")},
			check: generic.IsClientError,
		},
		{
			name:  "negative amount",
			input: billing.PaymentInput{StudentID: id, Term: term1, Amount: money("-1")},
			check: generic.IsClientError,
		},
		{
			name:  "bad term",
			input: billing.PaymentInput{StudentID: id, Term: generic.Term{AcademicYear: "2025-2027", Semester: 1}, Amount: money("1")},
			check: generic.IsClientError,
		},
		{
			name:  "unknown student",
			input: billing.PaymentInput{StudentID: "ghost", Term: term1, Amount: money("1")},
			check: generic.IsNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Payments.Post(h.ctx, tt.input)
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}

	all, err := h.svc.Payments.List(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPaymentService_IdempotentPosting(t *testing.T) {
	h := newHarness(t)
	id := h.student("s1")
	in := billing.PaymentInput{StudentID: id, Term: term1, Amount: money("100"), IdempotencyKey: "OR-7"}

	_, err := h.svc.Payments.Post(h.ctx, in)
	require.NoError(t, err)
	_, err = h.svc.Payments.Post(h.ctx, in)
	assert.True(t, generic.IsConflict(err))

	paid, err := h.svc.Ledger.Paid(h.ctx, id, term1)
	require.NoError(t, err)
	assertMoney(t, "100", paid)
}

func TestPaymentService_ForwardBalance(t *testing.T) {
	// GIVEN: 20000 paid on term1
	// WHEN: Forwarding 2000 to term2
	// THEN: term1 keeps 18000, term2 receives 2000, and a replay is rejected
	h := newHarness(t)
	id := h.student("s1")
	h.pay(id, term1, "20000")

	in := billing.ForwardInput{StudentID: id, From: term1, To: term2, Amount: money("2000"), IdempotencyKey: "fwd-1"}
	batch, err := h.svc.Payments.ForwardBalance(h.ctx, in)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assertMoney(t, "-2000", batch[0].Amount)
	assert.Equal(t, string(batch[1].ID), batch[0].Reference)

	_, err = h.svc.Payments.ForwardBalance(h.ctx, in)
	assert.True(t, generic.IsConflict(err))

	paid1, err := h.svc.Ledger.Paid(h.ctx, id, term1)
	require.NoError(t, err)
	paid2, err := h.svc.Ledger.Paid(h.ctx, id, term2)
	require.NoError(t, err)
	assertMoney(t, "18000", paid1)
	assertMoney(t, "2000", paid2)

	assert.Equal(t, []string{billing.EventPaymentPosted, billing.EventBalanceForwarded}, h.events.RoutingKeys())
}

func TestPaymentService_ForwardToSameTerm(t *testing.T) {
	h := newHarness(t)
	id := h.student("s1")

	_, err := h.svc.Payments.ForwardBalance(h.ctx, billing.ForwardInput{StudentID: id, From: term1, To: term1, Amount: money("1")})
	assert.ErrorIs(t, err, generic.ErrInvalidCreditTarget)
}

// studentTx records which students' transactions a service opened and can
// fail the transaction after the callback has written.
type studentTx struct {
	billing.CreditTxStore
	opened  *[]generic.StudentID
	failErr error
}

func (s studentTx) WithCreditTx(ctx context.Context, id generic.StudentID, fn func(billing.CreditStore) error) error {
	*s.opened = append(*s.opened, id)
	return s.CreditTxStore.WithCreditTx(ctx, id, func(cs billing.CreditStore) error {
		if err := fn(cs); err != nil {
			return err
		}
		return s.failErr
	})
}

func TestPaymentService_AppendsInsideStudentTransaction(t *testing.T) {
	// GIVEN: A payment service whose store records opened transactions
	// WHEN: Posting a payment and forwarding part of it
	// THEN: Both writes run inside the student's transaction
	h := newHarness(t)
	id := h.student("s1")
	var opened []generic.StudentID
	payments := &billing.PaymentService{
		Directory: h.repo,
		Ledger:    h.svc.Ledger,
		Store:     studentTx{CreditTxStore: h.repo, opened: &opened},
		Clock:     h.clock,
	}

	_, err := payments.Post(h.ctx, billing.PaymentInput{StudentID: id, Term: term1, Amount: money("3000")})
	require.NoError(t, err)
	_, err = payments.ForwardBalance(h.ctx, billing.ForwardInput{StudentID: id, From: term1, To: term2, Amount: money("1000")})
	require.NoError(t, err)
	assert.Equal(t, []generic.StudentID{id, id}, opened)

	paid, err := h.svc.Ledger.Paid(h.ctx, id, term1)
	require.NoError(t, err)
	assertMoney(t, "2000", paid)
}

func TestPaymentService_FailedTransactionLeavesNoPayment(t *testing.T) {
	// GIVEN: A store whose transaction fails after the append
	// WHEN: Posting a payment
	// THEN: The error is returned and the ledger is unchanged
	h := newHarness(t)
	id := h.student("s1")
	var opened []generic.StudentID
	boom := errors.New("commit failed")
	payments := &billing.PaymentService{
		Directory: h.repo,
		Ledger:    h.svc.Ledger,
		Store:     studentTx{CreditTxStore: h.repo, opened: &opened, failErr: boom},
		Clock:     h.clock,
	}

	_, err := payments.Post(h.ctx, billing.PaymentInput{StudentID: id, Term: term1, Amount: money("3000")})
	assert.ErrorIs(t, err, boom)

	all, err := h.svc.Payments.List(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, all)
}
