package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/events"
	"github.com/warp/tuition-engine/generic"
	"github.com/warp/tuition-engine/store/sqlite"
)

var (
	term1 = generic.MustTerm("2025-2026", 1)
	term2 = generic.MustTerm("2025-2026", 2)
	term3 = generic.MustTerm("2026-2027", 1)
)

const program = billing.ProgramID("BSCS")

// harness wires the services over an in-memory SQLite store with a clock
// the test can move.
type harness struct {
	t      *testing.T
	ctx    context.Context
	repo   *sqlite.Store
	svc    *billing.Services
	clock  *generic.FixedClock
	events *events.Recorder
}

func newHarness(t *testing.T, opts ...func(*billing.Options)) *harness {
	t.Helper()
	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clock := &generic.FixedClock{At: generic.Date(2025, 8, 1)}
	rec := events.NewRecorder()
	o := billing.Options{Events: rec, Clock: clock}
	for _, fn := range opts {
		fn(&o)
	}
	return &harness{
		t:      t,
		ctx:    context.Background(),
		repo:   repo,
		svc:    billing.NewServices(repo, o),
		clock:  clock,
		events: rec,
	}
}

// withScenarioCatalog stores the catalog used by the worked examples:
// 1000/unit tuition, 1000 lab fee and 2000 of other fixed fees (misc 3000).
func (h *harness) withScenarioCatalog() *harness {
	h.t.Helper()
	require.NoError(h.t, h.repo.SaveTuitionRate(h.ctx, billing.TuitionRate{
		ID: "rate-bscs", ProgramID: program,
		TuitionPerUnit: money("1000"), LabFee: money("1000"),
		EffectiveDate: generic.Date(2025, 1, 1), Active: true,
	}))
	require.NoError(h.t, h.repo.SaveFee(h.ctx, billing.Fee{Code: "REG", Description: "Registration Fee", Type: billing.FeeFixed, Amount: money("1500")}))
	require.NoError(h.t, h.repo.SaveFee(h.ctx, billing.Fee{Code: "LIB", Description: "Library Fee", Type: billing.FeeFixed, Amount: money("500")}))
	return h
}

func (h *harness) student(id string) generic.StudentID {
	h.t.Helper()
	p := program
	require.NoError(h.t, h.repo.SaveStudent(h.ctx, billing.Student{ID: generic.StudentID(id), Name: "Student " + id, ProgramID: &p}))
	return generic.StudentID(id)
}

func (h *harness) enroll(id generic.StudentID, term generic.Term, units int64, status billing.EnrollmentStatus, at time.Time) {
	h.t.Helper()
	require.NoError(h.t, h.repo.SaveEnrollment(h.ctx, billing.Enrollment{
		ID:           string(id) + "-" + term.String() + "-" + at.Format("150405.000000") + string(status),
		StudentID:    id,
		Term:         term,
		CurriculumID: "CUR-" + term.String(),
		Units:        decimal.NewFromInt(units),
		Status:       status,
		EnrolledAt:   at,
	}))
}

func (h *harness) pay(id generic.StudentID, term generic.Term, amount string) generic.Payment {
	h.t.Helper()
	p, err := h.svc.Payments.Post(h.ctx, billing.PaymentInput{StudentID: id, Term: term, Amount: money(amount)})
	require.NoError(h.t, err)
	return p
}

func (h *harness) scholarship(code string, typ billing.DiscountType, value int64, appliesTo billing.AppliesTo) billing.Scholarship {
	h.t.Helper()
	sch, err := h.svc.Scholarships.Create(h.ctx, billing.Scholarship{
		Code: code, Name: code, DiscountType: typ, DiscountValue: decimal.NewFromInt(value), AppliesTo: appliesTo, Active: true,
	})
	require.NoError(h.t, err)
	return sch
}

func (h *harness) statement(id generic.StudentID) billing.StudentStatement {
	h.t.Helper()
	st, err := h.svc.Engine.Statement(h.ctx, id)
	require.NoError(h.t, err)
	return st
}

func money(s string) generic.Money { return generic.MustMoney(s) }

func assertMoney(t *testing.T, want string, got generic.Money, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Equal(t, money(want).String(), got.String(), msgAndArgs...)
}

func ptr[T any](v T) *T { return &v }
