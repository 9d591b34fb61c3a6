package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/events"
	"github.com/warp/tuition-engine/generic"
	"github.com/warp/tuition-engine/store/sqlite"
)

const student = "/api/students/" + scenarioStudent

type testServer struct {
	t      *testing.T
	h      *Handler
	router http.Handler
	clock  *generic.FixedClock
	events *events.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	clock := &generic.FixedClock{At: generic.Date(2025, 9, 10)}
	rec := events.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := billing.NewServices(repo, billing.Options{Events: rec, Logger: logger, Clock: clock})
	h := NewHandler(svc, logger, clock)
	return &testServer{t: t, h: h, router: NewRouter(h, nil), clock: clock, events: rec}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(s.t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) load(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) statement() StatementDTO {
	s.t.Helper()
	rec := s.do(http.MethodGet, student+"/statement", nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[StatementDTO](s.t, rec)
}

// =============================================================================
// WORKED EXAMPLES
// =============================================================================

func TestScenarios_Statement(t *testing.T) {
	tests := []struct {
		scenario string
		check    func(t *testing.T, st StatementDTO)
	}{
		{
			scenario: "scenario-a",
			check: func(t *testing.T, st StatementDTO) {
				require.Len(t, st.Terms, 1)
				assert.Equal(t, "18000.00", st.Terms[0].Assessment.Net)
				assert.Equal(t, "18000.00", st.Terms[0].Balance)
				assert.Equal(t, "0.00", st.Totals.AvailableCredit)
				assert.Equal(t, "program", st.Schedule.Source)
				assert.Equal(t, "3000.00", st.Schedule.MiscTotal)
			},
		},
		{
			scenario: "scenario-b",
			check: func(t *testing.T, st StatementDTO) {
				require.Len(t, st.Terms, 1)
				a := st.Terms[0].Assessment
				assert.Equal(t, "7500.00", a.Discount)
				assert.Equal(t, "10500.00", a.Net)
				require.Len(t, a.Discounts, 1)
				assert.Equal(t, "ACAD50", a.Discounts[0].Code)
				assert.Equal(t, "15000.00", a.Discounts[0].Base)
			},
		},
		{
			scenario: "scenario-c",
			check: func(t *testing.T, st StatementDTO) {
				require.Len(t, st.Terms, 1)
				assert.Equal(t, "0.00", st.Terms[0].Balance)
				assert.Equal(t, "2000.00", st.Terms[0].PoolAfter)
				assert.Equal(t, "2000.00", st.Totals.AvailableCredit)
			},
		},
		{
			scenario: "scenario-d",
			check: func(t *testing.T, st StatementDTO) {
				require.Len(t, st.Terms, 2)
				assert.Equal(t, "2000.00", st.Terms[1].CreditApplied)
				assert.Equal(t, "16000.00", st.Terms[1].Balance)
				assert.Equal(t, "0.00", st.Totals.AvailableCredit)
				assert.Equal(t, "16000.00", st.Totals.Outstanding)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			s := newTestServer(t)
			s.load(tt.scenario)
			tt.check(t, s.statement())
		})
	}
}

func TestScenarioD_SyncMirrorsCarriedCredit(t *testing.T) {
	// GIVEN: Scenario D, which syncs overpayment records after loading
	// WHEN: Listing every record
	// THEN: The 2000 credit is recorded as applied to the second term
	s := newTestServer(t)
	s.load("scenario-d")

	rec := s.do(http.MethodGet, student+"/overpayments?all=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[OverpaymentListDTO](t, rec)
	assert.Equal(t, "0.00", list.AvailableCredit)

	var applied []OverpaymentDTO
	for _, o := range list.Overpayments {
		if o.IsApplied {
			applied = append(applied, o)
		}
	}
	require.NotEmpty(t, applied)
	require.NotNil(t, applied[0].AppliedTerm)
	assert.Equal(t, scenarioTerm2.String(), *applied[0].AppliedTerm)
}

func TestScenarioE_LateFeeQuote(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-e")

	rec := s.do(http.MethodGet, student+"/terms/2025-2026/1/late-fee", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	q := decode[LateFeeQuoteDTO](t, rec)
	assert.Equal(t, "10000.00", q.Balance)
	assert.Equal(t, 10, q.DaysOverdue)
	assert.Equal(t, 1, q.PeriodsOverdue)
	assert.Equal(t, "500.00", q.LateFee)
	assert.Equal(t, "2500.00", q.MaxFee)
}

func TestScenarios_ListAndCurrent(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))

	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.load("scenario-b")
	rec = s.do(http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "scenario-b", decode[ScenarioDTO](t, rec).ID)

	rec = s.do(http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodGet, "/api/students", nil)
	assert.Empty(t, decode[[]StudentDTO](t, rec))
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPostPayment(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-a")

	body := PostPaymentRequest{Term: "2025-2026/1", Reference: "OR-1001", IdempotencyKey: "OR-1001"}
	body.Amount = generic.MustMoney("5000").Value

	t.Run("created", func(t *testing.T) {
		rec := s.do(http.MethodPost, student+"/payments", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		p := decode[PaymentDTO](t, rec)
		assert.Equal(t, "5000.00", p.Amount)
		assert.Equal(t, string(generic.PaymentCash), p.Type)
		assert.Contains(t, s.events.RoutingKeys(), billing.EventPaymentPosted)
	})

	t.Run("duplicate key conflicts", func(t *testing.T) {
		rec := s.do(http.MethodPost, student+"/payments", body)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "zero amount", path: student + "/payments", body: `{"term": "2025-2026/1", "amount": 0}`, want: http.StatusBadRequest},
		{name: "negative amount", path: student + "/payments", body: `{"term": "2025-2026/1", "amount": "-5"}`, want: http.StatusBadRequest},
		{name: "missing term", path: student + "/payments", body: `{"amount": 100}`, want: http.StatusBadRequest},
		{name: "bad term", path: student + "/payments", body: `{"term": "2025-2027/1", "amount": 100}`, want: http.StatusBadRequest},
		{name: "malformed json", path: student + "/payments", body: `{"term":`, want: http.StatusBadRequest},
		{name: "unknown student", path: "/api/students/ghost/payments", body: `{"term": "2025-2026/1", "amount": 100}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	rec := s.do(http.MethodGet, student+"/payments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]PaymentDTO](t, rec), 1)
}

func TestPostPayment_ValidationErrorNamesField(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-a")

	rec := s.do(http.MethodPost, student+"/payments", `{"amount": 100}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation", resp.Code)
	assert.Contains(t, resp.Details, "Term")
}

func TestForwardBalance(t *testing.T) {
	// GIVEN: Scenario C (term 1 overpaid by 2000)
	// WHEN: Forwarding 2000 of term 1's payments to term 2
	// THEN: Two entries are written and term 1 is back to exactly paid
	s := newTestServer(t)
	s.load("scenario-c")

	rec := s.do(http.MethodPost, student+"/balance-forwards", `{"from": "2025-2026/1", "to": "2025-2026/2", "amount": "2000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]PaymentDTO](t, rec), 2)

	st := s.statement()
	line, ok := findTerm(st, "2025-2026/1")
	require.True(t, ok)
	assert.Equal(t, "18000.00", line.Paid)
	assert.Equal(t, "0.00", line.Balance)

	rec = s.do(http.MethodPost, student+"/balance-forwards", `{"from": "2025-2026/1", "to": "2025-2026/1", "amount": "1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func findTerm(st StatementDTO, term string) (TermStatementDTO, bool) {
	for _, t := range st.Terms {
		if t.Term == term {
			return t, true
		}
	}
	return TermStatementDTO{}, false
}

// =============================================================================
// READ VIEWS
// =============================================================================

func TestReadViews(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-a")

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "student", path: student, want: http.StatusOK},
		{name: "students", path: "/api/students", want: http.StatusOK},
		{name: "assessment", path: student + "/terms/2025-2026/1/assessment", want: http.StatusOK},
		{name: "summary", path: student + "/terms/2025-2026/1/summary", want: http.StatusOK},
		{name: "rates", path: "/api/programs/BSCS/rates", want: http.StatusOK},
		{name: "bad academic year", path: student + "/terms/2025/1/assessment", want: http.StatusBadRequest},
		{name: "bad semester", path: student + "/terms/2025-2026/3/summary", want: http.StatusBadRequest},
		{name: "non-numeric semester", path: student + "/terms/2025-2026/first/assessment", want: http.StatusBadRequest},
		{name: "bad due date", path: student + "/terms/2025-2026/1/late-fee?due_date=09/01/2025", want: http.StatusBadRequest},
		{name: "unknown student", path: "/api/students/ghost/statement", want: http.StatusNotFound},
		{name: "health", path: "/health", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestTermSummary_ScenarioA(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-a")

	rec := s.do(http.MethodGet, student+"/terms/2025-2026/1/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[TermSummaryDTO](t, rec)
	assert.Equal(t, "15", sum.Assessment.Units)
	assert.Equal(t, "15000.00", sum.Assessment.Tuition)
	assert.Equal(t, "3000.00", sum.Assessment.Misc)
	assert.Len(t, sum.MiscFees, 3) // REG, LIB, LAB
	assert.Equal(t, "18000.00", sum.Balance)
	assert.False(t, sum.HasOverpayment)
	// Enrolled 2025-08-01, today 2025-09-10: 40 days, 10 past grace
	assert.Equal(t, string(billing.StatusOverdue), sum.Status)
	assert.Equal(t, "900.00", sum.PendingLateFee.LateFee)
}

func TestProgramRates_FallsBackToDefaults(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/programs/UNKNOWN/rates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[FeeScheduleDTO](t, rec)
	assert.Equal(t, "default", dto.Source)
	assert.Equal(t, billing.DefaultTuitionPerUnit.String(), dto.TuitionPerUnit)
	assert.Equal(t, billing.DefaultLabFee.String(), dto.LabFee)
}

// =============================================================================
// CREDITS
// =============================================================================

func TestOverpaymentLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-c")

	rec := s.do(http.MethodPost, student+"/overpayments", `{"source_term": "2025-2026/1", "amount": "2000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	o := decode[OverpaymentDTO](t, rec)
	assert.False(t, o.IsApplied)

	rec = s.do(http.MethodGet, student+"/overpayments", nil)
	list := decode[OverpaymentListDTO](t, rec)
	assert.Equal(t, "2000.00", list.AvailableCredit)
	assert.Len(t, list.Overpayments, 1)

	applyPath := "/api/overpayments/" + o.ID + "/apply"

	rec = s.do(http.MethodPost, applyPath, `{"target_term": "2025-2026/1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "target must be after the source term")

	rec = s.do(http.MethodPost, applyPath, `{"target_term": "2025-2026/2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	applied := decode[OverpaymentDTO](t, rec)
	assert.True(t, applied.IsApplied)
	require.NotNil(t, applied.AppliedTerm)
	assert.Equal(t, "2025-2026/2", *applied.AppliedTerm)
	assert.NotNil(t, applied.AppliedAt)

	rec = s.do(http.MethodPost, applyPath, `{"target_term": "2025-2026/2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/overpayments/missing/apply", `{"target_term": "2025-2026/2"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, student+"/overpayments", nil)
	assert.Equal(t, "0.00", decode[OverpaymentListDTO](t, rec).AvailableCredit)

	assert.Contains(t, s.events.RoutingKeys(), billing.EventCreditApplied)
}

func TestApplyCredits_NothingOwed(t *testing.T) {
	// GIVEN: Credit from term 1 and no enrollment in term 2
	// WHEN: Applying available credits to term 2
	// THEN: Nothing is applied and the record stays available
	s := newTestServer(t)
	s.load("scenario-c")
	rec := s.do(http.MethodPost, student+"/overpayments", `{"source_term": "2025-2026/1", "amount": "2000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, student+"/credits/apply", `{"target_term": "2025-2026/2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[CreditApplicationDTO](t, rec)
	assert.Equal(t, "0.00", res.Applied)
	assert.Empty(t, res.Records)
}

func TestSyncOverpayments_Endpoint(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-c")

	rec := s.do(http.MethodPost, student+"/overpayments/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[SyncResultDTO](t, rec)
	require.Len(t, res.Recorded, 1)
	assert.Equal(t, "2000.00", res.Recorded[0].Amount)
	assert.Empty(t, res.Applied)
}

// =============================================================================
// LATE FEES
// =============================================================================

func TestLateFeeLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-a")

	rec := s.do(http.MethodPost, student+"/terms/2025-2026/1/late-fees", `{"amount": "500", "reason": "Manual penalty"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	fee := decode[LateFeeDTO](t, rec)
	assert.Equal(t, "500.00", fee.Amount)

	rec = s.do(http.MethodGet, student+"/late-fees", nil)
	assert.Len(t, decode[[]LateFeeDTO](t, rec), 1)

	waivePath := "/api/late-fees/" + fee.ID + "/waive"

	rec = s.do(http.MethodPost, waivePath, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "waived_by is required")

	rec = s.do(http.MethodPost, waivePath, `{"waived_by": "Registrar"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	waived := decode[LateFeeDTO](t, rec)
	assert.True(t, waived.IsWaived)
	assert.Equal(t, "Registrar", waived.WaivedBy)

	rec = s.do(http.MethodPost, waivePath, `{"waived_by": "Registrar"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodPost, "/api/late-fees/missing/waive", `{"waived_by": "Registrar"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, student+"/terms/2025-2026/1/late-fees", `{"amount": 0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccrueLateFees(t *testing.T) {
	// GIVEN: Scenario E (500 late fee pending)
	// WHEN: Running the accrual job twice
	// THEN: 500 is posted once and shows on the summary as an applied fee,
	//       no longer as a pending one
	s := newTestServer(t)
	s.load("scenario-e")

	rec := s.do(http.MethodPost, "/api/admin/late-fees/accrue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[AccrualReportDTO](t, rec)
	assert.Equal(t, 1, report.Students)
	assert.Equal(t, 1, report.Posted)
	assert.Equal(t, "500.00", report.Total)

	rec = s.do(http.MethodPost, "/api/admin/late-fees/accrue", nil)
	assert.Equal(t, 0, decode[AccrualReportDTO](t, rec).Posted)

	rec = s.do(http.MethodGet, student+"/terms/2025-2026/1/summary", nil)
	sum := decode[TermSummaryDTO](t, rec)
	assert.Equal(t, "500.00", sum.AppliedLateFees)
	assert.Equal(t, "10500.00", sum.Balance)
	assert.Equal(t, "0.00", sum.PendingLateFee.LateFee)
	assert.Equal(t, "10500.00", sum.TotalDue)
	assert.Equal(t, string(billing.StatusOverdue), sum.Status)
}

// =============================================================================
// SCHOLARSHIPS AND CATALOG
// =============================================================================

func TestScholarshipAwardAndRevoke(t *testing.T) {
	s := newTestServer(t)
	s.load("scenario-a")

	rec := s.do(http.MethodPost, "/api/scholarships",
		`{"code": "NEED1K", "name": "Need-based", "discount_type": "fixed", "discount_value": "1000", "applies_to": "misc"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	sch := decode[ScholarshipDTO](t, rec)

	rec = s.do(http.MethodPost, "/api/scholarships",
		`{"code": "BAD", "name": "Bad", "discount_type": "percentage", "discount_value": "150", "applies_to": "all"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	award := AwardScholarshipRequest{ScholarshipID: sch.ID, Term: "2025-2026/1"}
	rec = s.do(http.MethodPost, student+"/scholarships", award)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[AwardDTO](t, rec)
	assert.Equal(t, string(billing.AwardActive), a.Status)

	rec = s.do(http.MethodPost, student+"/scholarships", award)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, student+"/terms/2025-2026/1/assessment", nil)
	assert.Equal(t, "17000.00", decode[AssessmentDTO](t, rec).Net)

	rec = s.do(http.MethodPost, "/api/awards/"+a.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(billing.AwardRevoked), decode[AwardDTO](t, rec).Status)

	rec = s.do(http.MethodGet, student+"/terms/2025-2026/1/assessment", nil)
	assert.Equal(t, "18000.00", decode[AssessmentDTO](t, rec).Net)

	rec = s.do(http.MethodGet, "/api/scholarships?active=true", nil)
	assert.Len(t, decode[[]ScholarshipDTO](t, rec), 2) // ACAD50 + NEED1K
}

func TestImportCatalog(t *testing.T) {
	s := newTestServer(t)

	doc := `{
	  "fees": [{"code": "REG", "description": "Registration", "type": "fixed", "amount": "1500"}],
	  "tuition_rates": [{"program_id": "BSN", "tuition_per_unit": "1200", "lab_fee": "2500", "effective_date": "2025-06-01"}],
	  "students": [{"id": "2025-0100", "name": "Ben Cruz", "program_id": "BSN",
	    "enrollments": [{"term": "2025-2026/1", "curriculum_id": "NCM100", "units": "10", "enrolled_at": "2025-08-15"}]}]
	}`
	rec := s.do(http.MethodPost, "/api/catalog", doc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/programs/BSN/rates", nil)
	rates := decode[FeeScheduleDTO](t, rec)
	assert.Equal(t, "program", rates.Source)
	assert.Equal(t, "1200.00", rates.TuitionPerUnit)
	assert.Equal(t, "4000.00", rates.MiscTotal)

	rec = s.do(http.MethodGet, "/api/students/2025-0100/terms/2025-2026/1/assessment", nil)
	// 10 × 1200 + 1500 + 2500
	assert.Equal(t, "16000.00", decode[AssessmentDTO](t, rec).Net)

	rec = s.do(http.MethodPost, "/api/catalog", `{"fees": [{"code": "X", "type": "hourly", "amount": 1}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
