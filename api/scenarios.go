/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with the
	worked examples of the ledger. Each scenario builds a catalog document,
	imports it through the factory, then posts awards and payments through
	the billing services so events and logs fire as they would in use.

AVAILABLE SCENARIOS:

	scenario-a: 15 units, no scholarship, no payment      net 18000, balance 18000
	scenario-b: as A with 50% tuition scholarship          discount 7500, net 10500
	scenario-c: as A with a 20000 payment                  balance 0, credit 2000
	scenario-d: C's credit carried into a second term      credit applied 2000, balance 16000
	scenario-e: balance 10000, enrolled 40 days ago        late fee 500

SHARED CATALOG:

	BSCS: 1000/unit tuition, 1000 lab fee
	REG 1500 + LIB 500 fixed fees (misc 3000 with the lab fee)
	Late fees: 5% per month after 30 days, capped at 25%

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "scenario-c"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/catalog.go: Catalog import
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/factory"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

const (
	scenarioStudent = "2025-0001"
	scenarioProgram = "BSCS"
)

var (
	scenarioTerm1 = generic.MustTerm("2025-2026", 1)
	scenarioTerm2 = generic.MustTerm("2025-2026", 2)
)

var scenarios = []ScenarioDTO{
	{
		ID:          "scenario-a",
		Name:        "Single Term",
		Description: "15 units at 1000/unit plus 3000 misc, no scholarship, nothing paid",
		StudentID:   scenarioStudent,
	},
	{
		ID:          "scenario-b",
		Name:        "Scholarship",
		Description: "Single term with a 50% tuition scholarship (discount 7500)",
		StudentID:   scenarioStudent,
	},
	{
		ID:          "scenario-c",
		Name:        "Overpayment",
		Description: "Single term paid 20000 against 18000, leaving 2000 credit",
		StudentID:   scenarioStudent,
	},
	{
		ID:          "scenario-d",
		Name:        "Carry Forward",
		Description: "The 2000 credit applied to a second 18000 term",
		StudentID:   scenarioStudent,
	},
	{
		ID:          "scenario-e",
		Name:        "Late Fee",
		Description: "10000 unpaid, enrolled 40 days ago: one month overdue at 5%",
		StudentID:   scenarioStudent,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	loaders := map[string]func(context.Context) error{
		"scenario-a": h.loadSingleTermScenario,
		"scenario-b": h.loadScholarshipScenario,
		"scenario-c": h.loadOverpaymentScenario,
		"scenario-d": h.loadCarryForwardScenario,
		"scenario-e": h.loadLateFeeScenario,
	}
	load, ok := loaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Services.Repo.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID, "student_id": scenarioStudent})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSingleTermScenario(ctx context.Context) error {
	_, err := h.importCatalog(ctx, enrollment(scenarioTerm1, 15, "2025-08-01"))
	return err
}

func (h *Handler) loadScholarshipScenario(ctx context.Context) error {
	c, err := h.importCatalog(ctx, enrollment(scenarioTerm1, 15, "2025-08-01"))
	if err != nil {
		return err
	}
	_, err = h.Services.Scholarships.Award(ctx, scenarioStudent, c.Scholarships[0].ID, scenarioTerm1, "Dean's list")
	return err
}

func (h *Handler) loadOverpaymentScenario(ctx context.Context) error {
	if _, err := h.importCatalog(ctx, enrollment(scenarioTerm1, 15, "2025-08-01")); err != nil {
		return err
	}
	return h.pay(ctx, scenarioTerm1, 20000, "OR-0001")
}

func (h *Handler) loadCarryForwardScenario(ctx context.Context) error {
	_, err := h.importCatalog(ctx,
		enrollment(scenarioTerm1, 15, "2025-08-01"),
		enrollment(scenarioTerm2, 15, "2026-01-05"),
	)
	if err != nil {
		return err
	}
	if err := h.pay(ctx, scenarioTerm1, 20000, "OR-0001"); err != nil {
		return err
	}
	// Mirror the carried credit into overpayment records.
	_, err = h.Services.Credits.SyncOverpayments(ctx, scenarioStudent)
	return err
}

func (h *Handler) loadLateFeeScenario(ctx context.Context) error {
	// 7 units × 1000 + 3000 misc = 10000, enrolled 40 days before today.
	enrolled := h.Clock.Now().UTC().AddDate(0, 0, -40)
	_, err := h.importCatalog(ctx, enrollment(scenarioTerm1, 7, generic.FormatDate(enrolled)))
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func enrollment(term generic.Term, units int64, enrolledAt string) factory.EnrollmentJSON {
	return factory.EnrollmentJSON{
		Term:         term.String(),
		CurriculumID: "BSCS-" + term.String(),
		Units:        decimal.NewFromInt(units),
		EnrolledAt:   enrolledAt,
	}
}

// scenarioCatalog is the shared catalog plus the scenario student.
func scenarioCatalog(enrollments ...factory.EnrollmentJSON) factory.CatalogJSON {
	return factory.CatalogJSON{
		Fees: []factory.FeeJSON{
			{Code: "REG", Description: "Registration Fee", Type: string(billing.FeeFixed), Amount: decimal.NewFromInt(1500)},
			{Code: "LIB", Description: "Library Fee", Type: string(billing.FeeFixed), Amount: decimal.NewFromInt(500)},
		},
		TuitionRates: []factory.TuitionRateJSON{{
			ProgramID:      scenarioProgram,
			TuitionPerUnit: decimal.NewFromInt(1000),
			LabFee:         decimal.NewFromInt(1000),
			EffectiveDate:  "2025-01-01",
		}},
		LateFeePolicy: &factory.LateFeePolicyJSON{
			FeeType:           string(billing.LateFeePercentage),
			FeeValue:          decimal.NewFromInt(5),
			GracePeriodDays:   30,
			MaxPenaltyPercent: decimal.NewFromInt(25),
			ApplyPer:          string(billing.ApplyPerMonth),
		},
		Scholarships: []factory.ScholarshipJSON{{
			Code:          "ACAD50",
			Name:          "Academic Scholar",
			DiscountType:  string(billing.DiscountPercentage),
			DiscountValue: decimal.NewFromInt(50),
			AppliesTo:     string(billing.AppliesToTuition),
		}},
		Students: []factory.StudentJSON{{
			ID:          scenarioStudent,
			Name:        "Ana Reyes",
			ProgramID:   scenarioProgram,
			Enrollments: enrollments,
		}},
	}
}

func (h *Handler) importCatalog(ctx context.Context, enrollments ...factory.EnrollmentJSON) (*factory.Catalog, error) {
	c, err := factory.FromJSON(scenarioCatalog(enrollments...))
	if err != nil {
		return nil, err
	}
	if err := c.Apply(ctx, h.Services.Repo); err != nil {
		return nil, err
	}
	return c, nil
}

func (h *Handler) pay(ctx context.Context, term generic.Term, amt int64, reference string) error {
	_, err := h.Services.Payments.Post(ctx, billing.PaymentInput{
		StudentID:      scenarioStudent,
		Term:           term,
		Amount:         generic.NewMoneyFromInt(amt),
		Reference:      reference,
		IdempotencyKey: reference,
		CreatedBy:      "scenario",
	})
	return err
}
