package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

func TestResolveRates_Fallbacks(t *testing.T) {
	bscs := ptr(program)
	rates := []billing.TuitionRate{
		{ID: "old", ProgramID: program, TuitionPerUnit: money("900"), LabFee: money("1500"), EffectiveDate: generic.Date(2024, 6, 1), Active: true},
		{ID: "new", ProgramID: program, TuitionPerUnit: money("1000"), LabFee: money("1000"), EffectiveDate: generic.Date(2025, 6, 1), Active: true},
		{ID: "newest-inactive", ProgramID: program, TuitionPerUnit: money("5000"), LabFee: money("5000"), EffectiveDate: generic.Date(2026, 1, 1), Active: false},
	}
	catalog := []billing.Fee{
		{Code: billing.FeeCodeTuition, Type: billing.FeePerUnit, Amount: money("850")},
		{Code: billing.FeeCodeLab, Type: billing.FeeFixed, Amount: money("1800")},
	}

	tests := []struct {
		name        string
		program     *billing.ProgramID
		rates       []billing.TuitionRate
		fees        []billing.Fee
		wantTuition string
		wantLab     string
		wantSource  billing.RateSource
	}{
		{
			name: "latest active program rate wins", program: bscs, rates: rates, fees: catalog,
			wantTuition: "1000", wantLab: "1000", wantSource: billing.RateFromProgram,
		},
		{
			name: "no program uses catalog", program: nil, rates: rates, fees: catalog,
			wantTuition: "850", wantLab: "1800", wantSource: billing.RateFromCatalog,
		},
		{
			name: "program without active rate uses catalog", program: ptr(billing.ProgramID("BSN")), rates: rates, fees: catalog,
			wantTuition: "850", wantLab: "1800", wantSource: billing.RateFromCatalog,
		},
		{
			name: "tuition entry must be per unit", program: nil,
			fees: []billing.Fee{
				{Code: billing.FeeCodeTuition, Type: billing.FeeFixed, Amount: money("99999")},
				{Code: billing.FeeCodeLab, Type: billing.FeeFixed, Amount: money("1800")},
			},
			wantTuition: "800", wantLab: "1800", wantSource: billing.RateFromCatalog,
		},
		{
			name: "empty catalog uses defaults", program: nil,
			wantTuition: "800", wantLab: "2000", wantSource: billing.RateFromDefault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.ResolveRates(tt.program, tt.rates, tt.fees)
			assertMoney(t, tt.wantTuition, got.TuitionPerUnit)
			assertMoney(t, tt.wantLab, got.LabFee)
			assert.Equal(t, tt.wantSource, got.Source)
		})
	}
}

func TestFeeSchedule_MiscExcludesPerUnitAndCatalogLab(t *testing.T) {
	// GIVEN: A catalog with fixed fees, a per-unit tuition entry and a LAB entry
	// WHEN: Building the schedule with a program lab fee
	// THEN: Misc is the fixed fees plus the program lab fee, never the catalog LAB twice
	fees := []billing.Fee{
		{Code: "REG", Description: "Registration", Type: billing.FeeFixed, Amount: money("1500")},
		{Code: billing.FeeCodeTuition, Type: billing.FeePerUnit, Amount: money("850")},
		{Code: billing.FeeCodeLab, Type: billing.FeeFixed, Amount: money("1800")},
		{Code: "LIB", Description: "Library", Type: billing.FeeFixed, Amount: money("500")},
	}
	rates := billing.Rates{TuitionPerUnit: money("1000"), LabFee: money("1000"), Source: billing.RateFromProgram}

	s := billing.BuildFeeSchedule(rates, fees)

	assertMoney(t, "3000", s.MiscTotal())
	lines := s.MiscLines()
	require.Len(t, lines, 3)
	assert.Equal(t, "REG", lines[0].Code)
	assert.Equal(t, "LIB", lines[1].Code)
	assert.Equal(t, billing.FeeCodeLab, lines[2].Code)
	assertMoney(t, "1000", lines[2].Amount)
}

func TestRateResolver_ReadsCatalog(t *testing.T) {
	h := newHarness(t).withScenarioCatalog()

	withProgram, err := h.svc.Rates.Rates(h.ctx, ptr(program))
	require.NoError(t, err)
	assert.Equal(t, billing.RateFromProgram, withProgram.Source)
	assertMoney(t, "1000", withProgram.TuitionPerUnit)

	none, err := h.svc.Rates.Rates(h.ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, billing.RateFromDefault, none.Source)
	assertMoney(t, "800", none.TuitionPerUnit)
}
