package billing

import (
	"context"
	"fmt"

	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// FEE RATE RESOLVER
// =============================================================================

// Hard defaults used when neither a program rate nor a catalog entry exists.
var (
	DefaultTuitionPerUnit = generic.MustMoney("800.00")
	DefaultLabFee         = generic.MustMoney("2000.00")
)

type RateSource string

const (
	RateFromProgram RateSource = "program"
	RateFromCatalog RateSource = "catalog"
	RateFromDefault RateSource = "default"
)

// Rates is the resolved per-unit tuition and lab fee for a program.
type Rates struct {
	TuitionPerUnit generic.Money
	LabFee         generic.Money
	Source         RateSource
}

// ResolveRates picks the latest active program rate; without one it falls
// back to the TUITION (per_unit) and LAB catalog entries, and then to the
// hard defaults. It never fails.
func ResolveRates(program *ProgramID, programRates []TuitionRate, fees []Fee) Rates {
	if program != nil {
		var best *TuitionRate
		for i := range programRates {
			r := &programRates[i]
			if !r.Active || r.ProgramID != *program {
				continue
			}
			if best == nil || r.EffectiveDate.After(best.EffectiveDate) {
				best = r
			}
		}
		if best != nil {
			return Rates{TuitionPerUnit: best.TuitionPerUnit, LabFee: best.LabFee, Source: RateFromProgram}
		}
	}

	rates := Rates{TuitionPerUnit: DefaultTuitionPerUnit, LabFee: DefaultLabFee, Source: RateFromDefault}
	tuitionFound, labFound := false, false
	for _, f := range fees {
		switch {
		case !tuitionFound && f.Code == FeeCodeTuition && f.Type == FeePerUnit:
			rates.TuitionPerUnit = f.Amount
			tuitionFound = true
		case !labFound && f.Code == FeeCodeLab:
			rates.LabFee = f.Amount
			labFound = true
		}
	}
	if tuitionFound || labFound {
		rates.Source = RateFromCatalog
	}
	return rates
}

// =============================================================================
// FEE SCHEDULE - Immutable snapshot for one computation
// =============================================================================

// FeeLine is one line of the miscellaneous fee breakdown.
type FeeLine struct {
	Code        string
	Description string
	Amount      generic.Money
}

// FeeSchedule is everything assessment needs from the catalog, loaded once
// and passed by value so a computation never re-reads configuration.
type FeeSchedule struct {
	Rates     Rates
	FixedFees []FeeLine // Fixed catalog fees other than LAB
}

// BuildFeeSchedule keeps the fixed, non-LAB fees of the catalog.
func BuildFeeSchedule(rates Rates, fees []Fee) FeeSchedule {
	var fixed []FeeLine
	for _, f := range fees {
		if f.Type != FeeFixed || f.Code == FeeCodeLab {
			continue
		}
		fixed = append(fixed, FeeLine{Code: f.Code, Description: f.Description, Amount: f.Amount})
	}
	return FeeSchedule{Rates: rates, FixedFees: fixed}
}

// MiscLines is the fixed fees plus the program lab fee.
func (s FeeSchedule) MiscLines() []FeeLine {
	lines := make([]FeeLine, 0, len(s.FixedFees)+1)
	lines = append(lines, s.FixedFees...)
	return append(lines, FeeLine{
		Code:        FeeCodeLab,
		Description: "Laboratory Fee (Program-specific)",
		Amount:      s.Rates.LabFee,
	})
}

// MiscTotal is charged once per term when the student has billable units.
func (s FeeSchedule) MiscTotal() generic.Money {
	total := s.Rates.LabFee
	for _, f := range s.FixedFees {
		total = total.Add(f.Amount)
	}
	return total
}

// RateResolver loads rates and schedules from a Catalog.
type RateResolver struct {
	Catalog Catalog
}

func NewRateResolver(c Catalog) *RateResolver {
	return &RateResolver{Catalog: c}
}

// Rates resolves the rates of a program (nil for none).
func (r *RateResolver) Rates(ctx context.Context, program *ProgramID) (Rates, error) {
	s, err := r.Schedule(ctx, program)
	if err != nil {
		return Rates{}, err
	}
	return s.Rates, nil
}

// Schedule reads the catalog once and builds the fee schedule.
func (r *RateResolver) Schedule(ctx context.Context, program *ProgramID) (FeeSchedule, error) {
	fees, err := r.Catalog.Fees(ctx)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("failed to load fees: %w", err)
	}
	var programRates []TuitionRate
	if program != nil {
		programRates, err = r.Catalog.TuitionRates(ctx, *program)
		if err != nil {
			return FeeSchedule{}, fmt.Errorf("failed to load tuition rates: %w", err)
		}
	}
	return BuildFeeSchedule(ResolveRates(program, programRates, fees), fees), nil
}
