package billing

import (
	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// SCHOLARSHIP DISCOUNT ENGINE
// =============================================================================

// DiscountLine is the discount contributed by one scholarship.
type DiscountLine struct {
	ScholarshipID string
	Code          string
	Name          string
	Type          DiscountType
	Value         decimal.Decimal
	AppliesTo     AppliesTo
	Base          generic.Money
	Amount        generic.Money
}

// Discount is the total with its per-scholarship breakdown.
type Discount struct {
	Total generic.Money
	Lines []DiscountLine
}

// ComputeDiscount applies each scholarship to its base (tuition, misc, or
// both). Percentage discounts take value% of the base; fixed discounts never
// exceed their base. Scholarships stack without an overall cap; the caller
// floors the net assessment at zero.
func ComputeDiscount(scholarships []Scholarship, tuition, misc generic.Money) Discount {
	d := Discount{Total: generic.ZeroMoney()}
	for _, s := range scholarships {
		base := generic.ZeroMoney()
		switch s.AppliesTo {
		case AppliesToTuition:
			base = tuition
		case AppliesToMisc:
			base = misc
		case AppliesToAll:
			base = tuition.Add(misc)
		}

		var amount generic.Money
		if s.DiscountType == DiscountPercentage {
			amount = base.Percent(s.DiscountValue)
		} else {
			amount = generic.MoneyOf(s.DiscountValue).Min(base)
		}

		d.Lines = append(d.Lines, DiscountLine{
			ScholarshipID: s.ID,
			Code:          s.Code,
			Name:          s.Name,
			Type:          s.DiscountType,
			Value:         s.DiscountValue,
			AppliesTo:     s.AppliesTo,
			Base:          base,
			Amount:        amount,
		})
		d.Total = d.Total.Add(amount)
	}
	return d
}

// ActiveScholarships returns the scholarships of Active awards for term.
func ActiveScholarships(awards []Award, term generic.Term) []Scholarship {
	var out []Scholarship
	for _, a := range awards {
		if a.Status == AwardActive && a.Term.Equal(term) {
			out = append(out, a.Scholarship)
		}
	}
	return out
}
