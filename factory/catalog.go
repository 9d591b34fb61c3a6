/*
Package factory converts JSON catalog documents into billing data.

PURPOSE:
  The registrar maintains fees, program tuition rates, the late fee
  policy and the scholarship list as one JSON document. ParseCatalog
  validates the document and turns it into billing types; Apply writes
  them through the repository. The demo scenarios use the same path.

JSON SCHEMA:
  {
    "fees": [
      {"code": "TUITION", "description": "Tuition per unit", "type": "per_unit", "amount": "1000.00"},
      {"code": "REG", "description": "Registration", "type": "fixed", "amount": "1500.00"}
    ],
    "tuition_rates": [
      {"program_id": "BSCS", "tuition_per_unit": "1000", "lab_fee": "1000", "effective_date": "2025-06-01"}
    ],
    "late_fee_policy": {
      "fee_type": "percentage", "fee_value": "5", "grace_period_days": 30,
      "max_penalty_percent": "25", "apply_per": "month"
    },
    "scholarships": [
      {"code": "ACAD50", "name": "Academic Scholar", "discount_type": "percentage",
       "discount_value": "50", "applies_to": "tuition"}
    ],
    "students": [
      {"id": "2025-0001", "name": "Ana Reyes", "program_id": "BSCS",
       "enrollments": [{"term": "2025-2026/1", "curriculum_id": "CS101", "units": "3",
                        "enrolled_at": "2025-08-01"}]}
    ]
  }

  Amounts may be JSON strings or numbers; they are parsed as decimals.

SEE ALSO:
  - billing/types.go: Target types
  - api/scenarios.go: Demo documents
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a catalog document.
type CatalogJSON struct {
	Fees          []FeeJSON          `json:"fees" validate:"dive"`
	TuitionRates  []TuitionRateJSON  `json:"tuition_rates" validate:"dive"`
	LateFeePolicy *LateFeePolicyJSON `json:"late_fee_policy,omitempty"`
	Scholarships  []ScholarshipJSON  `json:"scholarships" validate:"dive"`
	Students      []StudentJSON      `json:"students" validate:"dive"`
}

type FeeJSON struct {
	Code        string          `json:"code" validate:"required"`
	Description string          `json:"description"`
	Type        string          `json:"type" validate:"required,oneof=fixed per_unit"`
	Amount      decimal.Decimal `json:"amount"`
}

type TuitionRateJSON struct {
	ID             string          `json:"id,omitempty"`
	ProgramID      string          `json:"program_id" validate:"required"`
	TuitionPerUnit decimal.Decimal `json:"tuition_per_unit"`
	LabFee         decimal.Decimal `json:"lab_fee"`
	EffectiveDate  string          `json:"effective_date" validate:"required,datetime=2006-01-02"`
	Inactive       bool            `json:"inactive,omitempty"`
}

type LateFeePolicyJSON struct {
	FeeType           string          `json:"fee_type" validate:"required,oneof=percentage fixed"`
	FeeValue          decimal.Decimal `json:"fee_value"`
	GracePeriodDays   int             `json:"grace_period_days" validate:"gte=0"`
	MaxPenaltyPercent decimal.Decimal `json:"max_penalty_percent"`
	ApplyPer          string          `json:"apply_per" validate:"required,oneof=month week once"`
}

type ScholarshipJSON struct {
	ID            string          `json:"id,omitempty"`
	Code          string          `json:"code" validate:"required"`
	Name          string          `json:"name" validate:"required"`
	DiscountType  string          `json:"discount_type" validate:"required,oneof=percentage fixed"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	AppliesTo     string          `json:"applies_to" validate:"required,oneof=tuition misc all"`
	Inactive      bool            `json:"inactive,omitempty"`
}

type StudentJSON struct {
	ID          string           `json:"id" validate:"required"`
	Name        string           `json:"name" validate:"required"`
	ProgramID   string           `json:"program_id,omitempty"`
	Enrollments []EnrollmentJSON `json:"enrollments" validate:"dive"`
}

type EnrollmentJSON struct {
	ID           string          `json:"id,omitempty"`
	Term         string          `json:"term" validate:"required"`
	CurriculumID string          `json:"curriculum_id"`
	Units        decimal.Decimal `json:"units"`
	Status       string          `json:"status,omitempty" validate:"omitempty,oneof=Enrolled Passed Failed Dropped"`
	EnrolledAt   string          `json:"enrolled_at" validate:"required"`
}

// =============================================================================
// PARSED CATALOG
// =============================================================================

// Catalog is a parsed, validated document.
type Catalog struct {
	Fees          []billing.Fee
	TuitionRates  []billing.TuitionRate
	LateFeePolicy *billing.LateFeePolicy
	Scholarships  []billing.Scholarship
	Students      []billing.Student
	Enrollments   []billing.Enrollment
}

var validate = validator.New()

// ParseCatalog parses and validates a JSON catalog document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc CatalogJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return FromJSON(doc)
}

// FromJSON validates an already-decoded document.
func FromJSON(doc CatalogJSON) (*Catalog, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	c := &Catalog{}
	for _, f := range doc.Fees {
		if f.Amount.IsNegative() {
			return nil, fmt.Errorf("fee %s: %w", f.Code, &generic.AmountError{Field: "amount", Amount: generic.MoneyOf(f.Amount)})
		}
		c.Fees = append(c.Fees, billing.Fee{
			Code:        strings.ToUpper(strings.TrimSpace(f.Code)),
			Description: f.Description,
			Type:        billing.FeeType(f.Type),
			Amount:      generic.MoneyOf(f.Amount),
		})
	}

	for _, r := range doc.TuitionRates {
		eff, err := generic.ParseDate(r.EffectiveDate)
		if err != nil {
			return nil, fmt.Errorf("tuition rate %s: %w", r.ProgramID, err)
		}
		id := r.ID
		if id == "" {
			id = stableID("rate", r.ProgramID, r.EffectiveDate)
		}
		c.TuitionRates = append(c.TuitionRates, billing.TuitionRate{
			ID:             id,
			ProgramID:      billing.ProgramID(r.ProgramID),
			TuitionPerUnit: generic.MoneyOf(r.TuitionPerUnit),
			LabFee:         generic.MoneyOf(r.LabFee),
			EffectiveDate:  eff,
			Active:         !r.Inactive,
		})
	}

	if p := doc.LateFeePolicy; p != nil {
		c.LateFeePolicy = &billing.LateFeePolicy{
			FeeType:           billing.LateFeeType(p.FeeType),
			FeeValue:          p.FeeValue,
			GracePeriodDays:   p.GracePeriodDays,
			MaxPenaltyPercent: p.MaxPenaltyPercent,
			ApplyPer:          billing.ApplyPer(p.ApplyPer),
			Active:            true,
		}
	}

	for _, s := range doc.Scholarships {
		id := s.ID
		if id == "" {
			id = stableID("scholarship", strings.ToUpper(s.Code))
		}
		sch := billing.Scholarship{
			ID:            id,
			Code:          s.Code,
			Name:          s.Name,
			DiscountType:  billing.DiscountType(s.DiscountType),
			DiscountValue: s.DiscountValue,
			AppliesTo:     billing.AppliesTo(s.AppliesTo),
			Active:        !s.Inactive,
		}
		if err := sch.Validate(); err != nil {
			return nil, fmt.Errorf("scholarship %s: %w", s.Code, err)
		}
		c.Scholarships = append(c.Scholarships, sch)
	}

	for _, st := range doc.Students {
		student := billing.Student{ID: generic.StudentID(st.ID), Name: st.Name, Status: "Active"}
		if st.ProgramID != "" {
			p := billing.ProgramID(st.ProgramID)
			student.ProgramID = &p
		}
		c.Students = append(c.Students, student)

		for i, e := range st.Enrollments {
			en, err := parseEnrollment(student.ID, i, e)
			if err != nil {
				return nil, fmt.Errorf("student %s: %w", st.ID, err)
			}
			c.Enrollments = append(c.Enrollments, en)
		}
	}
	return c, nil
}

func parseEnrollment(id generic.StudentID, i int, e EnrollmentJSON) (billing.Enrollment, error) {
	term, err := generic.ParseTerm(e.Term)
	if err != nil {
		return billing.Enrollment{}, err
	}
	at, err := parseTimestamp(e.EnrolledAt)
	if err != nil {
		return billing.Enrollment{}, fmt.Errorf("enrolled_at %q: %w", e.EnrolledAt, err)
	}
	if e.Units.IsNegative() {
		return billing.Enrollment{}, fmt.Errorf("units must not be negative, got %s", e.Units)
	}
	status := billing.EnrollmentStatus(e.Status)
	if status == "" {
		status = billing.EnrollmentEnrolled
	}
	enID := e.ID
	if enID == "" {
		enID = fmt.Sprintf("%s-%s-%d", id, term.String(), i+1)
	}
	return billing.Enrollment{
		ID:           enID,
		StudentID:    id,
		Term:         term,
		CurriculumID: e.CurriculumID,
		Units:        e.Units,
		Status:       status,
		EnrolledAt:   at,
	}, nil
}

// stableID derives an ID from natural keys so re-importing a document
// updates rows instead of duplicating them.
func stableID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "/"))).String()
}

// parseTimestamp accepts a date or an RFC 3339 timestamp.
func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return generic.ParseDate(s)
}

// =============================================================================
// APPLY
// =============================================================================

// Sink is what Apply writes to.
type Sink interface {
	billing.Registrar
	SaveScholarship(ctx context.Context, s billing.Scholarship) error
}

// Apply writes the catalog. Writes are upserts keyed on stable IDs, so
// applying a document twice leaves the same data (the late fee policy is
// re-saved as the active one).
func (c *Catalog) Apply(ctx context.Context, sink Sink) error {
	for _, f := range c.Fees {
		if err := sink.SaveFee(ctx, f); err != nil {
			return fmt.Errorf("failed to save fee %s: %w", f.Code, err)
		}
	}
	for _, r := range c.TuitionRates {
		if err := sink.SaveTuitionRate(ctx, r); err != nil {
			return fmt.Errorf("failed to save tuition rate %s: %w", r.ProgramID, err)
		}
	}
	if c.LateFeePolicy != nil {
		if err := sink.SaveLateFeePolicy(ctx, *c.LateFeePolicy); err != nil {
			return fmt.Errorf("failed to save late fee policy: %w", err)
		}
	}
	for _, s := range c.Scholarships {
		if err := sink.SaveScholarship(ctx, s); err != nil {
			return fmt.Errorf("failed to save scholarship %s: %w", s.Code, err)
		}
	}
	for _, st := range c.Students {
		if err := sink.SaveStudent(ctx, st); err != nil {
			return fmt.Errorf("failed to save student %s: %w", st.ID, err)
		}
	}
	for _, e := range c.Enrollments {
		if err := sink.SaveEnrollment(ctx, e); err != nil {
			return fmt.Errorf("failed to save enrollment %s: %w", e.ID, err)
		}
	}
	return nil
}
