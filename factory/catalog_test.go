package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
	"github.com/warp/tuition-engine/store/sqlite"
)

const catalogDoc = `{
  "fees": [
    {"code": "tuition", "description": "Tuition per unit", "type": "per_unit", "amount": 850},
    {"code": "REG", "description": "Registration", "type": "fixed", "amount": "1500.00"},
    {"code": "LAB", "description": "Laboratory", "type": "fixed", "amount": "1800"}
  ],
  "tuition_rates": [
    {"program_id": "BSCS", "tuition_per_unit": "1000", "lab_fee": "1000", "effective_date": "2025-06-01"}
  ],
  "late_fee_policy": {
    "fee_type": "fixed", "fee_value": "250", "grace_period_days": 14,
    "max_penalty_percent": "10", "apply_per": "week"
  },
  "scholarships": [
    {"code": "ACAD50", "name": "Academic Scholar", "discount_type": "percentage", "discount_value": "50", "applies_to": "tuition"}
  ],
  "students": [
    {"id": "2025-0001", "name": "Ana Reyes", "program_id": "BSCS",
     "enrollments": [
       {"term": "2025-2026/1", "curriculum_id": "CS101", "units": "3", "enrolled_at": "2025-08-01"},
       {"term": "2025-2026/1", "curriculum_id": "CS102", "units": 3, "status": "Dropped", "enrolled_at": "2025-08-01T09:00:00+08:00"}
     ]}
  ]
}`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(catalogDoc))
	require.NoError(t, err)

	require.Len(t, c.Fees, 3)
	assert.Equal(t, billing.FeeCodeTuition, c.Fees[0].Code)
	assert.Equal(t, "850.00", c.Fees[0].Amount.String())

	require.Len(t, c.TuitionRates, 1)
	assert.Equal(t, generic.Date(2025, 6, 1), c.TuitionRates[0].EffectiveDate)
	assert.True(t, c.TuitionRates[0].Active)

	require.NotNil(t, c.LateFeePolicy)
	assert.Equal(t, billing.ApplyPerWeek, c.LateFeePolicy.ApplyPer)
	assert.Equal(t, 14, c.LateFeePolicy.GracePeriodDays)

	require.Len(t, c.Scholarships, 1)
	assert.NotEmpty(t, c.Scholarships[0].ID)

	require.Len(t, c.Enrollments, 2)
	assert.Equal(t, billing.EnrollmentEnrolled, c.Enrollments[0].Status)
	assert.Equal(t, billing.EnrollmentDropped, c.Enrollments[1].Status)
	assert.Equal(t, 1, c.Enrollments[1].EnrolledAt.Hour()) // 09:00 +08:00 in UTC
	assert.NotEqual(t, c.Enrollments[0].ID, c.Enrollments[1].ID)
}

func TestParseCatalog_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "malformed", doc: `{"fees": [`},
		{name: "unknown fee type", doc: `{"fees": [{"code": "X", "type": "monthly", "amount": 1}]}`},
		{name: "negative fee", doc: `{"fees": [{"code": "X", "type": "fixed", "amount": -1}]}`},
		{name: "bad date", doc: `{"tuition_rates": [{"program_id": "P", "effective_date": "06/01/2025"}]}`},
		{name: "bad apply_per", doc: `{"late_fee_policy": {"fee_type": "fixed", "apply_per": "day"}}`},
		{name: "percentage over 100", doc: `{"scholarships": [{"code": "A", "name": "A", "discount_type": "percentage", "discount_value": 120, "applies_to": "all"}]}`},
		{name: "bad term", doc: `{"students": [{"id": "s", "name": "S", "enrollments": [{"term": "2025/1", "enrolled_at": "2025-08-01"}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestCatalog_ApplyIsRepeatable(t *testing.T) {
	// GIVEN: A parsed catalog and an empty store
	// WHEN: Applying it twice
	// THEN: The store holds one copy and the engine uses the program rate
	ctx := context.Background()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 2; i++ {
		c, err := ParseCatalog([]byte(catalogDoc))
		require.NoError(t, err)
		require.NoError(t, c.Apply(ctx, store))
	}

	scholarships, err := store.Scholarships(ctx, false)
	require.NoError(t, err)
	assert.Len(t, scholarships, 1)
	rates, err := store.TuitionRates(ctx, "BSCS")
	require.NoError(t, err)
	assert.Len(t, rates, 1)

	svc := billing.NewServices(store, billing.Options{})
	a, err := svc.Engine.Assessment(ctx, "2025-0001", generic.MustTerm("2025-2026", 1))
	require.NoError(t, err)
	// 3 units × 1000 + REG 1500 + program lab 1000
	assert.Equal(t, "5500.00", a.Net.String())
}
