package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/tuition-engine/billing"
	"github.com/warp/tuition-engine/generic"
)

func TestScholarshipService_AwardOncePerTerm(t *testing.T) {
	// GIVEN: A scholarship awarded for term1
	// WHEN: Awarding it again, before and after revoking the first award
	// THEN: Both attempts are rejected; a different term is fine
	h := newHarness(t)
	id := h.student("s1")
	s := h.scholarship("ACAD50", billing.DiscountPercentage, 50, billing.AppliesToTuition)

	award, err := h.svc.Scholarships.Award(h.ctx, id, s.ID, term1, "")
	require.NoError(t, err)
	assert.Equal(t, billing.AwardActive, award.Status)

	_, err = h.svc.Scholarships.Award(h.ctx, id, s.ID, term1, "")
	assert.ErrorIs(t, err, generic.ErrAlreadyAwarded)

	_, err = h.svc.Scholarships.Revoke(h.ctx, award.ID)
	require.NoError(t, err)
	_, err = h.svc.Scholarships.Award(h.ctx, id, s.ID, term1, "")
	assert.ErrorIs(t, err, generic.ErrAlreadyAwarded)

	_, err = h.svc.Scholarships.Award(h.ctx, id, s.ID, term2, "")
	assert.NoError(t, err)

	awards, err := h.svc.Scholarships.Awards(h.ctx, id)
	require.NoError(t, err)
	assert.Len(t, awards, 2)
}

func TestScholarshipService_RevokeRemovesDiscount(t *testing.T) {
	h := newHarness(t).withScenarioCatalog()
	id := h.student("s1")
	h.enroll(id, term1, 15, billing.EnrollmentEnrolled, enrolledAt)
	s := h.scholarship("ACAD50", billing.DiscountPercentage, 50, billing.AppliesToTuition)
	award, err := h.svc.Scholarships.Award(h.ctx, id, s.ID, term1, "")
	require.NoError(t, err)

	revoked, err := h.svc.Scholarships.Revoke(h.ctx, award.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.AwardRevoked, revoked.Status)

	a, err := h.svc.Engine.Assessment(h.ctx, id, term1)
	require.NoError(t, err)
	assertMoney(t, "18000", a.Net)
	assert.Equal(t, []string{billing.EventScholarshipAwarded, billing.EventScholarshipRevoked}, h.events.RoutingKeys())
}

func TestScholarshipService_InactiveCannotBeAwarded(t *testing.T) {
	h := newHarness(t)
	id := h.student("s1")
	s, err := h.svc.Scholarships.Create(h.ctx, billing.Scholarship{
		Code: "OLD", Name: "Retired grant", DiscountType: billing.DiscountFixed, AppliesTo: billing.AppliesToAll, Active: false,
	})
	require.NoError(t, err)

	_, err = h.svc.Scholarships.Award(h.ctx, id, s.ID, term1, "")
	assert.ErrorIs(t, err, generic.ErrInvalidDiscount)

	active, err := h.svc.Scholarships.List(h.ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := h.svc.Scholarships.List(h.ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestScholarshipService_Errors(t *testing.T) {
	h := newHarness(t)
	id := h.student("s1")

	_, err := h.svc.Scholarships.Create(h.ctx, billing.Scholarship{
		Code: "BAD", Name: "Too generous", DiscountType: billing.DiscountPercentage, AppliesTo: billing.AppliesToAll,
		DiscountValue: money("150").Value, Active: true,
	})
	assert.ErrorIs(t, err, generic.ErrInvalidDiscount)

	_, err = h.svc.Scholarships.Award(h.ctx, id, "missing", term1, "")
	assert.ErrorIs(t, err, generic.ErrScholarshipNotFound)

	_, err = h.svc.Scholarships.Revoke(h.ctx, "missing")
	assert.True(t, generic.IsNotFound(err))
}

func TestScholarshipService_WaitsForStudentLock(t *testing.T) {
	// GIVEN: Another writer holding the student's lock
	// WHEN: Awarding and then revoking a scholarship for that student
	// THEN: Each call blocks until the lock is released
	h := newHarness(t)
	id := h.student("s1")
	s := h.scholarship("ACAD50", billing.DiscountPercentage, 50, billing.AppliesToTuition)

	unlock := h.svc.Locks.Lock(string(id))
	awarded := make(chan billing.Award, 1)
	go func() {
		a, err := h.svc.Scholarships.Award(h.ctx, id, s.ID, term1, "")
		assert.NoError(t, err)
		awarded <- a
	}()
	select {
	case <-awarded:
		t.Fatal("award ran while the student was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	var award billing.Award
	select {
	case award = <-awarded:
	case <-time.After(time.Second):
		t.Fatal("award did not finish after unlock")
	}

	unlock = h.svc.Locks.Lock(string(id))
	revoked := make(chan struct{})
	go func() {
		_, err := h.svc.Scholarships.Revoke(h.ctx, award.ID)
		assert.NoError(t, err)
		close(revoked)
	}()
	select {
	case <-revoked:
		t.Fatal("revoke ran while the student was locked")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case <-revoked:
	case <-time.After(time.Second):
		t.Fatal("revoke did not finish after unlock")
	}
}
