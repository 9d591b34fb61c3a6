package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/warp/tuition-engine/generic"
)

// ScholarshipService administers the scholarship catalog and awards.
// Award and Revoke change a student's assessment, so they take the same
// per-student lock as the credit and late fee writers.
type ScholarshipService struct {
	Directory Directory
	Store     ScholarshipStore
	Events    Publisher
	Logger    *slog.Logger
	Locks     *generic.KeyedMutex
	Clock     generic.Clock
}

// Create validates and stores a scholarship. A missing ID is generated.
func (s *ScholarshipService) Create(ctx context.Context, sch Scholarship) (Scholarship, error) {
	sch.Code = strings.TrimSpace(sch.Code)
	sch.Name = strings.TrimSpace(sch.Name)
	if err := sch.Validate(); err != nil {
		return Scholarship{}, err
	}
	if sch.ID == "" {
		sch.ID = newID()
	}
	if err := s.Store.SaveScholarship(ctx, sch); err != nil {
		return Scholarship{}, fmt.Errorf("failed to save scholarship: %w", err)
	}
	return sch, nil
}

func (s *ScholarshipService) List(ctx context.Context, activeOnly bool) ([]Scholarship, error) {
	return s.Store.Scholarships(ctx, activeOnly)
}

// Award grants a scholarship for one term. Awarding the same scholarship
// for the same term twice returns generic.ErrAlreadyAwarded, whatever the
// status of the earlier award.
func (s *ScholarshipService) Award(ctx context.Context, id generic.StudentID, scholarshipID string, term generic.Term, notes string) (Award, error) {
	if err := term.Validate(); err != nil {
		return Award{}, err
	}
	if _, err := s.Directory.Student(ctx, id); err != nil {
		return Award{}, err
	}
	sch, err := s.Store.Scholarship(ctx, scholarshipID)
	if err != nil {
		return Award{}, err
	}
	if !sch.Active {
		return Award{}, fmt.Errorf("%w: scholarship %s is inactive", generic.ErrInvalidDiscount, sch.Code)
	}

	unlock := s.Locks.Lock(string(id))
	defer unlock()

	a := Award{
		ID:            newID(),
		StudentID:     id,
		ScholarshipID: sch.ID,
		Term:          term,
		Status:        AwardActive,
		AwardedAt:     clockOrSystem(s.Clock).Now().UTC(),
		Notes:         notes,
		Scholarship:   sch,
	}
	if err := s.Store.InsertAward(ctx, a); err != nil {
		return Award{}, err
	}

	loggerOrDefault(s.Logger).Info("scholarship awarded",
		"student_id", id, "term", term.String(), "scholarship", sch.Code, "award_id", a.ID)
	publish(ctx, s.Events, s.Logger, EventScholarshipAwarded, LedgerEvent{
		StudentID: id, Term: term.String(), Amount: sch.DiscountValue.String(), RecordID: a.ID, OccurredAt: a.AwardedAt,
	})
	return a, nil
}

// Revoke marks an award Revoked. It no longer contributes to any discount.
func (s *ScholarshipService) Revoke(ctx context.Context, awardID string) (Award, error) {
	a, err := s.Store.Award(ctx, awardID)
	if err != nil {
		return Award{}, err
	}

	unlock := s.Locks.Lock(string(a.StudentID))
	defer unlock()

	now := clockOrSystem(s.Clock).Now().UTC()
	if err := s.Store.SetAwardStatus(ctx, awardID, AwardRevoked, now); err != nil {
		return Award{}, fmt.Errorf("failed to revoke award: %w", err)
	}
	a.Status = AwardRevoked

	loggerOrDefault(s.Logger).Info("scholarship revoked",
		"student_id", a.StudentID, "term", a.Term.String(), "award_id", a.ID)
	publish(ctx, s.Events, s.Logger, EventScholarshipRevoked, LedgerEvent{
		StudentID: a.StudentID, Term: a.Term.String(), Amount: "0.00", RecordID: a.ID, OccurredAt: now,
	})
	return a, nil
}

// Awards lists a student's awards of every status.
func (s *ScholarshipService) Awards(ctx context.Context, id generic.StudentID) ([]Award, error) {
	if _, err := s.Directory.Student(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.Awards(ctx, id)
}
