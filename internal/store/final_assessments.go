package store

import (
	"context"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// FinalAssessmentStore manages final grades.
type FinalAssessmentStore struct {
	Repo[model.FinalAssessment, *model.FinalAssessment]
}

// Save inserts the assessment or updates the one for the same student and
// assessment type. The creation time of a stored assessment is kept.
func (s *FinalAssessmentStore) Save(ctx context.Context, f *model.FinalAssessment) (UpsertResult, error) {
	if err := f.Validate(); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		if _, err := Members.Get(tx, f.StudentID); err != nil {
			return err
		}
		f.AssessmentType = strings.TrimSpace(f.AssessmentType)
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now()
		}
		var err error
		res, err = upsert(tx, FinalAssessments, storage.IndexNatural,
			[]any{f.StudentID, f.AssessmentType}, f, mergeFinalAssessment)
		return err
	})
	return res, err
}

func mergeFinalAssessment(existing, candidate *model.FinalAssessment) (*model.FinalAssessment, bool) {
	out := *candidate
	out.CreatedAt = existing.CreatedAt
	if out.SyncedAt == nil {
		out.SyncedAt = existing.SyncedAt
	}
	if out.DocumentedAt == nil {
		out.DocumentedAt = existing.DocumentedAt
	}
	return &out, false
}

// ListByStudent returns a member's final assessments.
func (s *FinalAssessmentStore) ListByStudent(ctx context.Context, studentID int64) ([]*model.FinalAssessment, error) {
	return s.GetAllByIndex(ctx, "studentId", studentID)
}
