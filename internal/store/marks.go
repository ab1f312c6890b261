package store

import (
	"context"
	"time"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// now is the clock used for record timestamps.
var now = func() time.Time { return time.Now().UTC() }

// MarkStore manages scores.
type MarkStore struct {
	Repo[model.Mark, *model.Mark]
}

// Save inserts the mark or updates the one for the same task and student.
//
// A stored mark that is synced with an external grading system keeps its
// score: a different incoming score is refused and reported as skipped.
// Updating a non-synced mark resets it to not synced. An identical score is
// a no-op and reported as unchanged.
func (s *MarkStore) Save(ctx context.Context, m *model.Mark) (UpsertResult, error) {
	if err := m.Validate(); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		if err := checkMarkRefs(tx, m); err != nil {
			return err
		}
		var err error
		res, err = saveMark(tx, m)
		return err
	})
	return res, err
}

// SaveAll saves a batch of marks in one transaction and tallies the
// outcomes.
func (s *MarkStore) SaveAll(ctx context.Context, marks []*model.Mark) (Tally, error) {
	for _, m := range marks {
		if err := m.Validate(); err != nil {
			return Tally{}, err
		}
	}
	var tally Tally
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		tally = Tally{}
		for _, m := range marks {
			if err := checkMarkRefs(tx, m); err != nil {
				return err
			}
			res, err := saveMark(tx, m)
			if err != nil {
				return err
			}
			tally.Add(res)
		}
		return nil
	})
	return tally, err
}

func checkMarkRefs(tx *storage.Tx, m *model.Mark) error {
	if _, err := Tasks.Get(tx, m.TaskID); err != nil {
		return err
	}
	_, err := Members.Get(tx, m.StudentID)
	return err
}

func saveMark(tx *storage.Tx, m *model.Mark) (UpsertResult, error) {
	stamp := now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = stamp
	}
	switch {
	case !m.Synced:
		m.SyncedAt = nil
	case m.SyncedAt == nil:
		m.SyncedAt = &stamp
	}
	return upsert(tx, Marks, storage.IndexNatural, []any{m.TaskID, m.StudentID}, m, guardMark)
}

// guardMark merges a candidate into a stored mark under the sync guard.
func guardMark(existing, candidate *model.Mark) (*model.Mark, bool) {
	if existing.Score == candidate.Score {
		return existing, false
	}
	if existing.Synced {
		return nil, true
	}
	out := *existing
	out.Score = candidate.Score
	out.Synced = false
	out.SyncedAt = nil
	return &out, false
}

// SetSynced marks a score as exchanged with the external grading system, or
// releases it. Releasing clears SyncedAt and lets later saves overwrite the
// score again.
func (s *MarkStore) SetSynced(ctx context.Context, id int64, synced bool) (*model.Mark, error) {
	var out *model.Mark
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		m, err := Marks.Get(tx, id)
		if err != nil {
			return err
		}
		out = m
		if synced {
			if m.Synced {
				return nil
			}
			stamp := now()
			m.Synced = true
			m.SyncedAt = &stamp
		} else {
			if !m.Synced && m.SyncedAt == nil {
				return nil
			}
			m.Synced = false
			m.SyncedAt = nil
		}
		return Marks.Put(tx, m)
	})
	return out, err
}

// ListByTask returns the marks of one task.
func (s *MarkStore) ListByTask(ctx context.Context, taskID int64) ([]*model.Mark, error) {
	return s.GetAllByIndex(ctx, "taskId", taskID)
}

// ListByStudent returns the marks of one member.
func (s *MarkStore) ListByStudent(ctx context.Context, studentID int64) ([]*model.Mark, error) {
	return s.GetAllByIndex(ctx, "studentId", studentID)
}
