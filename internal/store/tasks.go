package store

import (
	"context"
	"sort"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// TaskStore manages graded tasks.
type TaskStore struct {
	Repo[model.Task, *model.Task]
}

// Save inserts the task or overwrites the one with the same name, date and
// group. Saving the same task twice keeps one record and one id.
func (s *TaskStore) Save(ctx context.Context, t *model.Task) (UpsertResult, error) {
	if err := t.Validate(); err != nil {
		return UpsertResult{}, err
	}
	var res UpsertResult
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		var err error
		res, err = saveTask(tx, t)
		return err
	})
	return res, err
}

// SaveAll saves a batch of tasks in one transaction.
func (s *TaskStore) SaveAll(ctx context.Context, tasks []*model.Task) ([]UpsertResult, error) {
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	results := make([]UpsertResult, 0, len(tasks))
	err := update(ctx, s.db, func(tx *storage.Tx) error {
		results = results[:0]
		for _, t := range tasks {
			res, err := saveTask(tx, t)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

func saveTask(tx *storage.Tx, t *model.Task) (UpsertResult, error) {
	t.Name = strings.TrimSpace(t.Name)
	return upsert(tx, Tasks, storage.IndexNatural, []any{t.Name, t.Date, t.GroupName}, t, overrideAll[*model.Task])
}

// FindTask looks a task up by its natural key inside tx.
func FindTask(tx *storage.Tx, name, date, groupName string) (*model.Task, bool, error) {
	return Tasks.Find(tx, storage.IndexNatural, name, date, groupName)
}

// ListByGroup returns a group's tasks ordered by date, then name.
func (s *TaskStore) ListByGroup(ctx context.Context, groupName string) ([]*model.Task, error) {
	tasks, err := s.GetAllByIndex(ctx, "groupName", groupName)
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Date != tasks[j].Date {
			return tasks[i].Date < tasks[j].Date
		}
		return tasks[i].Name < tasks[j].Name
	})
}

// Delete removes a task together with its marks.
func (s *TaskStore) Delete(ctx context.Context, id int64) error {
	return update(ctx, s.db, func(tx *storage.Tx) error {
		marks, err := Marks.FindAll(tx, "taskId", id)
		if err != nil {
			return err
		}
		for _, m := range marks {
			if err := Marks.Delete(tx, m.ID); err != nil {
				return err
			}
		}
		return Tasks.Delete(tx, id)
	})
}
