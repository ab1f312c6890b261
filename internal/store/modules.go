package store

import (
	"context"
	"sort"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// ModuleStore manages assessment modules.
type ModuleStore struct {
	Repo[model.Module, *model.Module]
}

// ListByGroup returns the modules of a group.
func (s *ModuleStore) ListByGroup(ctx context.Context, groupName string) ([]*model.Module, error) {
	return s.GetAllByIndex(ctx, "groupName", groupName)
}

// ModuleResult is one student's standing in a module.
type ModuleResult struct {
	StudentID      int64    `json:"studentId"`
	StudentName    string   `json:"studentName"`
	TasksCompleted int      `json:"tasksCompleted"`
	TasksScore     float64  `json:"tasksScore"`
	TestScore      *float64 `json:"testScore,omitempty"`
	Admitted       bool     `json:"admitted"`
	Total          float64  `json:"total"`
}

// Evaluate scores every visible student of the module's group. Task refs
// that no longer resolve to a task are ignored. A student is admitted once
// marks exist for at least MinTasksRequired tasks; Total weighs the task sum
// and the test score by their coefficients.
func (s *ModuleStore) Evaluate(ctx context.Context, moduleID int64) ([]ModuleResult, error) {
	var out []ModuleResult
	err := view(ctx, s.db, func(tx *storage.Tx) error {
		mod, err := Modules.Get(tx, moduleID)
		if err != nil {
			return err
		}

		var taskIDs []int64
		for _, ref := range mod.Tasks {
			t, found, err := FindTask(tx, ref.Name, ref.Date, mod.GroupName)
			if err != nil {
				return err
			}
			if found {
				taskIDs = append(taskIDs, t.ID)
			}
		}
		var testID int64
		if mod.Test != nil {
			t, found, err := FindTask(tx, mod.Test.Name, mod.Test.Date, mod.GroupName)
			if err != nil {
				return err
			}
			if found {
				testID = t.ID
			}
		}

		members, err := Members.FindAll(tx, "groupName", mod.GroupName)
		if err != nil {
			return err
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].Name < members[j].Name })

		out = make([]ModuleResult, 0, len(members))
		for _, mem := range members {
			if mem.Hidden || mem.Role != model.RoleStudent {
				continue
			}
			r := ModuleResult{StudentID: mem.ID, StudentName: mem.Name}
			for _, id := range taskIDs {
				mark, found, err := Marks.Find(tx, storage.IndexNatural, id, mem.ID)
				if err != nil {
					return err
				}
				if found {
					r.TasksCompleted++
					r.TasksScore += mark.Score
				}
			}
			if testID != 0 {
				mark, found, err := Marks.Find(tx, storage.IndexNatural, testID, mem.ID)
				if err != nil {
					return err
				}
				if found {
					score := mark.Score
					r.TestScore = &score
				}
			}
			r.Admitted = r.TasksCompleted >= mod.MinTasksRequired
			r.Total = r.TasksScore * mod.TasksCoefficient
			if r.TestScore != nil {
				r.Total += *r.TestScore * mod.TestCoefficient
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
