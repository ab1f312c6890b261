package store

import (
	"context"
	"sort"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

// MarkDetail is a mark joined with its task and member.
type MarkDetail struct {
	Mark   *model.Mark   `json:"mark"`
	Task   *model.Task   `json:"task"`
	Member *model.Member `json:"member"`
}

// ListDetailed returns every mark whose task and member both exist. Marks
// pointing at a deleted task or member are left out.
func (s *MarkStore) ListDetailed(ctx context.Context) ([]MarkDetail, error) {
	var out []MarkDetail
	err := view(ctx, s.db, func(tx *storage.Tx) error {
		marks, err := Marks.All(tx)
		if err != nil {
			return err
		}
		tasks, err := tasksByID(tx)
		if err != nil {
			return err
		}
		members, err := membersByID(tx)
		if err != nil {
			return err
		}
		out = make([]MarkDetail, 0, len(marks))
		for _, m := range marks {
			t, ok := tasks[m.TaskID]
			if !ok {
				continue
			}
			mem, ok := members[m.StudentID]
			if !ok {
				continue
			}
			out = append(out, MarkDetail{Mark: m, Task: t, Member: mem})
		}
		return nil
	})
	return out, err
}

func tasksByID(tx *storage.Tx) (map[int64]*model.Task, error) {
	all, err := Tasks.All(tx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*model.Task, len(all))
	for _, t := range all {
		out[t.ID] = t
	}
	return out, nil
}

func membersByID(tx *storage.Tx) (map[int64]*model.Member, error) {
	all, err := Members.All(tx)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]*model.Member, len(all))
	for _, m := range all {
		out[m.ID] = m
	}
	return out, nil
}

// GradebookRow is one student's scores keyed by task id.
type GradebookRow struct {
	Member *model.Member     `json:"member"`
	Scores map[int64]float64 `json:"scores"`
	Total  float64           `json:"total"`
}

// Gradebook is the score table of one group.
type Gradebook struct {
	Group string         `json:"group"`
	Tasks []*model.Task  `json:"tasks"`
	Rows  []GradebookRow `json:"rows"`
}

// Gradebook builds the score table of a group: its tasks by date and its
// visible students by name. Marks of other members are not shown.
func (s *MarkStore) Gradebook(ctx context.Context, groupName string) (*Gradebook, error) {
	gb := &Gradebook{Group: groupName}
	err := view(ctx, s.db, func(tx *storage.Tx) error {
		tasks, err := Tasks.FindAll(tx, "groupName", groupName)
		if err != nil {
			return err
		}
		sortTasks(tasks)
		gb.Tasks = tasks

		members, err := Members.FindAll(tx, "groupName", groupName)
		if err != nil {
			return err
		}
		sort.SliceStable(members, func(i, j int) bool { return members[i].Name < members[j].Name })

		gb.Rows = make([]GradebookRow, 0, len(members))
		for _, mem := range members {
			if mem.Hidden || mem.Role != model.RoleStudent {
				continue
			}
			row := GradebookRow{Member: mem, Scores: make(map[int64]float64)}
			for _, t := range tasks {
				mark, found, err := Marks.Find(tx, storage.IndexNatural, t.ID, mem.ID)
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				row.Scores[t.ID] = mark.Score
				row.Total += mark.Score
			}
			gb.Rows = append(gb.Rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gb, nil
}
