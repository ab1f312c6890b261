package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/store"
)

// ImportReport counts what an import restored per object store.
type ImportReport struct {
	Kind   Kind                   `json:"kind"`
	Stores map[string]*store.Tally `json:"stores"`
}

func newReport(kind Kind) *ImportReport {
	return &ImportReport{Kind: kind, Stores: make(map[string]*store.Tally)}
}

func (r *ImportReport) tally(name string) *store.Tally {
	t, ok := r.Stores[name]
	if !ok {
		t = &store.Tally{}
		r.Stores[name] = t
	}
	return t
}

// readDataset loads the listed stores inside tx. Stores missing from a
// legacy database read as empty.
func readDataset(tx *storage.Tx, stores []string, settings, exam bool) (*Dataset, error) {
	d := &Dataset{}
	var err error
	for _, name := range stores {
		switch name {
		case storage.StoreMeets:
			d.Meets, err = readAll(tx, store.Meets)
		case storage.StoreGroups:
			d.Groups, err = readAll(tx, store.Groups)
		case storage.StoreTasks:
			d.Tasks, err = readAll(tx, store.Tasks)
		case storage.StoreMarks:
			d.Marks, err = readAll(tx, store.Marks)
		case storage.StoreMembers:
			d.Members, err = readAll(tx, store.Members)
		case storage.StoreFinalAssessments:
			d.FinalAssessments, err = readAll(tx, store.FinalAssessments)
		case storage.StoreModules:
			d.Modules, err = readAll(tx, store.Modules)
		}
		if err != nil {
			return nil, err
		}
	}
	if settings || exam {
		s := store.LoadSettings(tx)
		if settings {
			d.Settings = &s
		}
		d.ExamSettings = s.ExamSettings
	}
	return d, nil
}

func readAll[T any, P interface {
	*T
	model.Entity
}](tx *storage.Tx, t store.Table[T, P]) ([]P, error) {
	out, err := t.All(tx)
	if errors.Is(err, storage.ErrStoreNotFound) {
		return []P{}, nil
	}
	return out, err
}

// idMap records where an incoming id landed in the destination.
type idMap map[int64]int64

// restorer replays a Dataset into one database. Each entity family is
// written in its own transaction.
type restorer struct {
	report *ImportReport

	// Destination ids by natural key, captured before the stores were
	// cleared, so records that already existed keep their ids.
	priorTasks   map[string]int64
	priorMembers map[string]int64

	taskIDs   idMap
	memberIDs idMap
}

// restore clears the scoped stores in one transaction and then restores
// every family the dataset carries.
func restore(ctx context.Context, conn *storage.Conn, f Format, d *Dataset) (*ImportReport, error) {
	r := &restorer{
		report:       newReport(f.Kind),
		priorTasks:   make(map[string]int64),
		priorMembers: make(map[string]int64),
		taskIDs:      make(idMap),
		memberIDs:    make(idMap),
	}

	err := conn.Update(ctx, func(tx *storage.Tx) error {
		if slices.Contains(f.Stores, storage.StoreTasks) {
			tasks, err := store.Tasks.All(tx)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				r.priorTasks[taskKey(t)] = t.ID
			}
		}
		if slices.Contains(f.Stores, storage.StoreMembers) {
			members, err := store.Members.All(tx)
			if err != nil {
				return err
			}
			for _, m := range members {
				r.priorMembers[m.Name] = m.ID
			}
		}
		for _, name := range f.Stores {
			st, err := tx.Store(name)
			if err != nil {
				return err
			}
			if err := st.Clear(); err != nil {
				return fmt.Errorf("clear %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear stores: %w", err)
	}

	steps := []struct {
		store string
		run   func(*storage.Tx) error
	}{
		{storage.StoreSettings, func(tx *storage.Tx) error { return r.settings(tx, f, d) }},
		{storage.StoreGroups, func(tx *storage.Tx) error { return r.groups(tx, d.Groups) }},
		{storage.StoreMeets, func(tx *storage.Tx) error { return r.meets(tx, d.Meets) }},
		{storage.StoreMembers, func(tx *storage.Tx) error { return r.members(tx, d.Members) }},
		{storage.StoreTasks, func(tx *storage.Tx) error { return r.tasks(tx, d.Tasks) }},
		{storage.StoreMarks, func(tx *storage.Tx) error { return r.marks(tx, d.Marks, f) }},
		{storage.StoreModules, func(tx *storage.Tx) error { return r.modules(tx, d.Modules) }},
		{storage.StoreFinalAssessments, func(tx *storage.Tx) error { return r.finalAssessments(tx, d.FinalAssessments, f) }},
	}
	for _, step := range steps {
		if step.store != storage.StoreSettings && !slices.Contains(f.Stores, step.store) {
			continue
		}
		if err := conn.Update(ctx, step.run); err != nil {
			return r.report, fmt.Errorf("restore %s: %w", step.store, err)
		}
	}
	return r.report, nil
}

func taskKey(t *model.Task) string {
	return t.Name + "\x00" + t.Date + "\x00" + t.GroupName
}

// skipConstraint turns a unique collision into a skipped record.
func (r *restorer) skipConstraint(storeName string, err error) error {
	if !errors.Is(err, storage.ErrConstraint) {
		return err
	}
	slog.Warn("backup record skipped", "store", storeName, "error", err)
	r.report.tally(storeName).Skipped++
	return nil
}

func (r *restorer) settings(tx *storage.Tx, f Format, d *Dataset) error {
	switch {
	case f.Settings && d.Settings != nil:
		return store.SaveSettings(tx, *d.Settings)
	case f.ExamSettings && len(d.ExamSettings) > 0:
		return store.WriteSetting(tx, store.SettingExamSettings, d.ExamSettings)
	}
	return nil
}

func (r *restorer) meets(tx *storage.Tx, meets []*model.Meet) error {
	tally := r.report.tally(storage.StoreMeets)
	for _, m := range meets {
		m.ID = 0
		if _, err := store.Meets.Insert(tx, m); err != nil {
			return err
		}
		tally.Created++
	}
	return nil
}

// groups restores groups by name. A course missing from an old export is
// derived from the name.
func (r *restorer) groups(tx *storage.Tx, groups []*model.Group) error {
	tally := r.report.tally(storage.StoreGroups)
	for _, g := range groups {
		g.ID = 0
		if g.Course == 0 {
			g.Course = storage.CourseFromName(g.Name)
		}
		existing, found, err := store.Groups.Find(tx, "name", g.Name)
		if err != nil {
			return err
		}
		if found {
			g.ID = existing.ID
			if err := store.Groups.Put(tx, g); err != nil {
				if err := r.skipConstraint(storage.StoreGroups, err); err != nil {
					return err
				}
				continue
			}
			tally.Updated++
			continue
		}
		if _, err := store.Groups.Insert(tx, g); err != nil {
			if err := r.skipConstraint(storage.StoreGroups, err); err != nil {
				return err
			}
			continue
		}
		tally.Created++
	}
	return nil
}

// members restores members by name. A member the destination knew before
// the import keeps its id; others get fresh ids.
func (r *restorer) members(tx *storage.Tx, members []*model.Member) error {
	tally := r.report.tally(storage.StoreMembers)
	for _, m := range members {
		oldID := m.ID
		m.Name = strings.TrimSpace(m.Name)

		existing, found, err := store.Members.Find(tx, "name", m.Name)
		if err != nil {
			return err
		}
		if found {
			r.memberIDs[oldID] = existing.ID
			tally.Unchanged++
			continue
		}

		if prior, ok := r.priorMembers[m.Name]; ok {
			m.ID = prior
			err = store.Members.Put(tx, m)
		} else {
			m.ID = 0
			_, err = store.Members.Insert(tx, m)
		}
		if err != nil {
			if err := r.skipConstraint(storage.StoreMembers, err); err != nil {
				return err
			}
			continue
		}
		r.memberIDs[oldID] = m.ID
		tally.Created++
	}
	return nil
}

// tasks restores tasks and records where each incoming id landed. A task
// whose natural key exists in the destination keeps the destination's id;
// any other task gets a fresh id from the store.
func (r *restorer) tasks(tx *storage.Tx, tasks []*model.Task) error {
	tally := r.report.tally(storage.StoreTasks)
	for _, t := range tasks {
		oldID := t.ID

		existing, found, err := store.FindTask(tx, t.Name, t.Date, t.GroupName)
		if err != nil {
			return err
		}
		if found {
			r.taskIDs[oldID] = existing.ID
			tally.Unchanged++
			continue
		}

		if prior, ok := r.priorTasks[taskKey(t)]; ok {
			t.ID = prior
			err = store.Tasks.Put(tx, t)
		} else {
			t.ID = 0
			_, err = store.Tasks.Insert(tx, t)
		}
		if err != nil {
			return err
		}
		r.taskIDs[oldID] = t.ID
		tally.Created++
	}
	return nil
}

// marks restores marks with taskId and studentId rewritten through the id
// maps. A mark whose task or member is not in the document is skipped.
// Without members in the document, studentIds are kept as they are.
func (r *restorer) marks(tx *storage.Tx, marks []*model.Mark, f Format) error {
	tally := r.report.tally(storage.StoreMarks)
	remapMembers := slices.Contains(f.Stores, storage.StoreMembers)
	for _, m := range marks {
		taskID, ok := r.taskIDs[m.TaskID]
		if !ok {
			tally.Skipped++
			continue
		}
		studentID := m.StudentID
		if remapMembers {
			if studentID, ok = r.memberIDs[m.StudentID]; !ok {
				tally.Skipped++
				continue
			}
		}
		m.ID = 0
		m.TaskID = taskID
		m.StudentID = studentID
		if !m.Synced {
			m.SyncedAt = nil
		}

		existing, found, err := store.Marks.Find(tx, storage.IndexNatural, taskID, studentID)
		if err != nil {
			return err
		}
		if found {
			m.ID = existing.ID
			if err := store.Marks.Put(tx, m); err != nil {
				return err
			}
			tally.Updated++
			continue
		}
		if _, err := store.Marks.Insert(tx, m); err != nil {
			return err
		}
		tally.Created++
	}
	return nil
}

func (r *restorer) modules(tx *storage.Tx, modules []*model.Module) error {
	tally := r.report.tally(storage.StoreModules)
	for _, m := range modules {
		m.ID = 0
		if _, err := store.Modules.Insert(tx, m); err != nil {
			return err
		}
		tally.Created++
	}
	return nil
}

// finalAssessments restores final grades by (student, type). studentIds are
// remapped when the document carries members.
func (r *restorer) finalAssessments(tx *storage.Tx, list []*model.FinalAssessment, f Format) error {
	tally := r.report.tally(storage.StoreFinalAssessments)
	remapMembers := slices.Contains(f.Stores, storage.StoreMembers)
	for _, fa := range list {
		if remapMembers {
			id, ok := r.memberIDs[fa.StudentID]
			if !ok {
				tally.Skipped++
				continue
			}
			fa.StudentID = id
		}
		fa.ID = 0

		existing, found, err := store.FinalAssessments.Find(tx, storage.IndexNatural, fa.StudentID, fa.AssessmentType)
		if err != nil {
			return err
		}
		if found {
			fa.ID = existing.ID
			if err := store.FinalAssessments.Put(tx, fa); err != nil {
				return err
			}
			tally.Updated++
			continue
		}
		if _, err := store.FinalAssessments.Insert(tx, fa); err != nil {
			return err
		}
		tally.Created++
	}
	return nil
}
