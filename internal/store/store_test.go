package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

type fixedConn struct {
	conn *storage.Conn
}

func (f fixedConn) Connection(context.Context) (*storage.Conn, error) {
	return f.conn, nil
}

func newTestStores(t *testing.T) (*Stores, *storage.Conn) {
	t.Helper()
	conn, err := storage.Open(filepath.Join(t.TempDir(), "ws.db"), storage.OpenOptions{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(fixedConn{conn}), conn
}

func mustSaveMember(t *testing.T, s *Stores, m *model.Member) int64 {
	t.Helper()
	res, err := s.Members.Save(context.Background(), m)
	if err != nil {
		t.Fatalf("Members.Save(%s) error = %v", m.Name, err)
	}
	return res.ID
}

func mustSaveTask(t *testing.T, s *Stores, task *model.Task) int64 {
	t.Helper()
	res, err := s.Tasks.Save(context.Background(), task)
	if err != nil {
		t.Fatalf("Tasks.Save(%s) error = %v", task.Name, err)
	}
	return res.ID
}

func TestTaskSave_SameNaturalKeyKeepsOneRecord(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	first, err := s.Tasks.Save(ctx, &model.Task{Name: "Lab 1", Date: "2024-09-02", GroupName: "KH-41", MaxPoints: 10})
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsNew {
		t.Error("first save IsNew = false, want true")
	}

	second, err := s.Tasks.Save(ctx, &model.Task{Name: "Lab 1", Date: "2024-09-02", GroupName: "KH-41", MaxPoints: 10})
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew || second.ID != first.ID {
		t.Errorf("second save = %+v, want IsNew=false ID=%d", second, first.ID)
	}
	if second.Outcome() != OutcomeUnchanged {
		t.Errorf("Outcome() = %v, want unchanged", second.Outcome())
	}

	third, err := s.Tasks.Save(ctx, &model.Task{Name: "Lab 1", Date: "2024-09-02", GroupName: "KH-41", MaxPoints: 12})
	if err != nil {
		t.Fatal(err)
	}
	if !third.Updated || third.ID != first.ID {
		t.Errorf("third save = %+v, want Updated with ID %d", third, first.ID)
	}

	if n, _ := s.Tasks.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	got, err := s.Tasks.GetByID(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxPoints != 12 {
		t.Errorf("MaxPoints = %v, want 12", got.MaxPoints)
	}
}

func TestMarkSave_SyncGuard(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()
	taskID := mustSaveTask(t, s, &model.Task{Name: "Lab", Date: "2024-09-02", GroupName: "KH-41"})
	studentID := mustSaveMember(t, s, &model.Member{Name: "Alice", GroupName: "KH-41"})

	first, err := s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: studentID, Score: 10, Synced: true})
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome() != OutcomeCreated {
		t.Errorf("first Outcome() = %v, want created", first.Outcome())
	}

	res, err := s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: studentID, Score: 20})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome() != OutcomeSkipped || res.Updated || res.IsNew {
		t.Errorf("guarded save = %+v, want skipped only", res)
	}
	stored, _ := s.Marks.GetByID(ctx, first.ID)
	if stored.Score != 10 || !stored.Synced || stored.SyncedAt == nil {
		t.Errorf("stored mark = %+v, want score 10 still synced", stored)
	}

	// Releasing the guard lets the new score through and clears SyncedAt.
	released, err := s.Marks.SetSynced(ctx, first.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if released.Synced || released.SyncedAt != nil {
		t.Errorf("SetSynced(false) = %+v, want synced cleared", released)
	}
	res, err = s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: studentID, Score: 20})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome() != OutcomeUpdated || res.ID != first.ID {
		t.Errorf("save after release = %+v, want updated", res)
	}
	stored, _ = s.Marks.GetByID(ctx, first.ID)
	if stored.Score != 20 || stored.Synced {
		t.Errorf("stored mark = %+v, want score 20 not synced", stored)
	}
}

func TestMarkSave_UnchangedScoreIsNoOp(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()
	taskID := mustSaveTask(t, s, &model.Task{Name: "Lab", Date: "2024-09-02", GroupName: "KH-41"})
	studentID := mustSaveMember(t, s, &model.Member{Name: "Alice"})

	s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: studentID, Score: 7})
	res, err := s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: studentID, Score: 7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome() != OutcomeUnchanged {
		t.Errorf("Outcome() = %v, want unchanged", res.Outcome())
	}
}

func TestMarkSaveAll_Tally(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()
	lab := mustSaveTask(t, s, &model.Task{Name: "Lab", Date: "2024-09-02", GroupName: "KH-41"})
	quiz := mustSaveTask(t, s, &model.Task{Name: "Quiz", Date: "2024-09-03", GroupName: "KH-41"})
	alice := mustSaveMember(t, s, &model.Member{Name: "Alice"})
	bob := mustSaveMember(t, s, &model.Member{Name: "Bob"})

	s.Marks.Save(ctx, &model.Mark{TaskID: lab, StudentID: alice, Score: 5, Synced: true})
	s.Marks.Save(ctx, &model.Mark{TaskID: lab, StudentID: bob, Score: 5})

	tally, err := s.Marks.SaveAll(ctx, []*model.Mark{
		{TaskID: lab, StudentID: alice, Score: 6},  // synced: skipped
		{TaskID: lab, StudentID: bob, Score: 6},    // updated
		{TaskID: quiz, StudentID: alice, Score: 9}, // created
	})
	if err != nil {
		t.Fatal(err)
	}
	want := Tally{Created: 1, Updated: 1, Skipped: 1}
	if tally != want {
		t.Errorf("SaveAll() tally = %+v, want %+v", tally, want)
	}
}

func TestMarkSave_UnknownReferences(t *testing.T) {
	s, _ := newTestStores(t)

	_, err := s.Marks.Save(context.Background(), &model.Mark{TaskID: 99, StudentID: 1, Score: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Save() error = %v, want ErrNotFound", err)
	}
}

func TestGroupMeetSync(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	if _, err := s.Groups.Save(ctx, &model.Group{Name: "KH-41", MeetID: "m1"}); err != nil {
		t.Fatal(err)
	}
	res, err := s.Meets.Save(ctx, &model.Meet{
		MeetID:       "m1",
		Date:         "2024-09-02",
		Participants: []model.Participant{{Name: "Alice", Duration: 45}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.MembersCreated != 1 {
		t.Errorf("MembersCreated = %d, want 1", res.MembersCreated)
	}

	alice, found, err := s.Members.FindByNameOrAlias(ctx, "Alice")
	if err != nil || !found {
		t.Fatalf("Alice not created: found=%v err=%v", found, err)
	}
	if alice.GroupName != "KH-41" || alice.Role != model.RoleStudent {
		t.Errorf("Alice = %+v, want student of KH-41", alice)
	}

	group, _, _ := s.Groups.GetByName(ctx, "KH-41")
	if group.Course != 4 {
		t.Errorf("Course = %d, want 4", group.Course)
	}
}

func TestGroupSave_SyncsEarlierMeets(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	if err := s.Settings.SetIgnoredUsers(ctx, []string{"Recorder Bot"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Settings.SetTeachers(ctx, []string{"Dr. Smith"}); err != nil {
		t.Fatal(err)
	}
	mustSaveMember(t, s, &model.Member{Name: "Bob Old", Aliases: []string{"Bob"}})

	s.Meets.Save(ctx, &model.Meet{MeetID: "m2", Date: "2024-09-01", Participants: []model.Participant{
		{Name: "Carol"}, {Name: "Bob"}, {Name: "Recorder Bot"}, {Name: "Dr. Smith"},
	}})

	res, err := s.Groups.Save(ctx, &model.Group{Name: "PZ-21", MeetID: "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if res.MembersCreated != 2 {
		t.Errorf("MembersCreated = %d, want 2 (Carol, Dr. Smith)", res.MembersCreated)
	}

	members, _ := s.Members.GetAll(ctx)
	byName := map[string]*model.Member{}
	for _, m := range members {
		byName[m.Name] = m
	}
	if _, ok := byName["Recorder Bot"]; ok {
		t.Error("ignored user became a member")
	}
	if m := byName["Dr. Smith"]; m == nil || m.Role != model.RoleTeacher || m.GroupName != "" {
		t.Errorf("Dr. Smith = %+v, want teacher without group", m)
	}
	if m := byName["Bob Old"]; m == nil || m.GroupName != "PZ-21" {
		t.Errorf("Bob Old = %+v, want matched by alias and assigned to PZ-21", m)
	}
	if m := byName["Carol"]; m == nil || m.GroupName != "PZ-21" {
		t.Errorf("Carol = %+v, want student of PZ-21", m)
	}
}

func TestGroupAdd_DuplicateNameIsConstraintError(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	if _, err := s.Groups.Add(ctx, &model.Group{Name: "KH-41"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Groups.Add(ctx, &model.Group{Name: "KH-41"})
	var ce *storage.ConstraintError
	if !errors.As(err, &ce) || ce.Index != "name" {
		t.Errorf("Add(duplicate) error = %v, want ConstraintError on name", err)
	}
}

func TestMemberSave_Merge(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	id := mustSaveMember(t, s, &model.Member{Name: "Alice", Email: "a@x.org", Aliases: []string{"Ali"}, Hidden: true})
	res, err := s.Members.Save(ctx, &model.Member{Name: "Alice", GroupName: "KH-41", Aliases: []string{"Ali", "A. Smith"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ID != id || !res.Updated {
		t.Errorf("Save() = %+v, want update of %d", res, id)
	}

	got, _ := s.Members.GetByID(ctx, id)
	if got.Email != "a@x.org" || got.GroupName != "KH-41" {
		t.Errorf("merged member = %+v", got)
	}
	if len(got.Aliases) != 2 {
		t.Errorf("Aliases = %v, want [Ali A. Smith]", got.Aliases)
	}
	if !got.Hidden {
		t.Error("save unhid a hidden member")
	}

	visible, _ := s.Members.ListVisible(ctx)
	if len(visible) != 0 {
		t.Errorf("ListVisible() = %d members, want 0", len(visible))
	}
	if _, err := s.Members.SetHidden(ctx, id, false); err != nil {
		t.Fatal(err)
	}
	visible, _ = s.Members.ListVisible(ctx)
	if len(visible) != 1 {
		t.Errorf("ListVisible() after unhide = %d members, want 1", len(visible))
	}
}

func TestMemberRenameAndAliases(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	id := mustSaveMember(t, s, &model.Member{Name: "Olena Koval"})
	mustSaveMember(t, s, &model.Member{Name: "Ivan"})

	if _, err := s.Members.Rename(ctx, id, "Olena Shevchenko"); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	m, found, err := s.Members.FindByNameOrAlias(ctx, "Olena Koval")
	if err != nil || !found || m.ID != id {
		t.Errorf("FindByNameOrAlias(old name) = %+v, %v, %v", m, found, err)
	}

	if _, err := s.Members.AddAlias(ctx, id, "Ivan"); !errors.Is(err, ErrAliasConflict) {
		t.Errorf("AddAlias(other member's name) error = %v, want ErrAliasConflict", err)
	}
	if _, err := s.Members.Rename(ctx, id, "Ivan"); !errors.Is(err, storage.ErrConstraint) {
		t.Errorf("Rename(taken) error = %v, want ErrConstraint", err)
	}
}

func TestSetTeachers_ResyncsRoles(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	smith := mustSaveMember(t, s, &model.Member{Name: "Dr. Smith"})
	mustSaveMember(t, s, &model.Member{Name: "Alice"})

	changed, err := s.Settings.SetTeachers(ctx, []string{"dr. smith"})
	if err != nil {
		t.Fatal(err)
	}
	if changed != 1 {
		t.Errorf("SetTeachers() changed = %d, want 1", changed)
	}
	got, _ := s.Members.GetByID(ctx, smith)
	if got.Role != model.RoleTeacher {
		t.Errorf("Role = %q, want teacher", got.Role)
	}

	changed, _ = s.Settings.SetTeachers(ctx, nil)
	if changed != 1 {
		t.Errorf("SetTeachers(nil) changed = %d, want 1", changed)
	}
	teachers, _ := s.Settings.Teachers(ctx)
	if teachers == nil || len(teachers) != 0 {
		t.Errorf("Teachers() = %v, want empty list", teachers)
	}
}

func TestSettings_CorruptValueFallsBack(t *testing.T) {
	s, conn := newTestStores(t)
	ctx := context.Background()

	err := conn.Update(ctx, func(tx *storage.Tx) error {
		st, err := tx.Store(storage.StoreSettings)
		if err != nil {
			return err
		}
		if err := st.Put(storage.StringKey(SettingDurationLimit), []byte(`{"key":"durationLimit","value":"forty"}`)); err != nil {
			return err
		}
		return st.Put(storage.StringKey(SettingIgnoredUsers), []byte(`{"key":"ignoredUsers","value":{"bad":true}}`))
	})
	if err != nil {
		t.Fatal(err)
	}

	all, err := s.Settings.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if all.DurationLimit != 0 {
		t.Errorf("DurationLimit = %d, want 0", all.DurationLimit)
	}
	if all.IgnoredUsers == nil || len(all.IgnoredUsers) != 0 {
		t.Errorf("IgnoredUsers = %v, want empty list", all.IgnoredUsers)
	}
	if all.DefaultTeacher != nil {
		t.Errorf("DefaultTeacher = %v, want nil", *all.DefaultTeacher)
	}
}

func TestApplyDurationLimitToAll(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	s.Meets.Save(ctx, &model.Meet{MeetID: "a", Date: "2024-09-01", Participants: []model.Participant{{Name: "X", Duration: 120}, {Name: "Y", Duration: 30}}})
	s.Meets.Save(ctx, &model.Meet{MeetID: "a", Date: "2024-09-08", Participants: []model.Participant{{Name: "X", Duration: 50}}})
	s.Meets.Save(ctx, &model.Meet{MeetID: "b", Date: "2024-09-08", Participants: []model.Participant{{Name: "Z", Duration: 95}}})

	fixed, err := s.Meets.ApplyDurationLimitToAll(ctx, 90)
	if err != nil {
		t.Fatal(err)
	}
	if fixed != 2 {
		t.Errorf("ApplyDurationLimitToAll() = %d, want 2", fixed)
	}
	meets, _ := s.Meets.ListByMeetID(ctx, "a")
	if len(meets) != 2 {
		t.Fatalf("ListByMeetID(a) = %d meets, want 2", len(meets))
	}
	for _, m := range meets {
		for _, p := range m.Participants {
			if p.Duration > 90 {
				t.Errorf("%s still has duration %d", p.Name, p.Duration)
			}
		}
	}

	if fixed, _ := s.Meets.ApplyDurationLimitToAll(ctx, 0); fixed != 0 {
		t.Errorf("ApplyDurationLimitToAll(0) = %d, want 0", fixed)
	}
}

func TestTaskDelete_CascadesMarks(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()
	taskID := mustSaveTask(t, s, &model.Task{Name: "Lab", Date: "2024-09-02", GroupName: "KH-41"})
	other := mustSaveTask(t, s, &model.Task{Name: "Quiz", Date: "2024-09-02", GroupName: "KH-41"})
	alice := mustSaveMember(t, s, &model.Member{Name: "Alice"})
	s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: alice, Score: 1})
	s.Marks.Save(ctx, &model.Mark{TaskID: other, StudentID: alice, Score: 2})

	if err := s.Tasks.Delete(ctx, taskID); err != nil {
		t.Fatal(err)
	}
	marks, _ := s.Marks.GetAll(ctx)
	if len(marks) != 1 || marks[0].TaskID != other {
		t.Errorf("marks after delete = %+v, want only the quiz mark", marks)
	}
}

func TestListDetailed_ExcludesOrphans(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()
	taskID := mustSaveTask(t, s, &model.Task{Name: "Lab", Date: "2024-09-02", GroupName: "KH-41"})
	alice := mustSaveMember(t, s, &model.Member{Name: "Alice"})
	bob := mustSaveMember(t, s, &model.Member{Name: "Bob"})
	s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: alice, Score: 1})
	s.Marks.Save(ctx, &model.Mark{TaskID: taskID, StudentID: bob, Score: 2})

	if err := s.Members.Delete(ctx, bob); err != nil {
		t.Fatal(err)
	}
	details, err := s.Marks.ListDetailed(ctx)
	if err != nil {
		t.Fatalf("ListDetailed() error = %v", err)
	}
	if len(details) != 1 || details[0].Member.Name != "Alice" {
		t.Errorf("ListDetailed() = %+v, want only Alice's mark", details)
	}
}

func TestGradebookAndModuleEvaluate(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()

	lab1 := mustSaveTask(t, s, &model.Task{Name: "Lab 1", Date: "2024-09-02", GroupName: "KH-41"})
	lab2 := mustSaveTask(t, s, &model.Task{Name: "Lab 2", Date: "2024-09-09", GroupName: "KH-41"})
	test := mustSaveTask(t, s, &model.Task{Name: "Test", Date: "2024-09-16", GroupName: "KH-41"})
	alice := mustSaveMember(t, s, &model.Member{Name: "Alice", GroupName: "KH-41"})
	bob := mustSaveMember(t, s, &model.Member{Name: "Bob", GroupName: "KH-41"})

	s.Marks.SaveAll(ctx, []*model.Mark{
		{TaskID: lab1, StudentID: alice, Score: 10},
		{TaskID: lab2, StudentID: alice, Score: 8},
		{TaskID: test, StudentID: alice, Score: 40},
		{TaskID: lab1, StudentID: bob, Score: 5},
	})

	gb, err := s.Marks.Gradebook(ctx, "KH-41")
	if err != nil {
		t.Fatal(err)
	}
	if len(gb.Tasks) != 3 || gb.Tasks[0].ID != lab1 {
		t.Errorf("Gradebook tasks = %+v, want 3 ordered by date", gb.Tasks)
	}
	if len(gb.Rows) != 2 || gb.Rows[0].Member.Name != "Alice" || gb.Rows[0].Total != 58 {
		t.Errorf("Gradebook rows = %+v", gb.Rows)
	}

	modID, err := s.Modules.Add(ctx, &model.Module{
		GroupName:        "KH-41",
		Name:             "Module 1",
		Tasks:            []model.TaskRef{{Name: "Lab 1", Date: "2024-09-02"}, {Name: "Lab 2", Date: "2024-09-09"}},
		Test:             &model.TaskRef{Name: "Test", Date: "2024-09-16"},
		MinTasksRequired: 2,
		TasksCoefficient: 0.5,
		TestCoefficient:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	results, err := s.Modules.Evaluate(ctx, modID)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Evaluate() = %d results, want 2", len(results))
	}
	a, b := results[0], results[1]
	if !a.Admitted || a.Total != 49 || a.TestScore == nil {
		t.Errorf("Alice = %+v, want admitted with total 49", a)
	}
	if b.Admitted || b.TasksCompleted != 1 || b.TestScore != nil {
		t.Errorf("Bob = %+v, want not admitted with one task", b)
	}
}

func TestFinalAssessmentSave(t *testing.T) {
	s, _ := newTestStores(t)
	ctx := context.Background()
	alice := mustSaveMember(t, s, &model.Member{Name: "Alice"})

	first, err := s.FinalAssessments.Save(ctx, &model.FinalAssessment{StudentID: alice, AssessmentType: "exam", Grade: 80, IsAutomatic: true})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.FinalAssessments.Save(ctx, &model.FinalAssessment{StudentID: alice, AssessmentType: "exam", Grade: 85})
	if err != nil {
		t.Fatal(err)
	}
	if second.IsNew || !second.Updated || second.ID != first.ID {
		t.Errorf("second save = %+v, want update of %d", second, first.ID)
	}
	list, _ := s.FinalAssessments.ListByStudent(ctx, alice)
	if len(list) != 1 || list[0].Grade != 85 || list[0].IsAutomatic {
		t.Errorf("ListByStudent() = %+v", list)
	}
}
