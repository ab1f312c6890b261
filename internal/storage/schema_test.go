package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

// legacySchema stops the upgrade at version v, reproducing a database
// written by an older build.
func legacySchema(v int) *Schema {
	var steps []Migration
	for _, m := range Migrations() {
		if m.Version <= v {
			steps = append(steps, m)
		}
	}
	return &Schema{Version: v, Migrations: steps}
}

func TestUpgrade_FreshDatabase(t *testing.T) {
	conn := openTestConn(t)

	if conn.Version() != CurrentVersion {
		t.Errorf("Version() = %d, want %d", conn.Version(), CurrentVersion)
	}

	err := conn.View(context.Background(), func(tx *Tx) error {
		names := tx.StoreNames()
		want := map[string]bool{}
		for _, n := range StoreNames() {
			want[n] = true
		}
		if len(names) != len(want) {
			t.Errorf("StoreNames() = %v, want %d stores", names, len(want))
		}
		for _, n := range names {
			if !want[n] {
				t.Errorf("unexpected store %q", n)
			}
		}
		for _, def := range Layout() {
			st, err := tx.Store(def.Name)
			if err != nil {
				return err
			}
			for _, idx := range def.Indexes {
				if !st.HasIndex(idx.Name) {
					t.Errorf("%s missing index %s", def.Name, idx.Name)
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestUpgrade_FromVersion6(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	ctx := context.Background()

	old, err := Open(path, OpenOptions{Schema: legacySchema(6)})
	if err != nil {
		t.Fatalf("Open(v6) error = %v", err)
	}
	if old.Version() != 6 {
		t.Fatalf("legacy Version() = %d, want 6", old.Version())
	}

	put := func(tx *Tx, store string, id int64, rec map[string]any) {
		st, err := tx.Store(store)
		if err != nil {
			t.Fatalf("Store(%s) error = %v", store, err)
		}
		rec["id"] = id
		if err := st.Put(IntKey(id), mustJSON(t, rec)); err != nil {
			t.Fatalf("Put(%s/%d) error = %v", store, id, err)
		}
	}
	err = old.Update(ctx, func(tx *Tx) error {
		put(tx, StoreGroups, 1, map[string]any{"name": "KH-41", "meetId": "m1"})
		put(tx, StoreGroups, 2, map[string]any{"name": "Teachers"})
		put(tx, storeStudents, 7, map[string]any{"name": "Alice", "groupName": "KH-41"})
		// Duplicate tasks: 2 collapses into 1, and its mark follows.
		put(tx, StoreTasks, 1, map[string]any{"name": "Lab", "date": "2024-01-01", "groupName": "KH-41"})
		put(tx, StoreTasks, 2, map[string]any{"name": "Lab", "date": "2024-01-01", "groupName": "KH-41"})
		put(tx, StoreMarks, 1, map[string]any{"taskId": 2, "studentId": 7, "score": 5})
		return nil
	})
	if err != nil {
		t.Fatalf("seed legacy data: %v", err)
	}
	old.Close()

	conn, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatalf("Open(current) error = %v", err)
	}
	defer conn.Close()

	if conn.Version() != CurrentVersion {
		t.Errorf("Version() = %d, want %d", conn.Version(), CurrentVersion)
	}

	err = conn.View(ctx, func(tx *Tx) error {
		if tx.HasStore(storeStudents) {
			t.Error("obsolete students store still present")
		}

		groups, _ := tx.Store(StoreGroups)
		v, _ := groups.Get(IntKey(1))
		var g map[string]any
		json.Unmarshal(v, &g)
		if g["course"] != float64(4) {
			t.Errorf("KH-41 course = %v, want 4", g["course"])
		}
		v, _ = groups.Get(IntKey(2))
		g = nil
		json.Unmarshal(v, &g)
		if _, ok := g["course"]; ok {
			t.Errorf("Teachers got course %v, want none", g["course"])
		}

		members, _ := tx.Store(StoreMembers)
		v, ok := members.Get(IntKey(7))
		if !ok {
			t.Fatal("student 7 not carried over to members")
		}
		var m map[string]any
		json.Unmarshal(v, &m)
		if m["role"] != "student" || m["hidden"] != false {
			t.Errorf("member defaults = %v", m)
		}

		tasks, _ := tx.Store(StoreTasks)
		if n := tasks.Count(); n != 1 {
			t.Errorf("tasks after dedupe = %d, want 1", n)
		}

		marks, _ := tx.Store(StoreMarks)
		_, v, ok, err := marks.GetByIndex(IndexNatural, 1, 7)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("mark not re-pointed at surviving task 1")
		}
		var mk map[string]any
		json.Unmarshal(v, &mk)
		if mk["synced"] != false {
			t.Errorf("mark synced = %v, want false", mk["synced"])
		}
		if s, _ := mk["createdAt"].(string); s == "" {
			t.Error("mark createdAt not backfilled")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestUpgrade_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")
	for i := 0; i < 2; i++ {
		conn, err := Open(path, OpenOptions{})
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i+1, err)
		}
		conn.Close()
	}

	// Re-running every step against an up-to-date database changes nothing.
	conn, err := Open(path, OpenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	err = conn.Update(context.Background(), func(tx *Tx) error {
		for _, m := range Migrations() {
			if err := m.Apply(tx); err != nil {
				t.Errorf("re-run v%d: %v", m.Version, err)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUpgrade_FailedStepLeavesDatabaseUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fail.db")

	conn, err := Open(path, OpenOptions{Schema: legacySchema(2)})
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	boom := errors.New("boom")
	broken := legacySchema(CurrentVersion)
	broken.Migrations = append(broken.Migrations[:5:5], Migration{
		Version: 6, Name: "explodes", Apply: func(*Tx) error { return boom },
	})

	_, err = Open(path, OpenOptions{Schema: broken})
	if !errors.Is(err, boom) {
		t.Fatalf("Open(broken) error = %v, want boom", err)
	}
	var me *MigrationError
	if !errors.As(err, &me) || me.Version != 6 {
		t.Errorf("error = %v, want MigrationError for v6", err)
	}

	conn, err = Open(path, OpenOptions{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if conn.Version() != 2 {
		t.Errorf("Version() after failed upgrade = %d, want 2", conn.Version())
	}
	conn.View(context.Background(), func(tx *Tx) error {
		if tx.HasStore(StoreTasks) {
			t.Error("tasks store created by aborted upgrade")
		}
		return nil
	})
}

func TestUpgrade_RejectsNewerDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	future := DefaultSchema()
	future.Version = CurrentVersion + 1

	conn, err := Open(path, OpenOptions{Schema: future})
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	_, err = Open(path, OpenOptions{})
	if !errors.Is(err, ErrVersionTooNew) {
		t.Errorf("Open() error = %v, want ErrVersionTooNew", err)
	}
}

func TestCourseFromName(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"KH-41", 4},
		{"PZ 3-2", 3},
		{"Teachers", 0},
		{"", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CourseFromName(tt.name); got != tt.want {
				t.Errorf("CourseFromName(%q) = %d, want %d", tt.name, got, tt.want)
			}
		})
	}
}
