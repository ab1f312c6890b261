package workspace

import (
	"errors"
	"testing"

	"github.com/JonMunkholm/markbook/internal/kv"
)

func newTestRegistry(t *testing.T) (*Registry, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	return NewRegistry(store, "attendance"), store
}

func TestRegistry_DefaultAlwaysExists(t *testing.T) {
	r, _ := newTestRegistry(t)

	list := r.List()
	if len(list) != 1 || list[0].ID != DefaultID {
		t.Fatalf("List() = %+v, want only default", list)
	}
	if got := r.CurrentDBName(); got != "attendance" {
		t.Errorf("CurrentDBName() = %q, want attendance", got)
	}
	if _, err := r.Remove(DefaultID); !errors.Is(err, ErrDefaultWorkspace) {
		t.Errorf("Remove(default) error = %v, want ErrDefaultWorkspace", err)
	}
}

func TestRegistry_CreateSwitchRemove(t *testing.T) {
	r, _ := newTestRegistry(t)

	ws, err := r.Create("Autumn term", "🍂")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ws.DBName != "attendance_"+ws.ID {
		t.Errorf("DBName = %q, want attendance_%s", ws.DBName, ws.ID)
	}
	if n := len(r.List()); n != 2 {
		t.Errorf("len(List()) = %d, want 2", n)
	}

	if _, err := r.SetCurrent(ws.ID); err != nil {
		t.Fatalf("SetCurrent() error = %v", err)
	}
	if got := r.CurrentDBName(); got != ws.DBName {
		t.Errorf("CurrentDBName() = %q, want %q", got, ws.DBName)
	}

	removed, err := r.Remove(ws.ID)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if removed.DBName != ws.DBName {
		t.Errorf("Remove() returned %q, want %q", removed.DBName, ws.DBName)
	}
	if got := r.Current().ID; got != DefaultID {
		t.Errorf("Current() after removing current = %q, want default", got)
	}
	if _, err := r.Get(ws.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(removed) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Create("   ", ""); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Create(blank) error = %v, want ErrInvalidName", err)
	}
	if _, err := r.Update("nope", "x", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update(unknown) error = %v, want ErrNotFound", err)
	}
	if _, err := r.SetCurrent("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetCurrent(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestRegistry_Update(t *testing.T) {
	r, _ := newTestRegistry(t)
	ws, _ := r.Create("Draft", "")

	got, err := r.Update(ws.ID, "Final", "✅")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got.Name != "Final" || got.Icon != "✅" || got.DBName != ws.DBName {
		t.Errorf("Update() = %+v", got)
	}
}

func TestRegistry_CorruptDataFallsBack(t *testing.T) {
	tests := []struct {
		name       string
		workspaces string
		current    string
	}{
		{"unparsable catalog", "{not json", "ws1"},
		{"unknown current id", `[{"id":"ws1","name":"A","dbName":"attendance_ws1"}]`, "ws9"},
		{"unsafe db name", `[{"id":"ws1","name":"A","dbName":"../../etc"}]`, "ws1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestRegistry(t)
			store.Set(keyWorkspaces, []byte(tt.workspaces))
			store.Set(keyCurrent, []byte(tt.current))

			if got := r.Current().ID; got != DefaultID {
				t.Errorf("Current() = %q, want default", got)
			}
			if got := r.CurrentDBName(); got != "attendance" {
				t.Errorf("CurrentDBName() = %q, want attendance", got)
			}
		})
	}
}

func TestRegistry_Ensure(t *testing.T) {
	r, _ := newTestRegistry(t)

	ws, err := r.Ensure(Workspace{ID: "imported", Name: "From backup", DBName: "attendance_imported"})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if ws.DBName != "attendance_imported" {
		t.Errorf("DBName = %q, want attendance_imported", ws.DBName)
	}

	again, err := r.Ensure(Workspace{ID: "imported", Name: "Renamed", DBName: "something_else"})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if again.Name != "Renamed" || again.DBName != "attendance_imported" {
		t.Errorf("Ensure(existing) = %+v, want renamed entry keeping its db", again)
	}

	// A db name already owned by another workspace is not shared.
	clash, err := r.Ensure(Workspace{ID: "other", Name: "Other", DBName: "attendance"})
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if clash.DBName == "attendance" {
		t.Error("Ensure() reused the default workspace's database")
	}
	if n := len(r.List()); n != 3 {
		t.Errorf("len(List()) = %d, want 3", n)
	}
}
