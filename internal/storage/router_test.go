package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
)

type fakeResolver struct {
	mu   sync.Mutex
	name string
}

func (f *fakeResolver) CurrentDBName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

func (f *fakeResolver) set(name string) {
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
}

func newTestRouter(t *testing.T, current string) (*Router, *fakeResolver) {
	t.Helper()
	res := &fakeResolver{name: current}
	r := NewRouter(t.TempDir(), res)
	t.Cleanup(func() { r.Close() })
	return r, res
}

func TestRouter_ReusesConnection(t *testing.T) {
	r, _ := newTestRouter(t, DefaultDBName)
	ctx := context.Background()

	a, err := r.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection() error = %v", err)
	}
	b, err := r.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection() error = %v", err)
	}
	if a != b {
		t.Error("Connection() opened a second handle for the same workspace")
	}
	if a.Name() != DefaultDBName {
		t.Errorf("Name() = %q, want %q", a.Name(), DefaultDBName)
	}
}

func TestRouter_FollowsCurrentWorkspace(t *testing.T) {
	r, res := newTestRouter(t, DefaultDBName)
	ctx := context.Background()

	first, err := r.Connection(ctx)
	if err != nil {
		t.Fatal(err)
	}

	res.set("attendance_ws2")
	second, err := r.Connection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Name() != "attendance_ws2" {
		t.Errorf("Name() = %q, want attendance_ws2", second.Name())
	}

	// The stale handle is closed.
	err = first.View(ctx, func(*Tx) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("View() on stale conn error = %v, want ErrClosed", err)
	}
}

func TestRouter_InvalidNameFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name    string
		current string
	}{
		{"empty", ""},
		{"path traversal", "../escape"},
		{"separator", "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t, tt.current)
			if got := r.CurrentDBName(); got != DefaultDBName {
				t.Errorf("CurrentDBName() = %q, want %q", got, DefaultDBName)
			}
		})
	}
}

func TestRouter_ResetReopens(t *testing.T) {
	r, _ := newTestRouter(t, DefaultDBName)
	ctx := context.Background()

	a, err := r.Connection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	b, err := r.Connection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("Connection() after Reset returned the closed handle")
	}
	if err := r.Reset(); err != nil {
		t.Errorf("second Reset() error = %v", err)
	}
}

func TestRouter_WithDatabaseOtherWorkspace(t *testing.T) {
	r, _ := newTestRouter(t, DefaultDBName)
	ctx := context.Background()

	err := r.WithDatabase(ctx, "attendance_other", func(c *Conn) error {
		if c.Version() != CurrentVersion {
			t.Errorf("Version() = %d, want %d", c.Version(), CurrentVersion)
		}
		return c.Update(ctx, func(tx *Tx) error {
			st, err := tx.Store(StoreMeets)
			if err != nil {
				return err
			}
			return st.Put(IntKey(1), []byte(`{"id":1,"meetId":"x"}`))
		})
	})
	if err != nil {
		t.Fatalf("WithDatabase() error = %v", err)
	}

	err = r.Inspect(ctx, "attendance_other", func(c *Conn) error {
		return c.View(ctx, func(tx *Tx) error {
			st, err := tx.Store(StoreMeets)
			if err != nil {
				return err
			}
			if n := st.Count(); n != 1 {
				t.Errorf("Count() = %d, want 1", n)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
}

func TestRouter_InspectMissingDatabase(t *testing.T) {
	r, _ := newTestRouter(t, DefaultDBName)

	err := r.Inspect(context.Background(), "never_created", func(*Conn) error { return nil })
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Inspect() error = %v, want os.ErrNotExist", err)
	}
	if _, statErr := os.Stat(r.Path("never_created")); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("Inspect() created the database file")
	}
}

func TestRouter_Drop(t *testing.T) {
	r, res := newTestRouter(t, "attendance_gone")
	ctx := context.Background()

	if _, err := r.Connection(ctx); err != nil {
		t.Fatal(err)
	}
	res.set(DefaultDBName)

	if err := r.Drop("attendance_gone"); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if _, err := os.Stat(r.Path("attendance_gone")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("database file still present after Drop, stat error = %v", err)
	}
	if err := r.Drop("attendance_gone"); err != nil {
		t.Errorf("Drop() of missing database error = %v", err)
	}
}
