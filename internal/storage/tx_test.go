package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func openTestConn(t *testing.T) *Conn {
	t.Helper()
	conn, err := Open(filepath.Join(t.TempDir(), "test.db"), OpenOptions{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestStore_PutGetDelete(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	err := conn.Update(ctx, func(tx *Tx) error {
		st, err := tx.Store(StoreGroups)
		if err != nil {
			return err
		}
		id, err := st.NextID()
		if err != nil {
			return err
		}
		return st.Put(IntKey(id), mustJSON(t, map[string]any{"id": id, "name": "KH-41", "meetId": "abc"}))
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	err = conn.View(ctx, func(tx *Tx) error {
		st, err := tx.Store(StoreGroups)
		if err != nil {
			return err
		}
		_, v, ok, err := st.GetByIndex("meetId", "abc")
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("GetByIndex(meetId) found nothing")
		}
		var got map[string]any
		if err := json.Unmarshal(v, &got); err != nil {
			return err
		}
		if got["name"] != "KH-41" {
			t.Errorf("name = %v, want KH-41", got["name"])
		}
		if n := st.Count(); n != 1 {
			t.Errorf("Count() = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}

	err = conn.Update(ctx, func(tx *Tx) error {
		st, err := tx.Store(StoreGroups)
		if err != nil {
			return err
		}
		if err := st.Delete(IntKey(1)); err != nil {
			return err
		}
		keys, err := st.IndexKeys("meetId", "abc")
		if err != nil {
			return err
		}
		if len(keys) != 0 {
			t.Errorf("index still has %d entries after delete", len(keys))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestStore_UniqueConstraint(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()

	err := conn.Update(ctx, func(tx *Tx) error {
		st, err := tx.Store(StoreTasks)
		if err != nil {
			return err
		}
		task := map[string]any{"id": 1, "name": "Lab 1", "date": "2024-09-01", "groupName": "KH-41"}
		if err := st.Put(IntKey(1), mustJSON(t, task)); err != nil {
			return err
		}
		task["id"] = 2
		err = st.Put(IntKey(2), mustJSON(t, task))

		var ce *ConstraintError
		if !errors.As(err, &ce) {
			t.Fatalf("Put(duplicate) error = %v, want ConstraintError", err)
		}
		if !errors.Is(err, ErrConstraint) {
			t.Errorf("errors.Is(err, ErrConstraint) = false")
		}
		if ce.Index != IndexNatural {
			t.Errorf("ConstraintError.Index = %q, want %q", ce.Index, IndexNatural)
		}
		if _, ok := st.Get(IntKey(2)); ok {
			t.Error("rejected record was stored")
		}

		// Rewriting the owner of the key is not a collision.
		task["id"] = 1
		task["maxPoints"] = 10
		return st.Put(IntKey(1), mustJSON(t, task))
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestStore_InsertRejectsExistingKey(t *testing.T) {
	conn := openTestConn(t)

	err := conn.Update(context.Background(), func(tx *Tx) error {
		st, err := tx.Store(StoreSettings)
		if err != nil {
			return err
		}
		rec := mustJSON(t, map[string]any{"key": "durationLimit", "value": 30})
		if err := st.Insert(StringKey("durationLimit"), rec); err != nil {
			return err
		}
		if err := st.Insert(StringKey("durationLimit"), rec); !errors.Is(err, ErrConstraint) {
			t.Errorf("second Insert() error = %v, want ErrConstraint", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestStore_NonUniqueIndex(t *testing.T) {
	conn := openTestConn(t)

	err := conn.Update(context.Background(), func(tx *Tx) error {
		st, err := tx.Store(StoreMeets)
		if err != nil {
			return err
		}
		for i := int64(1); i <= 3; i++ {
			meetID := "weekly"
			if i == 3 {
				meetID = "other"
			}
			if err := st.Put(IntKey(i), mustJSON(t, map[string]any{"id": i, "meetId": meetID})); err != nil {
				return err
			}
		}
		got, err := st.GetAllByIndex("meetId", "weekly")
		if err != nil {
			return err
		}
		if len(got) != 2 {
			t.Errorf("GetAllByIndex(weekly) = %d records, want 2", len(got))
		}

		// Moving a record to another index value updates both entries.
		if err := st.Put(IntKey(1), mustJSON(t, map[string]any{"id": 1, "meetId": "other"})); err != nil {
			return err
		}
		keys, _ := st.IndexKeys("meetId", "weekly")
		if len(keys) != 1 {
			t.Errorf("weekly entries after move = %d, want 1", len(keys))
		}
		keys, _ = st.IndexKeys("meetId", "other")
		if len(keys) != 2 {
			t.Errorf("other entries after move = %d, want 2", len(keys))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestStore_ClearKeepsKeyGenerator(t *testing.T) {
	conn := openTestConn(t)

	err := conn.Update(context.Background(), func(tx *Tx) error {
		st, err := tx.Store(StoreMarks)
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			id, err := st.NextID()
			if err != nil {
				return err
			}
			if err := st.Put(IntKey(id), mustJSON(t, map[string]any{"id": id, "taskId": id, "studentId": 1})); err != nil {
				return err
			}
		}
		if err := st.Clear(); err != nil {
			return err
		}
		if n := st.Count(); n != 0 {
			t.Errorf("Count() after Clear = %d, want 0", n)
		}
		keys, _ := st.IndexKeys(IndexNatural, 1, 1)
		if len(keys) != 0 {
			t.Error("natural index not cleared")
		}
		id, err := st.NextID()
		if err != nil {
			return err
		}
		if id != 4 {
			t.Errorf("NextID() after Clear = %d, want 4", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestStore_ExplicitKeyAdvancesGenerator(t *testing.T) {
	conn := openTestConn(t)

	err := conn.Update(context.Background(), func(tx *Tx) error {
		st, err := tx.Store(StoreMeets)
		if err != nil {
			return err
		}
		if err := st.Put(IntKey(41), mustJSON(t, map[string]any{"id": 41})); err != nil {
			return err
		}
		id, err := st.NextID()
		if err != nil {
			return err
		}
		if id != 42 {
			t.Errorf("NextID() = %d, want 42", id)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestStore_EmptyValuesAreNotIndexed(t *testing.T) {
	conn := openTestConn(t)

	// Two groups without a meet code must not collide on the unique index.
	err := conn.Update(context.Background(), func(tx *Tx) error {
		st, err := tx.Store(StoreGroups)
		if err != nil {
			return err
		}
		if err := st.Put(IntKey(1), mustJSON(t, map[string]any{"id": 1, "name": "A", "meetId": ""})); err != nil {
			return err
		}
		return st.Put(IntKey(2), mustJSON(t, map[string]any{"id": 2, "name": "B"}))
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestTx_ReadOnlyRejectsWrites(t *testing.T) {
	conn := openTestConn(t)

	err := conn.View(context.Background(), func(tx *Tx) error {
		st, err := tx.Store(StoreMeets)
		if err != nil {
			return err
		}
		if err := st.Put(IntKey(1), []byte(`{"id":1}`)); !errors.Is(err, ErrReadOnly) {
			t.Errorf("Put() in View error = %v, want ErrReadOnly", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
}

func TestTx_MissingStore(t *testing.T) {
	conn := openTestConn(t)

	err := conn.View(context.Background(), func(tx *Tx) error {
		_, err := tx.Store("nope")
		return err
	})
	if !errors.Is(err, ErrStoreNotFound) {
		t.Errorf("Store(nope) error = %v, want ErrStoreNotFound", err)
	}
}

func TestConn_UpdateRollsBackOnError(t *testing.T) {
	conn := openTestConn(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := conn.Update(ctx, func(tx *Tx) error {
		st, err := tx.Store(StoreMeets)
		if err != nil {
			return err
		}
		if err := st.Put(IntKey(1), []byte(`{"id":1}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	conn.View(ctx, func(tx *Tx) error {
		st, _ := tx.Store(StoreMeets)
		if n := st.Count(); n != 0 {
			t.Errorf("Count() after rollback = %d, want 0", n)
		}
		return nil
	})
}
