// Package store provides typed access to the records of the current
// workspace database.
//
// Every exported method on a *XxxStore opens exactly one transaction through
// the Connector. Functions taking a *storage.Tx run inside the caller's
// transaction and never open their own, so they compose: a group save can
// sync members and read settings in the same transaction it writes in.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrMissingID is returned by Put for a record without an id.
	ErrMissingID = errors.New("record id is required")
)

// Connector hands out the connection of the current workspace.
// *storage.Router satisfies it.
type Connector interface {
	Connection(ctx context.Context) (*storage.Conn, error)
}

func update(ctx context.Context, db Connector, fn func(*storage.Tx) error) error {
	conn, err := db.Connection(ctx)
	if err != nil {
		return err
	}
	return conn.Update(ctx, fn)
}

func view(ctx context.Context, db Connector, fn func(*storage.Tx) error) error {
	conn, err := db.Connection(ctx)
	if err != nil {
		return err
	}
	return conn.View(ctx, fn)
}

// entity constrains P to a pointer to a record type T.
type entity[T any] interface {
	*T
	model.Entity
}

// Table maps one object store to its record type. Its methods run inside a
// transaction supplied by the caller.
type Table[T any, P entity[T]] struct {
	name string
}

// Tables of the workspace database.
var (
	Meets            = Table[model.Meet, *model.Meet]{name: storage.StoreMeets}
	Groups           = Table[model.Group, *model.Group]{name: storage.StoreGroups}
	Members          = Table[model.Member, *model.Member]{name: storage.StoreMembers}
	Tasks            = Table[model.Task, *model.Task]{name: storage.StoreTasks}
	Marks            = Table[model.Mark, *model.Mark]{name: storage.StoreMarks}
	Modules          = Table[model.Module, *model.Module]{name: storage.StoreModules}
	FinalAssessments = Table[model.FinalAssessment, *model.FinalAssessment]{name: storage.StoreFinalAssessments}
)

// Name returns the object store name.
func (t Table[T, P]) Name() string {
	return t.name
}

func (t Table[T, P]) decode(data []byte) (P, error) {
	p := P(new(T))
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("%s: decode record: %w", t.name, err)
	}
	if n, ok := any(p).(model.Normalizer); ok {
		n.Normalize()
	}
	return p, nil
}

func (t Table[T, P]) encode(item P) ([]byte, error) {
	if n, ok := any(item).(model.Normalizer); ok {
		n.Normalize()
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("%s: encode record: %w", t.name, err)
	}
	return data, nil
}

// All returns every record in id order.
func (t Table[T, P]) All(tx *storage.Tx) ([]P, error) {
	st, err := tx.Store(t.name)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, st.Count())
	err = st.ForEach(func(_ storage.Key, v []byte) error {
		p, err := t.decode(v)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// Get returns the record with the given id.
func (t Table[T, P]) Get(tx *storage.Tx, id int64) (P, error) {
	st, err := tx.Store(t.name)
	if err != nil {
		return nil, err
	}
	v, ok := st.Get(storage.IntKey(id))
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", t.name, id, ErrNotFound)
	}
	return t.decode(v)
}

// Find returns the first record whose index matches values.
func (t Table[T, P]) Find(tx *storage.Tx, index string, values ...any) (P, bool, error) {
	st, err := tx.Store(t.name)
	if err != nil {
		return nil, false, err
	}
	_, v, ok, err := st.GetByIndex(index, values...)
	if err != nil || !ok {
		return nil, false, err
	}
	p, err := t.decode(v)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

// FindAll returns every record whose index matches values.
func (t Table[T, P]) FindAll(tx *storage.Tx, index string, values ...any) ([]P, error) {
	st, err := tx.Store(t.name)
	if err != nil {
		return nil, err
	}
	raw, err := st.GetAllByIndex(index, values...)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(raw))
	for _, v := range raw {
		p, err := t.decode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Insert stores item under a newly generated id and sets it on item.
func (t Table[T, P]) Insert(tx *storage.Tx, item P) (int64, error) {
	st, err := tx.Store(t.name)
	if err != nil {
		return 0, err
	}
	id, err := st.NextID()
	if err != nil {
		return 0, err
	}
	item.SetID(id)
	data, err := t.encode(item)
	if err != nil {
		return 0, err
	}
	if err := st.Put(storage.IntKey(id), data); err != nil {
		item.SetID(0)
		return 0, err
	}
	return id, nil
}

// Put writes item under its own id, replacing any record there.
func (t Table[T, P]) Put(tx *storage.Tx, item P) error {
	if item.GetID() <= 0 {
		return fmt.Errorf("%s: %w", t.name, ErrMissingID)
	}
	st, err := tx.Store(t.name)
	if err != nil {
		return err
	}
	data, err := t.encode(item)
	if err != nil {
		return err
	}
	return st.Put(storage.IntKey(item.GetID()), data)
}

// Delete removes the record with the given id. Missing ids are ignored.
func (t Table[T, P]) Delete(tx *storage.Tx, id int64) error {
	st, err := tx.Store(t.name)
	if err != nil {
		return err
	}
	return st.Delete(storage.IntKey(id))
}

// Clear removes every record.
func (t Table[T, P]) Clear(tx *storage.Tx) error {
	st, err := tx.Store(t.name)
	if err != nil {
		return err
	}
	return st.Clear()
}

// Count returns the number of records.
func (t Table[T, P]) Count(tx *storage.Tx) (int, error) {
	st, err := tx.Store(t.name)
	if err != nil {
		return 0, err
	}
	return st.Count(), nil
}

// Repo is the generic CRUD surface of one entity over the current workspace.
type Repo[T any, P entity[T]] struct {
	db    Connector
	table Table[T, P]
}

func newRepo[T any, P entity[T]](db Connector, table Table[T, P]) Repo[T, P] {
	return Repo[T, P]{db: db, table: table}
}

func validate(item any) error {
	if v, ok := item.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// GetAll returns every record in id order.
func (r Repo[T, P]) GetAll(ctx context.Context) ([]P, error) {
	var out []P
	err := view(ctx, r.db, func(tx *storage.Tx) error {
		var err error
		out, err = r.table.All(tx)
		return err
	})
	return out, err
}

// GetByID returns the record with the given id or ErrNotFound.
func (r Repo[T, P]) GetByID(ctx context.Context, id int64) (P, error) {
	var out P
	err := view(ctx, r.db, func(tx *storage.Tx) error {
		var err error
		out, err = r.table.Get(tx, id)
		return err
	})
	return out, err
}

// Add validates item and stores it under a new id, which is returned and set
// on item. A unique index collision fails with a *storage.ConstraintError.
func (r Repo[T, P]) Add(ctx context.Context, item P) (int64, error) {
	if err := validate(item); err != nil {
		return 0, err
	}
	var id int64
	err := update(ctx, r.db, func(tx *storage.Tx) error {
		var err error
		id, err = r.table.Insert(tx, item)
		return err
	})
	return id, err
}

// Put validates item and writes it under its existing id.
func (r Repo[T, P]) Put(ctx context.Context, item P) error {
	if err := validate(item); err != nil {
		return err
	}
	return update(ctx, r.db, func(tx *storage.Tx) error {
		return r.table.Put(tx, item)
	})
}

// Delete removes the record with the given id.
func (r Repo[T, P]) Delete(ctx context.Context, id int64) error {
	return update(ctx, r.db, func(tx *storage.Tx) error {
		return r.table.Delete(tx, id)
	})
}

// GetAllByIndex returns the records whose index equals value.
func (r Repo[T, P]) GetAllByIndex(ctx context.Context, index string, value any) ([]P, error) {
	var out []P
	err := view(ctx, r.db, func(tx *storage.Tx) error {
		var err error
		out, err = r.table.FindAll(tx, index, value)
		return err
	})
	return out, err
}

// Count returns the number of records.
func (r Repo[T, P]) Count(ctx context.Context) (int, error) {
	var n int
	err := view(ctx, r.db, func(tx *storage.Tx) error {
		var err error
		n, err = r.table.Count(tx)
		return err
	})
	return n, err
}

// Clear removes every record.
func (r Repo[T, P]) Clear(ctx context.Context) error {
	return update(ctx, r.db, func(tx *storage.Tx) error {
		return r.table.Clear(tx)
	})
}

// Stores bundles the entity stores of the current workspace.
type Stores struct {
	Meets            *MeetStore
	Groups           *GroupStore
	Members          *MemberStore
	Tasks            *TaskStore
	Marks            *MarkStore
	Modules          *ModuleStore
	FinalAssessments *FinalAssessmentStore
	Settings         *SettingsStore
}

// New returns the entity stores over db.
func New(db Connector) *Stores {
	return &Stores{
		Meets:            &MeetStore{Repo: newRepo(db, Meets)},
		Groups:           &GroupStore{Repo: newRepo(db, Groups)},
		Members:          &MemberStore{Repo: newRepo(db, Members)},
		Tasks:            &TaskStore{Repo: newRepo(db, Tasks)},
		Marks:            &MarkStore{Repo: newRepo(db, Marks)},
		Modules:          &ModuleStore{Repo: newRepo(db, Modules)},
		FinalAssessments: &FinalAssessmentStore{Repo: newRepo(db, FinalAssessments)},
		Settings:         &SettingsStore{db: db},
	}
}

// sameJSON reports whether a and b serialise identically.
func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
