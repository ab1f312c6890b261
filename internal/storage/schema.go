package storage

import (
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"
)

// CurrentVersion is the schema version written by this build.
const CurrentVersion = 11

// Object store names.
const (
	StoreMeets            = "meets"
	StoreGroups           = "groups"
	StoreTasks            = "tasks"
	StoreMarks            = "marks"
	StoreMembers          = "members"
	StoreModules          = "modules"
	StoreFinalAssessments = "finalAssessments"
	StoreSettings         = "settings"
)

// Index names shared by several stores.
const (
	IndexNatural = "natural"
)

var (
	schemaBucket = []byte("__schema")
	versionKey   = []byte("version")
)

// Migration is one upgrade step. It runs when the database's version before
// the upgrade is lower than Version. Steps must be idempotent: a step may see
// data that an earlier, interrupted build already partly converted.
type Migration struct {
	Version int
	Name    string
	Apply   func(tx *Tx) error
}

// Schema is a target layout plus the ordered steps that reach it.
type Schema struct {
	Version    int
	Stores     []StoreDef
	Migrations []Migration
}

// DefaultSchema returns the production layout at CurrentVersion.
func DefaultSchema() *Schema {
	return &Schema{
		Version:    CurrentVersion,
		Stores:     Layout(),
		Migrations: Migrations(),
	}
}

// Layout returns the object stores and indexes of the current version.
func Layout() []StoreDef {
	return []StoreDef{
		{
			Name: StoreMeets, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "meetId", KeyPath: []string{"meetId"}},
				{Name: "date", KeyPath: []string{"date"}},
			},
		},
		{
			Name: StoreGroups, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "name", KeyPath: []string{"name"}, Unique: true},
				{Name: "meetId", KeyPath: []string{"meetId"}, Unique: true},
				{Name: "course", KeyPath: []string{"course"}},
			},
		},
		{
			Name: StoreMembers, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "name", KeyPath: []string{"name"}, Unique: true},
				{Name: "groupName", KeyPath: []string{"groupName"}},
				{Name: "role", KeyPath: []string{"role"}},
			},
		},
		{
			Name: StoreTasks, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "groupName", KeyPath: []string{"groupName"}},
				{Name: "date", KeyPath: []string{"date"}},
				{Name: IndexNatural, KeyPath: []string{"name", "date", "groupName"}, Unique: true},
			},
		},
		{
			Name: StoreMarks, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "taskId", KeyPath: []string{"taskId"}},
				{Name: "studentId", KeyPath: []string{"studentId"}},
				{Name: IndexNatural, KeyPath: []string{"taskId", "studentId"}, Unique: true},
			},
		},
		{
			Name: StoreModules, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "groupName", KeyPath: []string{"groupName"}},
			},
		},
		{
			Name: StoreFinalAssessments, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "studentId", KeyPath: []string{"studentId"}},
				{Name: IndexNatural, KeyPath: []string{"studentId", "assessmentType"}, Unique: true},
			},
		},
		{
			Name: StoreSettings, KeyPath: "key",
		},
	}
}

// StoreNames returns the names of the current layout's stores.
func StoreNames() []string {
	layout := Layout()
	names := make([]string, len(layout))
	for i, def := range layout {
		names[i] = def.Name
	}
	return names
}

// Upgrade brings db to s.Version. Every step whose Version exceeds the stored
// version runs in order, followed by a pass creating any store or index of
// the target layout that is still missing. Steps, layout pass and version
// write share one transaction: a failure leaves the database exactly as it
// was.
func (s *Schema) Upgrade(db *bbolt.DB) (from, to int, err error) {
	err = db.Update(func(btx *bbolt.Tx) error {
		tx := &Tx{tx: btx}
		from = readVersion(btx)

		if from > s.Version {
			return fmt.Errorf("database at v%d, build supports v%d: %w", from, s.Version, ErrVersionTooNew)
		}

		for _, m := range s.Migrations {
			if from >= m.Version || m.Version > s.Version {
				continue
			}
			if err := m.Apply(tx); err != nil {
				return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
			}
		}

		for _, def := range s.Stores {
			if _, err := tx.CreateStore(def); err != nil {
				return fmt.Errorf("ensure layout: %w", err)
			}
		}

		if from == s.Version {
			return nil
		}
		return writeVersion(btx, s.Version)
	})
	if err != nil {
		return from, from, err
	}
	return from, s.Version, nil
}

func readVersion(btx *bbolt.Tx) int {
	b := btx.Bucket(schemaBucket)
	if b == nil {
		return 0
	}
	v, err := strconv.Atoi(string(b.Get(versionKey)))
	if err != nil {
		return 0
	}
	return v
}

func writeVersion(btx *bbolt.Tx, version int) error {
	b, err := btx.CreateBucketIfNotExists(schemaBucket)
	if err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return b.Put(versionKey, []byte(strconv.Itoa(version)))
}
