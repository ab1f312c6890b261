package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// storeStudents is the pre-v9 name of the members store.
const storeStudents = "students"

// Migrations returns the ordered upgrade steps. New steps are appended; old
// steps are never edited once released.
func Migrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create meets", Apply: createStoreStep(StoreDef{
			Name: StoreMeets, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{{Name: "meetId", KeyPath: []string{"meetId"}}},
		})},
		{Version: 2, Name: "create groups", Apply: createStoreStep(StoreDef{
			Name: StoreGroups, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "name", KeyPath: []string{"name"}, Unique: true},
				{Name: "meetId", KeyPath: []string{"meetId"}, Unique: true},
			},
		})},
		{Version: 3, Name: "create students", Apply: migrateV3Students},
		{Version: 4, Name: "create tasks", Apply: createStoreStep(StoreDef{
			Name: StoreTasks, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "groupName", KeyPath: []string{"groupName"}},
				{Name: "date", KeyPath: []string{"date"}},
			},
		})},
		{Version: 5, Name: "create marks", Apply: createStoreStep(StoreDef{
			Name: StoreMarks, KeyPath: "id", AutoIncrement: true,
			Indexes: []IndexDef{
				{Name: "taskId", KeyPath: []string{"taskId"}},
				{Name: "studentId", KeyPath: []string{"studentId"}},
			},
		})},
		{Version: 6, Name: "create settings", Apply: createStoreStep(StoreDef{
			Name: StoreSettings, KeyPath: "key",
		})},
		{Version: 7, Name: "natural key indexes", Apply: migrateV7NaturalKeys},
		{Version: 8, Name: "group course backfill", Apply: migrateV8Course},
		{Version: 9, Name: "students to members", Apply: migrateV9Members},
		{Version: 10, Name: "modules and final assessments", Apply: migrateV10Assessments},
		{Version: 11, Name: "mark sync state", Apply: migrateV11MarkSync},
	}
}

func createStoreStep(def StoreDef) func(*Tx) error {
	return func(tx *Tx) error {
		_, err := tx.CreateStore(def)
		return err
	}
}

// migrateV3Students only creates the legacy store when the members store
// that replaced it is absent, so re-running v3 on a v9 database is harmless.
func migrateV3Students(tx *Tx) error {
	if tx.HasStore(StoreMembers) {
		return nil
	}
	_, err := tx.CreateStore(StoreDef{
		Name: storeStudents, KeyPath: "id", AutoIncrement: true,
		Indexes: []IndexDef{
			{Name: "name", KeyPath: []string{"name"}, Unique: true},
			{Name: "groupName", KeyPath: []string{"groupName"}},
		},
	})
	return err
}

// migrateV7NaturalKeys collapses duplicate tasks and marks, then adds the
// unique natural-key indexes. Marks pointing at a dropped duplicate task are
// re-pointed at the surviving one before the marks are collapsed.
func migrateV7NaturalKeys(tx *Tx) error {
	if !tx.HasStore(StoreTasks) || !tx.HasStore(StoreMarks) {
		return nil
	}
	tasks, err := tx.Store(StoreTasks)
	if err != nil {
		return err
	}
	marks, err := tx.Store(StoreMarks)
	if err != nil {
		return err
	}

	// Lowest id wins for tasks.
	survivor := make(map[string]int64)
	redirect := make(map[int64]int64)
	err = scanFields(tasks, func(key Key, fields map[string]any) error {
		nk := naturalKeyString(fields, "name", "date", "groupName")
		if kept, ok := survivor[nk]; ok {
			redirect[key.Int()] = kept
			return nil
		}
		survivor[nk] = key.Int()
		return nil
	})
	if err != nil {
		return err
	}
	for dup := range redirect {
		if err := tasks.Delete(IntKey(dup)); err != nil {
			return err
		}
	}

	if len(redirect) > 0 {
		err = rewriteRecords(marks, func(fields map[string]any) (bool, error) {
			taskID, ok := numberField(fields, "taskId")
			if !ok {
				return false, nil
			}
			kept, ok := redirect[taskID]
			if !ok {
				return false, nil
			}
			fields["taskId"] = kept
			return true, nil
		})
		if err != nil {
			return err
		}
	}

	// Highest id (latest write) wins for marks.
	latest := make(map[string]int64)
	var drop []int64
	err = scanFields(marks, func(key Key, fields map[string]any) error {
		nk := naturalKeyString(fields, "taskId", "studentId")
		if prev, ok := latest[nk]; ok {
			drop = append(drop, prev)
		}
		latest[nk] = key.Int()
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range drop {
		if err := marks.Delete(IntKey(id)); err != nil {
			return err
		}
	}

	if err := tasks.CreateIndex(IndexDef{Name: IndexNatural, KeyPath: []string{"name", "date", "groupName"}, Unique: true}); err != nil {
		return err
	}
	return marks.CreateIndex(IndexDef{Name: IndexNatural, KeyPath: []string{"taskId", "studentId"}, Unique: true})
}

var courseDigit = regexp.MustCompile(`\d`)

// CourseFromName derives a course number from a group name: the first digit
// in the name ("KH-41" is course 4). It returns 0 when the name has no digit.
func CourseFromName(name string) int {
	d := courseDigit.FindString(name)
	if d == "" {
		return 0
	}
	n, _ := strconv.Atoi(d)
	return n
}

func migrateV8Course(tx *Tx) error {
	if !tx.HasStore(StoreGroups) {
		return nil
	}
	groups, err := tx.Store(StoreGroups)
	if err != nil {
		return err
	}
	err = rewriteRecords(groups, func(fields map[string]any) (bool, error) {
		if c, ok := numberField(fields, "course"); ok && c > 0 {
			return false, nil
		}
		name, _ := fields["name"].(string)
		course := CourseFromName(name)
		if course == 0 {
			return false, nil
		}
		fields["course"] = course
		return true, nil
	})
	if err != nil {
		return err
	}
	return groups.CreateIndex(IndexDef{Name: "course", KeyPath: []string{"course"}})
}

// migrateV9Members copies students into members, keeping ids so marks stay
// valid, then drops the students store.
func migrateV9Members(tx *Tx) error {
	members, err := tx.CreateStore(StoreDef{
		Name: StoreMembers, KeyPath: "id", AutoIncrement: true,
		Indexes: []IndexDef{
			{Name: "name", KeyPath: []string{"name"}, Unique: true},
			{Name: "groupName", KeyPath: []string{"groupName"}},
			{Name: "role", KeyPath: []string{"role"}},
		},
	})
	if err != nil {
		return err
	}

	if tx.HasStore(storeStudents) {
		students, err := tx.Store(storeStudents)
		if err != nil {
			return err
		}
		type row struct {
			key    Key
			fields map[string]any
		}
		var rows []row
		err = scanFields(students, func(key Key, fields map[string]any) error {
			rows = append(rows, row{key: Key(copyBytes(key)), fields: fields})
			return nil
		})
		if err != nil {
			return err
		}
		for _, r := range rows {
			name, _ := r.fields["name"].(string)
			if keys, err := members.IndexKeys("name", name); err != nil {
				return err
			} else if len(keys) > 0 {
				continue
			}
			if _, taken := members.Get(r.key); taken {
				continue
			}
			data, err := json.Marshal(r.fields)
			if err != nil {
				return err
			}
			if err := members.Put(r.key, data); err != nil {
				return err
			}
		}
		if err := tx.DeleteStore(storeStudents); err != nil {
			return err
		}
	}

	return rewriteRecords(members, func(fields map[string]any) (bool, error) {
		changed := false
		if role, _ := fields["role"].(string); role == "" {
			fields["role"] = "student"
			changed = true
		}
		if _, ok := fields["aliases"].([]any); !ok {
			fields["aliases"] = []any{}
			changed = true
		}
		if _, ok := fields["hidden"].(bool); !ok {
			fields["hidden"] = false
			changed = true
		}
		return changed, nil
	})
}

func migrateV10Assessments(tx *Tx) error {
	if _, err := tx.CreateStore(StoreDef{
		Name: StoreModules, KeyPath: "id", AutoIncrement: true,
		Indexes: []IndexDef{{Name: "groupName", KeyPath: []string{"groupName"}}},
	}); err != nil {
		return err
	}
	_, err := tx.CreateStore(StoreDef{
		Name: StoreFinalAssessments, KeyPath: "id", AutoIncrement: true,
		Indexes: []IndexDef{
			{Name: "studentId", KeyPath: []string{"studentId"}},
			{Name: IndexNatural, KeyPath: []string{"studentId", "assessmentType"}, Unique: true},
		},
	})
	return err
}

func migrateV11MarkSync(tx *Tx) error {
	if !tx.HasStore(StoreMarks) {
		return nil
	}
	marks, err := tx.Store(StoreMarks)
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	return rewriteRecords(marks, func(fields map[string]any) (bool, error) {
		changed := false
		if _, ok := fields["synced"].(bool); !ok {
			fields["synced"] = false
			changed = true
		}
		if synced, _ := fields["synced"].(bool); !synced && fields["syncedAt"] != nil {
			delete(fields, "syncedAt")
			changed = true
		}
		if s, _ := fields["createdAt"].(string); s == "" {
			fields["createdAt"] = stamp
			changed = true
		}
		return changed, nil
	})
}

func scanFields(st *Store, fn func(Key, map[string]any) error) error {
	return st.ForEach(func(key Key, value []byte) error {
		fields, err := decodeFields(value)
		if err != nil {
			return fmt.Errorf("%s: key %s: %w", st.Name(), key, err)
		}
		return fn(key, fields)
	})
}

// rewriteRecords applies fn to every record and writes back the ones fn
// reports as changed. Writes happen after the scan; bbolt forbids mutating
// a bucket while iterating it.
func rewriteRecords(st *Store, fn func(fields map[string]any) (bool, error)) error {
	type change struct {
		key  Key
		data []byte
	}
	var changes []change
	err := scanFields(st, func(key Key, fields map[string]any) error {
		changed, err := fn(fields)
		if err != nil || !changed {
			return err
		}
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		changes = append(changes, change{key: Key(copyBytes(key)), data: data})
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		if err := st.Put(c.key, c.data); err != nil {
			return err
		}
	}
	return nil
}

func naturalKeyString(fields map[string]any, names ...string) string {
	values := make([]any, len(names))
	for i, n := range names {
		values[i] = fields[n]
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func numberField(fields map[string]any, name string) (int64, bool) {
	switch v := fields[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
