// Package backup exports workspace data to versioned JSON documents and
// restores it, remapping surrogate ids so references stay valid across
// independently created databases.
package backup

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/store"
)

// Kind names a backup document format.
type Kind string

const (
	KindFull    Kind = "full"
	KindReports Kind = "reports"
	KindGroups  Kind = "groups"
	KindMarks   Kind = "marks"
	KindSummary Kind = "summary"
	KindMulti   Kind = "multi-workspace-backup"
)

// Format describes one single-workspace document layout.
type Format struct {
	Kind    Kind
	Version int

	// Stores are the object stores the document carries. Import clears
	// exactly these before restoring.
	Stores []string

	// Settings is set when the document carries every workspace setting.
	Settings bool

	// ExamSettings is set when the document carries only the exam settings.
	ExamSettings bool

	encode func(d *Dataset, ts time.Time) any
	decode func(raw []byte) (*Dataset, error)
}

var (
	formats   = make(map[Kind]Format)
	formatsMu sync.RWMutex
)

// Register adds a format. Panics if the kind is already registered.
func Register(f Format) {
	formatsMu.Lock()
	defer formatsMu.Unlock()

	if _, exists := formats[f.Kind]; exists {
		panic(fmt.Sprintf("backup format already registered: %s", f.Kind))
	}
	formats[f.Kind] = f
}

// Lookup returns the format of a kind.
func Lookup(kind Kind) (Format, bool) {
	formatsMu.RLock()
	defer formatsMu.RUnlock()

	f, ok := formats[kind]
	return f, ok
}

// Formats returns every registered format, sorted by kind.
func Formats() []Format {
	formatsMu.RLock()
	defer formatsMu.RUnlock()

	out := make([]Format, 0, len(formats))
	for _, f := range formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Dataset is the format-independent content of a document.
type Dataset struct {
	Meets            []*model.Meet
	Groups           []*model.Group
	Tasks            []*model.Task
	Marks            []*model.Mark
	Members          []*model.Member
	FinalAssessments []*model.FinalAssessment
	Modules          []*model.Module
	Settings         *store.Settings
	ExamSettings     json.RawMessage
}

// FullBackup is the complete single-workspace document.
type FullBackup struct {
	Meets            []*model.Meet            `json:"meets"`
	Groups           []*model.Group           `json:"groups"`
	Tasks            []*model.Task            `json:"tasks"`
	Marks            []*model.Mark            `json:"marks"`
	Members          []*model.Member          `json:"members"`
	FinalAssessments []*model.FinalAssessment `json:"finalAssessments"`
	Modules          []*model.Module          `json:"modules"`
	Settings         store.Settings           `json:"settings"`
	Version          int                      `json:"version"`
	Timestamp        time.Time                `json:"timestamp"`
}

// ReportsBackup carries attendance sessions.
type ReportsBackup struct {
	Meets     []*model.Meet `json:"meets"`
	Version   int           `json:"version"`
	Type      Kind          `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
}

// GroupsBackup carries course groups.
type GroupsBackup struct {
	Groups    []*model.Group `json:"groups"`
	Version   int            `json:"version"`
	Type      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
}

// MarksBackup carries tasks, marks and the members they refer to.
type MarksBackup struct {
	Tasks     []*model.Task   `json:"tasks"`
	Marks     []*model.Mark   `json:"marks"`
	Members   []*model.Member `json:"members"`
	Version   int             `json:"version"`
	Type      Kind            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
}

// SummarySettings is the settings subset of a summary document.
type SummarySettings struct {
	ExamSettings json.RawMessage `json:"examSettings,omitempty"`
}

// SummaryBackup carries final assessments, modules and exam settings.
type SummaryBackup struct {
	FinalAssessments []*model.FinalAssessment `json:"finalAssessments"`
	Modules          []*model.Module          `json:"modules"`
	Settings         SummarySettings          `json:"settings"`
	Version          int                      `json:"version"`
	Type             Kind                     `json:"type"`
	Timestamp        time.Time                `json:"timestamp"`
}

// WorkspaceData is the per-workspace payload of a multi-workspace document.
type WorkspaceData struct {
	Meets            []*model.Meet            `json:"meets"`
	Groups           []*model.Group           `json:"groups"`
	Tasks            []*model.Task            `json:"tasks"`
	Marks            []*model.Mark            `json:"marks"`
	Members          []*model.Member          `json:"members"`
	FinalAssessments []*model.FinalAssessment `json:"finalAssessments"`
	Modules          []*model.Module          `json:"modules"`
}

// WorkspaceBackup is one workspace inside a multi-workspace document.
type WorkspaceBackup struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Icon   string        `json:"icon,omitempty"`
	DBName string        `json:"dbName"`
	Data   WorkspaceData `json:"data"`
}

// MultiWorkspaceBackup carries the entity data of every workspace. Settings
// are not included.
type MultiWorkspaceBackup struct {
	Type       Kind              `json:"type"`
	Version    int               `json:"version"`
	Timestamp  time.Time         `json:"timestamp"`
	Workspaces []WorkspaceBackup `json:"workspaces"`
}

// MultiVersion is the multi-workspace document version.
const MultiVersion = 1

// entityStores lists every entity store, settings excluded.
var entityStores = []string{
	storage.StoreMeets, storage.StoreGroups, storage.StoreTasks, storage.StoreMarks,
	storage.StoreMembers, storage.StoreFinalAssessments, storage.StoreModules,
}

func init() {
	Register(Format{
		Kind:     KindFull,
		Version:  4,
		Stores:   append(append([]string{}, entityStores...), storage.StoreSettings),
		Settings: true,
		encode: func(d *Dataset, ts time.Time) any {
			doc := FullBackup{
				Meets: nonNil(d.Meets), Groups: nonNil(d.Groups), Tasks: nonNil(d.Tasks),
				Marks: nonNil(d.Marks), Members: nonNil(d.Members),
				FinalAssessments: nonNil(d.FinalAssessments), Modules: nonNil(d.Modules),
				Version: 4, Timestamp: ts,
			}
			if d.Settings != nil {
				doc.Settings = *d.Settings
			}
			return doc
		},
		decode: func(raw []byte) (*Dataset, error) {
			var doc FullBackup
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			settings := doc.Settings
			return &Dataset{
				Meets: doc.Meets, Groups: doc.Groups, Tasks: doc.Tasks, Marks: doc.Marks,
				Members: doc.Members, FinalAssessments: doc.FinalAssessments, Modules: doc.Modules,
				Settings: &settings,
			}, nil
		},
	})

	Register(Format{
		Kind:    KindReports,
		Version: 1,
		Stores:  []string{storage.StoreMeets},
		encode: func(d *Dataset, ts time.Time) any {
			return ReportsBackup{Meets: nonNil(d.Meets), Version: 1, Type: KindReports, Timestamp: ts}
		},
		decode: func(raw []byte) (*Dataset, error) {
			var doc ReportsBackup
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			return &Dataset{Meets: doc.Meets}, nil
		},
	})

	Register(Format{
		Kind:    KindGroups,
		Version: 1,
		Stores:  []string{storage.StoreGroups},
		encode: func(d *Dataset, ts time.Time) any {
			return GroupsBackup{Groups: nonNil(d.Groups), Version: 1, Type: KindGroups, Timestamp: ts}
		},
		decode: func(raw []byte) (*Dataset, error) {
			var doc GroupsBackup
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			return &Dataset{Groups: doc.Groups}, nil
		},
	})

	Register(Format{
		Kind:    KindMarks,
		Version: 2,
		Stores:  []string{storage.StoreTasks, storage.StoreMarks, storage.StoreMembers},
		encode: func(d *Dataset, ts time.Time) any {
			return MarksBackup{
				Tasks: nonNil(d.Tasks), Marks: nonNil(d.Marks), Members: nonNil(d.Members),
				Version: 2, Type: KindMarks, Timestamp: ts,
			}
		},
		decode: func(raw []byte) (*Dataset, error) {
			var doc MarksBackup
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			return &Dataset{Tasks: doc.Tasks, Marks: doc.Marks, Members: doc.Members}, nil
		},
	})

	Register(Format{
		Kind:         KindSummary,
		Version:      1,
		Stores:       []string{storage.StoreFinalAssessments, storage.StoreModules},
		ExamSettings: true,
		encode: func(d *Dataset, ts time.Time) any {
			return SummaryBackup{
				FinalAssessments: nonNil(d.FinalAssessments), Modules: nonNil(d.Modules),
				Settings: SummarySettings{ExamSettings: d.ExamSettings},
				Version: 1, Type: KindSummary, Timestamp: ts,
			}
		},
		decode: func(raw []byte) (*Dataset, error) {
			var doc SummaryBackup
			if err := json.Unmarshal(raw, &doc); err != nil {
				return nil, err
			}
			return &Dataset{
				FinalAssessments: doc.FinalAssessments, Modules: doc.Modules,
				ExamSettings: doc.Settings.ExamSettings,
			}, nil
		},
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (d *Dataset) workspaceData() WorkspaceData {
	return WorkspaceData{
		Meets: nonNil(d.Meets), Groups: nonNil(d.Groups), Tasks: nonNil(d.Tasks),
		Marks: nonNil(d.Marks), Members: nonNil(d.Members),
		FinalAssessments: nonNil(d.FinalAssessments), Modules: nonNil(d.Modules),
	}
}

func datasetOf(w WorkspaceData) *Dataset {
	return &Dataset{
		Meets: w.Meets, Groups: w.Groups, Tasks: w.Tasks, Marks: w.Marks,
		Members: w.Members, FinalAssessments: w.FinalAssessments, Modules: w.Modules,
	}
}
