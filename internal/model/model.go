// Package model defines the records kept in a workspace database. Records
// are stored as JSON; field names match the persisted document layout.
package model

import (
	"encoding/json"
	"time"
)

// Entity is a record with a surrogate id.
type Entity interface {
	GetID() int64
	SetID(id int64)
}

// Normalizer is implemented by records with optional list fields that must
// never be nil once constructed or decoded.
type Normalizer interface {
	Normalize()
}

// Member roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// Participant is one attendee of a meet.
type Participant struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Duration int    `json:"duration"` // minutes
}

// Meet is one attendance session. MeetID is the recurring call code shared
// by every session of a group.
type Meet struct {
	ID           int64         `json:"id,omitempty"`
	MeetID       string        `json:"meetId"`
	Date         string        `json:"date"`
	Filename     string        `json:"filename,omitempty"`
	Participants []Participant `json:"participants"`
}

func (m *Meet) GetID() int64   { return m.ID }
func (m *Meet) SetID(id int64) { m.ID = id }

func (m *Meet) Normalize() {
	if m.Participants == nil {
		m.Participants = []Participant{}
	}
}

// Group is a course group. Name is unique; MeetID, when set, is unique too.
type Group struct {
	ID     int64  `json:"id,omitempty"`
	Name   string `json:"name"`
	MeetID string `json:"meetId,omitempty"`
	Course int    `json:"course,omitempty"`
}

func (g *Group) GetID() int64   { return g.ID }
func (g *Group) SetID(id int64) { g.ID = id }

// Member is a student or teacher. Name is the merge key; Aliases hold former
// names so older attendance still matches after a rename.
type Member struct {
	ID        int64    `json:"id,omitempty"`
	Name      string   `json:"name"`
	Email     string   `json:"email,omitempty"`
	GroupName string   `json:"groupName,omitempty"`
	Role      string   `json:"role"`
	Aliases   []string `json:"aliases"`
	Hidden    bool     `json:"hidden"`
}

func (m *Member) GetID() int64   { return m.ID }
func (m *Member) SetID(id int64) { m.ID = id }

func (m *Member) Normalize() {
	if m.Aliases == nil {
		m.Aliases = []string{}
	}
	if m.Role == "" {
		m.Role = RoleStudent
	}
}

// Matches reports whether name is the member's name or one of its aliases.
func (m *Member) Matches(name string) bool {
	if m.Name == name {
		return true
	}
	for _, a := range m.Aliases {
		if a == name {
			return true
		}
	}
	return false
}

// Task is graded work. (Name, Date, GroupName) identifies it.
type Task struct {
	ID        int64   `json:"id,omitempty"`
	Name      string  `json:"name"`
	Date      string  `json:"date"`
	GroupName string  `json:"groupName"`
	MaxPoints float64 `json:"maxPoints,omitempty"`
}

func (t *Task) GetID() int64   { return t.ID }
func (t *Task) SetID(id int64) { t.ID = id }

// Mark is a student's score on a task. (TaskID, StudentID) identifies it.
// A synced mark has been exchanged with an external grading system.
type Mark struct {
	ID        int64      `json:"id,omitempty"`
	TaskID    int64      `json:"taskId"`
	StudentID int64      `json:"studentId"`
	Score     float64    `json:"score"`
	Synced    bool       `json:"synced"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (m *Mark) GetID() int64   { return m.ID }
func (m *Mark) SetID(id int64) { m.ID = id }

// TaskRef points at a task of the owning module's group.
type TaskRef struct {
	Name string `json:"name"`
	Date string `json:"date"`
}

// Module groups tasks and a final test into one assessed unit.
type Module struct {
	ID               int64     `json:"id,omitempty"`
	GroupName        string    `json:"groupName"`
	Name             string    `json:"name"`
	Tasks            []TaskRef `json:"tasks"`
	Test             *TaskRef  `json:"test,omitempty"`
	MinTasksRequired int       `json:"minTasksRequired"`
	TasksCoefficient float64   `json:"tasksCoefficient"`
	TestCoefficient  float64   `json:"testCoefficient"`
}

func (m *Module) GetID() int64   { return m.ID }
func (m *Module) SetID(id int64) { m.ID = id }

func (m *Module) Normalize() {
	if m.Tasks == nil {
		m.Tasks = []TaskRef{}
	}
}

// FinalAssessment is a student's grade of one assessment type (exam, credit).
// (StudentID, AssessmentType) identifies it.
type FinalAssessment struct {
	ID             int64      `json:"id,omitempty"`
	StudentID      int64      `json:"studentId"`
	AssessmentType string     `json:"assessmentType"`
	Grade          float64    `json:"grade"`
	IsAutomatic    bool       `json:"isAutomatic"`
	SyncedAt       *time.Time `json:"syncedAt,omitempty"`
	DocumentedAt   *time.Time `json:"documentedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

func (f *FinalAssessment) GetID() int64   { return f.ID }
func (f *FinalAssessment) SetID(id int64) { f.ID = id }

// Setting is one workspace-scoped key-value pair.
type Setting struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}
