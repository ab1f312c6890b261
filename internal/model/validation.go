package model

// validation.go checks records handed over by producers (file parsers, the
// API) before they reach a store. Stores trust validated records.

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar date format used by meets and tasks.
const DateLayout = "2006-01-02"

// ValidationError describes one invalid field.
type ValidationError struct {
	Field   string // JSON field name
	Value   string // offending value, if any
	Message string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every problem found in a record.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

type checker struct {
	errs ValidationErrors
}

func (c *checker) required(field, value string) {
	if strings.TrimSpace(value) == "" {
		c.errs = append(c.errs, ValidationError{Field: field, Message: "required field is empty"})
	}
}

func (c *checker) date(field, value string) {
	if value == "" {
		return
	}
	if _, err := time.Parse(DateLayout, value); err != nil {
		c.errs = append(c.errs, ValidationError{Field: field, Value: value, Message: "invalid date format (use YYYY-MM-DD)"})
	}
}

func (c *checker) nonNegative(field string, v float64) {
	if v < 0 {
		c.errs = append(c.errs, ValidationError{Field: field, Value: fmt.Sprint(v), Message: "must not be negative"})
	}
}

func (c *checker) positiveID(field string, id int64) {
	if id <= 0 {
		c.errs = append(c.errs, ValidationError{Field: field, Value: fmt.Sprint(id), Message: "must reference an existing record"})
	}
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return c.errs
}

// Validate checks a meet and its participants.
func (m *Meet) Validate() error {
	var c checker
	c.required("meetId", m.MeetID)
	c.required("date", m.Date)
	c.date("date", m.Date)
	for i, p := range m.Participants {
		field := fmt.Sprintf("participants[%d]", i)
		c.required(field+".name", p.Name)
		if p.Duration < 0 {
			c.errs = append(c.errs, ValidationError{Field: field + ".duration", Value: fmt.Sprint(p.Duration), Message: "must not be negative"})
		}
	}
	return c.err()
}

func (g *Group) Validate() error {
	var c checker
	c.required("name", g.Name)
	if g.Course < 0 {
		c.errs = append(c.errs, ValidationError{Field: "course", Value: fmt.Sprint(g.Course), Message: "must not be negative"})
	}
	return c.err()
}

func (m *Member) Validate() error {
	var c checker
	c.required("name", m.Name)
	switch m.Role {
	case "", RoleStudent, RoleTeacher:
	default:
		c.errs = append(c.errs, ValidationError{Field: "role", Value: m.Role, Message: "value must be one of: student, teacher"})
	}
	return c.err()
}

func (t *Task) Validate() error {
	var c checker
	c.required("name", t.Name)
	c.required("date", t.Date)
	c.date("date", t.Date)
	c.required("groupName", t.GroupName)
	c.nonNegative("maxPoints", t.MaxPoints)
	return c.err()
}

func (m *Mark) Validate() error {
	var c checker
	c.positiveID("taskId", m.TaskID)
	c.positiveID("studentId", m.StudentID)
	c.nonNegative("score", m.Score)
	return c.err()
}

func (m *Module) Validate() error {
	var c checker
	c.required("groupName", m.GroupName)
	c.required("name", m.Name)
	for i, ref := range m.Tasks {
		c.required(fmt.Sprintf("tasks[%d].name", i), ref.Name)
		c.date(fmt.Sprintf("tasks[%d].date", i), ref.Date)
	}
	if m.Test != nil {
		c.required("test.name", m.Test.Name)
		c.date("test.date", m.Test.Date)
	}
	if m.MinTasksRequired < 0 || m.MinTasksRequired > len(m.Tasks) {
		c.errs = append(c.errs, ValidationError{
			Field:   "minTasksRequired",
			Value:   fmt.Sprint(m.MinTasksRequired),
			Message: fmt.Sprintf("must be between 0 and %d", len(m.Tasks)),
		})
	}
	c.nonNegative("tasksCoefficient", m.TasksCoefficient)
	c.nonNegative("testCoefficient", m.TestCoefficient)
	return c.err()
}

func (f *FinalAssessment) Validate() error {
	var c checker
	c.positiveID("studentId", f.StudentID)
	c.required("assessmentType", f.AssessmentType)
	c.nonNegative("grade", f.Grade)
	return c.err()
}
