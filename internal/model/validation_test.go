package model

import (
	"errors"
	"testing"
)

type validator interface {
	Validate() error
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		record  validator
		wantErr bool
		field   string
	}{
		{"valid meet", &Meet{MeetID: "abc", Date: "2024-09-02", Participants: []Participant{{Name: "Alice", Duration: 40}}}, false, ""},
		{"meet bad date", &Meet{MeetID: "abc", Date: "02.09.2024"}, true, "date"},
		{"meet participant without name", &Meet{MeetID: "abc", Date: "2024-09-02", Participants: []Participant{{Duration: 3}}}, true, "participants[0].name"},
		{"group without name", &Group{MeetID: "abc"}, true, "name"},
		{"member unknown role", &Member{Name: "Bob", Role: "admin"}, true, "role"},
		{"member empty role", &Member{Name: "Bob"}, false, ""},
		{"task missing group", &Task{Name: "Lab", Date: "2024-09-02"}, true, "groupName"},
		{"task negative points", &Task{Name: "Lab", Date: "2024-09-02", GroupName: "KH-41", MaxPoints: -1}, true, "maxPoints"},
		{"mark without task", &Mark{StudentID: 1, Score: 5}, true, "taskId"},
		{"valid mark", &Mark{TaskID: 1, StudentID: 1, Score: 5}, false, ""},
		{"module min tasks too high", &Module{GroupName: "KH-41", Name: "M1", Tasks: []TaskRef{{Name: "Lab", Date: "2024-09-02"}}, MinTasksRequired: 2}, true, "minTasksRequired"},
		{"final assessment without type", &FinalAssessment{StudentID: 1, Grade: 90}, true, "assessmentType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Validate() error type = %T, want ValidationErrors", err)
			}
			found := false
			for _, e := range verrs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() errors = %v, want one on field %q", verrs, tt.field)
			}
		})
	}
}

func TestMember_NormalizeAndMatches(t *testing.T) {
	m := &Member{Name: "Olena Koval"}
	m.Normalize()
	if m.Aliases == nil {
		t.Error("Normalize() left Aliases nil")
	}
	if m.Role != RoleStudent {
		t.Errorf("Role = %q, want %q", m.Role, RoleStudent)
	}

	m.Aliases = append(m.Aliases, "Olena K.")
	if !m.Matches("Olena K.") || !m.Matches("Olena Koval") {
		t.Error("Matches() missed name or alias")
	}
	if m.Matches("Olena") {
		t.Error("Matches() accepted a partial name")
	}
}
