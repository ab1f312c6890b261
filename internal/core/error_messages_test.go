package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/JonMunkholm/markbook/internal/backup"
	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/store"
	"github.com/JonMunkholm/markbook/internal/workspace"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "nil error returns empty",
			err:      nil,
			wantCode: "",
		},
		{
			name:     "wrapped constraint error",
			err:      fmt.Errorf("save task: %w", &storage.ConstraintError{Store: "tasks", Index: "natural"}),
			wantCode: "STO001",
		},
		{
			name:     "missing record",
			err:      fmt.Errorf("get mark 4: %w", store.ErrNotFound),
			wantCode: "STO002",
		},
		{
			name:     "newer database",
			err:      fmt.Errorf("open attendance: %w", storage.ErrVersionTooNew),
			wantCode: "STO003",
		},
		{
			name:     "migration failure",
			err:      &storage.MigrationError{Version: 9, Name: "students to members", Err: errors.New("boom")},
			wantCode: "STO004",
		},
		{
			name:     "default workspace",
			err:      workspace.ErrDefaultWorkspace,
			wantCode: "WS001",
		},
		{
			name:     "unknown backup",
			err:      fmt.Errorf("%w: %q", backup.ErrUnknownFormat, "photos"),
			wantCode: "BAK001",
		},
		{
			name:     "newer backup",
			err:      backup.ErrUnsupportedVersion,
			wantCode: "BAK002",
		},
		{
			name:     "validation errors",
			err:      model.ValidationErrors{{Field: "name", Message: "required field is empty"}},
			wantCode: "VAL001",
		},
		{
			name:     "gate busy",
			err:      ErrBusy,
			wantCode: "OP001",
		},
		{
			name:     "cancelled",
			err:      fmt.Errorf("import: %w", context.Canceled),
			wantCode: "OP002",
		},
		{
			name:     "plain text falls back to patterns",
			err:      errors.New("open attendance: TIMEOUT"),
			wantCode: "STO006",
		},
		{
			name:     "unknown error returns default",
			err:      errors.New("some random internal error"),
			wantCode: "ERR000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestMapError_ValidationMessageListsFields(t *testing.T) {
	err := fmt.Errorf("save task: %w", model.ValidationErrors{
		{Field: "name", Message: "required field is empty"},
		{Field: "date", Value: "yesterday", Message: "invalid date format (use YYYY-MM-DD)"},
	})
	got := MapError(err).Message
	want := "Record is invalid: name: required field is empty; date: invalid date format (use YYYY-MM-DD)"
	if got != want {
		t.Errorf("MapError().Message = %q, want %q", got, want)
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(workspace.ErrNotFound)

	expected := "Workspace not found (Code: WS002). Refresh the workspace list"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", store.ErrAliasConflict, true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := fmt.Errorf("remove: %w", workspace.ErrDefaultWorkspace)
		userErr := NewUserError(techErr)

		if userErr.Error() != "The default workspace cannot be deleted" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, workspace.ErrDefaultWorkspace) {
			t.Error("Unwrap() should return original error")
		}
	})
}
