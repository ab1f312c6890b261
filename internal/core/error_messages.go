package core

// Error codes reference.
//
// Every error returned by the service can be mapped to a UserMessage with a
// code users can quote to support. Codes are grouped by category:
//
//	STO001 - A record with the same key already exists
//	STO002 - Record not found
//	STO003 - Database written by a newer version
//	STO004 - Database upgrade failed
//	STO005 - Database is missing expected data
//	STO006 - Database is busy
//
//	WS001  - The default workspace cannot be deleted
//	WS002  - Workspace not found
//	WS003  - Workspace name is required
//
//	BAK001 - Unrecognised backup file
//	BAK002 - Backup from a newer version
//	BAK003 - Backup file too large
//
//	VAL001 - Record is invalid
//	VAL002 - Alias already belongs to another member
//	VAL003 - Invalid setting value
//
//	OP001  - Another operation is in progress
//	OP002  - Request cancelled
//	OP003  - Request timed out
//
//	ERR000 - Unknown error
//
// Sentinel and typed errors are matched first with errors.Is and errors.As.
// Errors that crossed a boundary as plain text fall back to case-insensitive
// substring patterns. The first match wins.

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/markbook/internal/backup"
	"github.com/JonMunkholm/markbook/internal/model"
	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/store"
	"github.com/JonMunkholm/markbook/internal/workspace"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Support reference
}

// ErrBackupTooLarge is returned for uploads above the configured limit.
var ErrBackupTooLarge = errors.New("backup file too large")

var (
	msgConstraint = UserMessage{
		Message: "A record with the same key already exists",
		Action:  "Edit the existing record instead of adding a new one",
		Code:    "STO001",
	}
	msgNotFound = UserMessage{
		Message: "Record not found",
		Action:  "Refresh the page; the record may have been deleted",
		Code:    "STO002",
	}
	msgVersionTooNew = UserMessage{
		Message: "This database was written by a newer version",
		Action:  "Update the application before opening this workspace",
		Code:    "STO003",
	}
	msgMigration = UserMessage{
		Message: "Database upgrade failed",
		Action:  "Your data was left unchanged. Export a backup and contact support",
		Code:    "STO004",
	}
	msgStoreMissing = UserMessage{
		Message: "Database is missing expected data",
		Action:  "Restart the application to complete the upgrade",
		Code:    "STO005",
	}
	msgBusyDB = UserMessage{
		Message: "Database is busy",
		Action:  "Close other copies of the application and try again",
		Code:    "STO006",
	}
	msgDefaultWorkspace = UserMessage{
		Message: "The default workspace cannot be deleted",
		Action:  "Delete its data with a restore instead",
		Code:    "WS001",
	}
	msgWorkspaceNotFound = UserMessage{
		Message: "Workspace not found",
		Action:  "Refresh the workspace list",
		Code:    "WS002",
	}
	msgWorkspaceName = UserMessage{
		Message: "Workspace name is required",
		Action:  "Enter a name for the workspace",
		Code:    "WS003",
	}
	msgUnknownBackup = UserMessage{
		Message: "Unrecognised backup file",
		Action:  "Choose a file exported by this application",
		Code:    "BAK001",
	}
	msgBackupVersion = UserMessage{
		Message: "This backup was made by a newer version",
		Action:  "Update the application before restoring it",
		Code:    "BAK002",
	}
	msgBackupTooLarge = UserMessage{
		Message: "Backup file too large",
		Action:  "Restore a granular backup instead",
		Code:    "BAK003",
	}
	msgInvalidRecord = UserMessage{
		Message: "Record is invalid",
		Action:  "Check the highlighted fields",
		Code:    "VAL001",
	}
	msgAliasConflict = UserMessage{
		Message: "Alias already belongs to another member",
		Action:  "Merge the members or choose another alias",
		Code:    "VAL002",
	}
	msgInvalidSetting = UserMessage{
		Message: "Invalid setting value",
		Action:  "Check the value and save again",
		Code:    "VAL003",
	}
	msgBusy = UserMessage{
		Message: "Another operation is in progress",
		Action:  "Please wait a moment and try again",
		Code:    "OP001",
	}
	msgCancelled = UserMessage{
		Message: "Request was cancelled",
		Action:  "Please try again",
		Code:    "OP002",
	}
	msgTimeout = UserMessage{
		Message: "Request timed out",
		Action:  "Please try again",
		Code:    "OP003",
	}
)

// errorSentinels maps sentinel errors to user messages.
var errorSentinels = []struct {
	err error
	msg UserMessage
}{
	{storage.ErrConstraint, msgConstraint},
	{store.ErrNotFound, msgNotFound},
	{storage.ErrVersionTooNew, msgVersionTooNew},
	{storage.ErrStoreNotFound, msgStoreMissing},
	{workspace.ErrDefaultWorkspace, msgDefaultWorkspace},
	{workspace.ErrNotFound, msgWorkspaceNotFound},
	{workspace.ErrInvalidName, msgWorkspaceName},
	{backup.ErrUnknownFormat, msgUnknownBackup},
	{backup.ErrUnsupportedVersion, msgBackupVersion},
	{ErrBackupTooLarge, msgBackupTooLarge},
	{store.ErrAliasConflict, msgAliasConflict},
	{store.ErrInvalidSetting, msgInvalidSetting},
	{store.ErrMissingID, msgInvalidRecord},
	{ErrBusy, msgBusy},
	{context.Canceled, msgCancelled},
	{context.DeadlineExceeded, msgTimeout},
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
// Specific patterns come before general ones.
var errorPatterns = []struct {
	pattern string
	msg     UserMessage
}{
	{"unique constraint", msgConstraint},
	{"already exists", msgConstraint},
	{"not found", msgNotFound},
	{"newer than supported", msgVersionTooNew},
	{"migration", msgMigration},
	{"timeout", msgBusyDB},
	{"another operation", msgBusy},
	{"context canceled", msgCancelled},
	{"deadline exceeded", msgTimeout},
}

// defaultMessage is returned when nothing matches. Support staff should check
// the logs for the original error when users report ERR000.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var verrs model.ValidationErrors
	if errors.As(err, &verrs) {
		msg := msgInvalidRecord
		msg.Message = fmt.Sprintf("%s: %s", msgInvalidRecord.Message, verrs.Error())
		return msg
	}
	var verr model.ValidationError
	if errors.As(err, &verr) {
		msg := msgInvalidRecord
		msg.Message = fmt.Sprintf("%s: %s", msgInvalidRecord.Message, verr.Error())
		return msg
	}
	var merr *storage.MigrationError
	if errors.As(err, &merr) {
		return msgMigration
	}

	for _, s := range errorSentinels {
		if errors.Is(err, s.err) {
			return s.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError wraps a technical error with its user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
