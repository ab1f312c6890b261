package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreNotFound is returned when a transaction asks for an object store
	// the database does not contain.
	ErrStoreNotFound = errors.New("object store not found")

	// ErrIndexNotFound is returned for lookups on an index the store lacks.
	ErrIndexNotFound = errors.New("index not found")

	// ErrConstraint is the sentinel behind every unique-key violation.
	// Match it with errors.Is; use errors.As with *ConstraintError for details.
	ErrConstraint = errors.New("unique constraint violated")

	// ErrVersionTooNew is returned when a database was written by a newer schema.
	ErrVersionTooNew = errors.New("database schema version is newer than supported")

	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("connection closed")

	// ErrReadOnly is returned for writes attempted inside a read-only transaction.
	ErrReadOnly = errors.New("transaction is read-only")
)

// ConstraintError describes a unique index (or primary key) collision.
type ConstraintError struct {
	Store string
	Index string // empty for a primary key collision
	Key   string // encoded index value
}

func (e *ConstraintError) Error() string {
	if e.Index == "" {
		return fmt.Sprintf("%s: primary key %s already exists: %v", e.Store, e.Key, ErrConstraint)
	}
	return fmt.Sprintf("%s.%s: value %s already exists: %v", e.Store, e.Index, e.Key, ErrConstraint)
}

func (e *ConstraintError) Unwrap() error {
	return ErrConstraint
}

// MigrationError wraps a failure inside a schema migration step.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration v%d (%s): %v", e.Version, e.Name, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
