// Package core is the service layer over the workspace stores.
//
// It owns everything that spans more than one store or more than one
// database, independent of any transport:
//
//   - Workspaces: create, rename, delete (dropping the database) and switch.
//     A switch persists the new current workspace, closes the cached
//     connection and waits a settle delay before returning, so callers can
//     treat it as a barrier.
//   - Backups: export and import through the backup engine, including
//     multi-workspace documents and periodic snapshots on disk.
//   - Stats: per-workspace storage usage.
//
// # Operation Gate
//
// Switches, workspace deletes, imports and snapshots replace or move whole
// databases and never run concurrently. They pass through a one-slot
// [OperationGate]; a caller that cannot get the slot in time receives
// [ErrBusy]. Single-record reads and writes go straight to [Service.Stores].
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages with [MapError]. Each
// message has a code for support reference:
//
//   - STO001-STO006: storage errors (constraints, missing records, versions)
//   - WS001-WS003: workspace errors
//   - BAK001-BAK003: backup document errors
//   - VAL001-VAL003: invalid records and settings
//   - OP001-OP003: busy, cancelled and timed-out operations
package core
