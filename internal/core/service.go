package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/markbook/internal/backup"
	"github.com/JonMunkholm/markbook/internal/stats"
	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/store"
	"github.com/JonMunkholm/markbook/internal/workspace"
)

// ImportTimeout is the maximum duration of a backup import.
var ImportTimeout = 10 * time.Minute

// DefaultSwitchSettle is the pause after closing a database before the next
// one is opened.
const DefaultSwitchSettle = 100 * time.Millisecond

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	// SwitchSettle is the pause after a workspace switch closes the old
	// database.
	SwitchSettle time.Duration

	// GateWait bounds how long gated operations wait for each other.
	GateWait time.Duration

	// MaxBackupBytes rejects larger import documents. Zero disables the check.
	MaxBackupBytes int64
}

// Service is the entry point for every workspace-level operation.
type Service struct {
	registry *workspace.Registry
	router   *storage.Router
	stores   *store.Stores
	backups  *backup.Engine
	stats    *stats.Engine
	gate     *OperationGate

	settle    time.Duration
	maxBackup int64
}

// NewService wires the stores, backup and stats engines over router. The
// router must resolve databases through registry.
func NewService(registry *workspace.Registry, router *storage.Router, opts Options) *Service {
	if opts.SwitchSettle < 0 {
		opts.SwitchSettle = 0
	} else if opts.SwitchSettle == 0 {
		opts.SwitchSettle = DefaultSwitchSettle
	}
	return &Service{
		registry:  registry,
		router:    router,
		stores:    store.New(router),
		backups:   backup.NewEngine(router, registry),
		stats:     stats.NewEngine(router, registry),
		gate:      NewOperationGate(opts.GateWait),
		settle:    opts.SwitchSettle,
		maxBackup: opts.MaxBackupBytes,
	}
}

// Stores returns the entity stores of the current workspace.
func (s *Service) Stores() *store.Stores {
	return s.stores
}

// GateStatus reports which gated operation is running, if any.
func (s *Service) GateStatus() GateStatus {
	return s.gate.Status()
}

// ListWorkspaces returns the catalog, default first.
func (s *Service) ListWorkspaces() []workspace.Workspace {
	return s.registry.List()
}

// CurrentWorkspace returns the selected workspace.
func (s *Service) CurrentWorkspace() workspace.Workspace {
	return s.registry.Current()
}

// CreateWorkspace registers a workspace. Its database is created on first
// use.
func (s *Service) CreateWorkspace(name, icon string) (workspace.Workspace, error) {
	return s.registry.Create(name, icon)
}

// UpdateWorkspace renames a workspace or changes its icon.
func (s *Service) UpdateWorkspace(id, name, icon string) (workspace.Workspace, error) {
	return s.registry.Update(id, name, icon)
}

// SwitchWorkspace makes id the current workspace. It returns once the old
// database is closed and the settle delay has passed, so the next store call
// opens the new database.
func (s *Service) SwitchWorkspace(ctx context.Context, id string) (workspace.Workspace, error) {
	if err := s.gate.Acquire(ctx, "switch"); err != nil {
		return workspace.Workspace{}, err
	}
	defer s.gate.Release()

	prev := s.registry.Current()
	ws, err := s.registry.SetCurrent(id)
	if err != nil {
		return workspace.Workspace{}, err
	}
	if prev.ID == ws.ID {
		return ws, nil
	}
	if err := s.closeCurrent(ctx); err != nil {
		return ws, err
	}
	slog.Info("workspace switched", "from", prev.ID, "to", ws.ID, "db", ws.DBName)
	return ws, nil
}

// DeleteWorkspace removes a workspace and its database. Deleting the current
// workspace switches to the default one.
func (s *Service) DeleteWorkspace(ctx context.Context, id string) error {
	if err := s.gate.Acquire(ctx, "delete workspace"); err != nil {
		return err
	}
	defer s.gate.Release()

	wasCurrent := s.registry.Current().ID == id
	removed, err := s.registry.Remove(id)
	if err != nil {
		return err
	}
	if err := s.router.Drop(removed.DBName); err != nil {
		return fmt.Errorf("drop database %s: %w", removed.DBName, err)
	}
	if wasCurrent {
		if err := s.closeCurrent(ctx); err != nil {
			return err
		}
	}
	slog.Info("workspace deleted", "id", removed.ID, "db", removed.DBName)
	return nil
}

// closeCurrent closes the cached connection and waits out the settle delay.
func (s *Service) closeCurrent(ctx context.Context) error {
	if err := s.router.Reset(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	if s.settle == 0 {
		return nil
	}
	timer := time.NewTimer(s.settle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExportBackup builds a document of the given kind from the current
// workspace.
func (s *Service) ExportBackup(ctx context.Context, kind backup.Kind) ([]byte, error) {
	return s.backups.Export(ctx, kind)
}

// ImportBackup restores a document into the current workspace, or into every
// listed workspace for a multi-workspace document.
func (s *Service) ImportBackup(ctx context.Context, raw []byte) (*backup.ImportReport, error) {
	if err := s.checkSize(raw); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, ImportTimeout)
	defer cancel()

	if err := s.gate.Acquire(ctx, "import"); err != nil {
		return nil, err
	}
	defer s.gate.Release()

	start := time.Now()
	report, err := s.backups.Import(ctx, raw)
	if err != nil {
		return report, err
	}
	slog.Info("backup restored",
		"kind", report.Kind,
		"workspace", s.registry.Current().ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

// ExportAllWorkspaces builds a multi-workspace document.
func (s *Service) ExportAllWorkspaces(ctx context.Context) (*backup.MultiWorkspaceBackup, error) {
	return s.backups.ExportAll(ctx)
}

// ImportAllWorkspaces restores a multi-workspace document and reports the
// outcome per workspace.
func (s *Service) ImportAllWorkspaces(ctx context.Context, raw []byte) ([]backup.WorkspaceImport, error) {
	if err := s.checkSize(raw); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, ImportTimeout)
	defer cancel()

	if err := s.gate.Acquire(ctx, "import"); err != nil {
		return nil, err
	}
	defer s.gate.Release()

	return s.backups.ImportAll(ctx, raw)
}

func (s *Service) checkSize(raw []byte) error {
	if s.maxBackup > 0 && int64(len(raw)) > s.maxBackup {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrBackupTooLarge, len(raw), s.maxBackup)
	}
	return nil
}

// Stats reports storage usage of every workspace.
func (s *Service) Stats(ctx context.Context) (*stats.Report, error) {
	return s.stats.Collect(ctx)
}

// Close waits for a running gated operation and closes the database.
func (s *Service) Close(ctx context.Context) error {
	drainErr := s.gate.WaitForDrain(ctx)
	if drainErr != nil {
		slog.Warn("closing with an operation in progress", "operation", s.gate.Status().Operation)
	}
	return errors.Join(drainErr, s.router.Close())
}
