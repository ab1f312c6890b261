package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/workspace"
)

var (
	// ErrUnknownFormat is returned for documents that match no format.
	ErrUnknownFormat = errors.New("unknown backup format")

	// ErrUnsupportedVersion is returned for documents newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported backup version")
)

// Databases opens workspace databases. *storage.Router implements it.
type Databases interface {
	Connection(ctx context.Context) (*storage.Conn, error)
	WithDatabase(ctx context.Context, dbName string, fn func(*storage.Conn) error) error
	Inspect(ctx context.Context, dbName string, fn func(*storage.Conn) error) error
}

// Workspaces is the catalog a multi-workspace backup reads and extends.
// *workspace.Registry implements it.
type Workspaces interface {
	List() []workspace.Workspace
	Ensure(ws workspace.Workspace) (workspace.Workspace, error)
}

// Engine exports and imports backup documents.
type Engine struct {
	dbs        Databases
	workspaces Workspaces
	now        func() time.Time
}

// NewEngine returns an Engine over the given databases and catalog.
func NewEngine(dbs Databases, workspaces Workspaces) *Engine {
	return &Engine{
		dbs:        dbs,
		workspaces: workspaces,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Export builds a document of the given kind from the current workspace.
func (e *Engine) Export(ctx context.Context, kind Kind) ([]byte, error) {
	f, ok := Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, kind)
	}
	conn, err := e.dbs.Connection(ctx)
	if err != nil {
		return nil, err
	}

	var d *Dataset
	err = conn.View(ctx, func(tx *storage.Tx) error {
		var err error
		d, err = readDataset(tx, f.Stores, f.Settings, f.ExamSettings)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", kind, err)
	}
	return json.MarshalIndent(f.encode(d, e.now()), "", "  ")
}

// ExportFull builds a full document of the current workspace.
func (e *Engine) ExportFull(ctx context.Context) ([]byte, error) {
	return e.Export(ctx, KindFull)
}

// Import detects the kind of raw and restores it. Single-workspace documents
// go into the current workspace.
func (e *Engine) Import(ctx context.Context, raw []byte) (*ImportReport, error) {
	kind, version, err := Detect(raw)
	if err != nil {
		return nil, err
	}
	if kind == KindMulti {
		results, err := e.ImportAll(ctx, raw)
		if err != nil {
			return nil, err
		}
		return mergeReports(results), nil
	}

	f, ok := Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, kind)
	}
	if version > f.Version {
		return nil, fmt.Errorf("%w: %s version %d, newest is %d", ErrUnsupportedVersion, kind, version, f.Version)
	}
	d, err := f.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s backup: %w", kind, err)
	}

	conn, err := e.dbs.Connection(ctx)
	if err != nil {
		return nil, err
	}
	report, err := restore(ctx, conn, f, d)
	if err != nil {
		return report, err
	}
	slog.Info("backup imported", "kind", kind, "db", conn.Name())
	return report, nil
}

// Detect returns the kind and version of a document. Documents with a type
// field name their kind; untyped documents with a workspaces list are
// multi-workspace backups and untyped documents with a version are full
// backups.
func Detect(raw []byte) (Kind, int, error) {
	var head struct {
		Type       Kind            `json:"type"`
		Version    *int            `json:"version"`
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}

	version := 0
	if head.Version != nil {
		version = *head.Version
	}
	switch {
	case head.Type != "":
		if head.Type != KindMulti {
			if _, ok := Lookup(head.Type); !ok {
				return "", 0, fmt.Errorf("%w: %q", ErrUnknownFormat, head.Type)
			}
		}
		return head.Type, version, nil
	case len(head.Workspaces) > 0:
		return KindMulti, version, nil
	case head.Version != nil:
		return KindFull, version, nil
	}
	return "", 0, ErrUnknownFormat
}

// ExportAll builds a multi-workspace document with the entity data of every
// workspace. A workspace whose database file does not exist yet exports as
// empty.
func (e *Engine) ExportAll(ctx context.Context) (*MultiWorkspaceBackup, error) {
	doc := &MultiWorkspaceBackup{
		Type:      KindMulti,
		Version:   MultiVersion,
		Timestamp: e.now(),
	}

	for _, ws := range e.workspaces.List() {
		d := &Dataset{}
		err := e.dbs.Inspect(ctx, ws.DBName, func(conn *storage.Conn) error {
			return conn.View(ctx, func(tx *storage.Tx) error {
				var err error
				d, err = readDataset(tx, entityStores, false, false)
				return err
			})
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("export workspace %s: %w", ws.ID, err)
		}
		doc.Workspaces = append(doc.Workspaces, WorkspaceBackup{
			ID:     ws.ID,
			Name:   ws.Name,
			Icon:   ws.Icon,
			DBName: ws.DBName,
			Data:   d.workspaceData(),
		})
	}
	return doc, nil
}

// mergeReports sums the per-workspace tallies of a multi-workspace import.
func mergeReports(results []WorkspaceImport) *ImportReport {
	out := newReport(KindMulti)
	for _, res := range results {
		if res.Report == nil {
			continue
		}
		for name, t := range res.Report.Stores {
			sum := out.tally(name)
			sum.Created += t.Created
			sum.Updated += t.Updated
			sum.Unchanged += t.Unchanged
			sum.Skipped += t.Skipped
		}
	}
	return out
}

// WorkspaceImport is the outcome of restoring one workspace.
type WorkspaceImport struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	DBName string        `json:"dbName"`
	Report *ImportReport `json:"report,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// ImportAll restores a multi-workspace document. Unknown workspaces are
// registered first. A failing workspace is recorded and the rest continue;
// settings of the destination workspaces are left alone.
func (e *Engine) ImportAll(ctx context.Context, raw []byte) ([]WorkspaceImport, error) {
	var doc MultiWorkspaceBackup
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode multi-workspace backup: %w", err)
	}
	if doc.Version > MultiVersion {
		return nil, fmt.Errorf("%w: %s version %d, newest is %d", ErrUnsupportedVersion, KindMulti, doc.Version, MultiVersion)
	}

	f := Format{Kind: KindFull, Version: MultiVersion, Stores: entityStores}
	results := make([]WorkspaceImport, 0, len(doc.Workspaces))
	for _, entry := range doc.Workspaces {
		res := WorkspaceImport{ID: entry.ID, Name: entry.Name}
		ws, err := e.workspaces.Ensure(workspace.Workspace{
			ID:     entry.ID,
			Name:   entry.Name,
			Icon:   entry.Icon,
			DBName: entry.DBName,
		})
		if err != nil {
			res.Error = err.Error()
			results = append(results, res)
			slog.Warn("workspace import failed", "id", entry.ID, "error", err)
			continue
		}
		res.DBName = ws.DBName

		err = e.dbs.WithDatabase(ctx, ws.DBName, func(conn *storage.Conn) error {
			report, err := restore(ctx, conn, f, datasetOf(entry.Data))
			res.Report = report
			return err
		})
		if err != nil {
			res.Error = err.Error()
			slog.Warn("workspace import failed", "id", entry.ID, "db", ws.DBName, "error", err)
		}
		results = append(results, res)
	}
	return results, nil
}
