// Package stats reports per-workspace storage usage.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/markbook/internal/storage"
	"github.com/JonMunkholm/markbook/internal/workspace"
)

// maxParallel bounds how many workspace databases are read at once.
const maxParallel = 4

// Databases opens workspace databases without creating them.
// *storage.Router implements it.
type Databases interface {
	Inspect(ctx context.Context, dbName string, fn func(*storage.Conn) error) error
}

// Catalog lists workspaces. *workspace.Registry implements it.
type Catalog interface {
	List() []workspace.Workspace
	Current() workspace.Workspace
}

// StoreStats is the usage of one object store.
type StoreStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}

// WorkspaceStats is the usage of one workspace database.
type WorkspaceStats struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	DBName  string `json:"dbName"`
	Current bool   `json:"current"`

	// Exists is false when the database file was never created.
	Exists  bool                  `json:"exists"`
	Version int                   `json:"version,omitempty"`
	Stores  map[string]StoreStats `json:"stores"`
	Records int                   `json:"records"`
	Bytes   int64                 `json:"bytes"`

	// MissingStores lists stores a legacy database lacks.
	MissingStores []string `json:"missingStores,omitempty"`

	// Error is set when the usage is incomplete: stores are missing or the
	// database could not be read at all. An unreadable database reports zero
	// usage.
	Error string `json:"error,omitempty"`
}

// Report is the usage of every workspace plus the total.
type Report struct {
	Workspaces []WorkspaceStats `json:"workspaces"`
	Records    int              `json:"records"`
	Bytes      int64            `json:"bytes"`
}

// Engine collects usage statistics.
type Engine struct {
	dbs     Databases
	catalog Catalog
}

// NewEngine returns an Engine over the given databases and catalog.
func NewEngine(dbs Databases, catalog Catalog) *Engine {
	return &Engine{dbs: dbs, catalog: catalog}
}

// Collect reads every workspace in parallel. A workspace that cannot be read
// is reported with its Error set; Collect itself only fails when ctx ends.
func (e *Engine) Collect(ctx context.Context) (*Report, error) {
	list := e.catalog.List()
	current := e.catalog.Current().ID

	out := make([]WorkspaceStats, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for i, ws := range list {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st := e.Workspace(gctx, ws)
			st.Current = ws.ID == current
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Workspaces: out}
	for _, ws := range out {
		report.Records += ws.Records
		report.Bytes += ws.Bytes
	}
	return report, nil
}

// Workspace reads the usage of one workspace.
func (e *Engine) Workspace(ctx context.Context, ws workspace.Workspace) WorkspaceStats {
	st := WorkspaceStats{
		ID:     ws.ID,
		Name:   ws.Name,
		DBName: ws.DBName,
		Stores: make(map[string]StoreStats),
	}

	err := e.dbs.Inspect(ctx, ws.DBName, func(conn *storage.Conn) error {
		st.Exists = true
		st.Version = conn.Version()
		return conn.View(ctx, func(tx *storage.Tx) error {
			return collect(tx, &st)
		})
	})
	switch {
	case err == nil:
		if len(st.MissingStores) > 0 {
			st.Error = "missing stores: " + strings.Join(st.MissingStores, ", ")
		}
	case errors.Is(err, os.ErrNotExist):
		st.Exists = false
	default:
		slog.Warn("workspace stats unavailable", "workspace", ws.ID, "db", ws.DBName, "error", err)
		st = WorkspaceStats{
			ID:     ws.ID,
			Name:   ws.Name,
			DBName: ws.DBName,
			Exists: st.Exists,
			Stores: map[string]StoreStats{},
			Error:  err.Error(),
		}
	}
	return st
}

func collect(tx *storage.Tx, st *WorkspaceStats) error {
	for _, name := range storage.StoreNames() {
		if !tx.HasStore(name) {
			st.MissingStores = append(st.MissingStores, name)
			continue
		}
		s, err := tx.Store(name)
		if err != nil {
			return err
		}
		var ss StoreStats
		err = s.ForEach(func(key storage.Key, value []byte) error {
			ss.Count++
			ss.Bytes += int64(len(key) + len(value))
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", name, err)
		}
		st.Stores[name] = ss
		st.Records += ss.Count
		st.Bytes += ss.Bytes
	}
	return nil
}
