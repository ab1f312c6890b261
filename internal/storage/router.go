package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// DefaultDBName is the physical database of the default workspace.
const DefaultDBName = "attendance"

// fileExt is appended to database names to form file names.
const fileExt = ".db"

var validDBName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidDBName reports whether name is usable as a physical database name.
func ValidDBName(name string) bool {
	return validDBName.MatchString(name)
}

// Resolver names the physical database of the current workspace.
type Resolver interface {
	CurrentDBName() string
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithSchema overrides the schema used when opening databases.
func WithSchema(s *Schema) RouterOption {
	return func(r *Router) { r.schema = s }
}

// WithOpenTimeout sets how long opens wait for a file lock.
func WithOpenTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.openTimeout = d }
}

// WithDefaultDBName sets the fallback database name.
func WithDefaultDBName(name string) RouterOption {
	return func(r *Router) { r.defaultDB = name }
}

// Router resolves the current workspace to an open database and caches that
// one connection. The cached handle is reused until the current workspace's
// database name changes or Reset is called.
type Router struct {
	dir         string
	resolver    Resolver
	schema      *Schema
	openTimeout time.Duration
	defaultDB   string

	mu   sync.Mutex
	conn *Conn
}

// NewRouter creates a Router that keeps database files in dir.
func NewRouter(dir string, resolver Resolver, opts ...RouterOption) *Router {
	r := &Router{
		dir:         dir,
		resolver:    resolver,
		schema:      DefaultSchema(),
		openTimeout: DefaultOpenTimeout,
		defaultDB:   DefaultDBName,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Path returns the file path of a physical database.
func (r *Router) Path(dbName string) string {
	return filepath.Join(r.dir, dbName+fileExt)
}

// CurrentDBName returns the database name the router would open now. An
// empty or unusable name from the resolver falls back to the default.
func (r *Router) CurrentDBName() string {
	name := r.resolver.CurrentDBName()
	if !ValidDBName(name) {
		if name != "" {
			slog.Warn("invalid workspace database name, using default", "db", name, "default", r.defaultDB)
		}
		return r.defaultDB
	}
	return name
}

// Connection returns the connection of the current workspace, opening and
// upgrading its database on first use.
func (r *Router) Connection(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := r.CurrentDBName()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && r.conn.Name() == name {
		return r.conn, nil
	}
	if r.conn != nil {
		slog.Debug("current workspace changed, closing stale connection", "old_db", r.conn.Name(), "new_db", name)
		if err := r.conn.Close(); err != nil {
			slog.Warn("close stale connection", "db", r.conn.Name(), "error", err)
		}
		r.conn = nil
	}

	conn, err := Open(r.Path(name), OpenOptions{Schema: r.schema, Timeout: r.openTimeout})
	if err != nil {
		return nil, err
	}
	r.conn = conn
	slog.Debug("database connection opened", "db", name, "version", conn.Version())
	return conn, nil
}

// Reset closes the cached connection and returns once the database file has
// been released. The next Connection call opens a fresh handle.
func (r *Router) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		return nil
	}
	name := r.conn.Name()
	err := r.conn.Close()
	r.conn = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	slog.Debug("database connection closed", "db", name)
	return nil
}

// Close releases the cached connection.
func (r *Router) Close() error {
	return r.Reset()
}

// WithDatabase runs fn against the named database, upgrading it if needed.
// The cached connection is used when dbName is current; otherwise a
// short-lived handle is opened and closed around fn.
func (r *Router) WithDatabase(ctx context.Context, dbName string, fn func(*Conn) error) error {
	if !ValidDBName(dbName) {
		return fmt.Errorf("invalid database name %q", dbName)
	}
	if dbName == r.CurrentDBName() {
		conn, err := r.Connection(ctx)
		if err != nil {
			return err
		}
		return fn(conn)
	}

	conn, err := Open(r.Path(dbName), OpenOptions{Schema: r.schema, Timeout: r.openTimeout})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// Inspect runs fn against the named database without creating or upgrading
// it. Databases other than the current one are opened read-only; a missing
// file is reported as an error wrapping os.ErrNotExist.
func (r *Router) Inspect(ctx context.Context, dbName string, fn func(*Conn) error) error {
	if !ValidDBName(dbName) {
		return fmt.Errorf("invalid database name %q", dbName)
	}

	r.mu.Lock()
	cached := r.conn
	r.mu.Unlock()
	if cached != nil && cached.Name() == dbName {
		return fn(cached)
	}

	conn, err := Open(r.Path(dbName), OpenOptions{ReadOnly: true, Timeout: r.openTimeout})
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

// Drop closes the named database if it is cached and deletes its file.
func (r *Router) Drop(dbName string) error {
	if !ValidDBName(dbName) {
		return fmt.Errorf("invalid database name %q", dbName)
	}

	r.mu.Lock()
	if r.conn != nil && r.conn.Name() == dbName {
		if err := r.conn.Close(); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("close %s: %w", dbName, err)
		}
		r.conn = nil
	}
	r.mu.Unlock()

	if err := os.Remove(r.Path(dbName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", dbName, err)
	}
	slog.Info("database dropped", "db", dbName)
	return nil
}
