package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultOpenTimeout bounds how long Open waits for the file lock held by
// another handle on the same database.
const DefaultOpenTimeout = 5 * time.Second

// OpenOptions configures Open.
type OpenOptions struct {
	// Schema to upgrade to. Nil means DefaultSchema().
	Schema *Schema

	// Timeout for acquiring the file lock.
	Timeout time.Duration

	// ReadOnly opens without upgrading. The database file must exist.
	ReadOnly bool
}

// Conn is an open workspace database.
type Conn struct {
	db      *bbolt.DB
	name    string
	version int

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating when needed) the database file at path and, unless
// ReadOnly is set, upgrades it to the schema version in one transaction.
func Open(path string, opts OpenOptions) (*Conn, error) {
	if opts.Schema == nil {
		opts.Schema = DefaultSchema()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOpenTimeout
	}

	if opts.ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:  opts.Timeout,
		ReadOnly: opts.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	name := dbNameFromPath(path)
	c := &Conn{db: db, name: name}

	if opts.ReadOnly {
		err = db.View(func(btx *bbolt.Tx) error {
			c.version = readVersion(btx)
			return nil
		})
	} else {
		var from int
		from, c.version, err = opts.Schema.Upgrade(db)
		if err == nil && from != c.version {
			slog.Info("database upgraded", "db", name, "from_version", from, "to_version", c.version)
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	return c, nil
}

// Name returns the physical database name.
func (c *Conn) Name() string {
	return c.name
}

// Path returns the database file path.
func (c *Conn) Path() string {
	return c.db.Path()
}

// Version returns the schema version the database was at after opening.
func (c *Conn) Version() int {
	return c.version
}

// Update runs fn in a read-write transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (c *Conn) Update(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.Update(func(btx *bbolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err == bbolt.ErrDatabaseNotOpen {
		return ErrClosed
	}
	return err
}

// View runs fn in a read-only transaction.
func (c *Conn) View(ctx context.Context, fn func(*Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.db.View(func(btx *bbolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err == bbolt.ErrDatabaseNotOpen {
		return ErrClosed
	}
	return err
}

// Close releases the database. It blocks until in-flight transactions have
// finished and the file lock is released. Repeated calls return the first
// result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.db.Close()
	})
	return c.closeErr
}

func dbNameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
