// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Backup  BackupConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 127.0.0.1)
	Host string `env:"SERVER_HOST" default:"127.0.0.1"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 30s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"30s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 5m, imports are slow)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"5m"`
}

// StorageConfig holds embedded database settings.
type StorageConfig struct {
	// DataDir holds one database file per workspace (default: data)
	DataDir string `env:"STORAGE_DATA_DIR" envAlt:"DATA_DIR" default:"data"`

	// RegistryFile is the workspace catalog file inside DataDir (default: workspaces.kv)
	RegistryFile string `env:"STORAGE_REGISTRY_FILE" default:"workspaces.kv"`

	// DefaultDBName is the database of the default workspace (default: attendance)
	DefaultDBName string `env:"STORAGE_DEFAULT_DB" default:"attendance"`

	// OpenTimeout bounds waiting for a database file lock (default: 5s)
	OpenTimeout time.Duration `env:"STORAGE_OPEN_TIMEOUT" default:"5s"`

	// SwitchSettle is the pause after closing a database on workspace switch (default: 100ms)
	SwitchSettle time.Duration `env:"STORAGE_SWITCH_SETTLE" default:"100ms"`

	// GateWait is how long switches, imports and snapshots wait for each other (default: 30s)
	GateWait time.Duration `env:"STORAGE_GATE_WAIT" default:"30s"`
}

// BackupConfig holds backup import and snapshot settings.
type BackupConfig struct {
	// MaxUploadSize is the largest accepted backup document in bytes (default: 64MB)
	MaxUploadSize int64 `env:"BACKUP_MAX_UPLOAD_SIZE" default:"67108864"`

	// SnapshotEnabled turns on periodic snapshots of the current workspace (default: false)
	SnapshotEnabled bool `env:"BACKUP_SNAPSHOT_ENABLED" default:"false"`

	// SnapshotDir is where snapshots are written (default: data/snapshots)
	SnapshotDir string `env:"BACKUP_SNAPSHOT_DIR" default:"data/snapshots"`

	// SnapshotInterval is how often to take a snapshot (default: 24h)
	SnapshotInterval time.Duration `env:"BACKUP_SNAPSHOT_INTERVAL" default:"24h"`

	// SnapshotRetention is how many snapshots to keep per workspace (default: 7)
	SnapshotRetention int `env:"BACKUP_SNAPSHOT_RETENTION" default:"7"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes logs to a rotated file when set
	File string `env:"LOG_FILE"`

	// MaxSizeMB is the size at which the log file is rotated (default: 10)
	MaxSizeMB int `env:"LOG_MAX_SIZE_MB" default:"10"`

	// MaxBackups is the number of rotated files kept (default: 5)
	MaxBackups int `env:"LOG_MAX_BACKUPS" default:"5"`

	// MaxAgeDays is how long rotated files are kept (default: 30)
	MaxAgeDays int `env:"LOG_MAX_AGE_DAYS" default:"30"`

	// Compress gzips rotated files (default: true)
	Compress bool `env:"LOG_COMPRESS" default:"true"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
