package core

// scheduler.go writes periodic full backups of the current workspace to disk.
//
// Each run exports the current workspace and writes the document under the
// snapshot directory, then deletes that workspace's oldest snapshots beyond
// the retention count. A run that finds another gated operation in progress
// is skipped. Failures are logged and never stop the scheduler.

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/markbook/internal/backup"
)

// SnapshotConfig holds configuration for the snapshot scheduler.
type SnapshotConfig struct {
	Dir       string        // Where snapshots are written
	Interval  time.Duration // How often to run (default: 24h)
	Retention int           // Snapshots kept per workspace (default: 7)
}

const (
	snapshotExt   = ".json"
	snapshotStamp = "20060102T150405Z"
)

func isSnapshotStamp(rest string) bool {
	if len(rest) <= len(snapshotStamp) || rest[len(snapshotStamp)] != '-' {
		return false
	}
	_, err := time.Parse(snapshotStamp, rest[:len(snapshotStamp)])
	return err == nil
}

func (c SnapshotConfig) withDefaults() SnapshotConfig {
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 7
	}
	return c
}

// StartSnapshotScheduler snapshots the current workspace every Interval until
// ctx is cancelled. The first snapshot is taken one interval after start.
func (s *Service) StartSnapshotScheduler(ctx context.Context, cfg SnapshotConfig) {
	cfg = cfg.withDefaults()
	slog.Info("snapshot scheduler started",
		"dir", cfg.Dir,
		"interval", cfg.Interval.String(),
		"retention", cfg.Retention,
	)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot scheduler stopped")
			return
		case <-ticker.C:
			s.runSnapshotJob(ctx, cfg)
		}
	}
}

// runSnapshotJob performs one snapshot and prune cycle.
func (s *Service) runSnapshotJob(ctx context.Context, cfg SnapshotConfig) {
	if !s.gate.TryAcquire("snapshot") {
		slog.Info("snapshot skipped, operation in progress", "operation", s.gate.Status().Operation)
		return
	}
	defer s.gate.Release()

	start := time.Now()
	path, err := s.writeSnapshot(ctx, cfg.Dir)
	if err != nil {
		slog.Error("snapshot failed", "error", err)
		return
	}

	dbName := s.registry.Current().DBName
	pruned, err := pruneSnapshots(cfg.Dir, dbName, cfg.Retention)
	if err != nil {
		slog.Error("snapshot prune failed", "error", err)
	}
	slog.Info("snapshot written",
		"path", path,
		"pruned", pruned,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Snapshot writes one full backup of the current workspace to dir and prunes
// old snapshots. It waits for other gated operations.
func (s *Service) Snapshot(ctx context.Context, cfg SnapshotConfig) (string, error) {
	cfg = cfg.withDefaults()
	if err := s.gate.Acquire(ctx, "snapshot"); err != nil {
		return "", err
	}
	defer s.gate.Release()

	path, err := s.writeSnapshot(ctx, cfg.Dir)
	if err != nil {
		return "", err
	}
	if _, err := pruneSnapshots(cfg.Dir, s.registry.Current().DBName, cfg.Retention); err != nil {
		return path, err
	}
	return path, nil
}

// writeSnapshot exports the current workspace and writes it atomically.
func (s *Service) writeSnapshot(ctx context.Context, dir string) (string, error) {
	raw, err := s.backups.Export(ctx, backup.KindFull)
	if err != nil {
		return "", fmt.Errorf("export snapshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%s%s",
		s.registry.Current().DBName,
		time.Now().UTC().Format(snapshotStamp),
		uuid.NewString()[:8],
		snapshotExt,
	)
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// pruneSnapshots deletes the oldest snapshots of dbName beyond keep. Names
// sort by time, so lexical order is age order.
func pruneSnapshots(dir, dbName string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	prefix := dbName + "-"
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		// "ws-2" shares the prefix of "ws"; the timestamp must follow it.
		if !isSnapshotStamp(name[len(prefix):]) {
			continue
		}
		names = append(names, name)
	}
	if len(names) <= keep {
		return 0, nil
	}

	sort.Strings(names)
	pruned := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
