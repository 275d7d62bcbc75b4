// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/tools"
)

var tracer = otel.Tracer("bootwarden.checkpoint")

// snapshotPrefix names snapshots created by bootwarden.
const snapshotPrefix = "bootwarden-"

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the checkpoint manager.
type Config struct {
	// BackupDir holds archives and the latest pointer.
	BackupDir string

	// SnapshotDir is where btrfs snapshots are created. Default: /.snapshots
	SnapshotDir string

	// Retain is the number of archives kept, and separately the number of
	// bootwarden snapshots kept per volume. Default: 5.
	Retain int

	// PreferSnapshot tries a filesystem snapshot before an archive when
	// the profile supports one. Default: true.
	PreferSnapshot bool

	// ToolVersion is recorded in archive manifests.
	ToolVersion string
}

// DefaultConfig returns the default checkpoint configuration.
func DefaultConfig() Config {
	return Config{
		BackupDir:      "/var/lib/bootwarden/backups",
		SnapshotDir:    "/.snapshots",
		Retain:         5,
		PreferSnapshot: true,
		ToolVersion:    "dev",
	}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager creates checkpoints and rolls them back.
//
// # Description
//
// CreateCheckpoint prefers a filesystem snapshot and falls back to an
// archive. Archives are published crash-safely: written to a hidden temp
// file, synced, validated against their manifest, renamed into place, and
// only then named by the latest pointer. A reader of the pointer never
// sees a partial archive.
//
// Each checkpoint can be rolled back at most once; the manager tracks
// consumed checkpoints for its lifetime.
//
// # Thread Safety
//
// Safe for concurrent use. Archive publication is serialized.
type Manager struct {
	config  Config
	volumes tools.VolumeManager
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	consumed map[string]bool
}

// NewManager creates a manager. volumes may be nil when no snapshot
// backend is available.
func NewManager(config Config, volumes tools.VolumeManager, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if config.BackupDir == "" {
		config.BackupDir = defaults.BackupDir
	}
	if config.SnapshotDir == "" {
		config.SnapshotDir = defaults.SnapshotDir
	}
	if config.Retain <= 0 {
		config.Retain = defaults.Retain
	}
	if config.ToolVersion == "" {
		config.ToolVersion = defaults.ToolVersion
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		config:   config,
		volumes:  volumes,
		logger:   logger,
		now:      time.Now,
		consumed: make(map[string]bool),
	}
}

// CreateCheckpoint captures restorable state for p.
//
// # Description
//
// When p has a snapshot capability (and snapshots are preferred) a
// snapshot is taken. If that is not possible or fails, an archive is
// written instead.
//
// # Outputs
//
//   - Checkpoint: the captured state.
//   - error: *CheckpointError when neither method succeeded.
//
// # Examples
//
//	cp, err := manager.CreateCheckpoint(ctx, p)
//	var cpErr *checkpoint.CheckpointError
//	if errors.As(err, &cpErr) { ... proceed without rollback or abort ... }
func (m *Manager) CreateCheckpoint(ctx context.Context, p profile.SystemProfile) (Checkpoint, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.create",
		trace.WithAttributes(attribute.String("snapshot_capability", string(p.Snapshot))),
	)
	defer span.End()

	var snapErr error
	if m.config.PreferSnapshot && p.Snapshot != profile.SnapshotNone {
		cp, err := m.createSnapshot(ctx, p)
		if err == nil {
			span.SetAttributes(attribute.String("kind", string(cp.Kind)), attribute.String("id", cp.ID))
			span.SetStatus(codes.Ok, "")
			return cp, nil
		}
		snapErr = err
		m.logger.Warn("snapshot failed, falling back to archive", "error", err)
	}

	cp, err := m.CreateArchive(ctx, p)
	if err != nil {
		cpErr := &CheckpointError{SnapshotErr: snapErr, ArchiveErr: err}
		span.RecordError(cpErr)
		span.SetStatus(codes.Error, "checkpoint failed")
		return Checkpoint{}, cpErr
	}
	span.SetAttributes(attribute.String("kind", string(cp.Kind)), attribute.String("id", cp.ID))
	span.SetStatus(codes.Ok, "")
	return cp, nil
}

func (m *Manager) createSnapshot(ctx context.Context, p profile.SystemProfile) (Checkpoint, error) {
	if m.volumes == nil {
		return Checkpoint{}, errors.New("no volume manager")
	}
	at := m.now()
	name := snapshotPrefix + at.UTC().Format(archiveLayout)

	cp := Checkpoint{
		ID:        name,
		Kind:      KindSnapshot,
		Flavour:   p.Snapshot,
		CreatedAt: at,
		Profile:   p,
	}

	switch p.Snapshot {
	case profile.SnapshotBtrfs:
		dir := filepath.Join(p.TargetRoot, m.config.SnapshotDir)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Checkpoint{}, fmt.Errorf("create snapshot dir: %w", err)
		}
		cp.Location = filepath.Join(dir, name)
		if err := m.volumes.BtrfsSnapshot(ctx, p.TargetRoot, cp.Location); err != nil {
			return Checkpoint{}, err
		}
	case profile.SnapshotZFS:
		if p.Root.Device == "" {
			return Checkpoint{}, errors.New("root dataset unknown")
		}
		if err := m.volumes.ZFSSnapshot(ctx, p.Root.Device, name); err != nil {
			return Checkpoint{}, err
		}
		cp.Location = p.Root.Device + "@" + name
	default:
		return Checkpoint{}, fmt.Errorf("unsupported snapshot capability %q", p.Snapshot)
	}

	m.logger.Info("snapshot created", "flavour", cp.Flavour, "location", cp.Location)

	removed, err := m.pruneSnapshots(ctx, cp)
	if err != nil {
		m.logger.Warn("snapshot retention incomplete", "error", err)
	}
	if len(removed) > 0 {
		m.logger.Info("pruned old snapshots", "removed", removed)
	}
	return cp, nil
}

// CreateArchive writes and publishes an archive checkpoint for p.
//
// # Description
//
//  1. remove temp files left by an interrupted run
//  2. write .<name>.tmp and fsync it
//  3. validate the temp file against its manifest
//  4. rename to <name>, fsync the directory
//  5. publish the latest pointer by write-temp + rename
//  6. prune archives beyond Retain
//
// A failure before step 4 removes the temp file and leaves the previous
// latest archive untouched.
func (m *Manager) CreateArchive(ctx context.Context, p profile.SystemProfile) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.config.BackupDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Checkpoint{}, fmt.Errorf("create backup dir: %w", err)
	}
	removeStaleTemps(dir)

	at := m.now()
	name := archiveName(at, 0)
	for seq := 1; fileExists(filepath.Join(dir, name)); seq++ {
		name = archiveName(at, seq)
	}
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")

	manifest := newManifest(p, m.config.ToolVersion, at)
	if err := m.writeTemp(ctx, tmp, p, &manifest); err != nil {
		_ = os.Remove(tmp)
		return Checkpoint{}, err
	}
	if _, err := ReadManifest(tmp); err != nil {
		_ = os.Remove(tmp)
		return Checkpoint{}, fmt.Errorf("validate archive: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Checkpoint{}, fmt.Errorf("publish archive: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return Checkpoint{}, err
	}
	if err := writeAtomic(dir, LatestPointer, []byte(name+"\n")); err != nil {
		return Checkpoint{}, fmt.Errorf("publish latest pointer: %w", err)
	}

	removed, err := enforceRetention(dir, m.config.Retain)
	if err != nil {
		m.logger.Warn("archive retention incomplete", "error", err)
	}
	if len(removed) > 0 {
		m.logger.Info("pruned old archives", "removed", removed)
	}

	m.logger.Info("archive checkpoint published",
		"path", final,
		"files", len(manifest.Files),
	)
	return Checkpoint{
		ID:        name,
		Kind:      KindArchive,
		Location:  final,
		CreatedAt: at,
		Profile:   p,
	}, nil
}

func (m *Manager) writeTemp(ctx context.Context, tmp string, p profile.SystemProfile, manifest *Manifest) error {
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	if err := writeArchive(ctx, f, archiveSources(p), manifest); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp archive: %w", err)
	}
	return nil
}

// Rollback reverts the system to cp.
//
// # Description
//
// Only ZFS snapshots can be rolled back live (`zfs rollback -r`). A btrfs
// snapshot yields a RollbackError wrapping ErrLiveRollbackUnsupported so
// the caller reports manual intervention instead of success. Archives
// return ErrRollbackNotApplicable.
//
// # Outputs
//
//   - error: nil on success; ErrRollbackNotApplicable; ErrCheckpointConsumed
//     for a second call; *RollbackError when the attempt failed.
func (m *Manager) Rollback(ctx context.Context, cp Checkpoint) error {
	ctx, span := tracer.Start(ctx, "checkpoint.rollback",
		trace.WithAttributes(
			attribute.String("id", cp.ID),
			attribute.String("kind", string(cp.Kind)),
			attribute.String("flavour", string(cp.Flavour)),
		),
	)
	defer span.End()

	if cp.Kind != KindSnapshot {
		span.SetStatus(codes.Error, "not applicable")
		return ErrRollbackNotApplicable
	}

	m.mu.Lock()
	if m.consumed[cp.Location] {
		m.mu.Unlock()
		span.SetStatus(codes.Error, "consumed")
		return ErrCheckpointConsumed
	}
	m.consumed[cp.Location] = true
	m.mu.Unlock()

	var err error
	switch cp.Flavour {
	case profile.SnapshotZFS:
		if m.volumes == nil {
			err = errors.New("no volume manager")
		} else {
			err = m.volumes.ZFSRollback(ctx, cp.Location)
		}
	case profile.SnapshotBtrfs:
		err = fmt.Errorf("%w: boot snapshot %s manually", ErrLiveRollbackUnsupported, cp.Location)
	default:
		err = fmt.Errorf("unknown snapshot flavour %q", cp.Flavour)
	}

	if err != nil {
		rbErr := &RollbackError{CheckpointID: cp.ID, Err: err}
		span.RecordError(rbErr)
		span.SetStatus(codes.Error, "rollback failed")
		m.logger.Error("rollback failed", "checkpoint", cp.ID, "error", err)
		return rbErr
	}
	span.SetStatus(codes.Ok, "")
	m.logger.Info("rolled back", "checkpoint", cp.ID, "location", cp.Location)
	return nil
}

// LatestArchive returns the path of the archive named by the latest
// pointer.
func (m *Manager) LatestArchive() (string, error) {
	data, err := os.ReadFile(filepath.Join(m.config.BackupDir, LatestPointer))
	if os.IsNotExist(err) {
		return "", ErrNoArchive
	}
	if err != nil {
		return "", fmt.Errorf("read latest pointer: %w", err)
	}
	name := strings.TrimSpace(string(data))
	if _, _, ok := parseArchiveName(name); !ok {
		return "", fmt.Errorf("latest pointer names %q: %w", name, ErrNoArchive)
	}
	path := filepath.Join(m.config.BackupDir, name)
	if !fileExists(path) {
		return "", fmt.Errorf("latest pointer names missing %s: %w", name, ErrNoArchive)
	}
	return path, nil
}

// ListArchives returns published archives, newest first.
func (m *Manager) ListArchives() ([]ArchiveInfo, error) {
	return listArchives(m.config.BackupDir)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeAtomic replaces dir/name with data via a synced temp file and rename.
func writeAtomic(dir, name string, data []byte) error {
	tmp := filepath.Join(dir, "."+name+".tmp")
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
