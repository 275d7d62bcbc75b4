// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/bootwarden/internal/process"
)

// VolumeManager creates and reverts copy-on-write snapshots.
//
// # Description
//
// Two backends exist. btrfs snapshots a subvolume into a new read-only
// subvolume; ZFS snapshots a dataset in place and can roll a mounted
// dataset back. There is no btrfs rollback method: a mounted btrfs root
// can only be reverted by booting another subvolume.
type VolumeManager interface {
	// BtrfsSnapshot creates a read-only snapshot of subvolume at dest.
	BtrfsSnapshot(ctx context.Context, subvolume, dest string) error

	// BtrfsDelete removes a snapshot subvolume.
	BtrfsDelete(ctx context.Context, path string) error

	// ZFSSnapshot creates dataset@name.
	ZFSSnapshot(ctx context.Context, dataset, name string) error

	// ZFSRollback rolls a dataset back to snapshot (dataset@name),
	// destroying later snapshots.
	ZFSRollback(ctx context.Context, snapshot string) error

	// ZFSDestroy destroys a snapshot.
	ZFSDestroy(ctx context.Context, snapshot string) error

	// ZFSListSnapshots returns the snapshots of dataset as dataset@name,
	// without descending into child datasets.
	ZFSListSnapshots(ctx context.Context, dataset string) ([]string, error)
}

// HostVolumeManager drives the btrfs and zfs command line tools.
type HostVolumeManager struct {
	proc process.Manager
}

// NewHostVolumeManager creates a VolumeManager over proc.
func NewHostVolumeManager(proc process.Manager) *HostVolumeManager {
	return &HostVolumeManager{proc: proc}
}

func (v *HostVolumeManager) run(ctx context.Context, what, name string, args ...string) error {
	if _, err := v.proc.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// BtrfsSnapshot runs `btrfs subvolume snapshot -r`.
func (v *HostVolumeManager) BtrfsSnapshot(ctx context.Context, subvolume, dest string) error {
	return v.run(ctx, "btrfs snapshot", "btrfs", "subvolume", "snapshot", "-r", subvolume, dest)
}

// BtrfsDelete runs `btrfs subvolume delete`.
func (v *HostVolumeManager) BtrfsDelete(ctx context.Context, path string) error {
	return v.run(ctx, "btrfs delete", "btrfs", "subvolume", "delete", path)
}

// ZFSSnapshot runs `zfs snapshot dataset@name`.
func (v *HostVolumeManager) ZFSSnapshot(ctx context.Context, dataset, name string) error {
	return v.run(ctx, "zfs snapshot", "zfs", "snapshot", dataset+"@"+name)
}

// ZFSRollback runs `zfs rollback -r`.
func (v *HostVolumeManager) ZFSRollback(ctx context.Context, snapshot string) error {
	return v.run(ctx, "zfs rollback", "zfs", "rollback", "-r", snapshot)
}

// ZFSDestroy runs `zfs destroy`.
func (v *HostVolumeManager) ZFSDestroy(ctx context.Context, snapshot string) error {
	return v.run(ctx, "zfs destroy", "zfs", "destroy", snapshot)
}

// ZFSListSnapshots runs `zfs list -H -t snapshot -o name -d 1`.
func (v *HostVolumeManager) ZFSListSnapshots(ctx context.Context, dataset string) ([]string, error) {
	res, err := v.proc.Run(ctx, "zfs", "list", "-H", "-t", "snapshot", "-o", "name", "-d", "1", dataset)
	if err != nil {
		return nil, fmt.Errorf("zfs list: %w", err)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if name := strings.TrimSpace(line); strings.HasPrefix(name, dataset+"@") {
			names = append(names, name)
		}
	}
	return names, nil
}

var _ VolumeManager = (*HostVolumeManager)(nil)
