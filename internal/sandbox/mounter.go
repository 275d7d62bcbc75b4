// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sandbox assembles and dismantles the chroot jail that repairs run
// in.
//
// A Session owns every mount it made. Mounts are recorded on a stack as
// they succeed and removed strictly in reverse order, with escalation from
// a graceful unmount to a lazy detach to a forced unmount. After teardown
// the live mount table is re-read; anything still mounted under the
// session root is reported as ErrResourceLeak.
package sandbox

import (
	"fmt"
	"path/filepath"

	"github.com/deniswernert/go-fstab"
	"golang.org/x/sys/unix"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Mounter performs mount syscalls.
//
// # Description
//
// Abstracted so tests can assemble a jail without privileges. Flags are
// the unix.MS_* and unix.MNT_* constants.
type Mounter interface {
	// Mount attaches source at target.
	Mount(source, target, fstype string, flags uintptr, data string) error

	// Unmount detaches target. flags is 0, unix.MNT_DETACH or
	// unix.MNT_FORCE.
	Unmount(target string, flags int) error

	// MountPoints returns every mount point in the live mount table.
	MountPoints() ([]string, error)
}

// =============================================================================
// UnixMounter
// =============================================================================

// UnixMounter calls mount(2) and umount2(2) directly.
type UnixMounter struct {
	// MountTable is the table MountPoints reads. Default: /proc/self/mounts
	MountTable string
}

// NewUnixMounter creates a mounter for the running kernel.
func NewUnixMounter() *UnixMounter {
	return &UnixMounter{MountTable: "/proc/self/mounts"}
}

// Mount implements Mounter.
func (u *UnixMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s: %w", source, target, err)
	}
	return nil
}

// Unmount implements Mounter.
func (u *UnixMounter) Unmount(target string, flags int) error {
	if err := unix.Unmount(target, flags); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}
	return nil
}

// MountPoints implements Mounter.
func (u *UnixMounter) MountPoints() ([]string, error) {
	mounts, err := fstab.ParseFile(u.MountTable)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	points := make([]string, 0, len(mounts))
	for _, m := range mounts {
		points = append(points, filepath.Clean(m.File))
	}
	return points, nil
}

var _ Mounter = (*UnixMounter)(nil)
