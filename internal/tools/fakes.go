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
	"os"
	"strings"
	"sync"
)

// =============================================================================
// FAKES
// =============================================================================

// FakeFirmware returns fixed boot entries.
type FakeFirmware struct {
	Entries []BootEntry
	Err     error
}

// BootEntries implements FirmwareInspector.
func (f *FakeFirmware) BootEntries(context.Context) ([]BootEntry, error) {
	return f.Entries, f.Err
}

// FakeBootLog returns fixed journal entries.
type FakeBootLog struct {
	Entries []LogEntry
	Err     error
}

// PreviousBootErrors implements BootLogSource.
func (f *FakeBootLog) PreviousBootErrors(context.Context) ([]LogEntry, error) {
	return f.Entries, f.Err
}

// FakeDisk serves MBR sectors from memory.
type FakeDisk struct {
	Sectors map[string][]byte
}

// ReadMBR implements DiskSignatureReader.
func (f *FakeDisk) ReadMBR(disk string) ([]byte, error) {
	mbr, ok := f.Sectors[disk]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", disk, os.ErrNotExist)
	}
	return mbr, nil
}

// GRUBSector builds a 512-byte sector carrying the GRUB marker and boot
// signature.
func GRUBSector() []byte {
	mbr := make([]byte, MBRSize)
	copy(mbr[0x180:], "GRUB \x00Geom\x00Hard Disk\x00Read\x00 Error")
	mbr[510], mbr[511] = 0x55, 0xAA
	return mbr
}

// FakeVolumes records snapshot operations.
type FakeVolumes struct {
	SnapshotErr error
	RollbackErr error
	ListErr     error

	mu        sync.Mutex
	Snapshots []string
	Rollbacks []string
	Destroyed []string
}

// BtrfsSnapshot implements VolumeManager.
func (f *FakeVolumes) BtrfsSnapshot(_ context.Context, _, dest string) error {
	if f.SnapshotErr != nil {
		return f.SnapshotErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots = append(f.Snapshots, dest)
	return nil
}

// BtrfsDelete implements VolumeManager.
func (f *FakeVolumes) BtrfsDelete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed = append(f.Destroyed, path)
	return nil
}

// ZFSSnapshot implements VolumeManager.
func (f *FakeVolumes) ZFSSnapshot(_ context.Context, dataset, name string) error {
	if f.SnapshotErr != nil {
		return f.SnapshotErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Snapshots = append(f.Snapshots, dataset+"@"+name)
	return nil
}

// ZFSRollback implements VolumeManager.
func (f *FakeVolumes) ZFSRollback(_ context.Context, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rollbacks = append(f.Rollbacks, snapshot)
	return f.RollbackErr
}

// ZFSDestroy implements VolumeManager.
func (f *FakeVolumes) ZFSDestroy(_ context.Context, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Destroyed = append(f.Destroyed, snapshot)
	return nil
}

// ZFSListSnapshots implements VolumeManager. It lists the recorded
// snapshots of dataset that have not been destroyed.
func (f *FakeVolumes) ZFSListSnapshots(_ context.Context, dataset string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	gone := make(map[string]bool, len(f.Destroyed))
	for _, d := range f.Destroyed {
		gone[d] = true
	}
	var out []string
	for _, s := range f.Snapshots {
		if strings.HasPrefix(s, dataset+"@") && !gone[s] {
			out = append(out, s)
		}
	}
	return out, nil
}

// DestroyedSnapshots returns a copy of the destroyed snapshot names.
func (f *FakeVolumes) DestroyedSnapshots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Destroyed...)
}

// RollbackCount returns how many rollbacks were issued.
func (f *FakeVolumes) RollbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Rollbacks)
}

var (
	_ FirmwareInspector   = (*FakeFirmware)(nil)
	_ BootLogSource       = (*FakeBootLog)(nil)
	_ DiskSignatureReader = (*FakeDisk)(nil)
	_ VolumeManager       = (*FakeVolumes)(nil)
)
