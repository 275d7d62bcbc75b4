// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// MountCall records one call made to a FakeMounter.
type MountCall struct {
	Op     string // "mount" or "umount"
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

// FakeMounter is an in-memory mount table for tests.
//
// # Description
//
// Mount adds the target to the table (a remount leaves it unchanged).
// Failures are injected per target:
//
//   - FailMount: Mount of that target returns the error.
//   - Busy: a graceful unmount fails with EBUSY; lazy and forced succeed.
//   - Pinned: every unmount fails and the mount stays.
type FakeMounter struct {
	FailMount map[string]error
	Busy      map[string]bool
	Pinned    map[string]bool

	mu      sync.Mutex
	mounted []string
	calls   []MountCall
}

// NewFakeMounter creates an empty fake.
func NewFakeMounter() *FakeMounter {
	return &FakeMounter{
		FailMount: make(map[string]error),
		Busy:      make(map[string]bool),
		Pinned:    make(map[string]bool),
	}
}

// Mount implements Mounter.
func (f *FakeMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target = filepath.Clean(target)
	f.calls = append(f.calls, MountCall{Op: "mount", Source: source, Target: target, FSType: fstype, Flags: flags, Data: data})

	if err := f.FailMount[target]; err != nil {
		return err
	}
	if flags&unix.MS_REMOUNT != 0 {
		if !f.isMounted(target) {
			return fmt.Errorf("remount %s: %w", target, unix.EINVAL)
		}
		return nil
	}
	f.mounted = append(f.mounted, target)
	return nil
}

// Unmount implements Mounter.
func (f *FakeMounter) Unmount(target string, flags int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target = filepath.Clean(target)
	f.calls = append(f.calls, MountCall{Op: "umount", Target: target, Flags: uintptr(flags)})

	if !f.isMounted(target) {
		return fmt.Errorf("umount %s: %w", target, unix.EINVAL)
	}
	if f.Pinned[target] {
		return fmt.Errorf("umount %s: %w", target, unix.EBUSY)
	}
	if f.Busy[target] && flags == 0 {
		return fmt.Errorf("umount %s: %w", target, unix.EBUSY)
	}
	// Remove the newest mount on target.
	for i := len(f.mounted) - 1; i >= 0; i-- {
		if f.mounted[i] == target {
			f.mounted = append(f.mounted[:i], f.mounted[i+1:]...)
			break
		}
	}
	return nil
}

// MountPoints implements Mounter.
func (f *FakeMounter) MountPoints() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mounted...), nil
}

// Calls returns every recorded call in order.
func (f *FakeMounter) Calls() []MountCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MountCall(nil), f.calls...)
}

// Preload marks targets as already mounted, as left by a crashed run.
func (f *FakeMounter) Preload(targets ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range targets {
		f.mounted = append(f.mounted, filepath.Clean(t))
	}
}

func (f *FakeMounter) isMounted(target string) bool {
	for _, m := range f.mounted {
		if m == target {
			return true
		}
	}
	return false
}

var _ Mounter = (*FakeMounter)(nil)
