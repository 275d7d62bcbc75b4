// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/bootwarden/internal/process"
	"github.com/AleutianAI/bootwarden/internal/profile"
)

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	mgr     *Manager
	mounter *FakeMounter
	proc    *process.MockManager
	root    string
	marker  string
	host    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		mounter: NewFakeMounter(),
		proc:    &process.MockManager{},
		root:    filepath.Join(dir, "root"),
		marker:  filepath.Join(dir, "run", "session.json"),
		host:    filepath.Join(dir, "host"),
	}
	require.NoError(t, os.MkdirAll(f.host, 0o755))
	f.mgr = NewManager(Config{
		Root:           f.root,
		MarkerPath:     f.marker,
		HostRoot:       f.host,
		CommandTimeout: 5 * time.Second,
	}, f.mounter, f.proc, nil)
	t.Cleanup(func() { active.Store(false) })
	return f
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, rel)
}

func (f *fixture) unmounted() []string {
	var targets []string
	for _, c := range f.mounter.Calls() {
		if c.Op == "umount" {
			targets = append(targets, c.Target)
		}
	}
	return targets
}

func uefiProfile() profile.SystemProfile {
	return profile.SystemProfile{
		BootMode: profile.BootModeUEFI,
		Root:     profile.PartitionRef{Device: "/dev/nvme0n1p3", MountPoint: "/", FSType: "btrfs", Options: "subvol=@"},
		Boot:     profile.PartitionRef{Device: "/dev/nvme0n1p2", MountPoint: "/boot", FSType: "ext4"},
		EFI:      profile.PartitionRef{Device: "/dev/nvme0n1p1", MountPoint: "/boot/efi", FSType: "vfat"},
	}
}

func biosProfile() profile.SystemProfile {
	return profile.SystemProfile{
		BootMode: profile.BootModeBIOS,
		Root:     profile.PartitionRef{Device: "/dev/sda1", MountPoint: "/", FSType: "ext4"},
	}
}

// =============================================================================
// Setup / Teardown
// =============================================================================

func TestSetup_UEFIMountOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Join(f.host, efivarsPath), 0o755))

	s, err := f.mgr.Setup(context.Background(), uefiProfile())
	require.NoError(t, err)
	defer s.Release()

	var targets []string
	for _, rec := range s.Mounts() {
		targets = append(targets, rec.Target)
	}
	assert.Equal(t, []string{
		f.root,
		f.path("/boot"),
		f.path("/boot/efi"),
		f.path("/dev"),
		f.path("/dev/pts"),
		f.path("/proc"),
		f.path("/sys"),
		f.path("/run"),
		f.path(efivarsPath),
	}, targets)

	calls := f.mounter.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "/dev/nvme0n1p3", calls[0].Source)
	assert.Equal(t, uintptr(unix.MS_RDONLY), calls[0].Flags)
	assert.Equal(t, "subvol=@", calls[0].Data)
	assert.Equal(t, uintptr(unix.MS_REMOUNT), calls[1].Flags)
	assert.Equal(t, f.root, calls[1].Target)

	assert.FileExists(t, f.marker)
	recorded, err := readMarker(f.marker)
	require.NoError(t, err)
	assert.Len(t, recorded, len(targets))
}

func TestSetup_BIOSSkipsBootAndEFI(t *testing.T) {
	f := newFixture(t)

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)
	defer s.Release()

	mounts := s.Mounts()
	require.Len(t, mounts, 6)
	assert.Equal(t, f.root, mounts[0].Target)
	for _, rec := range mounts[1:] {
		assert.Equal(t, uintptr(unix.MS_BIND), rec.Flags, rec.Target)
	}
}

func TestTeardown_ReverseOrderLeavesNothing(t *testing.T) {
	f := newFixture(t)

	s, err := f.mgr.Setup(context.Background(), uefiProfile())
	require.NoError(t, err)
	mounts := s.Mounts()

	require.NoError(t, s.Teardown(context.Background()))

	var want []string
	for i := len(mounts) - 1; i >= 0; i-- {
		want = append(want, mounts[i].Target)
	}
	assert.Equal(t, want, f.unmounted())

	points, err := f.mounter.MountPoints()
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.NoFileExists(t, f.marker)
	assert.False(t, active.Load())
}

// Scenario C: EFI mount fails after root and boot are mounted.
func TestSetup_EFIFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.mounter.FailMount[f.path("/boot/efi")] = errors.New("wrong fs type")

	s, err := f.mgr.Setup(context.Background(), uefiProfile())
	require.Error(t, err)
	assert.Nil(t, s)

	var sbErr *SandboxError
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, "setup", sbErr.Op)
	assert.Equal(t, "mount efi", sbErr.Step)
	assert.Empty(t, sbErr.Leaked)
	assert.NotErrorIs(t, err, ErrResourceLeak)
	assert.Contains(t, err.Error(), "wrong fs type")

	assert.Equal(t, []string{f.path("/boot"), f.root}, f.unmounted())

	points, err := f.mounter.MountPoints()
	require.NoError(t, err)
	assert.Empty(t, points)
	assert.NoFileExists(t, f.marker)
	assert.False(t, active.Load())
}

func TestSetup_CompensationLeakIsReported(t *testing.T) {
	f := newFixture(t)
	f.mounter.FailMount[f.path("/boot/efi")] = errors.New("wrong fs type")
	f.mounter.Pinned[f.path("/boot")] = true

	_, err := f.mgr.Setup(context.Background(), uefiProfile())

	var sbErr *SandboxError
	require.True(t, errors.As(err, &sbErr))
	assert.ErrorIs(t, err, ErrResourceLeak)
	assert.Equal(t, []string{f.path("/boot")}, sbErr.Leaked)
	assert.FileExists(t, f.marker)
}

func TestSetup_CancelledContextMountsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mgr.Setup(ctx, biosProfile())

	var sbErr *SandboxError
	require.True(t, errors.As(err, &sbErr))
	assert.ErrorIs(t, err, context.Canceled)
	points, _ := f.mounter.MountPoints()
	assert.Empty(t, points)
}

func TestSetup_RequiresRoot(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Setup(context.Background(), profile.SystemProfile{})
	var sbErr *SandboxError
	assert.True(t, errors.As(err, &sbErr))
	assert.False(t, active.Load())
}

func TestSetup_OneSessionPerProcess(t *testing.T) {
	f := newFixture(t)

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)

	_, err = f.mgr.Setup(context.Background(), biosProfile())
	assert.ErrorIs(t, err, ErrSessionActive)

	require.NoError(t, s.Release())

	s2, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)
	require.NoError(t, s2.Release())
}

func TestTeardown_EscalatesBusyMount(t *testing.T) {
	f := newFixture(t)
	f.mounter.Busy[f.path("/proc")] = true

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)
	require.NoError(t, s.Teardown(context.Background()))

	var procFlags []uintptr
	for _, c := range f.mounter.Calls() {
		if c.Op == "umount" && c.Target == f.path("/proc") {
			procFlags = append(procFlags, c.Flags)
		}
	}
	assert.Equal(t, []uintptr{0, unix.MNT_DETACH}, procFlags)
}

func TestTeardown_PinnedMountIsLeak(t *testing.T) {
	f := newFixture(t)
	f.mounter.Pinned[f.path("/sys")] = true

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)

	err = s.Teardown(context.Background())
	require.ErrorIs(t, err, ErrResourceLeak)

	var sbErr *SandboxError
	require.True(t, errors.As(err, &sbErr))
	assert.Equal(t, "teardown", sbErr.Op)
	assert.Equal(t, []string{f.path("/sys")}, sbErr.Leaked)

	// Every other mount was still removed, root included.
	points, _ := f.mounter.MountPoints()
	assert.Equal(t, []string{f.path("/sys")}, points)

	// The guard is released and the marker kept for recovery.
	assert.False(t, active.Load())
	assert.FileExists(t, f.marker)
}

func TestRelease_Idempotent(t *testing.T) {
	f := newFixture(t)

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)

	require.NoError(t, s.Release())
	calls := len(f.mounter.Calls())
	require.NoError(t, s.Release())
	require.NoError(t, s.Teardown(context.Background()))
	assert.Len(t, f.mounter.Calls(), calls)
}

func TestTeardown_IgnoresCancelledContext(t *testing.T) {
	f := newFixture(t)

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Teardown(ctx))

	points, _ := f.mounter.MountPoints()
	assert.Empty(t, points)
}

// =============================================================================
// Stale recovery
// =============================================================================

func TestRecoverStale_ClearsMarkerAndMounts(t *testing.T) {
	f := newFixture(t)
	stale := []MountRecord{
		{Source: "/dev/sda1", Target: f.root},
		{Source: "/proc", Target: f.path("/proc")},
	}
	require.NoError(t, writeMarker(f.marker, stale))
	f.mounter.Preload(f.root, f.path("/proc"), f.path("/sys"))

	removed, err := f.mgr.RecoverStale(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{f.path("/proc"), f.path("/sys"), f.root}, removed)
	points, _ := f.mounter.MountPoints()
	assert.Empty(t, points)
	assert.NoFileExists(t, f.marker)
}

func TestSetup_RecoversBeforeMounting(t *testing.T) {
	f := newFixture(t)
	f.mounter.Preload(f.path("/dev"))

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)
	defer s.Release()

	calls := f.mounter.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "umount", calls[0].Op)
	assert.Equal(t, f.path("/dev"), calls[0].Target)
	assert.Len(t, s.Mounts(), 6)
}

func TestSetup_UnrecoverableStaleMount(t *testing.T) {
	f := newFixture(t)
	f.mounter.Preload(f.root)
	f.mounter.Pinned[f.root] = true

	_, err := f.mgr.Setup(context.Background(), biosProfile())
	assert.ErrorIs(t, err, ErrResourceLeak)
	assert.False(t, active.Load())
}

func TestRecoverStale_LeavesLiveSessionAlone(t *testing.T) {
	f := newFixture(t)

	s, err := f.mgr.Setup(context.Background(), uefiProfile())
	require.NoError(t, err)
	before, _ := f.mounter.MountPoints()
	require.NotEmpty(t, before)

	// A second manager on the same root and marker stands in for another
	// bootwarden process.
	other := NewManager(Config{
		Root:       f.root,
		MarkerPath: f.marker,
		HostRoot:   f.host,
	}, f.mounter, f.proc, nil)

	removed, err := other.RecoverStale(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
	assert.Empty(t, removed)

	after, _ := f.mounter.MountPoints()
	assert.Equal(t, before, after)
	assert.FileExists(t, f.marker)

	require.NoError(t, s.Release())

	// Once released the lock is free again.
	removed, err = other.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestSetup_RefusedWhileAnotherProcessHoldsSession(t *testing.T) {
	f := newFixture(t)
	f.mounter.Preload(f.root, f.path("/proc"))

	held := process.NewLock(process.LockConfig{Dir: filepath.Dir(f.marker), Name: sessionLockName})
	require.NoError(t, held.Acquire())
	defer held.Release()

	_, err := f.mgr.Setup(context.Background(), biosProfile())
	require.ErrorIs(t, err, ErrSessionActive)
	assert.False(t, active.Load())

	// The other session's mounts were not touched.
	assert.Empty(t, f.unmounted())
	points, _ := f.mounter.MountPoints()
	assert.Len(t, points, 2)
}

// =============================================================================
// Run
// =============================================================================

func TestRun_ChrootsIntoRoot(t *testing.T) {
	f := newFixture(t)
	var hadDeadline bool
	f.proc.RunFunc = func(ctx context.Context, name string, args ...string) (process.Result, error) {
		_, hadDeadline = ctx.Deadline()
		return process.Result{Stdout: "ok"}, nil
	}

	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)

	res, err := s.Run(context.Background(), "grub-install", "--recheck", "/dev/sda")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.True(t, hadDeadline)

	calls := f.proc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "chroot", calls[0].Name)
	assert.Equal(t, []string{f.root, "grub-install", "--recheck", "/dev/sda"}, calls[0].Args)

	require.NoError(t, s.Release())
	_, err = s.Run(context.Background(), "true")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestRun_EmptyCommand(t *testing.T) {
	f := newFixture(t)
	s, err := f.mgr.Setup(context.Background(), biosProfile())
	require.NoError(t, err)
	defer s.Release()

	_, err = s.Run(context.Background())
	assert.Error(t, err)
}
