// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package repair

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/bootwarden/internal/checkpoint"
	"github.com/AleutianAI/bootwarden/internal/diagnostics"
	"github.com/AleutianAI/bootwarden/internal/metrics"
	"github.com/AleutianAI/bootwarden/internal/process"
	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/sandbox"
	"github.com/AleutianAI/bootwarden/internal/tools"
)

// =============================================================================
// Fixtures
// =============================================================================

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func healthyReport() diagnostics.HealthReport {
	return diagnostics.NewHealthReport([]diagnostics.ProbeResult{
		{Check: diagnostics.CheckBootloaderBinary},
		{Check: diagnostics.CheckConfigValidity},
	}, t0)
}

func brokenReport(issues int) diagnostics.HealthReport {
	return diagnostics.NewHealthReport([]diagnostics.ProbeResult{
		{Check: diagnostics.CheckBootloaderBinary},
		{Check: diagnostics.CheckConfigValidity, Issues: issues, Findings: []string{"grub.cfg has no menu entries"}},
	}, t0)
}

// scriptedDiagnoser returns its reports in order, repeating the last. With
// honourCancel set, a cancelled context yields an all-inconclusive report
// the way the real probes do.
type scriptedDiagnoser struct {
	mu           sync.Mutex
	reports      []diagnostics.HealthReport
	calls        int
	honourCancel bool
}

func (d *scriptedDiagnoser) RunDiagnostics(ctx context.Context, _ profile.SystemProfile) diagnostics.HealthReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.honourCancel && ctx.Err() != nil {
		d.calls++
		var results []diagnostics.ProbeResult
		for _, c := range []diagnostics.CheckID{diagnostics.CheckBootloaderBinary, diagnostics.CheckConfigValidity} {
			results = append(results, diagnostics.ProbeResult{
				Check:        c,
				Issues:       1,
				Inconclusive: true,
				Cause:        &diagnostics.ProbeInconclusive{Check: c, Reason: ctx.Err().Error()},
			})
		}
		return diagnostics.NewHealthReport(results, t0)
	}
	i := d.calls
	if i >= len(d.reports) {
		i = len(d.reports) - 1
	}
	d.calls++
	return d.reports[i]
}

type fixture struct {
	machine   *Machine
	diag      *scriptedDiagnoser
	volumes   *tools.FakeVolumes
	mounter   *sandbox.FakeMounter
	proc      *process.MockManager
	store     *metrics.Store
	lockDir   string
	jailRoot  string
	profile   profile.SystemProfile
	allowNoCP bool
}

// targetTree builds a minimal installed system to archive.
func targetTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range map[string]string{
		"etc/default/grub":   "GRUB_TIMEOUT=5\n",
		"boot/grub/grub.cfg": "menuentry 'Debian' {\n}\n",
	} {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func debianUEFI(root string) profile.SystemProfile {
	return profile.SystemProfile{
		BootMode:     profile.BootModeUEFI,
		Arch:         "x86_64",
		TargetTriple: "x86_64-efi",
		Family:       profile.FamilyDebian,
		DistroID:     "debian",
		BootloaderID: "debian",
		RootFSType:   "ext4",
		Snapshot:     profile.SnapshotNone,
		TargetDisk:   "/dev/sda",
		TargetRoot:   root,
		Root:         profile.PartitionRef{Device: "/dev/sda2", MountPoint: "/", FSType: "ext4"},
		EFI:          profile.PartitionRef{Device: "/dev/sda1", MountPoint: "/boot/efi", FSType: "vfat"},
	}
}

func newFixture(t *testing.T, reports ...diagnostics.HealthReport) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := metrics.Open(metrics.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		diag:     &scriptedDiagnoser{reports: reports},
		volumes:  &tools.FakeVolumes{},
		mounter:  sandbox.NewFakeMounter(),
		proc:     &process.MockManager{},
		store:    store,
		lockDir:  filepath.Join(dir, "locks"),
		jailRoot: filepath.Join(dir, "jail"),
		profile:  debianUEFI(targetTree(t)),
	}
	return f
}

// build wires the machine; call after adjusting the fixture.
func (f *fixture) build(t *testing.T) *Machine {
	t.Helper()
	dir := t.TempDir()
	host := filepath.Join(dir, "host")
	require.NoError(t, os.MkdirAll(host, 0o755))

	checkpoints := checkpoint.NewManager(checkpoint.Config{
		BackupDir:      filepath.Join(dir, "backups"),
		PreferSnapshot: true,
		ToolVersion:    "test",
	}, f.volumes, nil)
	jails := sandbox.NewManager(sandbox.Config{
		Root:           f.jailRoot,
		MarkerPath:     filepath.Join(dir, "run", "session.json"),
		HostRoot:       host,
		CommandTimeout: 5 * time.Second,
	}, f.mounter, f.proc, nil)

	f.machine = NewMachine(Config{
		CommandTimeout:         5 * time.Second,
		AllowWithoutCheckpoint: f.allowNoCP,
		LockDir:                f.lockDir,
	}, Dependencies{
		Diagnostics: f.diag,
		Checkpoints: checkpoints,
		Sandbox:     SandboxFrom(jails),
		Recorder:    f.store,
	}, nil)
	return f.machine
}

// failStep makes the jailed command whose tool is name fail with err.
func (f *fixture) failStep(name string, err error) {
	f.proc.RunFunc = func(_ context.Context, cmd string, args ...string) (process.Result, error) {
		if cmd == "chroot" && len(args) > 1 && args[1] == name {
			return process.Result{ExitCode: 1}, err
		}
		return process.Result{}, nil
	}
}

func (f *fixture) run(t *testing.T, opts Options) *Attempt {
	t.Helper()
	m := f.machine
	if m == nil {
		m = f.build(t)
	}
	attempt, err := m.Run(context.Background(), f.profile, opts)
	require.NoError(t, err)
	require.NotNil(t, attempt)
	return attempt
}

func (f *fixture) stillMounted(t *testing.T) []string {
	t.Helper()
	mounts, err := f.mounter.MountPoints()
	require.NoError(t, err)
	return mounts
}

func (f *fixture) jailedTools() []string {
	var names []string
	for _, c := range f.proc.Calls() {
		if c.Name == "chroot" && len(c.Args) > 1 {
			names = append(names, c.Args[1])
		}
	}
	return names
}

func timeoutErr() error {
	return &process.CommandError{Command: "chroot grub-install", ExitCode: -1, TimedOut: true, Wrapped: context.DeadlineExceeded}
}

// =============================================================================
// Happy paths
// =============================================================================

func TestRun_HealthyStopsAfterDiagnosis(t *testing.T) {
	f := newFixture(t, healthyReport())

	a := f.run(t, Options{Mode: ModeAuto})

	assert.Equal(t, []State{StateIdle, StateDiagnosing, StateHealthy}, a.States())
	assert.Equal(t, OutcomeHealthy, a.Outcome)
	assert.Equal(t, ExitOK, a.ExitCode())
	assert.Nil(t, a.Checkpoint)
	assert.Empty(t, f.mounter.Calls())
	assert.Equal(t, 1, f.diag.calls)

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 100, rec.HealthScore)
	assert.Zero(t, rec.RepairCount)
}

func TestRun_RepairCompletes(t *testing.T) {
	f := newFixture(t, brokenReport(2), healthyReport())

	a := f.run(t, Options{Mode: ModeAuto})

	assert.Equal(t, []State{
		StateIdle, StateDiagnosing, StateNeedsRepair, StateCheckpointPending,
		StateSandboxPreparing, StateRepairing, StateVerifying, StateCompleted,
	}, a.States())
	assert.Equal(t, OutcomeCompleted, a.Outcome)
	assert.Equal(t, ExitOK, a.ExitCode())
	assert.Empty(t, a.Warnings)

	require.NotNil(t, a.Checkpoint)
	assert.Equal(t, checkpoint.KindArchive, a.Checkpoint.Kind)
	assert.False(t, a.RollbackApplicable)

	assert.Equal(t, []string{"apt-get", "grub-install", "update-grub"}, f.jailedTools())
	require.Len(t, a.Commands, 3)
	assert.Equal(t, StepInstallBootloader, a.Commands[1].Step)
	assert.Equal(t, []string{
		"grub-install", "--target=x86_64-efi", "--efi-directory=/boot/efi",
		"--bootloader-id=debian", "--recheck",
	}, a.Commands[1].Argv)

	assert.Empty(t, f.stillMounted(t), "sandbox must be torn down before verification")
	require.NotNil(t, a.Before)
	require.NotNil(t, a.After)
	assert.Equal(t, 80, a.Before.Score())
	assert.Equal(t, 100, a.After.Score())

	rec, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RepairCount)
	assert.Equal(t, 100, rec.HealthScore)
	assert.False(t, rec.LastBackupTimestamp.IsZero())

	history, err := f.store.Attempts(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, a.ID, history[0].ID)
	assert.Equal(t, string(OutcomeCompleted), history[0].Outcome)
	assert.Equal(t, "archive", history[0].CheckpointKind)
}

func TestRun_CompletedWithWarnings(t *testing.T) {
	tests := []struct {
		name    string
		reports []diagnostics.HealthReport
		failing string
	}{
		{name: "package refresh failed", reports: []diagnostics.HealthReport{brokenReport(1), healthyReport()}, failing: "apt-get"},
		{name: "issues remain after repair", reports: []diagnostics.HealthReport{brokenReport(3), brokenReport(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.reports...)
			if tt.failing != "" {
				f.failStep(tt.failing, errors.New("E: Unable to locate package"))
			}

			a := f.run(t, Options{Mode: ModeAuto})

			assert.Equal(t, StateCompletedWithWarnings, a.State)
			assert.Equal(t, OutcomeCompletedWithWarnings, a.Outcome)
			assert.Equal(t, ExitIssues, a.ExitCode())
			assert.NotEmpty(t, a.Warnings)
			assert.Nil(t, a.Err)
			assert.Empty(t, f.stillMounted(t))
		})
	}
}

func TestRun_ForceSkipsDiagnosis(t *testing.T) {
	f := newFixture(t, healthyReport())

	a := f.run(t, Options{Mode: ModeForce})

	assert.Equal(t, []State{StateIdle, StateNeedsRepair}, a.States()[:2])
	assert.Equal(t, OutcomeCompleted, a.Outcome)
	assert.Nil(t, a.Before)
	assert.NotNil(t, a.After)
	assert.Equal(t, 1, f.diag.calls, "only the verification pass runs")
}

func TestRun_DryRunMutatesNothing(t *testing.T) {
	f := newFixture(t, brokenReport(1))

	a := f.run(t, Options{Mode: ModeAuto, DryRun: true})

	assert.Equal(t, OutcomePlanned, a.Outcome)
	assert.Equal(t, StateNeedsRepair, a.State)
	assert.Equal(t, ExitIssues, a.ExitCode())
	assert.Nil(t, a.Checkpoint)
	assert.Empty(t, f.mounter.Calls())
	assert.Empty(t, f.proc.Calls())

	require.Len(t, a.Commands, 3)
	assert.Equal(t, StepRefreshPackages, a.Commands[0].Step)
	assert.True(t, a.Commands[0].BestEffort)
	assert.Equal(t, []string{"update-grub"}, a.Commands[2].Argv)
}

// =============================================================================
// Failure paths
// =============================================================================

func TestRun_ArchiveCheckpointTimeoutFails(t *testing.T) {
	f := newFixture(t, brokenReport(1))
	f.failStep("grub-install", timeoutErr())

	a := f.run(t, Options{Mode: ModeAuto})

	assert.Equal(t, []State{
		StateIdle, StateDiagnosing, StateNeedsRepair, StateCheckpointPending,
		StateSandboxPreparing, StateRepairing, StateFailed,
	}, a.States())
	assert.Equal(t, OutcomeFailed, a.Outcome)
	assert.Equal(t, ExitFailed, a.ExitCode())

	var cmdErr *RepairCommandError
	require.ErrorAs(t, a.Err, &cmdErr)
	assert.Equal(t, StepInstallBootloader, cmdErr.Step)
	assert.True(t, cmdErr.TimedOut())
	assert.Contains(t, cmdErr.Error(), "timed out")

	require.NotNil(t, a.Checkpoint, "a checkpoint existed")
	assert.False(t, a.RollbackAttempted)
	assert.Contains(t, a.RollbackNote, "not applicable")
	assert.Contains(t, a.RollbackNote, a.Checkpoint.Location)
	assert.Empty(t, f.stillMounted(t))
	assert.Equal(t, []string{"apt-get", "grub-install"}, f.jailedTools(), "config regeneration must not run")
	assert.Nil(t, a.After)
}

func TestRun_ZFSSnapshotRollsBack(t *testing.T) {
	f := newFixture(t, brokenReport(1))
	f.profile.Snapshot = profile.SnapshotZFS
	f.profile.Root = profile.PartitionRef{Device: "rpool/ROOT/debian", MountPoint: "/", FSType: "zfs"}
	f.failStep("update-grub", errors.New("exit status 1"))

	a := f.run(t, Options{Mode: ModeAuto})

	assert.Equal(t, []State{StateRepairing, StateRollingBack, StateRolledBack}, a.States()[5:])
	assert.Equal(t, OutcomeRolledBack, a.Outcome)
	assert.Equal(t, ExitFailed, a.ExitCode())
	assert.True(t, a.RollbackApplicable)
	assert.True(t, a.RollbackAttempted)
	assert.NoError(t, a.RollbackErr)
	assert.Equal(t, 1, f.volumes.RollbackCount())
	assert.Empty(t, f.stillMounted(t), "sandbox must be torn down before rollback")

	history, err := f.store.Attempts(1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "succeeded", history[0].RollbackOutcome)
}

func TestRun_BtrfsRollbackFails(t *testing.T) {
	f := newFixture(t, brokenReport(1))
	f.profile.Snapshot = profile.SnapshotBtrfs
	f.profile.RootFSType = "btrfs"
	f.failStep("grub-install", errors.New("exit status 1"))

	a := f.run(t, Options{Mode: ModeAuto})

	assert.Equal(t, OutcomeRollbackFailed, a.Outcome)
	assert.Equal(t, ExitRollbackLeak, a.ExitCode())
	assert.True(t, a.RollbackAttempted)
	assert.ErrorIs(t, a.RollbackErr, checkpoint.ErrLiveRollbackUnsupported)
}

func TestRun_CheckpointFailure(t *testing.T) {
	tests := []struct {
		name    string
		allow   bool
		want    Outcome
		mounted bool
	}{
		{name: "not allowed", allow: false, want: OutcomeFailed},
		{name: "allowed", allow: true, want: OutcomeCompletedWithWarnings, mounted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, brokenReport(1), healthyReport())
			f.profile.TargetRoot = t.TempDir()
			f.allowNoCP = tt.allow

			a := f.run(t, Options{Mode: ModeAuto})

			assert.Equal(t, tt.want, a.Outcome)
			assert.Nil(t, a.Checkpoint)
			var cpErr *checkpoint.CheckpointError
			assert.ErrorAs(t, a.CheckpointErr, &cpErr)
			assert.Equal(t, tt.mounted, len(f.mounter.Calls()) > 0)
			if !tt.allow {
				assert.Equal(t, StateFailed, a.States()[4])
				assert.Equal(t, "no checkpoint", a.RollbackNote)
			}
		})
	}
}

func TestRun_SandboxFailureTakesRollbackBranch(t *testing.T) {
	tests := []struct {
		name     string
		snapshot profile.SnapshotCapability
		want     Outcome
	}{
		{name: "archive checkpoint", snapshot: profile.SnapshotNone, want: OutcomeFailed},
		{name: "zfs checkpoint", snapshot: profile.SnapshotZFS, want: OutcomeRolledBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, brokenReport(1))
			f.profile.Snapshot = tt.snapshot
			f.mounter.FailMount[filepath.Join(f.jailRoot, "boot/efi")] = unix.EIO

			a := f.run(t, Options{Mode: ModeAuto})

			assert.Equal(t, tt.want, a.Outcome)
			assert.Equal(t, StateSandboxPreparing, a.History[4].From)
			var sbErr *sandbox.SandboxError
			assert.ErrorAs(t, a.Err, &sbErr)
			assert.Empty(t, f.stillMounted(t))
			assert.Empty(t, f.jailedTools())
			assert.NoError(t, a.TeardownErr)
		})
	}
}

func TestRun_SandboxLeakIsReported(t *testing.T) {
	f := newFixture(t, brokenReport(1))
	f.mounter.FailMount[filepath.Join(f.jailRoot, "boot/efi")] = unix.EIO
	f.mounter.Pinned[f.jailRoot] = true

	a := f.run(t, Options{Mode: ModeAuto})

	assert.Equal(t, OutcomeFailed, a.Outcome)
	assert.ErrorIs(t, a.TeardownErr, sandbox.ErrResourceLeak)
	assert.Equal(t, ExitRollbackLeak, a.ExitCode())
}

// =============================================================================
// Interruption
// =============================================================================

// cancelOn makes the jailed command whose tool is name cancel the attempt's
// context. With fail set the command reports the cancellation the way a
// killed process does; otherwise it finishes just as the signal arrives.
func (f *fixture) cancelOn(name string, cancel context.CancelFunc, fail bool) {
	f.proc.RunFunc = func(ctx context.Context, cmd string, args ...string) (process.Result, error) {
		if cmd == "chroot" && len(args) > 1 && args[1] == name {
			cancel()
			if fail {
				return process.Result{ExitCode: -1}, &process.CommandError{Command: "chroot " + name, ExitCode: -1, Wrapped: context.Canceled}
			}
		}
		return process.Result{}, nil
	}
}

func TestRun_InterruptDuringRepairTearsDown(t *testing.T) {
	tests := []struct {
		name      string
		snapshot  profile.SnapshotCapability
		want      Outcome
		last      State
		rollbacks int
	}{
		{name: "archive checkpoint", snapshot: profile.SnapshotNone, want: OutcomeFailed, last: StateFailed},
		{name: "zfs checkpoint", snapshot: profile.SnapshotZFS, want: OutcomeRolledBack, last: StateRolledBack, rollbacks: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, brokenReport(1))
			f.profile.Snapshot = tt.snapshot
			if tt.snapshot == profile.SnapshotZFS {
				f.profile.Root = profile.PartitionRef{Device: "rpool/ROOT/debian", MountPoint: "/", FSType: "zfs"}
			}
			m := f.build(t)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.cancelOn("grub-install", cancel, true)

			a, err := m.Run(ctx, f.profile, Options{Mode: ModeAuto})
			require.NoError(t, err)

			states := a.States()
			assert.Equal(t, tt.last, states[len(states)-1])
			assert.Contains(t, states, StateRepairing)
			assert.NotContains(t, states, StateVerifying)
			assert.Equal(t, tt.want, a.Outcome)
			assert.ErrorIs(t, a.Err, context.Canceled)
			assert.Equal(t, tt.rollbacks, f.volumes.RollbackCount())

			assert.Empty(t, f.stillMounted(t), "interrupted attempt must not leave mounts")
			assert.NoError(t, a.TeardownErr)
			assert.Equal(t, []string{"apt-get", "grub-install"}, f.jailedTools())

			history, err := f.store.Attempts(1)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, string(tt.want), history[0].Outcome)
		})
	}
}

func TestRun_InterruptAfterRepairStillVerifies(t *testing.T) {
	f := newFixture(t, brokenReport(1), healthyReport())
	f.diag.honourCancel = true
	m := f.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cancelOn("update-grub", cancel, false)

	a, err := m.Run(ctx, f.profile, Options{Mode: ModeAuto})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, a.Outcome)
	assert.Empty(t, a.Warnings)
	require.NotNil(t, a.After)
	assert.Equal(t, 100, a.After.Score())
	assert.Empty(t, f.stillMounted(t))
}

func TestRun_PanicInJailedCommandReleasesSandbox(t *testing.T) {
	f := newFixture(t, brokenReport(1), healthyReport())
	m := f.build(t)
	f.proc.RunFunc = func(_ context.Context, cmd string, args ...string) (process.Result, error) {
		if cmd == "chroot" && len(args) > 1 && args[1] == "grub-install" {
			panic("grub-install wrapper bug")
		}
		return process.Result{}, nil
	}

	assert.Panics(t, func() {
		_, _ = m.Run(context.Background(), f.profile, Options{Mode: ModeAuto})
	})
	assert.Empty(t, f.stillMounted(t), "unwinding must tear the sandbox down")

	// The lock and the sandbox session were both given back.
	f.proc.RunFunc = nil
	a, err := m.Run(context.Background(), f.profile, Options{Mode: ModeForce})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, a.Outcome)
	assert.Empty(t, f.stillMounted(t))
}

func TestRun_LockContention(t *testing.T) {
	f := newFixture(t, brokenReport(1))
	m := f.build(t)

	held := process.NewLock(process.LockConfig{Dir: f.lockDir, Name: process.LockNameForTarget("/dev/sda")})
	require.NoError(t, held.Acquire())
	defer held.Release()

	a, err := m.Run(context.Background(), f.profile, Options{Mode: ModeAuto})

	assert.Nil(t, a)
	assert.ErrorIs(t, err, ErrAttemptInProgress)
	assert.Zero(t, f.diag.calls, "diagnosis must not start without the lock")
}

// =============================================================================
// State table
// =============================================================================

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateDiagnosing, true},
		{StateIdle, StateNeedsRepair, true},
		{StateIdle, StateRepairing, false},
		{StateDiagnosing, StateHealthy, true},
		{StateNeedsRepair, StateSandboxPreparing, false},
		{StateCheckpointPending, StateFailed, true},
		{StateCheckpointPending, StateRollingBack, false},
		{StateRepairing, StateRollingBack, true},
		{StateVerifying, StateRollingBack, false},
		{StateRollingBack, StateRolledBack, true},
		{StateCompleted, StateIdle, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAttempt_IllegalTransitionRejected(t *testing.T) {
	a := newAttempt(ModeAuto, false, "/dev/sda", t0)

	err := a.transition(StateCompleted, t0)

	assert.Error(t, err)
	assert.Equal(t, StateIdle, a.State)
	assert.Empty(t, a.History)
}

func TestAttempt_ExitCode(t *testing.T) {
	broken := brokenReport(1)
	tests := []struct {
		name    string
		attempt Attempt
		want    int
	}{
		{name: "healthy", attempt: Attempt{Outcome: OutcomeHealthy}, want: ExitOK},
		{name: "completed", attempt: Attempt{Outcome: OutcomeCompleted}, want: ExitOK},
		{name: "warnings", attempt: Attempt{Outcome: OutcomeCompletedWithWarnings}, want: ExitIssues},
		{name: "failed", attempt: Attempt{Outcome: OutcomeFailed}, want: ExitFailed},
		{name: "rolled back", attempt: Attempt{Outcome: OutcomeRolledBack}, want: ExitFailed},
		{name: "rollback failed", attempt: Attempt{Outcome: OutcomeRollbackFailed}, want: ExitRollbackLeak},
		{name: "leak wins", attempt: Attempt{Outcome: OutcomeCompleted, TeardownErr: sandbox.ErrResourceLeak}, want: ExitRollbackLeak},
		{name: "planned with issues", attempt: Attempt{Outcome: OutcomePlanned, Before: &broken}, want: ExitIssues},
		{name: "planned forced", attempt: Attempt{Outcome: OutcomePlanned}, want: ExitOK},
		{name: "plan failed", attempt: Attempt{Outcome: OutcomePlanned, Err: ErrNoRepairTool}, want: ExitFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.ExitCode())
		})
	}
}
