// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repair drives a repair attempt from diagnosis to verification.
//
// # State Machine
//
//	Idle -> Diagnosing -> Healthy
//	                   -> NeedsRepair -> CheckpointPending -> SandboxPreparing
//	                      -> Repairing -> Verifying -> Completed | CompletedWithWarnings
//
//	SandboxPreparing | Repairing -> RollingBack -> RolledBack | RollbackFailed
//	                             -> Failed (no checkpoint, or archive checkpoint)
//	CheckpointPending -> Failed (checkpoint failed and proceeding is not allowed)
//
// Force mode enters NeedsRepair directly from Idle. Phases run strictly in
// sequence; one attempt per target disk is enforced with a flock.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/bootwarden/internal/checkpoint"
	"github.com/AleutianAI/bootwarden/internal/diagnostics"
	"github.com/AleutianAI/bootwarden/internal/metrics"
	"github.com/AleutianAI/bootwarden/internal/process"
	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/sandbox"
	"github.com/AleutianAI/bootwarden/internal/tools"
)

var tracer = otel.Tracer("bootwarden.repair")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Diagnoser runs the health probes.
type Diagnoser interface {
	RunDiagnostics(ctx context.Context, p profile.SystemProfile) diagnostics.HealthReport
}

// Checkpointer creates and rolls back checkpoints.
type Checkpointer interface {
	CreateCheckpoint(ctx context.Context, p profile.SystemProfile) (checkpoint.Checkpoint, error)
	Rollback(ctx context.Context, cp checkpoint.Checkpoint) error
}

// Jail is an assembled sandbox.
type Jail interface {
	Root() string
	Run(ctx context.Context, argv ...string) (process.Result, error)
	Teardown(ctx context.Context) error
	Release() error
}

// Sandbox assembles jails.
type Sandbox interface {
	Setup(ctx context.Context, p profile.SystemProfile) (Jail, error)
}

// Recorder persists metrics. *metrics.Store satisfies it.
type Recorder interface {
	RecordHealth(score, issues int) (metrics.Record, error)
	RecordRepair(at time.Time) (metrics.Record, error)
	RecordBackup(at time.Time) (metrics.Record, error)
	AppendAttempt(a metrics.AttemptSummary) error
}

// SandboxFrom adapts a sandbox manager to the Sandbox interface.
func SandboxFrom(m *sandbox.Manager) Sandbox {
	return sandboxAdapter{m: m}
}

type sandboxAdapter struct {
	m *sandbox.Manager
}

func (a sandboxAdapter) Setup(ctx context.Context, p profile.SystemProfile) (Jail, error) {
	s, err := a.m.Setup(ctx, p)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the state machine.
type Config struct {
	// CommandTimeout bounds each repair command. Default: 300s.
	CommandTimeout time.Duration

	// RollbackTimeout bounds the rollback. Default: 120s.
	RollbackTimeout time.Duration

	// VerifyTimeout bounds the verification pass, which runs to completion
	// even after the caller's context is cancelled. Default: 120s.
	VerifyTimeout time.Duration

	// AllowWithoutCheckpoint lets a repair proceed when no checkpoint could
	// be created. Default: false.
	AllowWithoutCheckpoint bool

	// LockDir holds the per-disk lock files. Default: /run/bootwarden
	LockDir string
}

// DefaultConfig returns the default machine configuration.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:  300 * time.Second,
		RollbackTimeout: 120 * time.Second,
		VerifyTimeout:   120 * time.Second,
		LockDir:         process.DefaultLockConfig().Dir,
	}
}

// Dependencies are the machine's collaborators. Recorder and Locator are
// optional.
type Dependencies struct {
	Diagnostics Diagnoser
	Checkpoints Checkpointer
	Sandbox     Sandbox
	Locator     tools.ToolLocator
	Recorder    Recorder
}

// Options select how one attempt runs.
type Options struct {
	Mode Mode

	// DryRun stops after planning; nothing is mutated.
	DryRun bool
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine runs repair attempts.
//
// # Thread Safety
//
// Run may be called concurrently for different target disks; attempts for
// the same disk exclude each other through the lock.
type Machine struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a state machine.
func NewMachine(config Config, deps Dependencies, logger *slog.Logger) *Machine {
	defaults := DefaultConfig()
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaults.CommandTimeout
	}
	if config.RollbackTimeout <= 0 {
		config.RollbackTimeout = defaults.RollbackTimeout
	}
	if config.VerifyTimeout <= 0 {
		config.VerifyTimeout = defaults.VerifyTimeout
	}
	if config.LockDir == "" {
		config.LockDir = defaults.LockDir
	}
	if deps.Locator == nil {
		deps.Locator = tools.FSToolLocator{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Machine{config: config, deps: deps, logger: logger, now: time.Now}
}

// Run executes one repair attempt against p.
//
// # Description
//
// The target's lock is taken before anything else. The returned Attempt
// describes the outcome; a failed repair is an outcome, not an error.
//
// # Outputs
//
//   - *Attempt: the attempt record, nil only when err is non-nil.
//   - error: ErrAttemptInProgress on lock contention, or a lock I/O error.
//
// # Examples
//
//	attempt, err := machine.Run(ctx, p, repair.Options{Mode: repair.ModeAuto})
//	if errors.Is(err, repair.ErrAttemptInProgress) { ... }
//	fmt.Println(attempt.Outcome)
func (m *Machine) Run(ctx context.Context, p profile.SystemProfile, opts Options) (*Attempt, error) {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}

	lock := process.NewLock(process.LockConfig{
		Dir:  m.config.LockDir,
		Name: process.LockNameForTarget(p.TargetDisk),
	})
	if err := lock.Acquire(); err != nil {
		var held *process.ErrLockHeld
		if errors.As(err, &held) {
			return nil, fmt.Errorf("%w: %w", ErrAttemptInProgress, err)
		}
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			m.logger.Warn("release attempt lock", "error", err)
		}
	}()

	attempt := newAttempt(opts.Mode, opts.DryRun, p.TargetDisk, m.now())
	attempt.Family = string(p.Family)
	logger := m.logger.With("attempt", attempt.ID, "mode", opts.Mode)

	ctx, span := tracer.Start(ctx, "repair.attempt",
		trace.WithAttributes(
			attribute.String("attempt.id", attempt.ID),
			attribute.String("mode", string(opts.Mode)),
			attribute.Bool("dry_run", opts.DryRun),
			attribute.String("family", string(p.Family)),
		),
	)
	defer span.End()

	r := &run{m: m, p: p, a: attempt, logger: logger}
	r.execute(ctx)

	attempt.FinishedAt = m.now()
	r.persist()

	span.SetAttributes(attribute.String("outcome", string(attempt.Outcome)))
	if attempt.Err != nil {
		span.RecordError(attempt.Err)
		span.SetStatus(codes.Error, string(attempt.Outcome))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	logger.Info("repair attempt finished",
		"outcome", attempt.Outcome,
		"duration", attempt.FinishedAt.Sub(attempt.StartedAt),
	)
	return attempt, nil
}

// run carries the state of one attempt through the phases.
type run struct {
	m      *Machine
	p      profile.SystemProfile
	a      *Attempt
	logger *slog.Logger
	jail   Jail
}

func (r *run) enter(to State) {
	from := r.a.State
	if err := r.a.transition(to, r.m.now()); err != nil {
		// Unreachable unless the machine itself is wrong.
		r.logger.Error("state machine error", "error", err)
		return
	}
	r.logger.Info("state transition", "from", from, "to", to)
}

func (r *run) execute(ctx context.Context) {
	if r.a.Mode == ModeForce {
		r.enter(StateNeedsRepair)
	} else {
		r.enter(StateDiagnosing)
		report := r.diagnose(ctx, "repair.diagnosing")
		r.a.Before = &report
		if !report.NeedsRepair() {
			r.enter(StateHealthy)
			return
		}
		r.enter(StateNeedsRepair)
	}

	if r.a.DryRun {
		r.plan()
		return
	}

	r.enter(StateCheckpointPending)
	if !r.checkpoint(ctx) {
		r.enter(StateFailed)
		return
	}

	r.enter(StateSandboxPreparing)
	jail, err := r.m.deps.Sandbox.Setup(ctx, r.p)
	if err != nil {
		if errors.Is(err, sandbox.ErrResourceLeak) {
			r.a.TeardownErr = err
		}
		r.fail(ctx, fmt.Errorf("prepare sandbox: %w", err))
		return
	}
	r.jail = jail
	defer r.release()

	r.enter(StateRepairing)
	if err := r.repair(ctx); err != nil {
		r.release()
		r.fail(ctx, err)
		return
	}

	r.release()
	r.enter(StateVerifying)
	report := r.verify(ctx)
	r.a.After = &report
	if report.NeedsRepair() {
		r.warn(fmt.Sprintf("verification found %d issue(s), score %d", report.TotalIssues(), report.Score()))
	}
	if len(r.a.Warnings) > 0 {
		r.enter(StateCompletedWithWarnings)
		return
	}
	r.enter(StateCompleted)
}

// verify re-runs diagnostics once the repair commands have finished. The
// commands have already changed the system, so an interrupt arriving now
// must not turn every probe inconclusive.
func (r *run) verify(ctx context.Context) diagnostics.HealthReport {
	if ctx.Err() != nil {
		r.logger.Warn("interrupted after repair, verifying before exit")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.config.VerifyTimeout)
	defer cancel()
	return r.diagnose(ctx, "repair.verifying")
}

func (r *run) diagnose(ctx context.Context, spanName string) diagnostics.HealthReport {
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	report := r.m.deps.Diagnostics.RunDiagnostics(ctx, r.p)
	span.SetAttributes(
		attribute.Int("score", report.Score()),
		attribute.Int("issues", report.TotalIssues()),
	)
	if rec := r.m.deps.Recorder; rec != nil {
		if _, err := rec.RecordHealth(report.Score(), report.TotalIssues()); err != nil {
			r.logger.Warn("record health", "error", err)
		}
	}
	return report
}

// plan fills the attempt with the commands a real run would execute.
func (r *run) plan() {
	rp := ProfileFor(r.p.Family)
	root := r.p.TargetRoot
	if root == "" {
		root = "/"
	}
	plan, err := rp.Plan(r.p, root, r.m.deps.Locator)
	r.a.Outcome = OutcomePlanned
	if err != nil {
		r.a.Err = err
		return
	}
	for _, step := range plan.Steps {
		r.a.Commands = append(r.a.Commands, CommandRecord{Step: step.Name, Argv: step.Argv, BestEffort: step.BestEffort})
	}
}

// checkpoint reports whether the attempt may continue.
func (r *run) checkpoint(ctx context.Context) bool {
	ctx, span := tracer.Start(ctx, "repair.checkpoint")
	defer span.End()

	cp, err := r.m.deps.Checkpoints.CreateCheckpoint(ctx, r.p)
	if err != nil {
		r.a.CheckpointErr = err
		span.RecordError(err)
		if !r.m.config.AllowWithoutCheckpoint {
			r.a.Err = fmt.Errorf("no checkpoint and proceeding without one is not allowed: %w", err)
			r.a.RollbackNote = "no checkpoint"
			span.SetStatus(codes.Error, "checkpoint failed")
			return false
		}
		r.warn("proceeding without checkpoint: " + err.Error())
		return true
	}

	r.a.Checkpoint = &cp
	r.a.RollbackApplicable = cp.Kind == checkpoint.KindSnapshot
	if rec := r.m.deps.Recorder; rec != nil {
		if _, err := rec.RecordBackup(cp.CreatedAt); err != nil {
			r.logger.Warn("record backup", "error", err)
		}
	}
	span.SetAttributes(attribute.String("kind", string(cp.Kind)), attribute.String("id", cp.ID))
	return true
}

// repair runs the profile's commands inside the jail.
func (r *run) repair(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "repair.repairing")
	defer span.End()

	if rec := r.m.deps.Recorder; rec != nil {
		if _, err := rec.RecordRepair(r.m.now()); err != nil {
			r.logger.Warn("record repair", "error", err)
		}
	}

	rp := ProfileFor(r.p.Family)
	plan, err := rp.Plan(r.p, r.jail.Root(), r.m.deps.Locator)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("plan repair (%s): %w", rp.Name(), err)
	}
	span.SetAttributes(attribute.String("profile", plan.Profile))

	for _, step := range plan.Steps {
		err := r.runStep(ctx, step)
		if err == nil {
			continue
		}
		if step.BestEffort {
			r.warn(fmt.Sprintf("%s failed: %v", step.Name, err))
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, step.Name)
		return err
	}
	return nil
}

func (r *run) runStep(ctx context.Context, step PlannedStep) error {
	ctx, cancel := context.WithTimeout(ctx, r.m.config.CommandTimeout)
	defer cancel()

	start := r.m.now()
	_, err := r.jail.Run(ctx, step.Argv...)
	rec := CommandRecord{
		Step:       step.Name,
		Argv:       step.Argv,
		BestEffort: step.BestEffort,
		Duration:   r.m.now().Sub(start),
	}
	if err != nil {
		cmdErr := &RepairCommandError{Step: step.Name, Argv: step.Argv, Err: err}
		rec.Error = cmdErr.Error()
		r.a.Commands = append(r.a.Commands, rec)
		r.logger.Error("repair command failed", "step", step.Name, "timed_out", cmdErr.TimedOut(), "error", err)
		return cmdErr
	}
	r.a.Commands = append(r.a.Commands, rec)
	r.logger.Info("repair command succeeded", "step", step.Name, "duration", rec.Duration)
	return nil
}

// fail takes the failure branch from SandboxPreparing or Repairing.
func (r *run) fail(ctx context.Context, cause error) {
	r.a.Err = cause
	cp := r.a.Checkpoint

	switch {
	case cp == nil:
		r.a.RollbackNote = "rollback not applicable: no checkpoint"
		r.enter(StateFailed)
		return
	case cp.Kind != checkpoint.KindSnapshot:
		r.a.RollbackNote = fmt.Sprintf("rollback not applicable: %s checkpoints do not support live rollback; restore manually from %s", cp.Kind, cp.Location)
		r.enter(StateFailed)
		return
	}

	r.enter(StateRollingBack)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.m.config.RollbackTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "repair.rolling_back")
	defer span.End()

	r.a.RollbackAttempted = true
	if err := r.m.deps.Checkpoints.Rollback(ctx, *cp); err != nil {
		r.a.RollbackErr = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollback failed")
		r.enter(StateRollbackFailed)
		return
	}
	r.enter(StateRolledBack)
}

// release tears the jail down once; later calls are no-ops.
func (r *run) release() {
	if r.jail == nil {
		return
	}
	jail := r.jail
	r.jail = nil
	if err := jail.Release(); err != nil {
		r.a.TeardownErr = err
		r.logger.Error("sandbox teardown incomplete", "error", err)
	}
}

func (r *run) warn(msg string) {
	r.a.Warnings = append(r.a.Warnings, msg)
	r.logger.Warn(msg)
}

// persist writes the attempt summary to the recorder.
func (r *run) persist() {
	rec := r.m.deps.Recorder
	if rec == nil {
		return
	}
	if err := rec.AppendAttempt(r.a.Summary()); err != nil {
		r.logger.Warn("record attempt", "error", err)
	}
}
