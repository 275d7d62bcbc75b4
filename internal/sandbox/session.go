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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/bootwarden/internal/process"
	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/resilience"
)

var tracer = otel.Tracer("bootwarden.sandbox")

// active guards the one-session-per-process rule.
var active atomic.Bool

// sessionLockName is the flock shared by every bootwarden process using the
// same marker directory. It is held for the life of a session and while
// stale mounts are being cleared.
const sessionLockName = "bootwarden-session"

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the sandbox manager.
type Config struct {
	// Root is where the target root partition is mounted.
	// Default: /run/bootwarden/root
	Root string

	// MarkerPath records the live mount stack so a later run can clean up
	// after a crash. Default: /run/bootwarden/session.json
	MarkerPath string

	// HostRoot prefixes host paths used as bind sources. Default: /
	HostRoot string

	// MountTimeout bounds each setup step. Default: 30s.
	MountTimeout time.Duration

	// CommandTimeout bounds each Session.Run call. Default: 300s.
	CommandTimeout time.Duration

	// TeardownTimeout bounds Release. Default: 60s.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the default sandbox configuration.
func DefaultConfig() Config {
	return Config{
		Root:            "/run/bootwarden/root",
		MarkerPath:      "/run/bootwarden/session.json",
		HostRoot:        "/",
		MountTimeout:    30 * time.Second,
		CommandTimeout:  300 * time.Second,
		TeardownTimeout: 60 * time.Second,
	}
}

// bindMounts are bound into every jail, in order.
var bindMounts = []string{"/dev", "/dev/pts", "/proc", "/sys", "/run"}

// efivarsPath is bound in UEFI mode when the host exposes it.
const efivarsPath = "/sys/firmware/efi/efivars"

// =============================================================================
// MANAGER
// =============================================================================

// Manager creates sandbox sessions.
//
// # Thread Safety
//
// Setup may be called from any goroutine, but at most one session is open
// per process; a second Setup returns ErrSessionActive. Across processes
// the session lock next to the marker file gives the same guarantee, and
// RecoverStale refuses to touch a root whose session is still held.
type Manager struct {
	config  Config
	mounter Mounter
	proc    process.Manager
	logger  *slog.Logger
}

// NewManager creates a manager.
func NewManager(config Config, mounter Mounter, proc process.Manager, logger *slog.Logger) *Manager {
	defaults := DefaultConfig()
	if config.Root == "" {
		config.Root = defaults.Root
	}
	if config.MarkerPath == "" {
		config.MarkerPath = defaults.MarkerPath
	}
	if config.HostRoot == "" {
		config.HostRoot = defaults.HostRoot
	}
	if config.MountTimeout <= 0 {
		config.MountTimeout = defaults.MountTimeout
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = defaults.CommandTimeout
	}
	if config.TeardownTimeout <= 0 {
		config.TeardownTimeout = defaults.TeardownTimeout
	}
	config.Root = filepath.Clean(config.Root)
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{config: config, mounter: mounter, proc: proc, logger: logger}
}

// sessionLock returns the lock guarding the session root.
func (m *Manager) sessionLock() *process.Lock {
	return process.NewLock(process.LockConfig{
		Dir:  filepath.Dir(m.config.MarkerPath),
		Name: sessionLockName,
	})
}

// lockSession takes the session lock, mapping contention to
// ErrSessionActive.
func (m *Manager) lockSession() (*process.Lock, error) {
	lock := m.sessionLock()
	if err := lock.Acquire(); err != nil {
		var held *process.ErrLockHeld
		if errors.As(err, &held) {
			return nil, fmt.Errorf("%w: %w", ErrSessionActive, err)
		}
		return nil, &SandboxError{Op: "lock", Err: err}
	}
	return lock, nil
}

func (m *Manager) unlockSession(lock *process.Lock) {
	if lock == nil {
		return
	}
	if err := lock.Release(); err != nil {
		m.logger.Warn("release session lock", "error", err)
	}
}

// Root returns the session root.
func (m *Manager) Root() string {
	return m.config.Root
}

// Setup assembles the jail for p.
//
// # Description
//
// The session lock is taken and stale mounts from an abnormal exit are
// cleared first. Then, as saga steps whose compensation unmounts what they
// mounted:
//
//  1. root partition at Root read-only, then remounted read-write
//  2. boot partition at Root/boot when separate
//  3. EFI partition at Root/<efi dir> in UEFI mode
//  4. binds of /dev, /dev/pts, /proc, /sys, /run, and efivars in UEFI mode
//
// # Outputs
//
//   - *Session: the open session. The caller must Release it.
//   - error: ErrSessionActive (here or in another process), or
//     *SandboxError after compensation.
//
// # Examples
//
//	session, err := mgr.Setup(ctx, p)
//	if err != nil {
//	    return err
//	}
//	defer session.Release()
func (m *Manager) Setup(ctx context.Context, p profile.SystemProfile) (*Session, error) {
	if p.Root.IsZero() {
		return nil, &SandboxError{Op: "setup", Err: errors.New("profile has no root partition")}
	}
	if !active.CompareAndSwap(false, true) {
		return nil, ErrSessionActive
	}
	lock, err := m.lockSession()
	if err != nil {
		active.Store(false)
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "sandbox.setup",
		trace.WithAttributes(attribute.String("root", m.config.Root)),
	)
	defer span.End()

	if recovered, err := m.recoverStale(ctx); err != nil {
		m.unlockSession(lock)
		active.Store(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "stale session")
		return nil, err
	} else if len(recovered) > 0 {
		m.logger.Warn("cleared stale sandbox mounts", "mounts", recovered)
	}

	s := &Session{manager: m, root: m.config.Root, lock: lock}
	saga := resilience.NewSaga(resilience.Config{
		StepTimeout: m.config.MountTimeout,
		Logger:      m.logger,
	})
	for _, step := range m.plan(s, p) {
		saga.AddStep(step)
	}

	if err := saga.Execute(ctx); err != nil {
		sbErr := &SandboxError{Op: "setup", Err: err}
		var sagaErr *resilience.Error
		if errors.As(err, &sagaErr) {
			sbErr.Step = sagaErr.Step
		}
		if leaked := m.leakedMounts(); len(leaked) > 0 {
			sbErr.Leaked = leaked
			sbErr.Err = fmt.Errorf("%w: %w", ErrResourceLeak, err)
		} else {
			m.removeMarker()
		}
		m.unlockSession(lock)
		active.Store(false)
		span.RecordError(sbErr)
		span.SetStatus(codes.Error, "setup failed")
		m.logger.Error("sandbox setup failed", "step", sbErr.Step, "error", err)
		return nil, sbErr
	}

	span.SetAttributes(attribute.Int("mounts", len(s.stack)))
	span.SetStatus(codes.Ok, "")
	m.logger.Info("sandbox ready", "root", s.root, "mounts", len(s.stack))
	return s, nil
}

// plan builds the setup steps for p.
func (m *Manager) plan(s *Session, p profile.SystemProfile) []resilience.Step {
	root := m.config.Root
	var steps []resilience.Step

	steps = append(steps, s.mountStep("mount root", MountRecord{
		Source: p.Root.Device,
		Target: root,
		FSType: p.Root.FSType,
		Flags:  unix.MS_RDONLY,
		Data:   p.Root.Options,
	}))
	steps = append(steps, resilience.Step{
		Name: "remount root read-write",
		Execute: func(ctx context.Context) error {
			return m.mounter.Mount("", root, "", unix.MS_REMOUNT, p.Root.Options)
		},
	})

	if p.HasSeparateBoot() {
		steps = append(steps, s.mountStep("mount boot", MountRecord{
			Source: p.Boot.Device,
			Target: filepath.Join(root, "/boot"),
			FSType: p.Boot.FSType,
			Data:   p.Boot.Options,
		}))
	}
	if p.IsUEFI() && p.HasEFI() {
		steps = append(steps, s.mountStep("mount efi", MountRecord{
			Source: p.EFI.Device,
			Target: filepath.Join(root, p.EFIDirectory()),
			FSType: p.EFI.FSType,
			Data:   p.EFI.Options,
		}))
	}

	binds := append([]string(nil), bindMounts...)
	if p.IsUEFI() {
		if _, err := os.Stat(filepath.Join(m.config.HostRoot, efivarsPath)); err == nil {
			binds = append(binds, efivarsPath)
		}
	}
	for _, b := range binds {
		steps = append(steps, s.mountStep("bind "+b, MountRecord{
			Source: filepath.Join(m.config.HostRoot, b),
			Target: filepath.Join(root, b),
			Flags:  unix.MS_BIND,
		}))
	}
	return steps
}

// RecoverStale removes mounts left under the session root by a previous
// run that exited abnormally. It returns the mount points it removed.
//
// While another session holds the session lock nothing is unmounted and
// the error wraps ErrSessionActive.
func (m *Manager) RecoverStale(ctx context.Context) ([]string, error) {
	lock, err := m.lockSession()
	if err != nil {
		return nil, err
	}
	defer m.unlockSession(lock)
	return m.recoverStale(ctx)
}

// recoverStale does the work of RecoverStale; the caller holds the lock.
func (m *Manager) recoverStale(ctx context.Context) ([]string, error) {
	var targets []string
	if records, err := readMarker(m.config.MarkerPath); err == nil {
		for i := len(records) - 1; i >= 0; i-- {
			targets = append(targets, records[i].Target)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("ignoring unreadable session marker", "path", m.config.MarkerPath, "error", err)
	}

	// Anything else still under the root; children before parents.
	targets = append(targets, m.leakedMounts()...)
	sort.SliceStable(targets, func(i, j int) bool {
		return strings.Count(targets[i], "/") > strings.Count(targets[j], "/")
	})

	var removed []string
	seen := make(map[string]bool)
	for _, t := range targets {
		if seen[t] || !m.isMounted(t) {
			continue
		}
		seen[t] = true
		if err := m.unmount(ctx, t); err != nil {
			m.logger.Warn("stale unmount failed", "target", t, "error", err)
			continue
		}
		removed = append(removed, t)
	}

	if leaked := m.leakedMounts(); len(leaked) > 0 {
		return removed, &SandboxError{Op: "recover", Err: ErrResourceLeak, Leaked: leaked}
	}
	m.removeMarker()
	return removed, nil
}

// unmount escalates from a graceful unmount to a lazy detach to a forced
// unmount.
func (m *Manager) unmount(ctx context.Context, target string) error {
	var errs []error
	for _, flags := range []int{0, unix.MNT_DETACH, unix.MNT_FORCE} {
		err := m.mounter.Unmount(target, flags)
		if err == nil {
			if flags != 0 {
				m.logger.Warn("unmount escalated", "target", target, "flags", flags)
			}
			return nil
		}
		if errors.Is(err, unix.EINVAL) && !m.isMounted(target) {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// leakedMounts returns live mount points at or under the session root.
func (m *Manager) leakedMounts() []string {
	points, err := m.mounter.MountPoints()
	if err != nil {
		m.logger.Warn("cannot read mount table", "error", err)
		return nil
	}
	var leaked []string
	for _, pt := range points {
		if pt == m.config.Root || strings.HasPrefix(pt, m.config.Root+"/") {
			leaked = append(leaked, pt)
		}
	}
	return leaked
}

func (m *Manager) isMounted(target string) bool {
	points, err := m.mounter.MountPoints()
	if err != nil {
		return true
	}
	for _, pt := range points {
		if pt == target {
			return true
		}
	}
	return false
}

func (m *Manager) removeMarker() {
	if err := os.Remove(m.config.MarkerPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("remove session marker", "error", err)
	}
}

// =============================================================================
// SESSION
// =============================================================================

// MountRecord is one entry on a session's mount stack.
type MountRecord struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	FSType string  `json:"fstype,omitempty"`
	Flags  uintptr `json:"flags,omitempty"`
	Data   string  `json:"data,omitempty"`
}

// Session is an assembled jail.
//
// # Thread Safety
//
// Run may be called concurrently. Teardown and Release run at most once
// between them; later calls return the first result.
type Session struct {
	manager *Manager
	root    string
	lock    *process.Lock

	mu     sync.Mutex
	stack  []MountRecord
	closed bool

	once       sync.Once
	releaseErr error
}

// Root returns the jail's root directory.
func (s *Session) Root() string {
	return s.root
}

// Mounts returns a copy of the mount stack, oldest first.
func (s *Session) Mounts() []MountRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MountRecord(nil), s.stack...)
}

// Run executes argv inside the jail via chroot.
//
// # Description
//
// The call is bounded by the manager's CommandTimeout. A timeout surfaces
// as a *process.CommandError with TimedOut set.
func (s *Session) Run(ctx context.Context, argv ...string) (process.Result, error) {
	if len(argv) == 0 {
		return process.Result{}, errors.New("empty command")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return process.Result{}, ErrSessionClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.manager.config.CommandTimeout)
	defer cancel()

	args := append([]string{s.root}, argv...)
	s.manager.logger.Debug("running in sandbox", "argv", argv)
	return s.manager.proc.Run(ctx, "chroot", args...)
}

// Teardown unmounts the stack in reverse order and checks for leaks.
//
// # Description
//
// Each mount is removed with escalation (graceful, lazy, forced). Teardown
// continues past failures. Afterwards the live mount table is re-read and
// anything under the session root is reported.
//
// Teardown runs at most once per session; it is not interrupted by ctx
// cancellation.
//
// # Outputs
//
//   - error: nil when nothing remains; *SandboxError wrapping
//     ErrResourceLeak otherwise.
func (s *Session) Teardown(ctx context.Context) error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.manager.config.TeardownTimeout)
		defer cancel()
		s.releaseErr = s.teardown(ctx)
	})
	return s.releaseErr
}

// Release is Teardown on a background context. Safe to defer and to call
// from several paths.
func (s *Session) Release() error {
	return s.Teardown(context.Background())
}

func (s *Session) teardown(ctx context.Context) error {
	m := s.manager
	ctx, span := tracer.Start(ctx, "sandbox.teardown")
	defer span.End()

	s.mu.Lock()
	s.closed = true
	stack := append([]MountRecord(nil), s.stack...)
	s.mu.Unlock()

	var failures []string
	for i := len(stack) - 1; i >= 0; i-- {
		target := stack[i].Target
		if err := m.unmount(ctx, target); err != nil {
			failures = append(failures, target)
			m.logger.Error("unmount failed", "target", target, "error", err)
			continue
		}
		s.pop(target)
	}

	defer active.Store(false)
	defer m.unlockSession(s.lock)

	if leaked := m.leakedMounts(); len(leaked) > 0 {
		err := &SandboxError{Op: "teardown", Err: ErrResourceLeak, Leaked: leaked}
		span.RecordError(err)
		span.SetStatus(codes.Error, "leak")
		m.logger.Error("sandbox teardown left mounts behind", "leaked", leaked, "failed", failures)
		return err
	}

	m.removeMarker()
	span.SetStatus(codes.Ok, "")
	m.logger.Info("sandbox torn down", "root", s.root)
	return nil
}

// mountStep returns a saga step that mounts rec and pushes it on the
// stack. Its compensation unmounts it and pops it.
func (s *Session) mountStep(name string, rec MountRecord) resilience.Step {
	m := s.manager
	return resilience.Step{
		Name: name,
		Execute: func(ctx context.Context) error {
			if err := os.MkdirAll(rec.Target, 0o755); err != nil {
				return fmt.Errorf("create mount point: %w", err)
			}
			if err := m.mounter.Mount(rec.Source, rec.Target, rec.FSType, rec.Flags, rec.Data); err != nil {
				return err
			}
			s.push(rec)
			return nil
		},
		Compensate: func(ctx context.Context) error {
			if err := m.unmount(ctx, rec.Target); err != nil {
				return err
			}
			s.pop(rec.Target)
			return nil
		},
	}
}

func (s *Session) push(rec MountRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, rec)
	if err := writeMarker(s.manager.config.MarkerPath, s.stack); err != nil {
		s.manager.logger.Warn("write session marker", "error", err)
	}
}

func (s *Session) pop(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i].Target == target {
			s.stack = append(s.stack[:i], s.stack[i+1:]...)
			break
		}
	}
	if len(s.stack) == 0 {
		return
	}
	if err := writeMarker(s.manager.config.MarkerPath, s.stack); err != nil {
		s.manager.logger.Warn("write session marker", "error", err)
	}
}
