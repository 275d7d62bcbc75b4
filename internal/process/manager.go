// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Manager abstracts external process execution.
//
// # Description
//
// All exec.Command calls go through this interface. Callers bound each
// call with a context deadline; the implementation reports an expired
// deadline as a *CommandError with TimedOut set, so a timeout and a
// non-zero exit are handled by the same error path.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; diagnostic probes call
// Run from several goroutines at once.
type Manager interface {
	// Run executes name with args and waits for it to exit.
	//
	// # Outputs
	//
	//   - Result: Captured stdout/stderr, exit code and duration. Populated
	//     even when err is non-nil, as far as the command got.
	//   - error: *CommandError on non-zero exit, timeout, or start failure.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// LookPath resolves an executable on the host PATH.
	LookPath(name string) (string, error)
}

// Result is the captured outcome of one command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// =============================================================================
// DefaultManager
// =============================================================================

// killGrace is how long a cancelled command's pipes may stay open after kill.
const killGrace = 2 * time.Second

// DefaultManager runs real processes via os/exec.
type DefaultManager struct{}

// NewDefaultManager creates a DefaultManager.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes a command in its own process group.
//
// # Description
//
// The command is started with Setpgid so that cancelling ctx kills the
// whole group (grub-install spawns efibootmgr and os-prober children).
// WaitDelay bounds how long a killed command's pipes can keep Run blocked.
//
// # Error Conditions
//
//   - executable not found or not startable: CommandError, ExitCode -1
//   - non-zero exit: CommandError with ExitCode and trimmed Stderr
//   - context deadline exceeded: CommandError with TimedOut = true
func (m *DefaultManager) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}

	cmdErr := NewCommandError(commandLine(name, args), res.ExitCode, res.Stderr, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		cmdErr.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		cmdErr.Wrapped = ctxErr
	}
	return res, cmdErr
}

// LookPath resolves name on PATH.
func (m *DefaultManager) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

var _ Manager = (*DefaultManager)(nil)

// =============================================================================
// MockManager
// =============================================================================

// Call records one invocation seen by MockManager.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return commandLine(c.Name, c.Args)
}

// MockManager is a scripted Manager for tests.
//
// # Description
//
// RunFunc decides the outcome of each Run; when nil every command
// succeeds with empty output. LookPathFunc defaults to "not found".
// Calls are recorded in order.
type MockManager struct {
	RunFunc      func(ctx context.Context, name string, args ...string) (Result, error)
	LookPathFunc func(name string) (string, error)

	mu    sync.Mutex
	calls []Call
}

// Run records the call and delegates to RunFunc.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Name: name, Args: append([]string(nil), args...)})
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	return Result{}, nil
}

// LookPath delegates to LookPathFunc.
func (m *MockManager) LookPath(name string) (string, error) {
	if m.LookPathFunc != nil {
		return m.LookPathFunc(name)
	}
	return "", exec.ErrNotFound
}

// Calls returns a copy of the recorded calls.
func (m *MockManager) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

var _ Manager = (*MockManager)(nil)

// =============================================================================
// HELPERS
// =============================================================================

func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return fmt.Sprintf("%s %s", name, strings.Join(args, " "))
}
