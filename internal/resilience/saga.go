// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience runs multi-step acquisitions that must either complete
// or be undone.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Saga Step
// =============================================================================

// Step is one forward action with its undo.
//
// # Description
//
// Execute acquires something (a mount, a file); Compensate releases it
// when a later step fails. Compensate may be nil when there is nothing to
// undo.
//
// # Example
//
//	step := resilience.Step{
//	    Name: "mount root",
//	    Execute: func(ctx context.Context) error {
//	        return mounter.Mount(dev, target, "ext4", unix.MS_RDONLY, "")
//	    },
//	    Compensate: func(ctx context.Context) error {
//	        return mounter.Unmount(target, 0)
//	    },
//	}
//
// # Assumptions
//
//   - Compensate is idempotent
//   - Execute respects context cancellation
type Step struct {
	// Name identifies the step in logs and errors.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. May be nil.
	Compensate func(ctx context.Context) error

	// Timeout overrides Config.StepTimeout when positive.
	Timeout time.Duration
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Saga.
type Config struct {
	// StepTimeout bounds each Execute. Default: 60s.
	StepTimeout time.Duration

	// CompensationTimeout bounds each Compensate. Default: 30s.
	CompensationTimeout time.Duration

	// Logger receives step and compensation events. Default: discard.
	Logger *slog.Logger

	// OnStepComplete is called after each successful step.
	OnStepComplete func(step Step, duration time.Duration)

	// OnCompensate is called after each compensation with its error.
	OnCompensate func(step Step, err error)
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		StepTimeout:         60 * time.Second,
		CompensationTimeout: 30 * time.Second,
	}
}

// =============================================================================
// Errors
// =============================================================================

// CompensationError records one failed undo.
type CompensationError struct {
	Step string
	Err  error
}

// Error implements the error interface.
func (e CompensationError) Error() string {
	return fmt.Sprintf("compensate %q: %v", e.Step, e.Err)
}

// Unwrap returns the underlying error.
func (e CompensationError) Unwrap() error {
	return e.Err
}

// Error is returned by Execute when a step fails.
//
// # Description
//
// Err is the step's own failure. Compensations lists the undo actions
// that failed afterwards; when it is non-empty some acquired state may
// remain and the caller must treat it as leaked.
type Error struct {
	Step          string
	Err           error
	Compensated   []string
	Compensations []CompensationError
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	if len(e.Compensations) > 0 {
		parts := make([]string, len(e.Compensations))
		for i, c := range e.Compensations {
			parts[i] = c.Error()
		}
		msg += "; " + strings.Join(parts, "; ")
	}
	return msg
}

// Unwrap exposes the step failure and every compensation failure.
func (e *Error) Unwrap() []error {
	errs := []error{e.Err}
	for _, c := range e.Compensations {
		errs = append(errs, c)
	}
	return errs
}

// ErrStepTimeout is wrapped when a step overruns its timeout.
var ErrStepTimeout = errors.New("step timed out")

// =============================================================================
// Saga
// =============================================================================

// Saga executes steps in order and compensates completed steps in reverse
// order when one fails.
//
// # Description
//
//  1. Steps are added with AddStep in execution order
//  2. Execute runs them sequentially, each under its own timeout
//  3. On failure every completed step is compensated, newest first
//  4. A failed compensation is recorded and the remaining ones still run
//  5. A step that overruns its timeout is waited on for up to
//     CompensationTimeout; if it then succeeds it is compensated too
//
// Compensation runs on a context detached from the caller's cancellation,
// so an interrupted run still releases what it acquired.
//
// # Thread Safety
//
// Methods are serialized by a mutex. A Saga is meant to be executed once.
//
// # Limitations
//
//   - No persistence; a crash mid-run leaves acquired state behind for
//     the caller's own stale-state recovery
type Saga struct {
	config    Config
	steps     []Step
	completed []Step
	mu        sync.Mutex
}

// NewSaga creates an empty saga. Zero config values take defaults.
func NewSaga(config Config) *Saga {
	defaults := DefaultConfig()
	if config.StepTimeout <= 0 {
		config.StepTimeout = defaults.StepTimeout
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = defaults.CompensationTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Saga{config: config}
}

// AddStep appends a step.
func (s *Saga) AddStep(step Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs all steps.
//
// # Outputs
//
//   - error: nil when every step succeeded, otherwise *Error naming the
//     failed step and any compensation failures.
func (s *Saga) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed = s.completed[:0]

	for _, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, step.Name, err)
		}

		timeout := step.Timeout
		if timeout <= 0 {
			timeout = s.config.StepTimeout
		}
		applied, err := s.executeStep(ctx, step, timeout)
		if applied {
			s.completed = append(s.completed, step)
		}
		if err != nil {
			return s.fail(ctx, step.Name, err)
		}
	}
	return nil
}

func (s *Saga) fail(ctx context.Context, stepName string, err error) error {
	sagaErr := &Error{Step: stepName, Err: err}
	s.compensate(ctx, sagaErr)
	return sagaErr
}

// executeStep runs one step. applied reports whether the step's effect is
// in place and so needs compensating, which can be true alongside an error
// when a step overran its timeout but finished while being waited for.
func (s *Saga) executeStep(ctx context.Context, step Step, timeout time.Duration) (applied bool, err error) {
	s.config.Logger.Debug("executing step", "step", step.Name)
	start := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- step.Execute(stepCtx)
	}()

	select {
	case err = <-done:
	case <-stepCtx.Done():
		stopErr := stepCtx.Err()
		if errors.Is(stopErr, context.DeadlineExceeded) && ctx.Err() == nil {
			stopErr = fmt.Errorf("%w after %v", ErrStepTimeout, timeout)
		}
		// A step that finished as the context ended still counts.
		select {
		case err = <-done:
		default:
			return s.awaitOverrun(step, done), stopErr
		}
	}

	duration := time.Since(start)
	if err != nil {
		s.config.Logger.Warn("step failed", "step", step.Name, "duration", duration, "error", err)
		return false, err
	}
	s.config.Logger.Debug("step completed", "step", step.Name, "duration", duration)
	if s.config.OnStepComplete != nil {
		s.config.OnStepComplete(step, duration)
	}
	return true, nil
}

// awaitOverrun waits up to CompensationTimeout for a step that ignored its
// context. It reports whether the step went on to succeed; a step still
// running when the wait ends is abandoned.
func (s *Saga) awaitOverrun(step Step, done <-chan error) bool {
	timer := time.NewTimer(s.config.CompensationTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.config.Logger.Warn("overrun step failed", "step", step.Name, "error", err)
			return false
		}
		s.config.Logger.Warn("overrun step completed after its deadline", "step", step.Name)
		return true
	case <-timer.C:
		s.config.Logger.Error("step abandoned while still running", "step", step.Name)
		return false
	}
}

func (s *Saga) compensate(ctx context.Context, sagaErr *Error) {
	if len(s.completed) == 0 {
		return
	}
	s.config.Logger.Info("compensating completed steps", "count", len(s.completed))

	base := context.WithoutCancel(ctx)
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}

		stepCtx, cancel := context.WithTimeout(base, s.config.CompensationTimeout)
		err := step.Compensate(stepCtx)
		cancel()

		if err != nil {
			s.config.Logger.Warn("compensation failed", "step", step.Name, "error", err)
			sagaErr.Compensations = append(sagaErr.Compensations, CompensationError{Step: step.Name, Err: err})
		} else {
			sagaErr.Compensated = append(sagaErr.Compensated, step.Name)
		}
		if s.config.OnCompensate != nil {
			s.config.OnCompensate(step, err)
		}
	}
}

// CompletedSteps returns the names of steps that succeeded in the last
// Execute, in execution order.
func (s *Saga) CompletedSteps() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.completed))
	for i, step := range s.completed {
		names[i] = step.Name
	}
	return names
}

// StepCount returns the number of steps added.
func (s *Saga) StepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
