// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resilience

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder collects the order of executes and compensations.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) step(name string, execErr, compErr error) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context) error {
			r.add("exec " + name)
			return execErr
		},
		Compensate: func(ctx context.Context) error {
			r.add("undo " + name)
			return compErr
		},
	}
}

// =============================================================================
// NewSaga Tests
// =============================================================================

func TestNewSaga_Defaults(t *testing.T) {
	saga := NewSaga(Config{})
	if saga.config.StepTimeout != 60*time.Second {
		t.Errorf("StepTimeout = %v, want 60s", saga.config.StepTimeout)
	}
	if saga.config.CompensationTimeout != 30*time.Second {
		t.Errorf("CompensationTimeout = %v, want 30s", saga.config.CompensationTimeout)
	}
	if saga.config.Logger == nil {
		t.Error("Logger should not be nil")
	}
	if saga.StepCount() != 0 {
		t.Errorf("StepCount() = %d, want 0", saga.StepCount())
	}
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_AllSucceed(t *testing.T) {
	rec := &recorder{}
	saga := NewSaga(DefaultConfig())
	saga.AddStep(rec.step("root", nil, nil))
	saga.AddStep(rec.step("boot", nil, nil))

	if err := saga.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	want := []string{"exec root", "exec boot"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if got := saga.CompletedSteps(); !reflect.DeepEqual(got, []string{"root", "boot"}) {
		t.Errorf("CompletedSteps() = %v", got)
	}
}

func TestExecute_FailureCompensatesInReverse(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("efi mount failed")

	saga := NewSaga(DefaultConfig())
	saga.AddStep(rec.step("root", nil, nil))
	saga.AddStep(rec.step("boot", nil, nil))
	saga.AddStep(rec.step("efi", boom, nil))
	saga.AddStep(rec.step("dev", nil, nil))

	err := saga.Execute(context.Background())

	var sagaErr *Error
	if !errors.As(err, &sagaErr) {
		t.Fatalf("error %v is not *Error", err)
	}
	if sagaErr.Step != "efi" {
		t.Errorf("Step = %q, want efi", sagaErr.Step)
	}
	if !errors.Is(err, boom) {
		t.Error("error should wrap the step failure")
	}

	want := []string{"exec root", "exec boot", "exec efi", "undo boot", "undo root"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(sagaErr.Compensated, []string{"boot", "root"}) {
		t.Errorf("Compensated = %v", sagaErr.Compensated)
	}
}

func TestExecute_CompensationFailureIsReported(t *testing.T) {
	rec := &recorder{}
	busy := errors.New("target is busy")

	saga := NewSaga(DefaultConfig())
	saga.AddStep(rec.step("root", nil, nil))
	saga.AddStep(rec.step("boot", nil, busy))
	saga.AddStep(rec.step("efi", errors.New("no such device"), nil))

	err := saga.Execute(context.Background())

	var sagaErr *Error
	if !errors.As(err, &sagaErr) {
		t.Fatalf("error %v is not *Error", err)
	}
	if len(sagaErr.Compensations) != 1 || sagaErr.Compensations[0].Step != "boot" {
		t.Fatalf("Compensations = %v", sagaErr.Compensations)
	}
	if !errors.Is(err, busy) {
		t.Error("error should expose compensation failures")
	}
	// root is still undone after boot's undo failed
	if got := rec.get(); got[len(got)-1] != "undo root" {
		t.Errorf("last event = %q, want undo root", got[len(got)-1])
	}
	if !strings.Contains(err.Error(), "target is busy") {
		t.Errorf("message %q should mention compensation failure", err.Error())
	}
}

func TestExecute_StepTimeout(t *testing.T) {
	rec := &recorder{}
	saga := NewSaga(DefaultConfig())
	saga.AddStep(rec.step("root", nil, nil))
	saga.AddStep(Step{
		Name:    "hang",
		Timeout: 30 * time.Millisecond,
		Execute: func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		},
	})

	err := saga.Execute(context.Background())
	if !errors.Is(err, ErrStepTimeout) {
		t.Fatalf("error = %v, want ErrStepTimeout", err)
	}
	if got := rec.get(); got[len(got)-1] != "undo root" {
		t.Errorf("events = %v, want root compensated", got)
	}
}

func TestExecute_OverrunStepIsCompensated(t *testing.T) {
	tests := []struct {
		name     string
		execErr  error
		grace    time.Duration
		wantUndo bool
	}{
		{name: "finishes within grace", grace: time.Second, wantUndo: true},
		{name: "fails within grace", execErr: errors.New("mount: EIO"), grace: time.Second},
		{name: "abandoned", grace: 20 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			release := make(chan struct{})
			finished := make(chan struct{})
			t.Cleanup(func() {
				close(release)
				<-finished
			})

			config := DefaultConfig()
			config.CompensationTimeout = tt.grace
			saga := NewSaga(config)
			saga.AddStep(rec.step("root", nil, nil))
			saga.AddStep(Step{
				Name:    "slow",
				Timeout: 20 * time.Millisecond,
				Execute: func(ctx context.Context) error {
					defer close(finished)
					// Ignores ctx, like a mount syscall in flight.
					select {
					case <-time.After(60 * time.Millisecond):
					case <-release:
					}
					if tt.name == "abandoned" {
						<-release
					}
					if tt.execErr == nil {
						rec.add("exec slow")
					}
					return tt.execErr
				},
				Compensate: func(ctx context.Context) error {
					rec.add("undo slow")
					return nil
				},
			})

			err := saga.Execute(context.Background())
			if !errors.Is(err, ErrStepTimeout) {
				t.Fatalf("error = %v, want ErrStepTimeout", err)
			}

			want := []string{"exec root", "undo root"}
			if tt.wantUndo {
				want = []string{"exec root", "exec slow", "undo slow", "undo root"}
			}
			if got := rec.get(); !reflect.DeepEqual(got, want) {
				t.Errorf("events = %v, want %v", got, want)
			}
		})
	}
}

func TestExecute_CancelledContextStillCompensates(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())

	config := DefaultConfig()
	config.OnStepComplete = func(step Step, _ time.Duration) {
		if step.Name == "cancel" {
			cancel()
		}
	}

	saga := NewSaga(config)
	saga.AddStep(rec.step("root", nil, nil))
	saga.AddStep(Step{
		Name:    "cancel",
		Execute: func(context.Context) error { return nil },
		Compensate: func(ctx context.Context) error {
			if ctx.Err() != nil {
				t.Error("compensation context must not be cancelled")
			}
			rec.add("undo cancel")
			return nil
		},
	})
	saga.AddStep(rec.step("never", nil, nil))

	err := saga.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	want := []string{"exec root", "undo cancel", "undo root"}
	if got := rec.get(); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestExecute_Callbacks(t *testing.T) {
	var completed, compensated []string
	config := DefaultConfig()
	config.OnStepComplete = func(step Step, _ time.Duration) { completed = append(completed, step.Name) }
	config.OnCompensate = func(step Step, err error) { compensated = append(compensated, step.Name) }

	rec := &recorder{}
	saga := NewSaga(config)
	saga.AddStep(rec.step("a", nil, nil))
	saga.AddStep(Step{Name: "nil-undo", Execute: func(context.Context) error { return nil }})
	saga.AddStep(rec.step("b", errors.New("x"), nil))

	_ = saga.Execute(context.Background())

	if !reflect.DeepEqual(completed, []string{"a", "nil-undo"}) {
		t.Errorf("completed = %v", completed)
	}
	if !reflect.DeepEqual(compensated, []string{"a"}) {
		t.Errorf("compensated = %v", compensated)
	}
}
