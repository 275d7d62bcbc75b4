// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/bootwarden/internal/checkpoint"
	"github.com/AleutianAI/bootwarden/internal/diagnostics"
	"github.com/AleutianAI/bootwarden/internal/metrics"
)

// =============================================================================
// STATES
// =============================================================================

// State is a phase of a repair attempt.
type State string

const (
	StateIdle                  State = "idle"
	StateDiagnosing            State = "diagnosing"
	StateHealthy               State = "healthy"
	StateNeedsRepair           State = "needs_repair"
	StateCheckpointPending     State = "checkpoint_pending"
	StateSandboxPreparing      State = "sandbox_preparing"
	StateRepairing             State = "repairing"
	StateVerifying             State = "verifying"
	StateCompleted             State = "completed"
	StateCompletedWithWarnings State = "completed_with_warnings"
	StateRollingBack           State = "rolling_back"
	StateRolledBack            State = "rolled_back"
	StateRollbackFailed        State = "rollback_failed"
	StateFailed                State = "failed"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:              {StateDiagnosing, StateNeedsRepair},
	StateDiagnosing:        {StateHealthy, StateNeedsRepair},
	StateNeedsRepair:       {StateCheckpointPending},
	StateCheckpointPending: {StateSandboxPreparing, StateFailed},
	StateSandboxPreparing:  {StateRepairing, StateRollingBack, StateFailed},
	StateRepairing:         {StateVerifying, StateRollingBack, StateFailed},
	StateVerifying:         {StateCompleted, StateCompletedWithWarnings},
	StateRollingBack:       {StateRolledBack, StateRollbackFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends an attempt.
func (s State) IsTerminal() bool {
	switch s {
	case StateHealthy, StateCompleted, StateCompletedWithWarnings,
		StateRolledBack, StateRollbackFailed, StateFailed:
		return true
	}
	return false
}

// Outcome is the recorded result of an attempt.
type Outcome string

const (
	OutcomeHealthy               Outcome = "healthy"
	OutcomeCompleted             Outcome = "completed"
	OutcomeCompletedWithWarnings Outcome = "completed_with_warnings"
	OutcomeFailed                Outcome = "failed"
	OutcomeRolledBack            Outcome = "rolled_back"
	OutcomeRollbackFailed        Outcome = "rollback_failed"

	// OutcomePlanned marks a dry run that stopped after planning.
	OutcomePlanned Outcome = "planned"
)

// outcomeFor maps a terminal state to its outcome.
func outcomeFor(s State) Outcome {
	switch s {
	case StateHealthy:
		return OutcomeHealthy
	case StateCompleted:
		return OutcomeCompleted
	case StateCompletedWithWarnings:
		return OutcomeCompletedWithWarnings
	case StateRolledBack:
		return OutcomeRolledBack
	case StateRollbackFailed:
		return OutcomeRollbackFailed
	default:
		return OutcomeFailed
	}
}

// Mode selects how an attempt starts.
type Mode string

const (
	// ModeAuto diagnoses first and repairs only when issues are found.
	ModeAuto Mode = "auto"

	// ModeForce skips diagnosis and repairs unconditionally.
	ModeForce Mode = "force"
)

// =============================================================================
// ATTEMPT
// =============================================================================

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// CommandRecord is one command run (or planned) during Repairing.
type CommandRecord struct {
	Step       string        `json:"step"`
	Argv       []string      `json:"argv"`
	BestEffort bool          `json:"best_effort,omitempty"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Attempt is the record of one run of the state machine.
//
// # Description
//
// A failed attempt always answers three questions: whether a checkpoint
// existed (Checkpoint), whether rollback was attempted
// (RollbackAttempted), and how it ended (RollbackErr, or RollbackNote
// when rollback was not applicable).
type Attempt struct {
	ID         string
	Mode       Mode
	DryRun     bool
	TargetDisk string
	Family     string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	Outcome    Outcome
	History    []Transition

	Before *diagnostics.HealthReport
	After  *diagnostics.HealthReport

	Checkpoint    *checkpoint.Checkpoint
	CheckpointErr error

	Commands []CommandRecord
	Warnings []string

	RollbackApplicable bool
	RollbackAttempted  bool
	RollbackErr        error
	RollbackNote       string

	// Err is the failure that sent the attempt down the failure branch.
	Err error

	// TeardownErr is set when the sandbox could not be fully dismantled.
	TeardownErr error
}

func newAttempt(mode Mode, dryRun bool, targetDisk string, now time.Time) *Attempt {
	return &Attempt{
		ID:         uuid.NewString(),
		Mode:       mode,
		DryRun:     dryRun,
		TargetDisk: targetDisk,
		StartedAt:  now,
		State:      StateIdle,
	}
}

// transition moves the attempt to `to`, recording it.
func (a *Attempt) transition(to State, at time.Time) error {
	if !CanTransition(a.State, to) {
		return fmt.Errorf("illegal transition %s -> %s", a.State, to)
	}
	a.History = append(a.History, Transition{From: a.State, To: to, At: at})
	a.State = to
	if to.IsTerminal() {
		a.Outcome = outcomeFor(to)
	}
	return nil
}

// States returns the visited states in order, starting with Idle.
func (a *Attempt) States() []State {
	states := []State{StateIdle}
	for _, t := range a.History {
		states = append(states, t.To)
	}
	return states
}

// Exit codes reported by the CLI.
const (
	ExitOK           = 0
	ExitIssues       = 1
	ExitFailed       = 2
	ExitRollbackLeak = 3
	ExitFatal        = 4
)

// ExitCode maps the attempt's outcome to a process exit code. A sandbox
// that could not be dismantled always yields ExitRollbackLeak.
func (a *Attempt) ExitCode() int {
	if a.TeardownErr != nil {
		return ExitRollbackLeak
	}
	switch a.Outcome {
	case OutcomeHealthy, OutcomeCompleted:
		return ExitOK
	case OutcomeCompletedWithWarnings:
		return ExitIssues
	case OutcomePlanned:
		if a.Err != nil {
			return ExitFailed
		}
		if a.Before != nil && a.Before.NeedsRepair() {
			return ExitIssues
		}
		return ExitOK
	case OutcomeRollbackFailed:
		return ExitRollbackLeak
	default:
		return ExitFailed
	}
}

// Summary converts the attempt for the metrics history.
func (a *Attempt) Summary() metrics.AttemptSummary {
	s := metrics.AttemptSummary{
		ID:                a.ID,
		Mode:              string(a.Mode),
		Outcome:           string(a.Outcome),
		StartedAt:         a.StartedAt,
		FinishedAt:        a.FinishedAt,
		RollbackAttempted: a.RollbackAttempted,
		Error:             errString(a.Err),
	}
	if a.Before != nil {
		s.ScoreBefore = a.Before.Score()
	}
	if a.After != nil {
		s.ScoreAfter = a.After.Score()
	}
	if a.Checkpoint != nil {
		s.CheckpointKind = string(a.Checkpoint.Kind)
	}
	switch {
	case a.RollbackErr != nil:
		s.RollbackOutcome = "failed: " + a.RollbackErr.Error()
	case a.RollbackAttempted:
		s.RollbackOutcome = "succeeded"
	case a.RollbackNote != "":
		s.RollbackOutcome = a.RollbackNote
	}
	return s
}

type attemptJSON struct {
	ID                 string                    `json:"id"`
	Mode               Mode                      `json:"mode"`
	DryRun             bool                      `json:"dry_run,omitempty"`
	TargetDisk         string                    `json:"target_disk,omitempty"`
	Family             string                    `json:"family,omitempty"`
	StartedAt          time.Time                 `json:"started_at"`
	FinishedAt         time.Time                 `json:"finished_at"`
	State              State                     `json:"state"`
	Outcome            Outcome                   `json:"outcome"`
	History            []Transition              `json:"history"`
	Before             *diagnostics.HealthReport `json:"before,omitempty"`
	After              *diagnostics.HealthReport `json:"after,omitempty"`
	Checkpoint         *checkpoint.Checkpoint    `json:"checkpoint,omitempty"`
	CheckpointError    string                    `json:"checkpoint_error,omitempty"`
	Commands           []CommandRecord           `json:"commands,omitempty"`
	Warnings           []string                  `json:"warnings,omitempty"`
	RollbackApplicable bool                      `json:"rollback_applicable"`
	RollbackAttempted  bool                      `json:"rollback_attempted"`
	RollbackError      string                    `json:"rollback_error,omitempty"`
	RollbackNote       string                    `json:"rollback_note,omitempty"`
	Error              string                    `json:"error,omitempty"`
	TeardownError      string                    `json:"teardown_error,omitempty"`
}

// MarshalJSON renders the attempt with errors as strings.
func (a *Attempt) MarshalJSON() ([]byte, error) {
	return json.Marshal(attemptJSON{
		ID:                 a.ID,
		Mode:               a.Mode,
		DryRun:             a.DryRun,
		TargetDisk:         a.TargetDisk,
		Family:             a.Family,
		StartedAt:          a.StartedAt,
		FinishedAt:         a.FinishedAt,
		State:              a.State,
		Outcome:            a.Outcome,
		History:            a.History,
		Before:             a.Before,
		After:              a.After,
		Checkpoint:         a.Checkpoint,
		CheckpointError:    errString(a.CheckpointErr),
		Commands:           a.Commands,
		Warnings:           a.Warnings,
		RollbackApplicable: a.RollbackApplicable,
		RollbackAttempted:  a.RollbackAttempted,
		RollbackError:      errString(a.RollbackErr),
		RollbackNote:       a.RollbackNote,
		Error:              errString(a.Err),
		TeardownError:      errString(a.TeardownErr),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
