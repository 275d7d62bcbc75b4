// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/bootwarden/internal/repair"
)

// Exit codes, shared with repair.Attempt.ExitCode.
const (
	exitOK           = repair.ExitOK
	exitIssues       = repair.ExitIssues
	exitFailed       = repair.ExitFailed
	exitRollbackLeak = repair.ExitRollbackLeak
	exitFatal        = repair.ExitFatal
)

// ExitError carries the process exit code out of a command.
//
// # Description
//
// Commands return an ExitError when the outcome is not success. Err is nil
// when the result was already reported (a check that found issues); it is
// set when the command could not run at all.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// withCode wraps err with an exit code. A zero code with a nil error
// yields nil.
func withCode(code int, err error) error {
	if code == exitOK && err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

// fatal marks err as a fatal (exit 4) failure.
func fatal(err error) error {
	return &ExitError{Code: exitFatal, Err: err}
}

// exitCodeOf maps a command error to the process exit code. Errors that
// carry no code (cobra flag errors, unknown commands) are fatal.
func exitCodeOf(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return exitFatal
}
