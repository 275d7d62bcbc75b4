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
	"errors"
	"fmt"
	"strings"
)

// CommandError describes a failed external command.
//
// # Description
//
// Carries the command line, exit code, captured stderr and the underlying
// error. TimedOut distinguishes a deadline expiry from an ordinary
// failure for reporting; orchestration code treats both the same.
//
// # Examples
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    logger.Error("command failed", "cmd", cmdErr.Command, "exit", cmdErr.ExitCode)
//	}
type CommandError struct {
	// Command is the full command line that was executed.
	Command string

	// ExitCode is the process exit status, or -1 if it never exited normally.
	ExitCode int

	// Stderr is the trimmed standard error output.
	Stderr string

	// TimedOut is set when the context deadline killed the command.
	TimedOut bool

	// Wrapped is the underlying error.
	Wrapped error
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	switch {
	case e.TimedOut:
		return fmt.Sprintf("%s: timed out", e.Command)
	case e.Stderr != "":
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	case e.Wrapped != nil:
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	default:
		return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
	}
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

var _ error = (*CommandError)(nil)

// NewCommandError creates a CommandError with trimmed stderr.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// IsTimeout reports whether err is, or wraps, a timed out CommandError.
func IsTimeout(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.TimedOut
}

// ExtractStderr walks the error chain and returns the first non-empty stderr.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	for err != nil {
		if errors.As(err, &cmdErr) {
			if cmdErr.Stderr != "" {
				return cmdErr.Stderr
			}
			err = cmdErr.Wrapped
			continue
		}
		return ""
	}
	return ""
}
