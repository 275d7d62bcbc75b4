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
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/bootwarden/internal/process"
)

// ErrAttemptInProgress is returned when another attempt holds the target's
// lock.
var ErrAttemptInProgress = errors.New("a repair attempt is already running for this target")

// RepairCommandError is a failed or timed out repair command.
type RepairCommandError struct {
	Step string
	Argv []string
	Err  error
}

// Error implements the error interface.
func (e *RepairCommandError) Error() string {
	verb := "failed"
	if e.TimedOut() {
		verb = "timed out"
	}
	return fmt.Sprintf("repair step %s (%s) %s: %v", e.Step, strings.Join(e.Argv, " "), verb, e.Err)
}

// Unwrap returns the underlying error.
func (e *RepairCommandError) Unwrap() error {
	return e.Err
}

// TimedOut reports whether the command hit its timeout.
func (e *RepairCommandError) TimedOut() bool {
	return process.IsTimeout(e.Err)
}
