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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrResourceLeak is wrapped when mounts remain under the session root
	// after teardown.
	ErrResourceLeak = errors.New("resource leak: mounts remain after teardown")

	// ErrSessionActive is returned by Setup and RecoverStale while another
	// session, in this process or another one, is still open.
	ErrSessionActive = errors.New("a sandbox session is already active")

	// ErrSessionClosed is returned by Run after teardown.
	ErrSessionClosed = errors.New("sandbox session is closed")
)

// SandboxError reports a failed setup or an unclean teardown.
//
// Leaked lists mount points still present under the session root when
// the error was produced; when non-empty Err wraps ErrResourceLeak.
type SandboxError struct {
	Op     string // "setup", "teardown", "recover" or "lock"
	Step   string
	Err    error
	Leaked []string
}

// Error implements the error interface.
func (e *SandboxError) Error() string {
	msg := fmt.Sprintf("sandbox %s", e.Op)
	if e.Step != "" {
		msg += fmt.Sprintf(" (%s)", e.Step)
	}
	msg += fmt.Sprintf(": %v", e.Err)
	if len(e.Leaked) > 0 {
		msg += " [leaked: " + strings.Join(e.Leaked, ", ") + "]"
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SandboxError) Unwrap() error {
	return e.Err
}
