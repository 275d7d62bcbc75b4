// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profile

import "fmt"

// DetectionError is returned when the profile cannot be resolved well enough
// to run anything else. It is fatal: the run stops before diagnostics.
type DetectionError struct {
	// What names the fact that could not be resolved ("root partition").
	What string

	// Err is the underlying cause, may be nil.
	Err error
}

// Error implements the error interface.
func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("detection failed: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("detection failed: %s", e.What)
}

// Unwrap returns the underlying cause.
func (e *DetectionError) Unwrap() error {
	return e.Err
}
