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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// sessionMarker is the on-disk record of a live session.
type sessionMarker struct {
	PID    int           `json:"pid"`
	Mounts []MountRecord `json:"mounts"`
}

// writeMarker replaces the marker at path with stack.
func writeMarker(path string, stack []MountRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sessionMarker{PID: os.Getpid(), Mounts: stack}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readMarker returns the recorded stack, oldest first.
func readMarker(path string) ([]MountRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var marker sessionMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse session marker: %w", err)
	}
	return marker.Mounts, nil
}
