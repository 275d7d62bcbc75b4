// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"os"
	"path/filepath"
)

// searchDirs are the directories searched for executables under a root.
// A chroot's PATH is not the host's, so lookups walk these explicitly.
var searchDirs = []string{
	"/usr/local/sbin",
	"/usr/local/bin",
	"/usr/sbin",
	"/usr/bin",
	"/sbin",
	"/bin",
}

// ToolLocator finds executables installed under a root directory.
type ToolLocator interface {
	// Locate returns the path (relative to root) of the first name found,
	// trying names in order.
	Locate(root string, names ...string) (path string, name string, ok bool)
}

// FSToolLocator checks the filesystem for executable regular files.
type FSToolLocator struct{}

// Locate implements ToolLocator.
func (FSToolLocator) Locate(root string, names ...string) (string, string, bool) {
	for _, name := range names {
		for _, dir := range searchDirs {
			rel := filepath.Join(dir, name)
			info, err := os.Stat(filepath.Join(root, rel))
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if info.Mode().Perm()&0o111 == 0 {
				continue
			}
			return rel, name, true
		}
	}
	return "", "", false
}

var _ ToolLocator = FSToolLocator{}
