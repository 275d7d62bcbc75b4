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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigCandidates are the grub.cfg locations relative to a root, in the
// order they are tried.
var ConfigCandidates = []string{"/boot/grub/grub.cfg", "/boot/grub2/grub.cfg"}

// ConfigSummary is the structural view of a grub.cfg.
type ConfigSummary struct {
	Path          string
	Size          int64
	MenuEntries   int
	UsesBLS       bool
	LoaderEntries int
}

// Bootable reports whether the config can offer at least one entry.
func (s ConfigSummary) Bootable() bool {
	if s.Size == 0 {
		return false
	}
	return s.MenuEntries > 0 || (s.UsesBLS && s.LoaderEntries > 0)
}

// ConfigInspector finds and scans the GRUB configuration under a root.
type ConfigInspector interface {
	// Inspect returns the summary of the first existing config candidate
	// under root. os.ErrNotExist is wrapped when none exists.
	Inspect(root string) (ConfigSummary, error)
}

// GrubConfigInspector scans files on disk.
type GrubConfigInspector struct{}

// Inspect implements ConfigInspector.
func (GrubConfigInspector) Inspect(root string) (ConfigSummary, error) {
	for _, candidate := range ConfigCandidates {
		path := filepath.Join(root, candidate)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		summary := ConfigSummary{Path: candidate, Size: info.Size()}
		if err := scanConfig(path, &summary); err != nil {
			return summary, err
		}
		if summary.UsesBLS {
			summary.LoaderEntries = countLoaderEntries(root)
		}
		return summary, nil
	}
	return ConfigSummary{}, fmt.Errorf("no grub.cfg under %s: %w", root, os.ErrNotExist)
}

func scanConfig(path string, summary *ConfigSummary) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "menuentry ") || strings.HasPrefix(line, "menuentry\t") {
			summary.MenuEntries++
		}
		if strings.HasPrefix(line, "blscfg") || strings.Contains(line, "insmod blscfg") {
			summary.UsesBLS = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	return nil
}

func countLoaderEntries(root string) int {
	matches, err := filepath.Glob(filepath.Join(root, "/boot/loader/entries", "*.conf"))
	if err != nil {
		return 0
	}
	return len(matches)
}

var _ ConfigInspector = GrubConfigInspector{}
