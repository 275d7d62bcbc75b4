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
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/bootwarden/internal/process"
)

// BootEntry is one UEFI boot variable.
type BootEntry struct {
	// Num is the four hex digit entry number ("0001").
	Num string

	// Label is the human readable description ("ubuntu").
	Label string

	// Active is true when the entry is marked with '*'.
	Active bool

	// Loader is the EFI path of the loader, backslash separated
	// ("\EFI\ubuntu\shimx64.efi"). Empty when efibootmgr did not print one.
	Loader string
}

// FirmwareInspector lists UEFI boot entries.
type FirmwareInspector interface {
	BootEntries(ctx context.Context) ([]BootEntry, error)
}

// Efibootmgr reads boot entries with `efibootmgr -v`.
type Efibootmgr struct {
	proc process.Manager
}

// NewEfibootmgr creates an inspector backed by efibootmgr.
func NewEfibootmgr(proc process.Manager) *Efibootmgr {
	return &Efibootmgr{proc: proc}
}

// BootEntries runs efibootmgr and parses its verbose listing.
func (e *Efibootmgr) BootEntries(ctx context.Context) ([]BootEntry, error) {
	res, err := e.proc.Run(ctx, "efibootmgr", "-v")
	if err != nil {
		return nil, fmt.Errorf("list boot entries: %w", err)
	}
	return ParseBootEntries(res.Stdout), nil
}

var (
	bootLine   = regexp.MustCompile(`^Boot([0-9A-Fa-f]{4})(\*?)\s+(.*)$`)
	loaderPath = regexp.MustCompile(`(?i)File\(([^)]+)\)`)
)

// ParseBootEntries parses `efibootmgr -v` output. Lines that are not boot
// entries (BootCurrent, BootOrder, Timeout) are skipped.
func ParseBootEntries(out string) []BootEntry {
	var entries []BootEntry
	for _, line := range strings.Split(out, "\n") {
		m := bootLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		rest := m[3]
		label := rest
		// Newer efibootmgr separates label and device path with a tab,
		// older versions with two or more spaces.
		if i := strings.IndexAny(rest, "\t"); i >= 0 {
			label = rest[:i]
		} else if i := strings.Index(rest, "  "); i >= 0 {
			label = rest[:i]
		} else if i := strings.Index(rest, " HD("); i >= 0 {
			label = rest[:i]
		}
		entry := BootEntry{
			Num:    strings.ToUpper(m[1]),
			Label:  strings.TrimSpace(label),
			Active: m[2] == "*",
		}
		if lm := loaderPath.FindStringSubmatch(rest); lm != nil {
			entry.Loader = lm[1]
		}
		entries = append(entries, entry)
	}
	return entries
}

// LoaderRelPath converts an EFI loader path to a slash path relative to the
// EFI system partition ("\EFI\ubuntu\shimx64.efi" -> "EFI/ubuntu/shimx64.efi").
func LoaderRelPath(loader string) string {
	return strings.TrimPrefix(strings.ReplaceAll(loader, `\`, "/"), "/")
}
