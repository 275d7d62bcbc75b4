// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/bootwarden/internal/profile"
)

const (
	archivePrefix = "bootwarden-backup-"
	archiveSuffix = ".tar.gz"
	archiveLayout = "20060102-150405"

	// LatestPointer is the file in the backup dir naming the newest
	// published archive.
	LatestPointer = "latest"
)

// ArchiveInfo describes a published archive.
type ArchiveInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	seq       int
}

// archiveName builds the deterministic name for an archive taken at t. seq
// disambiguates archives taken within the same second.
func archiveName(t time.Time, seq int) string {
	name := archivePrefix + t.UTC().Format(archiveLayout)
	if seq > 0 {
		name += "-" + strconv.Itoa(seq)
	}
	return name + archiveSuffix
}

// parseArchiveName is the inverse of archiveName.
func parseArchiveName(name string) (time.Time, int, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return time.Time{}, 0, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
	if len(stem) < len(archiveLayout) {
		return time.Time{}, 0, false
	}
	ts, err := time.Parse(archiveLayout, stem[:len(archiveLayout)])
	if err != nil {
		return time.Time{}, 0, false
	}
	seq := 0
	if rest := stem[len(archiveLayout):]; rest != "" {
		if !strings.HasPrefix(rest, "-") {
			return time.Time{}, 0, false
		}
		if seq, err = strconv.Atoi(rest[1:]); err != nil {
			return time.Time{}, 0, false
		}
	}
	return ts, seq, true
}

// listArchives returns published archives in dir, newest first. Temp files
// and foreign files are ignored.
func listArchives(dir string) ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var archives []ArchiveInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ts, seq, ok := parseArchiveName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, ArchiveInfo{
			Name:      e.Name(),
			Path:      filepath.Join(dir, e.Name()),
			CreatedAt: ts,
			Size:      info.Size(),
			seq:       seq,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		if !archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].CreatedAt.After(archives[j].CreatedAt)
		}
		return archives[i].seq > archives[j].seq
	})
	return archives, nil
}

// enforceRetention removes archives beyond the newest keep. It returns the
// names removed. Snapshots are pruned by pruneSnapshots.
func enforceRetention(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	archives, err := listArchives(dir)
	if err != nil {
		return nil, err
	}
	if len(archives) <= keep {
		return nil, nil
	}

	var removed []string
	var firstErr error
	for _, a := range archives[keep:] {
		if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", a.Name, err)
			}
			continue
		}
		removed = append(removed, a.Name)
	}
	return removed, firstErr
}

// isSnapshotName reports whether name is a snapshot bootwarden created.
func isSnapshotName(name string) bool {
	stem, ok := strings.CutPrefix(name, snapshotPrefix)
	if !ok {
		return false
	}
	_, err := time.Parse(archiveLayout, stem)
	return err == nil
}

// pruneSnapshots destroys bootwarden snapshots of the same volume as
// current beyond Retain, current included in the count. Snapshots taken by
// anything else, and current itself, are never touched.
func (m *Manager) pruneSnapshots(ctx context.Context, current Checkpoint) ([]string, error) {
	var (
		candidates []string
		destroy    func(context.Context, string) error
	)
	switch current.Flavour {
	case profile.SnapshotBtrfs:
		dir := filepath.Dir(current.Location)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read snapshot dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() && isSnapshotName(e.Name()) && e.Name() != current.ID {
				candidates = append(candidates, filepath.Join(dir, e.Name()))
			}
		}
		destroy = m.volumes.BtrfsDelete
	case profile.SnapshotZFS:
		dataset, _, _ := strings.Cut(current.Location, "@")
		names, err := m.volumes.ZFSListSnapshots(ctx, dataset)
		if err != nil {
			return nil, err
		}
		for _, full := range names {
			_, name, _ := strings.Cut(full, "@")
			if isSnapshotName(name) && name != current.ID {
				candidates = append(candidates, full)
			}
		}
		destroy = m.volumes.ZFSDestroy
	default:
		return nil, nil
	}

	keep := m.config.Retain - 1
	if len(candidates) <= keep {
		return nil, nil
	}
	// The timestamp layout sorts chronologically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(candidates)))

	var removed []string
	var firstErr error
	for _, c := range candidates[keep:] {
		if err := destroy(ctx, c); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("destroy %s: %w", c, err)
			}
			continue
		}
		removed = append(removed, c)
	}
	return removed, firstErr
}

// removeStaleTemps deletes temp archives left by an interrupted run.
func removeStaleTemps(dir string) {
	matches, _ := filepath.Glob(filepath.Join(dir, "."+archivePrefix+"*.tmp"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
	_ = os.Remove(filepath.Join(dir, "."+LatestPointer+".tmp"))
}
