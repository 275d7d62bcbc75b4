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
	"context"
	"errors"

	"github.com/AleutianAI/bootwarden/internal/checkpoint"
)

// runBackup runs the checkpoint subsystem alone.
func runBackup(ctx context.Context, rt *runtime) error {
	p, err := rt.resolveProfile(ctx)
	if err != nil {
		return fatal(err)
	}

	cp, err := rt.checkpoints().CreateCheckpoint(ctx, p)
	if err != nil {
		return withCode(exitFailed, err)
	}

	if store, err := rt.openStore(); err != nil {
		rt.logger.Warn("metrics not recorded", "error", err)
	} else {
		if _, err := store.RecordBackup(cp.CreatedAt); err != nil {
			rt.logger.Warn("record backup", "error", err)
		}
		rt.exportTextfile(store)
		store.Close()
	}

	if rt.flags.json {
		if err := writeJSON(rt.out, cp); err != nil {
			return fatal(err)
		}
		return nil
	}
	renderCheckpoint(rt.ui, cp)
	return nil
}

// statusHistory is how many attempts `status` lists.
const statusHistory = 10

// runStatus reports persisted state; it never touches the target system.
func runStatus(_ context.Context, rt *runtime) error {
	store, err := rt.openStore()
	if err != nil {
		return fatal(err)
	}
	defer store.Close()

	var view statusView
	if view.Metrics, err = store.Load(); err != nil {
		return fatal(err)
	}
	if view.Attempts, err = store.Attempts(statusHistory); err != nil {
		return fatal(err)
	}

	checkpoints := rt.checkpoints()
	if archives, err := checkpoints.ListArchives(); err == nil {
		view.Archives = len(archives)
	} else {
		rt.logger.Warn("list archives", "error", err)
	}
	switch path, err := checkpoints.LatestArchive(); {
	case errors.Is(err, checkpoint.ErrNoArchive):
	case err != nil:
		view.Latest = &latestArchive{Error: err.Error()}
	default:
		view.Latest = &latestArchive{Path: path}
		if m, err := checkpoint.ReadManifest(path); err != nil {
			view.Latest.Error = err.Error()
		} else {
			view.Latest.Manifest = &m
		}
	}

	if rt.flags.json {
		if err := writeJSON(rt.out, view); err != nil {
			return fatal(err)
		}
		return nil
	}
	renderStatus(rt.ui, view)
	return nil
}
