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
	"errors"
	"fmt"
)

var (
	// ErrRollbackNotApplicable is returned for archive checkpoints, which
	// cannot be applied to a live system.
	ErrRollbackNotApplicable = errors.New("rollback not applicable: archive checkpoints have no live rollback")

	// ErrLiveRollbackUnsupported is wrapped in a RollbackError for btrfs
	// snapshots: the snapshot must be booted manually.
	ErrLiveRollbackUnsupported = errors.New("live rollback unsupported for btrfs snapshots")

	// ErrCheckpointConsumed is returned when a checkpoint was already
	// rolled back once.
	ErrCheckpointConsumed = errors.New("checkpoint already consumed by a rollback")

	// ErrManifestInvalid is returned when an archive fails validation.
	ErrManifestInvalid = errors.New("archive manifest invalid")

	// ErrNoArchive is returned when no archive has been published.
	ErrNoArchive = errors.New("no published archive")
)

// CheckpointError is returned when neither a snapshot nor an archive could
// be created. It is soft: the repair may continue without a checkpoint
// when configured to.
type CheckpointError struct {
	SnapshotErr error
	ArchiveErr  error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	if e.SnapshotErr != nil {
		return fmt.Sprintf("checkpoint failed: snapshot: %v; archive: %v", e.SnapshotErr, e.ArchiveErr)
	}
	return fmt.Sprintf("checkpoint failed: archive: %v", e.ArchiveErr)
}

// Unwrap exposes both causes.
func (e *CheckpointError) Unwrap() []error {
	var errs []error
	if e.SnapshotErr != nil {
		errs = append(errs, e.SnapshotErr)
	}
	if e.ArchiveErr != nil {
		errs = append(errs, e.ArchiveErr)
	}
	return errs
}

// RollbackError is returned when a rollback was attempted and did not
// restore the checkpoint. It is terminal for the repair attempt.
type RollbackError struct {
	CheckpointID string
	Err          error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of %s failed: %v", e.CheckpointID, e.Err)
}

// Unwrap returns the cause.
func (e *RollbackError) Unwrap() error {
	return e.Err
}
