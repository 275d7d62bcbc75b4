// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint captures restorable state before a repair.
//
// A checkpoint is either a copy-on-write snapshot of the root filesystem
// (btrfs or ZFS) or, when no snapshot is possible, a compressed archive of
// the boot configuration with a checksummed manifest. Only ZFS snapshots
// can be rolled back on a live system.
package checkpoint

import (
	"time"

	"github.com/AleutianAI/bootwarden/internal/profile"
)

// Kind is the checkpoint storage kind.
type Kind string

const (
	// KindSnapshot is a filesystem snapshot.
	KindSnapshot Kind = "snapshot"

	// KindArchive is a tar.gz backup of boot configuration.
	KindArchive Kind = "archive"
)

// Checkpoint describes one captured state.
//
// # Description
//
// ID is the snapshot or archive name. Location is where the state lives:
// the archive path, the btrfs snapshot path, or the full ZFS snapshot
// name (dataset@name). Profile is the profile the checkpoint was taken
// against.
type Checkpoint struct {
	ID        string                     `json:"id"`
	Kind      Kind                       `json:"kind"`
	Flavour   profile.SnapshotCapability `json:"flavour,omitempty"`
	Location  string                     `json:"location"`
	CreatedAt time.Time                  `json:"created_at"`
	Profile   profile.SystemProfile      `json:"-"`
}

// SupportsLiveRollback reports whether Rollback can revert this checkpoint
// on the running system.
func (c Checkpoint) SupportsLiveRollback() bool {
	return c.Kind == KindSnapshot && c.Flavour == profile.SnapshotZFS
}

// IsZero reports whether no checkpoint was taken.
func (c Checkpoint) IsZero() bool {
	return c.ID == ""
}
