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
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"

	"github.com/AleutianAI/bootwarden/internal/profile"
)

// ManifestName is the manifest's path inside an archive.
const ManifestName = "manifest.json"

// Manifest describes an archive's origin and contents.
//
// Files maps each archived regular file (path inside the archive) to the
// hex BLAKE3 digest of its content.
type Manifest struct {
	Timestamp      time.Time         `json:"timestamp"`
	ToolVersion    string            `json:"tool_version"`
	DistributionID string            `json:"distribution_id"`
	BootMode       profile.BootMode  `json:"boot_mode"`
	RootPartition  string            `json:"root_partition"`
	BootPartition  string            `json:"boot_partition,omitempty"`
	EFIPartition   string            `json:"efi_partition,omitempty"`
	KernelVersion  string            `json:"kernel_version"`
	RootFSType     string            `json:"root_fs_type"`
	Files          map[string]string `json:"files"`
}

// newManifest fills the descriptive fields from p.
func newManifest(p profile.SystemProfile, toolVersion string, at time.Time) Manifest {
	return Manifest{
		Timestamp:      at.UTC(),
		ToolVersion:    toolVersion,
		DistributionID: p.DistroID,
		BootMode:       p.BootMode,
		RootPartition:  partitionLabel(p.Root),
		BootPartition:  partitionLabel(p.Boot),
		EFIPartition:   partitionLabel(p.EFI),
		KernelVersion:  p.RunningKernel,
		RootFSType:     p.RootFSType,
		Files:          make(map[string]string),
	}
}

// partitionLabel prefers the stable fstab spec over the device node.
func partitionLabel(ref profile.PartitionRef) string {
	if ref.Source != "" {
		return ref.Source
	}
	return ref.Device
}

// hexSum finalizes a streaming hasher.
func hexSum(h *blake3.Hasher) string {
	return hex.EncodeToString(h.Sum(nil))
}
