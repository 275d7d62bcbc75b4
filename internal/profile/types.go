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

import (
	"time"
)

// BootMode is the firmware boot mode of the host.
type BootMode string

const (
	// BootModeUEFI means the host booted through UEFI firmware.
	BootModeUEFI BootMode = "uefi"

	// BootModeBIOS means the host booted through legacy BIOS/CSM.
	BootModeBIOS BootMode = "bios"
)

// Family is the distribution family used to select a repair profile.
type Family string

const (
	FamilyDebian  Family = "debian"
	FamilyRHEL    Family = "rhel"
	FamilyArch    Family = "arch"
	FamilySUSE    Family = "suse"
	FamilyGeneric Family = "generic"
)

// SnapshotCapability names the copy-on-write snapshot primitive available
// for the root filesystem.
//
// # Description
//
// Two flavours are supported. They differ in rollback: ZFS can roll a
// mounted dataset back in place, btrfs cannot (reverting a btrfs root
// means booting another subvolume, which is an operator decision).
type SnapshotCapability string

const (
	// SnapshotNone means no snapshot primitive; checkpoints are archives.
	SnapshotNone SnapshotCapability = "none"

	// SnapshotBtrfs is copy-on-write flavour A: btrfs subvolume snapshots.
	SnapshotBtrfs SnapshotCapability = "btrfs"

	// SnapshotZFS is copy-on-write flavour B: ZFS dataset snapshots.
	SnapshotZFS SnapshotCapability = "zfs"
)

// Kernel is one installed kernel image under /boot.
type Kernel struct {
	// Path is the absolute path to the vmlinuz image on the target.
	Path string `json:"path"`

	// Version is the release suffix (e.g. "6.8.0-45-generic").
	Version string `json:"version"`

	// Initramfs is the matching initramfs path, empty if none was found.
	Initramfs string `json:"initramfs,omitempty"`
}

// PartitionRef identifies one partition of the target system.
//
// # Description
//
// Device is the resolved block device (or ZFS dataset) used as the mount
// source in the sandbox. Source keeps the original fstab spec
// (UUID=..., LABEL=...) for the backup manifest. Options carries mount
// data that must be repeated when the partition is mounted again, such
// as a btrfs subvol= selector.
type PartitionRef struct {
	Device     string `json:"device"`
	MountPoint string `json:"mount_point"`
	FSType     string `json:"fs_type"`
	Source     string `json:"source,omitempty"`
	Options    string `json:"options,omitempty"`
}

// IsZero reports whether the partition was not resolved.
func (p PartitionRef) IsZero() bool {
	return p.Device == ""
}

// SystemProfile is the immutable set of facts about the host gathered once
// per run.
//
// # Description
//
// Every downstream component receives the profile by value and treats it
// as read-only. Slices are only handed out through copying accessors so a
// component cannot mutate another component's view.
//
// # Assumptions
//
//   - Root is always resolved; the resolver returns DetectionError otherwise
//   - TargetRoot is "/" when repairing the running system
type SystemProfile struct {
	BootMode      BootMode
	Arch          string
	TargetTriple  string
	Family        Family
	DistroID      string
	DistroName    string
	BootloaderID  string
	RootFSType    string
	Snapshot      SnapshotCapability
	RunningKernel string
	TargetDisk    string
	TargetRoot    string

	Root PartitionRef
	Boot PartitionRef
	EFI  PartitionRef

	kernels    []Kernel
	ResolvedAt time.Time
}

// IsUEFI reports whether the host booted in UEFI mode.
func (p SystemProfile) IsUEFI() bool {
	return p.BootMode == BootModeUEFI
}

// HasSeparateBoot reports whether /boot is a distinct partition.
func (p SystemProfile) HasSeparateBoot() bool {
	return !p.Boot.IsZero() && p.Boot.Device != p.Root.Device
}

// HasEFI reports whether an EFI system partition was resolved.
func (p SystemProfile) HasEFI() bool {
	return !p.EFI.IsZero()
}

// Kernels returns a copy of the discovered kernels, newest first.
func (p SystemProfile) Kernels() []Kernel {
	out := make([]Kernel, len(p.kernels))
	copy(out, p.kernels)
	return out
}

// EFIDirectory is the EFI mount point relative to the target root,
// defaulting to /boot/efi.
func (p SystemProfile) EFIDirectory() string {
	if p.EFI.MountPoint != "" {
		return p.EFI.MountPoint
	}
	return "/boot/efi"
}

// WithKernels returns a copy of p carrying kernels. Used by the resolver
// and by tests building fixture profiles.
func (p SystemProfile) WithKernels(kernels []Kernel) SystemProfile {
	p.kernels = make([]Kernel, len(kernels))
	copy(p.kernels, kernels)
	return p
}
