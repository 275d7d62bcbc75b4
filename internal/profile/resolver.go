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
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/deniswernert/go-fstab"

	"github.com/AleutianAI/bootwarden/pkg/validation"
)

// =============================================================================
// OPTIONS
// =============================================================================

// Options are the operator overrides applied during resolution.
type Options struct {
	// TargetRoot is the root of the system being repaired. Defaults to "/".
	TargetRoot string

	// TargetDisk overrides the disk derived from the partition layout.
	TargetDisk string

	// BootloaderID overrides the id derived from os-release.
	BootloaderID string
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolver builds a SystemProfile from host facts.
//
// # Description
//
// Resolve is called once per run. The returned profile is the only shared
// view of the host; no component re-detects anything afterwards.
//
// # Thread Safety
//
// A Resolver holds no mutable state and may be reused.
type Resolver struct {
	detector Detector
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a resolver over detector. A nil logger discards.
func NewResolver(detector Detector, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{detector: detector, logger: logger, now: time.Now}
}

// Resolve gathers the SystemProfile.
//
// # Description
//
// Partitions are taken from the live mount table first and from the
// target's fstab when the live table does not have them (the target root
// may not be mounted yet, or /boot may be noauto). The EFI partition is
// looked for at /boot/efi and then /efi.
//
// # Outputs
//
//   - SystemProfile: immutable profile.
//   - error: *DetectionError when the root partition or architecture
//     cannot be determined. Everything else degrades to empty fields that
//     the diagnostic probes then report.
//
// # Examples
//
//	resolver := profile.NewResolver(profile.NewDefaultDetector(), logger)
//	p, err := resolver.Resolve(ctx, profile.Options{})
func (r *Resolver) Resolve(ctx context.Context, opts Options) (SystemProfile, error) {
	if err := ctx.Err(); err != nil {
		return SystemProfile{}, err
	}

	targetRoot := opts.TargetRoot
	if targetRoot == "" {
		targetRoot = "/"
	}

	p := SystemProfile{
		TargetRoot: targetRoot,
		BootMode:   r.detector.FirmwareMode(),
		ResolvedAt: r.now(),
	}

	machine, release, err := r.detector.Uname()
	if err != nil {
		return SystemProfile{}, &DetectionError{What: "architecture", Err: err}
	}
	p.Arch = machine
	p.RunningKernel = release
	p.TargetTriple = targetTriple(machine, p.BootMode)

	osRelease, err := r.detector.OSRelease(targetRoot)
	if err != nil {
		r.logger.Warn("os-release unavailable, using generic family", "error", err)
		osRelease = map[string]string{}
	}
	p.DistroID = osRelease["ID"]
	p.DistroName = osRelease["PRETTY_NAME"]
	if p.DistroName == "" {
		p.DistroName = osRelease["NAME"]
	}
	p.Family = familyFor(osRelease["ID"], osRelease["ID_LIKE"])
	if opts.BootloaderID != "" {
		if err := validation.ValidateBootloaderID(opts.BootloaderID); err != nil {
			return SystemProfile{}, &DetectionError{What: "bootloader id", Err: err}
		}
		p.BootloaderID = opts.BootloaderID
	} else if p.BootloaderID, err = validation.SanitizeBootloaderID(bootloaderIDFor(p.DistroID)); err != nil {
		r.logger.Warn("os-release id unusable as bootloader id, using grub", "id", p.DistroID, "error", err)
		p.BootloaderID = "grub"
	}

	live, err := r.detector.LiveMounts()
	if err != nil {
		r.logger.Warn("live mount table unavailable", "error", err)
	}
	fstabMounts, err := r.detector.FSTab(targetRoot)
	if err != nil {
		r.logger.Warn("fstab unavailable", "error", err)
	}

	p.Root, err = r.partition(targetRoot, "/", live, fstabMounts)
	if err != nil {
		return SystemProfile{}, &DetectionError{What: "root partition", Err: err}
	}
	if p.Root.IsZero() {
		return SystemProfile{}, &DetectionError{What: "root partition"}
	}
	p.RootFSType = p.Root.FSType

	if p.Boot, err = r.partition(targetRoot, "/boot", live, fstabMounts); err != nil {
		r.logger.Warn("boot partition unresolved", "error", err)
	}
	for _, mp := range []string{"/boot/efi", "/efi"} {
		efi, err := r.partition(targetRoot, mp, live, fstabMounts)
		if err != nil {
			r.logger.Warn("efi partition unresolved", "mount_point", mp, "error", err)
			continue
		}
		if !efi.IsZero() {
			p.EFI = efi
			break
		}
	}

	p.Snapshot = r.snapshotCapability(p.RootFSType)
	if opts.TargetDisk != "" {
		if err := validation.ValidateDevicePath(opts.TargetDisk); err != nil {
			return SystemProfile{}, &DetectionError{What: "target disk", Err: err}
		}
		p.TargetDisk = opts.TargetDisk
	} else if disk := r.targetDisk(p); disk != "" {
		if err := validation.ValidateDevicePath(disk); err != nil {
			r.logger.Warn("derived target disk rejected", "disk", disk, "error", err)
		} else {
			p.TargetDisk = disk
		}
	}

	kernels, err := r.detector.Kernels(targetRoot)
	if err != nil {
		r.logger.Warn("kernel discovery failed", "error", err)
	}
	p = p.WithKernels(kernels)

	r.logger.Info("system profile resolved",
		"boot_mode", p.BootMode,
		"arch", p.Arch,
		"family", p.Family,
		"root", p.Root.Device,
		"root_fs", p.RootFSType,
		"target_disk", p.TargetDisk,
		"snapshot", p.Snapshot,
		"kernels", len(kernels),
	)
	return p, nil
}

// partition finds the mount for mountPoint (relative to targetRoot) in the
// live table, then in fstab.
func (r *Resolver) partition(targetRoot, mountPoint string, live, fstabMounts []*fstab.Mount) (PartitionRef, error) {
	liveTarget := filepath.Join(targetRoot, mountPoint)
	if m := findMount(live, liveTarget); m != nil {
		return r.partitionFrom(m, mountPoint)
	}
	if m := findMount(fstabMounts, mountPoint); m != nil {
		return r.partitionFrom(m, mountPoint)
	}
	return PartitionRef{}, nil
}

func (r *Resolver) partitionFrom(m *fstab.Mount, mountPoint string) (PartitionRef, error) {
	device := m.Spec
	if m.VfsType != "zfs" {
		resolved, err := r.detector.ResolveDevice(m.Spec)
		if err != nil {
			return PartitionRef{}, err
		}
		device = resolved
	}
	return PartitionRef{
		Device:     device,
		MountPoint: mountPoint,
		FSType:     m.VfsType,
		Source:     m.Spec,
		Options:    remountOptions(m),
	}, nil
}

func (r *Resolver) snapshotCapability(fsType string) SnapshotCapability {
	switch {
	case fsType == "btrfs" && r.detector.ToolAvailable("btrfs"):
		return SnapshotBtrfs
	case fsType == "zfs" && r.detector.ToolAvailable("zfs"):
		return SnapshotZFS
	}
	return SnapshotNone
}

// targetDisk prefers the disk holding the EFI partition in UEFI mode, then
// /boot, then root.
func (r *Resolver) targetDisk(p SystemProfile) string {
	var candidates []PartitionRef
	if p.IsUEFI() {
		candidates = append(candidates, p.EFI)
	}
	candidates = append(candidates, p.Boot, p.Root)

	for _, part := range candidates {
		if part.IsZero() || !strings.HasPrefix(part.Device, "/dev/") {
			continue
		}
		disk, err := r.detector.ParentDisk(part.Device)
		if err != nil {
			r.logger.Debug("parent disk lookup failed", "device", part.Device, "error", err)
			continue
		}
		return disk
	}
	return ""
}

// =============================================================================
// HELPERS
// =============================================================================

func findMount(mounts []*fstab.Mount, mountPoint string) *fstab.Mount {
	// Later entries in /proc/self/mounts shadow earlier ones.
	var found *fstab.Mount
	for _, m := range mounts {
		if m == nil {
			continue
		}
		if filepath.Clean(m.File) == filepath.Clean(mountPoint) {
			found = m
		}
	}
	return found
}

// remountOptions keeps the mount data needed to mount the partition again
// at another place: the btrfs subvolume selector and the zfsutil flag.
func remountOptions(m *fstab.Mount) string {
	switch m.VfsType {
	case "btrfs":
		if v, ok := m.MntOps["subvol"]; ok && v != "" {
			return "subvol=" + v
		}
		if v, ok := m.MntOps["subvolid"]; ok && v != "" {
			return "subvolid=" + v
		}
	case "zfs":
		return "zfsutil"
	}
	return ""
}

// familyFor maps os-release ID and ID_LIKE to a repair family.
func familyFor(id, idLike string) Family {
	tokens := append([]string{strings.ToLower(id)}, strings.Fields(strings.ToLower(idLike))...)
	for _, tok := range tokens {
		switch {
		case tok == "debian" || tok == "ubuntu":
			return FamilyDebian
		case tok == "rhel" || tok == "fedora" || tok == "centos":
			return FamilyRHEL
		case tok == "arch":
			return FamilyArch
		case tok == "suse" || tok == "sles" || strings.HasPrefix(tok, "opensuse"):
			return FamilySUSE
		}
	}
	return FamilyGeneric
}

// bootloaderIDFor derives the EFI directory name GRUB is installed under.
func bootloaderIDFor(distroID string) string {
	id := strings.ToLower(distroID)
	switch {
	case id == "":
		return "grub"
	case id == "rhel":
		return "redhat"
	case strings.HasPrefix(id, "opensuse"):
		return "opensuse"
	}
	return id
}

// targetTriple maps a uname machine to the grub-install --target value.
func targetTriple(machine string, mode BootMode) string {
	uefi := mode == BootModeUEFI
	switch machine {
	case "x86_64", "amd64":
		if uefi {
			return "x86_64-efi"
		}
		return "i386-pc"
	case "aarch64", "arm64":
		return "arm64-efi"
	case "i686", "i586", "i386":
		if uefi {
			return "i386-efi"
		}
		return "i386-pc"
	case "riscv64":
		return "riscv64-efi"
	}
	return fmt.Sprintf("%s-efi", machine)
}
