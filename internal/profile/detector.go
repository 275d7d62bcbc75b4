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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/deniswernert/go-fstab"
	"github.com/joho/godotenv"
	"golang.org/x/sys/unix"
)

// =============================================================================
// INTERFACES
// =============================================================================

// Detector reads raw host facts for the Resolver.
//
// # Description
//
// Each method answers one question about the host without interpreting
// it. Interpretation (family mapping, partition precedence, target
// triple) lives in Resolver so it can be tested with a fake Detector.
//
// # Thread Safety
//
// Called from a single goroutine during resolution.
type Detector interface {
	// FirmwareMode reports UEFI when the firmware interface is exposed.
	FirmwareMode() BootMode

	// Uname returns the machine architecture and running kernel release.
	Uname() (machine string, release string, err error)

	// OSRelease parses <targetRoot>/etc/os-release.
	OSRelease(targetRoot string) (map[string]string, error)

	// LiveMounts returns the current mount table.
	LiveMounts() ([]*fstab.Mount, error)

	// FSTab parses <targetRoot>/etc/fstab.
	FSTab(targetRoot string) ([]*fstab.Mount, error)

	// ResolveDevice turns an fstab spec (UUID=, LABEL=, PARTUUID=, path)
	// into a device path.
	ResolveDevice(spec string) (string, error)

	// ParentDisk returns the whole-disk device that holds a partition.
	ParentDisk(device string) (string, error)

	// Kernels lists kernel images under <targetRoot>/boot.
	Kernels(targetRoot string) ([]Kernel, error)

	// ToolAvailable reports whether a host executable is on PATH.
	ToolAvailable(name string) bool
}

// =============================================================================
// DefaultDetector
// =============================================================================

// DefaultDetector reads the real host.
//
// HostRoot prefixes every absolute path it reads (/sys, /proc, /dev,
// /etc of the target) so tests can point it at a fixture tree. UnameFunc
// defaults to uname(2).
type DefaultDetector struct {
	HostRoot  string
	UnameFunc func() (string, string, error)
}

// NewDefaultDetector returns a detector for the real host.
func NewDefaultDetector() *DefaultDetector {
	return &DefaultDetector{}
}

func (d *DefaultDetector) path(p string) string {
	if d.HostRoot == "" {
		return p
	}
	return filepath.Join(d.HostRoot, p)
}

// FirmwareMode checks for /sys/firmware/efi.
func (d *DefaultDetector) FirmwareMode() BootMode {
	if info, err := os.Stat(d.path("/sys/firmware/efi")); err == nil && info.IsDir() {
		return BootModeUEFI
	}
	return BootModeBIOS
}

// Uname returns machine and release from uname(2).
func (d *DefaultDetector) Uname() (string, string, error) {
	if d.UnameFunc != nil {
		return d.UnameFunc()
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", "", fmt.Errorf("uname: %w", err)
	}
	return unix.ByteSliceToString(uts.Machine[:]), unix.ByteSliceToString(uts.Release[:]), nil
}

// OSRelease parses os-release, which uses shell-style KEY="value" lines.
func (d *DefaultDetector) OSRelease(targetRoot string) (map[string]string, error) {
	for _, candidate := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		p := d.path(filepath.Join(targetRoot, candidate))
		if _, err := os.Stat(p); err != nil {
			continue
		}
		values, err := godotenv.Read(p)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		return values, nil
	}
	return nil, errors.New("os-release not found")
}

// LiveMounts parses /proc/self/mounts.
func (d *DefaultDetector) LiveMounts() ([]*fstab.Mount, error) {
	mounts, err := fstab.ParseFile(d.path("/proc/self/mounts"))
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}
	return mounts, nil
}

// FSTab parses the target's /etc/fstab. A missing fstab is not an error.
func (d *DefaultDetector) FSTab(targetRoot string) ([]*fstab.Mount, error) {
	p := d.path(filepath.Join(targetRoot, "/etc/fstab"))
	if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	mounts, err := fstab.ParseFile(p)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	return mounts, nil
}

// ResolveDevice follows the udev /dev/disk/by-* symlinks.
func (d *DefaultDetector) ResolveDevice(spec string) (string, error) {
	byDir := map[string]string{
		"UUID=":      "/dev/disk/by-uuid",
		"PARTUUID=":  "/dev/disk/by-partuuid",
		"LABEL=":     "/dev/disk/by-label",
		"PARTLABEL=": "/dev/disk/by-partlabel",
	}
	for prefix, dir := range byDir {
		if !strings.HasPrefix(spec, prefix) {
			continue
		}
		value := strings.Trim(strings.TrimPrefix(spec, prefix), `"`)
		link := d.path(filepath.Join(dir, value))
		resolved, err := filepath.EvalSymlinks(link)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", spec, err)
		}
		if d.HostRoot != "" {
			resolved = "/" + strings.TrimPrefix(strings.TrimPrefix(resolved, d.HostRoot), "/")
		}
		return resolved, nil
	}
	return spec, nil
}

// ParentDisk uses /sys/class/block/<name>: a partition's sysfs node lives
// inside its disk's node, and carries a "partition" attribute.
func (d *DefaultDetector) ParentDisk(device string) (string, error) {
	if !strings.HasPrefix(device, "/dev/") {
		return "", fmt.Errorf("%s is not a block device path", device)
	}
	name := filepath.Base(device)
	node := d.path(filepath.Join("/sys/class/block", name))
	if _, err := os.Stat(filepath.Join(node, "partition")); err != nil {
		if _, statErr := os.Stat(node); statErr != nil {
			return "", fmt.Errorf("no sysfs node for %s: %w", device, statErr)
		}
		return device, nil
	}
	resolved, err := filepath.EvalSymlinks(node)
	if err != nil {
		return "", fmt.Errorf("resolve sysfs node for %s: %w", device, err)
	}
	return "/dev/" + filepath.Base(filepath.Dir(resolved)), nil
}

// Kernels globs vmlinuz-* and pairs each with an initramfs by the naming
// conventions of the supported families.
func (d *DefaultDetector) Kernels(targetRoot string) ([]Kernel, error) {
	bootDir := d.path(filepath.Join(targetRoot, "/boot"))
	images, err := filepath.Glob(filepath.Join(bootDir, "vmlinuz-*"))
	if err != nil {
		return nil, err
	}

	kernels := make([]Kernel, 0, len(images))
	for _, image := range images {
		version := strings.TrimPrefix(filepath.Base(image), "vmlinuz-")
		k := Kernel{
			Path:    filepath.Join(targetRoot, "/boot", filepath.Base(image)),
			Version: version,
		}
		for _, name := range initramfsNames(version) {
			if _, err := os.Stat(filepath.Join(bootDir, name)); err == nil {
				k.Initramfs = filepath.Join(targetRoot, "/boot", name)
				break
			}
		}
		kernels = append(kernels, k)
	}

	sort.SliceStable(kernels, func(i, j int) bool {
		return compareVersions(kernels[i].Version, kernels[j].Version) > 0
	})
	return kernels, nil
}

// ToolAvailable looks the tool up on PATH.
func (d *DefaultDetector) ToolAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

var _ Detector = (*DefaultDetector)(nil)

// =============================================================================
// HELPERS
// =============================================================================

// initramfsNames lists candidate initramfs names for a kernel version:
// Debian initrd.img-V, RHEL/Arch initramfs-V.img, SUSE initrd-V.
func initramfsNames(version string) []string {
	return []string{
		"initrd.img-" + version,
		"initramfs-" + version + ".img",
		"initrd-" + version,
	}
}

// compareVersions compares release strings chunk by chunk, numerically for
// digit runs, so "6.10.1" sorts after "6.9.12".
func compareVersions(a, b string) int {
	ca, cb := versionChunks(a), versionChunks(b)
	for i := 0; i < len(ca) && i < len(cb); i++ {
		na, errA := strconv.Atoi(ca[i])
		nb, errB := strconv.Atoi(cb[i])
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		case ca[i] != cb[i]:
			if ca[i] < cb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ca) < len(cb):
		return -1
	case len(ca) > len(cb):
		return 1
	}
	return 0
}

func versionChunks(s string) []string {
	var chunks []string
	var cur strings.Builder
	digit := false
	for i, r := range s {
		isDigit := unicode.IsDigit(r)
		if i > 0 && isDigit != digit {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		digit = isDigit
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
