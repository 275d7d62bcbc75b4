// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/tools"
)

// Dependencies are the host readers the default probes use.
type Dependencies struct {
	Firmware tools.FirmwareInspector
	BootLog  tools.BootLogSource
	Disk     tools.DiskSignatureReader
	Config   tools.ConfigInspector
	Locator  tools.ToolLocator

	// HostRoot prefixes host-only paths such as /sys/firmware/efi. Empty
	// on a real host.
	HostRoot string
}

// InstallTools and ConfigTools are the GRUB executables looked for, in
// priority order.
var (
	InstallTools = []string{"grub-install", "grub2-install"}
	ConfigTools  = []string{"update-grub", "grub-mkconfig", "grub2-mkconfig"}
)

// DefaultProbes returns the five standard probes.
func DefaultProbes(deps Dependencies) []Probe {
	return []Probe{
		ProbeFunc{Name: CheckBootloaderBinary, Fn: deps.checkBootloaderBinary},
		ProbeFunc{Name: CheckConfigValidity, Fn: deps.checkConfigValidity},
		ProbeFunc{Name: CheckBootloaderSignature, Fn: deps.checkBootloaderSignature},
		ProbeFunc{Name: CheckBootEnvironment, Fn: deps.checkBootEnvironment},
		ProbeFunc{Name: CheckPriorBootFailures, Fn: deps.checkPriorBootFailures},
	}
}

// =============================================================================
// bootloader_binary
// =============================================================================

func (d Dependencies) checkBootloaderBinary(_ context.Context, p profile.SystemProfile) ([]string, error) {
	var findings []string
	if _, _, ok := d.Locator.Locate(p.TargetRoot, InstallTools...); !ok {
		findings = append(findings, "no grub install tool found ("+strings.Join(InstallTools, ", ")+")")
	}
	if _, _, ok := d.Locator.Locate(p.TargetRoot, ConfigTools...); !ok {
		findings = append(findings, "no grub config generator found ("+strings.Join(ConfigTools, ", ")+")")
	}
	return findings, nil
}

// =============================================================================
// config_validity
// =============================================================================

func (d Dependencies) checkConfigValidity(_ context.Context, p profile.SystemProfile) ([]string, error) {
	summary, err := d.Config.Inspect(p.TargetRoot)
	if errors.Is(err, os.ErrNotExist) {
		return []string{"grub.cfg not found"}, nil
	}
	if err != nil {
		return nil, err
	}
	switch {
	case summary.Size == 0:
		return []string{summary.Path + " is empty"}, nil
	case summary.UsesBLS && summary.LoaderEntries == 0 && summary.MenuEntries == 0:
		return []string{summary.Path + " uses blscfg but /boot/loader/entries is empty"}, nil
	case !summary.Bootable():
		return []string{summary.Path + " has no menuentry"}, nil
	}
	return nil, nil
}

// =============================================================================
// bootloader_signature
// =============================================================================

func (d Dependencies) checkBootloaderSignature(ctx context.Context, p profile.SystemProfile) ([]string, error) {
	if p.IsUEFI() {
		return d.checkFirmwareEntry(ctx, p)
	}
	return d.checkMBR(p)
}

func (d Dependencies) checkFirmwareEntry(ctx context.Context, p profile.SystemProfile) ([]string, error) {
	entries, err := d.Firmware.BootEntries(ctx)
	if err != nil {
		return nil, err
	}

	entry, ok := matchBootEntry(entries, p.BootloaderID)
	if !ok {
		return []string{fmt.Sprintf("no firmware boot entry for %q, grub or shim", p.BootloaderID)}, nil
	}

	efiRoot := filepath.Join(p.TargetRoot, p.EFIDirectory())
	if entry.Loader != "" {
		loader := filepath.Join(efiRoot, tools.LoaderRelPath(entry.Loader))
		if !fileExistsFold(loader) {
			return []string{fmt.Sprintf("boot entry %s points to missing %s", entry.Num, entry.Loader)}, nil
		}
		return nil, nil
	}
	if !fileExistsFold(filepath.Join(efiRoot, "EFI", p.BootloaderID)) {
		return []string{fmt.Sprintf("EFI directory for %q missing", p.BootloaderID)}, nil
	}
	return nil, nil
}

func (d Dependencies) checkMBR(p profile.SystemProfile) ([]string, error) {
	if p.TargetDisk == "" {
		return nil, errors.New("target disk unknown")
	}
	mbr, err := d.Disk.ReadMBR(p.TargetDisk)
	if err != nil {
		return nil, err
	}
	var findings []string
	if !tools.HasBootSignature(mbr) {
		findings = append(findings, p.TargetDisk+" has no 0x55AA boot signature")
	}
	if !tools.HasGRUBMarker(mbr) {
		findings = append(findings, p.TargetDisk+" boot code is not GRUB")
	}
	return findings, nil
}

// matchBootEntry prefers an entry labelled with the bootloader id, then
// any entry whose label or loader names grub or shim.
func matchBootEntry(entries []tools.BootEntry, bootloaderID string) (tools.BootEntry, bool) {
	id := strings.ToLower(bootloaderID)
	for _, e := range entries {
		if id != "" && strings.ToLower(e.Label) == id {
			return e, true
		}
	}
	for _, e := range entries {
		loader := strings.ToLower(e.Loader)
		if id != "" && strings.Contains(loader, `\efi\`+id+`\`) {
			return e, true
		}
	}
	for _, e := range entries {
		text := strings.ToLower(e.Label + " " + e.Loader)
		if strings.Contains(text, "grub") || strings.Contains(text, "shim") {
			return e, true
		}
	}
	return tools.BootEntry{}, false
}

// fileExistsFold checks path, falling back to a case-insensitive walk of
// each component since FAT is case-insensitive but firmware paths are
// often upper case.
func fileExistsFold(path string) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}
	dir, rest := filepath.Dir(path), []string{filepath.Base(path)}
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		rest = append([]string{filepath.Base(dir)}, rest...)
		dir = parent
	}
	for _, name := range rest {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return false
		}
		found := ""
		for _, e := range entries {
			if strings.EqualFold(e.Name(), name) {
				found = e.Name()
				break
			}
		}
		if found == "" {
			return false
		}
		dir = filepath.Join(dir, found)
	}
	return true
}

// =============================================================================
// boot_environment
// =============================================================================

func (d Dependencies) checkBootEnvironment(_ context.Context, p profile.SystemProfile) ([]string, error) {
	var findings []string

	kernels := p.Kernels()
	if len(kernels) == 0 {
		findings = append(findings, "no kernel image under /boot")
	}
	for _, k := range kernels {
		if k.Initramfs == "" {
			findings = append(findings, "kernel "+k.Version+" has no initramfs")
		}
	}

	if p.IsUEFI() {
		if _, err := os.Stat(filepath.Join(d.HostRoot, "/sys/firmware/efi")); err != nil {
			findings = append(findings, "UEFI firmware interface missing from /sys")
		}
		if !p.HasEFI() {
			findings = append(findings, "EFI system partition not found")
		}
	}
	return findings, nil
}

// =============================================================================
// prior_boot_failures
// =============================================================================

// criticalUnitPrefixes name systemd units whose failure can stop a boot.
var criticalUnitPrefixes = []string{
	"systemd-fsck",
	"systemd-remount-fs",
	"systemd-cryptsetup",
	"initrd-",
	"dracut",
	"local-fs",
	"sysroot",
}

// criticalIdentifiers are syslog identifiers of boot-critical programs.
var criticalIdentifiers = map[string]bool{
	"systemd-fsck": true,
	"dracut":       true,
	"mkinitcpio":   true,
	"grub":         true,
	"os-prober":    true,
}

func (d Dependencies) checkPriorBootFailures(ctx context.Context, _ profile.SystemProfile) ([]string, error) {
	entries, err := d.BootLog.PreviousBootErrors(ctx)
	if errors.Is(err, tools.ErrNoPreviousBoot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	failed := make(map[string]int)
	for _, e := range entries {
		if name, ok := bootCritical(e); ok {
			failed[name]++
		}
	}
	findings := make([]string, 0, len(failed))
	for name, n := range failed {
		findings = append(findings, fmt.Sprintf("%s logged %d error(s) during the previous boot", name, n))
	}
	sort.Strings(findings)
	return findings, nil
}

func bootCritical(e tools.LogEntry) (string, bool) {
	if e.Unit != "" {
		if strings.HasSuffix(e.Unit, ".mount") && (e.Unit == "-.mount" || strings.HasPrefix(e.Unit, "boot")) {
			return e.Unit, true
		}
		for _, prefix := range criticalUnitPrefixes {
			if strings.HasPrefix(e.Unit, prefix) {
				return e.Unit, true
			}
		}
	}
	if criticalIdentifiers[e.Identifier] {
		return e.Identifier, true
	}
	return "", false
}
