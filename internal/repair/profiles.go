// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/tools"
)

// Step names used in plans and command records.
const (
	StepRefreshPackages   = "refresh_packages"
	StepInstallBootloader = "install_bootloader"
	StepRegenerateConfig  = "regenerate_config"
)

// biosTarget is the GRUB platform for legacy BIOS installs.
const biosTarget = "i386-pc"

// Config output paths, in the order the generic profile tries them.
var configOutputs = []string{"/boot/grub/grub.cfg", "/boot/grub2/grub.cfg"}

// ErrNoRepairTool is returned when the jail has no usable GRUB tool.
var ErrNoRepairTool = errors.New("no GRUB repair tool found in target")

// ErrNoTargetDisk is returned for a BIOS install without a target disk.
var ErrNoTargetDisk = errors.New("BIOS install needs a target disk")

// PlannedStep is one command of a repair plan.
type PlannedStep struct {
	Name string
	Argv []string

	// BestEffort steps only produce a warning when they fail.
	BestEffort bool
}

// Plan is the ordered list of repair commands.
type Plan struct {
	Profile string
	Steps   []PlannedStep
}

// RepairProfile turns a system profile into repair commands for one
// distribution family.
type RepairProfile interface {
	// Name identifies the profile in logs and reports.
	Name() string

	// Plan builds the commands. root is the directory the commands will
	// run in (the jail root, or the target root for a dry run); profiles
	// that probe for tools look there.
	Plan(p profile.SystemProfile, root string, locator tools.ToolLocator) (Plan, error)
}

// =============================================================================
// CAPABILITY TABLE
// =============================================================================

var profileTable = map[profile.Family]RepairProfile{
	profile.FamilyDebian: DebianFamily{},
	profile.FamilyRHEL:   RHELFamily{},
	profile.FamilyArch:   ArchFamily{},
	profile.FamilySUSE:   SUSEFamily{},
}

// ProfileFor returns the repair profile for family, falling back to
// Generic for anything not in the table.
func ProfileFor(family profile.Family) RepairProfile {
	if rp, ok := profileTable[family]; ok {
		return rp
	}
	return Generic{}
}

// fixedPlan assembles a plan for a family with known tool names.
func fixedPlan(name string, p profile.SystemProfile, refresh []string, install string, regen []string) (Plan, error) {
	installArgv, err := installCommand(install, p)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Profile: name}
	if len(refresh) > 0 {
		plan.Steps = append(plan.Steps, PlannedStep{Name: StepRefreshPackages, Argv: refresh, BestEffort: true})
	}
	plan.Steps = append(plan.Steps,
		PlannedStep{Name: StepInstallBootloader, Argv: installArgv},
		PlannedStep{Name: StepRegenerateConfig, Argv: regen},
	)
	return plan, nil
}

// installCommand builds the bootloader install invocation.
//
//	UEFI: <tool> --target=<triple> --efi-directory=<efi> --bootloader-id=<id> --recheck
//	BIOS: <tool> --target=i386-pc --recheck <disk>
func installCommand(tool string, p profile.SystemProfile) ([]string, error) {
	if p.IsUEFI() {
		id := p.BootloaderID
		if id == "" {
			id = "grub"
		}
		return []string{
			tool,
			"--target=" + p.TargetTriple,
			"--efi-directory=" + p.EFIDirectory(),
			"--bootloader-id=" + id,
			"--recheck",
		}, nil
	}
	if p.TargetDisk == "" {
		return nil, ErrNoTargetDisk
	}
	return []string{tool, "--target=" + biosTarget, "--recheck", p.TargetDisk}, nil
}

// =============================================================================
// FAMILIES
// =============================================================================

// DebianFamily covers Debian, Ubuntu and derivatives.
type DebianFamily struct{}

func (DebianFamily) Name() string { return string(profile.FamilyDebian) }

func (d DebianFamily) Plan(p profile.SystemProfile, _ string, _ tools.ToolLocator) (Plan, error) {
	pkg := "grub-pc"
	if p.IsUEFI() {
		switch p.TargetTriple {
		case "arm64-efi":
			pkg = "grub-efi-arm64"
		case "i386-efi":
			pkg = "grub-efi-ia32"
		default:
			pkg = "grub-efi-amd64"
		}
	}
	return fixedPlan(d.Name(), p,
		[]string{"apt-get", "install", "--reinstall", "-y", pkg},
		"grub-install",
		[]string{"update-grub"},
	)
}

// RHELFamily covers RHEL, Fedora, CentOS and rebuilds.
type RHELFamily struct{}

func (RHELFamily) Name() string { return string(profile.FamilyRHEL) }

func (r RHELFamily) Plan(p profile.SystemProfile, _ string, _ tools.ToolLocator) (Plan, error) {
	refresh := []string{"dnf", "reinstall", "-y", "grub2-pc"}
	if p.IsUEFI() {
		if p.TargetTriple == "arm64-efi" {
			refresh = []string{"dnf", "reinstall", "-y", "grub2-efi-aa64", "shim-aa64"}
		} else {
			refresh = []string{"dnf", "reinstall", "-y", "grub2-efi-x64", "shim-x64"}
		}
	}
	return fixedPlan(r.Name(), p,
		refresh,
		"grub2-install",
		[]string{"grub2-mkconfig", "-o", "/boot/grub2/grub.cfg"},
	)
}

// ArchFamily covers Arch Linux and derivatives.
type ArchFamily struct{}

func (ArchFamily) Name() string { return string(profile.FamilyArch) }

func (a ArchFamily) Plan(p profile.SystemProfile, _ string, _ tools.ToolLocator) (Plan, error) {
	refresh := []string{"pacman", "-S", "--noconfirm", "grub"}
	if p.IsUEFI() {
		refresh = append(refresh, "efibootmgr")
	}
	return fixedPlan(a.Name(), p,
		refresh,
		"grub-install",
		[]string{"grub-mkconfig", "-o", "/boot/grub/grub.cfg"},
	)
}

// SUSEFamily covers openSUSE and SLES.
type SUSEFamily struct{}

func (SUSEFamily) Name() string { return string(profile.FamilySUSE) }

func (s SUSEFamily) Plan(p profile.SystemProfile, _ string, _ tools.ToolLocator) (Plan, error) {
	platform := "grub2-i386-pc"
	if p.IsUEFI() {
		platform = "grub2-" + p.TargetTriple
	}
	return fixedPlan(s.Name(), p,
		[]string{"zypper", "--non-interactive", "install", "--force", "grub2", platform},
		"grub2-install",
		[]string{"grub2-mkconfig", "-o", "/boot/grub2/grub.cfg"},
	)
}

// Generic probes the target for GRUB tools and skips the package refresh.
//
// # Description
//
// Install tools are tried as grub-install then grub2-install; config
// tools as update-grub, grub-mkconfig, grub2-mkconfig. The config output
// is /boot/grub/grub.cfg when /boot/grub exists, else /boot/grub2/grub.cfg
// when /boot/grub2 exists, else /boot/grub/grub.cfg.
type Generic struct{}

func (Generic) Name() string { return string(profile.FamilyGeneric) }

func (g Generic) Plan(p profile.SystemProfile, root string, locator tools.ToolLocator) (Plan, error) {
	if locator == nil {
		locator = tools.FSToolLocator{}
	}
	_, install, ok := locator.Locate(root, "grub-install", "grub2-install")
	if !ok {
		return Plan{}, fmt.Errorf("%w: install tool", ErrNoRepairTool)
	}
	_, cfgTool, ok := locator.Locate(root, "update-grub", "grub-mkconfig", "grub2-mkconfig")
	if !ok {
		return Plan{}, fmt.Errorf("%w: config tool", ErrNoRepairTool)
	}

	regen := []string{cfgTool}
	if cfgTool != "update-grub" {
		regen = append(regen, "-o", configOutput(root))
	}
	return fixedPlan(g.Name(), p, nil, install, regen)
}

// configOutput picks the grub.cfg path for the generic profile.
func configOutput(root string) string {
	for _, out := range configOutputs {
		if info, err := os.Stat(filepath.Join(root, filepath.Dir(out))); err == nil && info.IsDir() {
			return out
		}
	}
	return configOutputs[0]
}
