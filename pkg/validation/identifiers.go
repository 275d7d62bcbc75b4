// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks values that end up in subprocess arguments.
//
// Bootloader ids come from os-release on the target or from configuration;
// device paths come from the mount table, fstab or configuration. Both are
// passed to grub-install and efibootmgr, so they are restricted to a
// conservative character set before use.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// bootloaderIDPattern matches an EFI directory name under EFI/.
// Allows: letters, digits, dots, underscores and hyphens. Max 64 characters.
var bootloaderIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// devicePathPattern matches a block device node, including the
// /dev/disk/by-* and /dev/mapper aliases.
var devicePathPattern = regexp.MustCompile(`^/dev/[A-Za-z0-9][A-Za-z0-9/_.:+-]*$`)

// ValidateBootloaderID validates a bootloader id.
//
// Valid ids:
//   - 1-64 characters
//   - Letters, digits, dots, underscores, hyphens
//   - Not starting with a dot or hyphen
//
// Example:
//
//	if err := validation.ValidateBootloaderID("debian"); err != nil {
//	    return err
//	}
func ValidateBootloaderID(id string) error {
	if id == "" {
		return fmt.Errorf("bootloader id cannot be empty")
	}
	if !bootloaderIDPattern.MatchString(id) {
		return fmt.Errorf("invalid bootloader id: %q (must be 1-64 letters, digits, dots, underscores or hyphens)", id)
	}
	return nil
}

// SanitizeBootloaderID trims and lowercases an id derived from os-release,
// then validates it.
func SanitizeBootloaderID(id string) (string, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if err := ValidateBootloaderID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ValidateDevicePath validates a block device path such as /dev/sda or
// /dev/disk/by-id/nvme-Samsung_SSD_980_1TB.
func ValidateDevicePath(path string) error {
	if path == "" {
		return fmt.Errorf("device path cannot be empty")
	}
	if !devicePathPattern.MatchString(path) {
		return fmt.Errorf("invalid device path: %q (must be a node under /dev)", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("invalid device path: %q (must not contain ..)", path)
		}
	}
	return nil
}
