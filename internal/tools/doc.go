// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools wraps the host programs and raw devices bootwarden reads
// from or acts on.
//
// Each collaborator sits behind a small interface with one real
// implementation and one fake:
//
//   - FirmwareInspector: UEFI boot entries (efibootmgr)
//   - VolumeManager: btrfs and ZFS snapshots
//   - BootLogSource: previous boot's journal (journalctl JSON)
//   - DiskSignatureReader: raw MBR sector of a disk
//   - ConfigInspector: structural scan of grub.cfg and BLS entries
//   - ToolLocator: executables present under a root directory
//
// Real implementations run commands through process.Manager so every
// external call shares one timeout and error path.
package tools
