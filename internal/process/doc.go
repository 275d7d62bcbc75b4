// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides external command execution and the per-target
attempt lock.

# Overview

  - Manager: every exec of an external tool (grub-install, efibootmgr,
    journalctl, btrfs, zfs, chroot) goes through this interface so the
    orchestration code can be tested against MockManager.
  - Lock: flock(2)-based lock that keeps two repair attempts from running
    against the same target disk at once.

# Manager

	pm := process.NewDefaultManager()
	res, err := pm.Run(ctx, "efibootmgr", "-v")
	if err != nil {
	    var cmdErr *process.CommandError
	    if errors.As(err, &cmdErr) && cmdErr.TimedOut {
	        // treat as failure
	    }
	}

Commands run in their own process group. When the context expires the whole
group is killed, so a grub-install that forks helpers cannot outlive its
timeout.

# Lock

	lock := process.NewLock(process.LockConfig{Dir: "/run/bootwarden", Name: "bootwarden-sda"})
	if err := lock.Acquire(); err != nil {
	    return err // *process.ErrLockHeld when another attempt runs
	}
	defer lock.Release()

# Thread Safety

  - DefaultManager and MockManager are safe for concurrent use
  - Lock is NOT safe for concurrent use from multiple goroutines
*/
package process
