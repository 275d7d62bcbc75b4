// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Locker defines the interface for the per-target attempt lock.
//
// # Description
//
// Locker keeps a second bootwarden run (a timer firing while an operator
// runs `bootwarden force`, for example) from mounting and rewriting the
// same target while the first is mid-repair.
//
// # Thread Safety
//
// Implementations must be used from a single goroutine. The lock provides
// inter-process exclusion, not intra-process.
type Locker interface {
	// Acquire takes the lock without blocking. Returns *ErrLockHeld on contention.
	Acquire() error

	// Release drops the lock. Safe to call multiple times.
	Release() error

	// IsHeld reports whether this instance holds the lock.
	IsHeld() bool

	// HolderPID returns the recorded holder PID, or 0 if unknown.
	HolderPID() int
}

// LockConfig configures lock file placement.
type LockConfig struct {
	// Dir is the directory for lock files. Default: /run/bootwarden
	Dir string

	// Name is the base name for the lock and PID files. Default: "bootwarden"
	Name string
}

// DefaultLockConfig returns the runtime-directory lock used by the CLI.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Dir:  "/run/bootwarden",
		Name: "bootwarden",
	}
}

// LockNameForTarget derives a lock name from a target disk path so that
// attempts against different disks do not exclude each other.
//
// # Examples
//
//	LockNameForTarget("/dev/nvme0n1") // "bootwarden-nvme0n1"
//	LockNameForTarget("")             // "bootwarden"
func LockNameForTarget(disk string) string {
	base := filepath.Base(strings.TrimSpace(disk))
	if base == "" || base == "." || base == "/" {
		return "bootwarden"
	}
	return "bootwarden-" + base
}

// Lock implements Locker using flock(2).
//
// # How It Works
//
//  1. Creates {Dir}/{Name}.lock
//  2. Takes a non-blocking exclusive flock on it
//  3. Writes the PID to {Dir}/{Name}.pid for diagnostics
//  4. Release removes the PID file and drops the flock
//
// The kernel drops the flock when the process dies, so a crashed attempt
// never leaves a lock that blocks the next run; only the PID file may be
// stale, and it is informational.
//
// # Limitations
//
//   - Advisory only
//   - Not reliable on NFS
type Lock struct {
	config   LockConfig
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// NewLock creates a Lock. It does not acquire it.
func NewLock(config LockConfig) *Lock {
	if config.Dir == "" {
		config.Dir = DefaultLockConfig().Dir
	}
	if config.Name == "" {
		config.Name = DefaultLockConfig().Name
	}

	return &Lock{
		config:   config,
		lockPath: filepath.Join(config.Dir, config.Name+".lock"),
		pidPath:  filepath.Join(config.Dir, config.Name+".pid"),
	}
}

// Acquire attempts to take the lock without blocking.
//
// # Error Conditions
//
//   - another attempt holds it: *ErrLockHeld
//   - lock directory or file cannot be created
func (l *Lock) Acquire() error {
	if l.held {
		return nil
	}

	if err := os.MkdirAll(l.config.Dir, 0750); err != nil {
		return fmt.Errorf("create lock directory %s: %w", l.config.Dir, err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("create lock file %s: %w", l.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{HolderPID: l.readHolderPID(), LockPath: l.lockPath}
		}
		return fmt.Errorf("acquire lock %s: %w", l.lockPath, err)
	}

	l.lockFile = f
	l.held = true

	// The PID file is informational; the flock is what excludes.
	_ = os.WriteFile(l.pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
	return nil
}

// Release drops the lock if held.
func (l *Lock) Release() error {
	if !l.held || l.lockFile == nil {
		return nil
	}

	os.Remove(l.pidPath)
	err := unix.Flock(int(l.lockFile.Fd()), unix.LOCK_UN)
	l.lockFile.Close()
	l.lockFile = nil
	l.held = false

	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.lockPath, err)
	}
	return nil
}

// IsHeld reports local state only.
func (l *Lock) IsHeld() bool {
	return l.held
}

// HolderPID returns the PID recorded by the current holder, or 0.
func (l *Lock) HolderPID() int {
	return l.readHolderPID()
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.lockPath
}

func (l *Lock) readHolderPID() int {
	data, err := os.ReadFile(l.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ErrLockHeld is returned when another process holds the lock.
type ErrLockHeld struct {
	HolderPID int
	LockPath  string
}

// Error implements the error interface.
func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("another bootwarden attempt is running (PID %d)", e.HolderPID)
	}
	return fmt.Sprintf("another bootwarden attempt is running (check: lsof %s)", e.LockPath)
}

var _ Locker = (*Lock)(nil)
