// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"
)

// BootwardenConfig is the on-disk configuration.
type BootwardenConfig struct {
	// Paths: where state, backups, locks and the sandbox live
	Paths PathsConfig `yaml:"paths"`

	// Logging: level and stderr format
	Logging LoggingConfig `yaml:"logging"`

	// Diagnostics: probe pool width and timeout
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`

	// Checkpoint: archive retention and snapshot preference
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Repair: command bounds and operator overrides
	Repair RepairConfig `yaml:"repair"`

	// Telemetry: optional trace and metric files
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type PathsConfig struct {
	TargetRoot  string `yaml:"target_root" validate:"required,abspath"`  // e.g. / or /mnt/sysimage
	StateDir    string `yaml:"state_dir" validate:"required,abspath"`    // metrics database lives in <state_dir>/metrics
	BackupDir   string `yaml:"backup_dir" validate:"required,abspath"`   // archive checkpoints
	LockDir     string `yaml:"lock_dir" validate:"required,abspath"`     // per-disk attempt locks
	SessionRoot string `yaml:"session_root" validate:"required,abspath"` // chroot jail mount point
	LogDir      string `yaml:"log_dir,omitempty" validate:"omitempty,abspath"`
	TextfileDir string `yaml:"textfile_dir,omitempty" validate:"omitempty,abspath"` // node_exporter textfile collector
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`

	// Format is auto, text or json.
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

type DiagnosticsConfig struct {
	Workers      int           `yaml:"workers" validate:"min=1,max=16"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"min=1s,max=10m"`
}

type CheckpointConfig struct {
	Retain         int    `yaml:"retain" validate:"min=1,max=100"`
	SnapshotDir    string `yaml:"snapshot_dir" validate:"required,abspath"`
	PreferSnapshot bool   `yaml:"prefer_snapshot"`
}

type RepairConfig struct {
	CommandTimeout         time.Duration `yaml:"command_timeout" validate:"min=1s,max=2h"`
	MountTimeout           time.Duration `yaml:"mount_timeout" validate:"min=1s,max=10m"`
	TeardownTimeout        time.Duration `yaml:"teardown_timeout" validate:"min=1s,max=10m"`
	AllowWithoutCheckpoint bool          `yaml:"allow_without_checkpoint"`

	// Overrides for what detection derives. Empty means detect.
	BootloaderID string `yaml:"bootloader_id,omitempty" validate:"omitempty,max=64,excludesall=/\\ "`
	TargetDisk   string `yaml:"target_disk,omitempty" validate:"omitempty,startswith=/dev/"`
}

type TelemetryConfig struct {
	// TraceFile receives phase spans as JSON lines; "-" is stderr.
	TraceFile string `yaml:"trace_file,omitempty"`

	// MetricsFile receives otel metric exports; "-" is stderr.
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() BootwardenConfig {
	return BootwardenConfig{
		Paths: PathsConfig{
			TargetRoot:  "/",
			StateDir:    "/var/lib/bootwarden",
			BackupDir:   "/var/lib/bootwarden/backups",
			LockDir:     "/run/bootwarden",
			SessionRoot: "/run/bootwarden/root",
			LogDir:      "/var/log/bootwarden",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Diagnostics: DiagnosticsConfig{
			Workers:      3,
			ProbeTimeout: 10 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Retain:         5,
			SnapshotDir:    "/.snapshots",
			PreferSnapshot: true,
		},
		Repair: RepairConfig{
			CommandTimeout:  300 * time.Second,
			MountTimeout:    30 * time.Second,
			TeardownTimeout: 60 * time.Second,
		},
	}
}
