// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/bootwarden/cmd/bootwarden/config"
	"github.com/AleutianAI/bootwarden/internal/checkpoint"
	"github.com/AleutianAI/bootwarden/internal/diagnostics"
	"github.com/AleutianAI/bootwarden/internal/metrics"
	"github.com/AleutianAI/bootwarden/internal/process"
	"github.com/AleutianAI/bootwarden/internal/profile"
	"github.com/AleutianAI/bootwarden/internal/repair"
	"github.com/AleutianAI/bootwarden/internal/sandbox"
	"github.com/AleutianAI/bootwarden/internal/telemetry"
	"github.com/AleutianAI/bootwarden/internal/tools"
	"github.com/AleutianAI/bootwarden/pkg/logging"
	"github.com/AleutianAI/bootwarden/pkg/ux"
)

// globalFlags are the persistent root flags.
type globalFlags struct {
	configPath string
	envFile    string
	logLevel   string
	json       bool
	dryRun     bool
}

// runtime is the per-invocation wiring shared by the subcommands.
//
// # Description
//
// Built once in the root command's PersistentPreRunE and closed by Execute.
// Components are constructed on demand so that `status` never touches the
// process manager and `version` never loads configuration.
type runtime struct {
	cfg    config.BootwardenConfig
	flags  globalFlags
	log    *logging.Logger
	logger *slog.Logger
	out    io.Writer
	ui     *ux.Printer
	proc   process.Manager

	// newMounter builds the mounter for each sandbox manager.
	newMounter func() sandbox.Mounter

	// probeMetrics collects the OpenTelemetry probe metrics for the
	// textfile. Nil when no textfile directory is configured.
	probeMetrics *prometheus.Registry

	closers []func(context.Context) error
}

// newRuntime loads configuration and sets up logging and telemetry.
func newRuntime(ctx context.Context, flags globalFlags, stdout, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(config.LoadOptions{
		Path:    flags.configPath,
		EnvFile: flags.envFile,
		Created: func(path string) {
			fmt.Fprintf(stderr, "First run detected, created the config at %s\n", path)
		},
	})
	if err != nil {
		return nil, err
	}

	levelName := cfg.Logging.Level
	if flags.logLevel != "" {
		levelName = flags.logLevel
	}
	level, levelErr := logging.ParseLevel(levelName)

	log := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Paths.LogDir,
		Service: "bootwarden",
		Format:  logging.Format(cfg.Logging.Format),
		Output:  stderr,
	})
	if levelErr != nil {
		log.Warn("unknown log level, using info", "level", levelName)
	}

	rt := &runtime{
		cfg:        cfg,
		flags:      flags,
		log:        log,
		logger:     log.Slog(),
		out:        stdout,
		ui:         ux.NewPrinter(stdout),
		proc:       process.NewDefaultManager(),
		newMounter: func() sandbox.Mounter { return sandbox.NewUnixMounter() },
	}
	rt.closers = append(rt.closers, func(context.Context) error { return log.Close() })

	tcfg := telemetry.Config{
		ServiceVersion: version,
		TraceFile:      cfg.Telemetry.TraceFile,
		MetricsFile:    cfg.Telemetry.MetricsFile,
	}
	if cfg.Paths.TextfileDir != "" {
		rt.probeMetrics = prometheus.NewRegistry()
		tcfg.Registerer = rt.probeMetrics
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		rt.close(ctx)
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)
	return rt, nil
}

// close releases everything in reverse order. Safe to call twice.
func (rt *runtime) close(ctx context.Context) {
	closers := rt.closers
	rt.closers = nil
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](context.WithoutCancel(ctx)); err != nil && rt.logger != nil {
			rt.logger.Warn("shutdown", "error", err)
		}
	}
}

// =============================================================================
// Component constructors
// =============================================================================

// hostLockName is the lock every repair command takes before touching the
// sandbox root or the metrics store. The state machine's per-disk lock is
// taken inside it.
const hostLockName = "bootwarden-host"

// lockAttempts takes the host attempt lock. Contention is reported as
// repair.ErrAttemptInProgress.
func (rt *runtime) lockAttempts() (func(), error) {
	lock := process.NewLock(process.LockConfig{Dir: rt.cfg.Paths.LockDir, Name: hostLockName})
	if err := lock.Acquire(); err != nil {
		var held *process.ErrLockHeld
		if errors.As(err, &held) {
			return nil, fmt.Errorf("%w: %w", repair.ErrAttemptInProgress, err)
		}
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}
	return func() {
		if err := lock.Release(); err != nil {
			rt.logger.Warn("release attempt lock", "error", err)
		}
	}, nil
}

func (rt *runtime) resolveProfile(ctx context.Context) (profile.SystemProfile, error) {
	resolver := profile.NewResolver(profile.NewDefaultDetector(), rt.logger)
	p, err := resolver.Resolve(ctx, profile.Options{
		TargetRoot:   rt.cfg.Paths.TargetRoot,
		TargetDisk:   rt.cfg.Repair.TargetDisk,
		BootloaderID: rt.cfg.Repair.BootloaderID,
	})
	if err != nil {
		return profile.SystemProfile{}, err
	}
	rt.logger.Info("system profile resolved",
		"boot_mode", p.BootMode,
		"family", p.Family,
		"distro", p.DistroID,
		"root", p.Root.Device,
		"disk", p.TargetDisk,
		"snapshot", p.Snapshot,
	)
	return p, nil
}

func (rt *runtime) diagnostics() *diagnostics.Engine {
	probes := diagnostics.DefaultProbes(diagnostics.Dependencies{
		Firmware: tools.NewEfibootmgr(rt.proc),
		BootLog:  tools.NewJournalctl(rt.proc),
		Disk:     tools.RawDiskReader{},
		Config:   tools.GrubConfigInspector{},
		Locator:  tools.FSToolLocator{},
	})
	return diagnostics.NewEngine(diagnostics.Config{
		Workers:      rt.cfg.Diagnostics.Workers,
		ProbeTimeout: rt.cfg.Diagnostics.ProbeTimeout,
	}, probes, rt.logger)
}

func (rt *runtime) checkpoints() *checkpoint.Manager {
	return checkpoint.NewManager(checkpoint.Config{
		BackupDir:      rt.cfg.Paths.BackupDir,
		SnapshotDir:    rt.cfg.Checkpoint.SnapshotDir,
		Retain:         rt.cfg.Checkpoint.Retain,
		PreferSnapshot: rt.cfg.Checkpoint.PreferSnapshot,
		ToolVersion:    version,
	}, tools.NewHostVolumeManager(rt.proc), rt.logger)
}

func (rt *runtime) sandbox() *sandbox.Manager {
	return sandbox.NewManager(sandbox.Config{
		Root:            rt.cfg.Paths.SessionRoot,
		MarkerPath:      filepath.Join(rt.cfg.Paths.LockDir, "session.json"),
		HostRoot:        "/",
		MountTimeout:    rt.cfg.Repair.MountTimeout,
		CommandTimeout:  rt.cfg.Repair.CommandTimeout,
		TeardownTimeout: rt.cfg.Repair.TeardownTimeout,
	}, rt.newMounter(), rt.proc, rt.logger)
}

func (rt *runtime) openStore() (*metrics.Store, error) {
	cfg := metrics.DefaultConfig(filepath.Join(rt.cfg.Paths.StateDir, "metrics"))
	cfg.Logger = rt.logger
	store, err := metrics.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open metrics store: %w", err)
	}
	return store, nil
}

func (rt *runtime) machine(jails *sandbox.Manager, store *metrics.Store) *repair.Machine {
	return repair.NewMachine(repair.Config{
		CommandTimeout:         rt.cfg.Repair.CommandTimeout,
		AllowWithoutCheckpoint: rt.cfg.Repair.AllowWithoutCheckpoint,
		LockDir:                rt.cfg.Paths.LockDir,
	}, repair.Dependencies{
		Diagnostics: rt.diagnostics(),
		Checkpoints: rt.checkpoints(),
		Sandbox:     repair.SandboxFrom(jails),
		Locator:     tools.FSToolLocator{},
		Recorder:    store,
	}, rt.logger)
}

// exportTextfile refreshes the node_exporter file when configured.
func (rt *runtime) exportTextfile(store *metrics.Store) {
	dir := rt.cfg.Paths.TextfileDir
	if dir == "" {
		return
	}
	rec, err := store.Load()
	if err != nil {
		rt.logger.Warn("load metrics for textfile", "error", err)
		return
	}
	path, err := metrics.WriteTextfile(dir, rec)
	if err != nil {
		rt.logger.Warn("write metrics textfile", "error", err)
		return
	}
	rt.logger.Debug("metrics textfile written", "path", path)
}

// exportProbeMetrics writes the probe metrics of this run next to the
// record textfile. Only commands that ran the diagnostics call it.
func (rt *runtime) exportProbeMetrics() {
	if rt.probeMetrics == nil {
		return
	}
	path, err := metrics.WriteGathererTextfile(rt.cfg.Paths.TextfileDir, metrics.ProbesTextfileName, rt.probeMetrics)
	if err != nil {
		rt.logger.Warn("write probe metrics textfile", "error", err)
		return
	}
	rt.logger.Debug("probe metrics textfile written", "path", path)
}
