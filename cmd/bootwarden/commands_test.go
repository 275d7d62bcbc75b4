// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/bootwarden/internal/metrics"
	"github.com/AleutianAI/bootwarden/internal/process"
)

// writeTestConfig points every path at dir and returns the config path.
func writeTestConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := fmt.Sprintf(`paths:
  target_root: %[1]s/target
  state_dir: %[1]s/state
  backup_dir: %[1]s/backups
  lock_dir: %[1]s/lock
  session_root: %[1]s/session
  log_dir: %[1]s/log
checkpoint:
  snapshot_dir: %[1]s/.snapshots
%[2]s`, dir, extra)
	path := filepath.Join(dir, "bootwarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestExecute_Version(t *testing.T) {
	code, stdout, _ := execute(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Equal(t, "bootwarden dev\n", stdout)
}

func TestExecute_UnknownCommandIsFatal(t *testing.T) {
	code, _, stderr := execute(t, "reinstall")
	assert.Equal(t, exitFatal, code)
	assert.Contains(t, stderr, "bootwarden: ")
}

func TestExecute_InvalidConfigIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "diagnostics:\n  workers: 0\n")

	code, stdout, stderr := execute(t, "--config", path, "--env-file", filepath.Join(dir, "none.env"), "status")
	assert.Equal(t, exitFatal, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "Diagnostics.Workers")
}

func TestExecute_StatusEmpty(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")

	code, stdout, stderr := execute(t, "--config", path, "--env-file", filepath.Join(dir, "none.env"), "--json", "status")
	require.Equal(t, exitOK, code, stderr)

	var view struct {
		Metrics  metrics.Record           `json:"metrics"`
		Attempts []metrics.AttemptSummary `json:"attempts"`
		Latest   *latestArchive           `json:"latest_archive"`
		Archives int                      `json:"archives"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	assert.Zero(t, view.Metrics.HealthScore)
	assert.True(t, view.Metrics.UpdatedAt.IsZero())
	assert.Empty(t, view.Attempts)
	assert.Nil(t, view.Latest)
	assert.Zero(t, view.Archives)
}

func TestExecute_StatusShowsHistory(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")

	store, err := metrics.Open(metrics.DefaultConfig(filepath.Join(dir, "state", "metrics")))
	require.NoError(t, err)
	_, err = store.RecordHealth(70, 3)
	require.NoError(t, err)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendAttempt(metrics.AttemptSummary{
		ID:                "a1",
		Mode:              "auto",
		Outcome:           "rolled_back",
		StartedAt:         started,
		FinishedAt:        started.Add(time.Minute),
		ScoreBefore:       70,
		ScoreAfter:        70,
		CheckpointKind:    "snapshot",
		RollbackAttempted: true,
		RollbackOutcome:   "succeeded",
	}))
	require.NoError(t, store.Close())

	code, stdout, stderr := execute(t, "--config", path, "--env-file", filepath.Join(dir, "none.env"), "status")
	require.Equal(t, exitOK, code, stderr)

	assert.Contains(t, stdout, "health score\t70/100\n")
	assert.Contains(t, stdout, "total issues\t3\n")
	assert.Contains(t, stdout, "latest\tnone\n")
	assert.Contains(t, stdout, "WARN\trolled_back\t2026-03-01T12:00:00Z, auto, score 70 -> 70, rollback: succeeded\n")
}

func TestExecute_RepairRefusedWhileAnotherRunHoldsHost(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "")

	held := process.NewLock(process.LockConfig{Dir: filepath.Join(dir, "lock"), Name: hostLockName})
	require.NoError(t, held.Acquire())
	defer held.Release()

	for _, mode := range []string{"auto", "force"} {
		t.Run(mode, func(t *testing.T) {
			code, stdout, stderr := execute(t, "--config", path, "--env-file", filepath.Join(dir, "none.env"), mode)
			assert.Equal(t, exitFatal, code)
			assert.Empty(t, stdout)
			assert.Contains(t, stderr, "a repair attempt is already running")
			assert.Contains(t, stderr, "another bootwarden attempt is running")
		})
	}

	// Refused runs touch neither the metrics store nor the session root.
	assert.NoDirExists(t, filepath.Join(dir, "state", "metrics"))
	assert.NoDirExists(t, filepath.Join(dir, "session"))
}
