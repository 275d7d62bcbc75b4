// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/bootwarden/internal/checkpoint"
	"github.com/AleutianAI/bootwarden/internal/diagnostics"
	"github.com/AleutianAI/bootwarden/internal/repair"
	"github.com/AleutianAI/bootwarden/pkg/ux"
)

var renderNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRenderReport(t *testing.T) {
	report := diagnostics.NewHealthReport([]diagnostics.ProbeResult{
		{Check: diagnostics.CheckBootloaderBinary},
		{Check: diagnostics.CheckConfigValidity, Issues: 1, Findings: []string{"grub.cfg is empty"}},
		{
			Check:        diagnostics.CheckPriorBootFailures,
			Issues:       1,
			Inconclusive: true,
			Cause:        &diagnostics.ProbeInconclusive{Check: diagnostics.CheckPriorBootFailures, Reason: "timeout"},
		},
	}, renderNow)

	var buf bytes.Buffer
	renderReport(ux.NewPlainPrinter(&buf), "Diagnosis", report)
	out := buf.String()

	assert.Contains(t, out, "# Diagnosis\n")
	assert.Contains(t, out, "OK\tbootloader_binary\t\n")
	assert.Contains(t, out, "ERROR\tconfig_validity\tgrub.cfg is empty\n")
	assert.Contains(t, out, "WARN\tprior_boot_failures\t")
	assert.Contains(t, out, "score\t80/100\n")
	assert.Contains(t, out, "needs repair\ttrue\n")
}

func TestRenderAttempt_FailureAnswersRollbackQuestions(t *testing.T) {
	tests := []struct {
		name    string
		attempt *repair.Attempt
		want    []string
	}{
		{
			name: "archive checkpoint",
			attempt: &repair.Attempt{
				ID:      "a1",
				Outcome: repair.OutcomeFailed,
				Err:     errors.New("install: timed out"),
				Checkpoint: &checkpoint.Checkpoint{
					Kind:     checkpoint.KindArchive,
					Location: "/var/lib/bootwarden/backups/bootwarden-backup-20260301-120000.tar.gz",
				},
				RollbackNote: "rollback not applicable: archive checkpoints do not support live rollback",
			},
			want: []string{
				"outcome\tfailed\n",
				"error\tinstall: timed out\n",
				"checkpoint\tarchive /var/lib/bootwarden/backups/bootwarden-backup-20260301-120000.tar.gz\n",
				"rollback attempted\tfalse\n",
				"rollback\trollback not applicable: archive checkpoints do not support live rollback\n",
			},
		},
		{
			name: "no checkpoint",
			attempt: &repair.Attempt{
				ID:           "a2",
				Outcome:      repair.OutcomeFailed,
				Err:          errors.New("checkpoint: disk full"),
				RollbackNote: "rollback not applicable: no checkpoint",
			},
			want: []string{"checkpoint\tnone\n", "rollback attempted\tfalse\n"},
		},
		{
			name: "rollback failed",
			attempt: &repair.Attempt{
				ID:                "a3",
				Outcome:           repair.OutcomeRollbackFailed,
				Err:               errors.New("mkconfig failed"),
				Checkpoint:        &checkpoint.Checkpoint{Kind: checkpoint.KindSnapshot, Location: "rpool/ROOT@bootwarden"},
				RollbackAttempted: true,
				RollbackErr:       errors.New("zfs rollback: dataset busy"),
			},
			want: []string{
				"rollback attempted\ttrue\n",
				"Rollback failed: No automatic recovery occurred: zfs rollback: dataset busy\n",
			},
		},
		{
			name: "rolled back with leak",
			attempt: &repair.Attempt{
				ID:                "a4",
				Outcome:           repair.OutcomeRolledBack,
				Checkpoint:        &checkpoint.Checkpoint{Kind: checkpoint.KindSnapshot, Location: "rpool/ROOT@bootwarden"},
				RollbackAttempted: true,
				TeardownErr:       errors.New("/run/bootwarden/root/dev still mounted"),
			},
			want: []string{
				"rollback\tsucceeded\n",
				"Sandbox not fully dismantled: /run/bootwarden/root/dev still mounted\n",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			renderAttempt(ux.NewPlainPrinter(&buf), tt.attempt)
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}

func TestRenderAttempt_DryRunListsPlan(t *testing.T) {
	a := &repair.Attempt{
		ID:      "a5",
		Outcome: repair.OutcomePlanned,
		Commands: []repair.CommandRecord{
			{Step: "install", Argv: []string{"grub-install", "--target=x86_64-efi"}},
			{Step: "refresh", Argv: []string{"apt-get", "install", "--reinstall", "-y", "grub-efi-amd64"}, BestEffort: true},
		},
	}

	var buf bytes.Buffer
	renderAttempt(ux.NewPlainPrinter(&buf), a)
	out := buf.String()

	assert.Contains(t, out, "# Repair plan (dry run)\n")
	assert.Contains(t, out, "-\tgrub-install --target=x86_64-efi\t\n")
	assert.Contains(t, out, "-\tapt-get install --reinstall -y grub-efi-amd64\tbest effort\n")
	assert.NotContains(t, out, "# Result")
}

func TestJoinStates(t *testing.T) {
	got := joinStates([]repair.State{repair.StateIdle, repair.StateDiagnosing, repair.StateHealthy})
	assert.Equal(t, "idle -> diagnosing -> healthy", got)
	assert.Empty(t, joinStates(nil))
}

func TestFormatTime(t *testing.T) {
	assert.Equal(t, "never", formatTime(time.Time{}))
	assert.Equal(t, "2026-03-01T12:00:00Z", formatTime(renderNow))
}
