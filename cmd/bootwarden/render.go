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
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/bootwarden/internal/checkpoint"
	"github.com/AleutianAI/bootwarden/internal/diagnostics"
	"github.com/AleutianAI/bootwarden/internal/metrics"
	"github.com/AleutianAI/bootwarden/internal/repair"
	"github.com/AleutianAI/bootwarden/pkg/ux"
)

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderReport(ui *ux.Printer, title string, report diagnostics.HealthReport) {
	ui.Title(title)
	for _, res := range report.Results() {
		icon := ux.IconSuccess
		switch {
		case res.Inconclusive:
			icon = ux.IconWarning
		case res.Issues > 0:
			icon = ux.IconError
		}
		ui.Status(icon, string(res.Check), res.Detail())
	}
	ui.Field("score", ui.Score(report.Score()))
	ui.Field("total issues", report.TotalIssues())
	ui.Field("needs repair", report.NeedsRepair())
}

func renderAttempt(ui *ux.Printer, a *repair.Attempt) {
	if a.Before != nil {
		renderReport(ui, "Diagnosis", *a.Before)
	}

	if a.Outcome == repair.OutcomePlanned {
		ui.Title("Repair plan (dry run)")
		if a.Err != nil {
			ui.Status(ux.IconError, "plan", a.Err.Error())
		}
		for _, c := range a.Commands {
			detail := ""
			if c.BestEffort {
				detail = "best effort"
			}
			ui.Status(ux.IconArrow, strings.Join(c.Argv, " "), detail)
		}
		return
	}

	if len(a.Commands) > 0 {
		ui.Title("Repair")
		for _, c := range a.Commands {
			icon := ux.IconSuccess
			if c.Error != "" {
				icon = ux.IconError
				if c.BestEffort {
					icon = ux.IconWarning
				}
			}
			ui.Status(icon, c.Step, strings.Join(c.Argv, " "))
		}
	}
	if a.After != nil {
		renderReport(ui, "Verification", *a.After)
	}

	ui.Title("Result")
	ui.Field("attempt", a.ID)
	ui.Field("outcome", a.Outcome)
	ui.Field("states", joinStates(a.States()))
	for _, w := range a.Warnings {
		ui.Status(ux.IconWarning, "warning", w)
	}
	if a.Err != nil {
		ui.Field("error", a.Err)
	}
	if a.Outcome == repair.OutcomeHealthy {
		return
	}

	// A failed attempt always answers: checkpoint? rollback attempted? outcome?
	if a.Checkpoint != nil {
		ui.Field("checkpoint", fmt.Sprintf("%s %s", a.Checkpoint.Kind, a.Checkpoint.Location))
	} else {
		ui.Field("checkpoint", "none")
	}
	ui.Field("rollback attempted", a.RollbackAttempted)
	switch {
	case a.RollbackErr != nil:
		ui.Box("Rollback failed", "No automatic recovery occurred: "+a.RollbackErr.Error())
	case a.RollbackAttempted:
		ui.Field("rollback", "succeeded")
	case a.RollbackNote != "":
		ui.Field("rollback", a.RollbackNote)
	}
	if a.TeardownErr != nil {
		ui.Box("Sandbox not fully dismantled", a.TeardownErr.Error())
	}
}

func joinStates(states []repair.State) string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return strings.Join(names, " -> ")
}

func renderCheckpoint(ui *ux.Printer, cp checkpoint.Checkpoint) {
	ui.Title("Checkpoint")
	ui.Field("id", cp.ID)
	ui.Field("kind", cp.Kind)
	if cp.Flavour != "" {
		ui.Field("flavour", cp.Flavour)
	}
	ui.Field("location", cp.Location)
	ui.Field("created", cp.CreatedAt.Format(time.RFC3339))
	ui.Field("live rollback", cp.SupportsLiveRollback())
}

// statusView is the `status` output.
type statusView struct {
	Metrics  metrics.Record           `json:"metrics"`
	Attempts []metrics.AttemptSummary `json:"attempts"`
	Latest   *latestArchive           `json:"latest_archive,omitempty"`
	Archives int                      `json:"archives"`
}

type latestArchive struct {
	Path     string               `json:"path"`
	Manifest *checkpoint.Manifest `json:"manifest,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func renderStatus(ui *ux.Printer, v statusView) {
	ui.Title("Metrics")
	ui.Field("health score", ui.Score(v.Metrics.HealthScore))
	ui.Field("total issues", v.Metrics.TotalIssues)
	ui.Field("repairs", v.Metrics.RepairCount)
	ui.Field("last repair", formatTime(v.Metrics.LastRepairTimestamp))
	ui.Field("last backup", formatTime(v.Metrics.LastBackupTimestamp))
	ui.Field("updated", formatTime(v.Metrics.UpdatedAt))

	ui.Title("Backups")
	ui.Field("archives", v.Archives)
	switch {
	case v.Latest == nil:
		ui.Field("latest", "none")
	case v.Latest.Error != "":
		ui.Status(ux.IconError, v.Latest.Path, v.Latest.Error)
	default:
		ui.Field("latest", v.Latest.Path)
		if m := v.Latest.Manifest; m != nil {
			ui.Field("distribution", m.DistributionID)
			ui.Field("boot mode", m.BootMode)
			ui.Field("kernel", m.KernelVersion)
			ui.Field("files", len(m.Files))
		}
	}

	ui.Title("Recent attempts")
	if len(v.Attempts) == 0 {
		ui.Status(ux.IconPending, "none", "")
	}
	for _, a := range v.Attempts {
		icon := ux.IconSuccess
		switch a.Outcome {
		case string(repair.OutcomeCompletedWithWarnings), string(repair.OutcomeRolledBack):
			icon = ux.IconWarning
		case string(repair.OutcomeFailed), string(repair.OutcomeRollbackFailed):
			icon = ux.IconError
		}
		detail := fmt.Sprintf("%s, %s, score %d -> %d", a.StartedAt.Format(time.RFC3339), a.Mode, a.ScoreBefore, a.ScoreAfter)
		if a.RollbackOutcome != "" {
			detail += ", rollback: " + a.RollbackOutcome
		}
		ui.Status(icon, a.Outcome, detail)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
