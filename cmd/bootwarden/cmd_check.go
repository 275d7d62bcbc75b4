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

import "context"

// runCheck runs the diagnostic engine alone.
func runCheck(ctx context.Context, rt *runtime) error {
	p, err := rt.resolveProfile(ctx)
	if err != nil {
		return fatal(err)
	}

	report := rt.diagnostics().RunDiagnostics(ctx, p)
	rt.exportProbeMetrics()

	if store, err := rt.openStore(); err != nil {
		rt.logger.Warn("metrics not recorded", "error", err)
	} else {
		if _, err := store.RecordHealth(report.Score(), report.TotalIssues()); err != nil {
			rt.logger.Warn("record health", "error", err)
		}
		rt.exportTextfile(store)
		store.Close()
	}

	if rt.flags.json {
		if err := writeJSON(rt.out, report); err != nil {
			return fatal(err)
		}
	} else {
		renderReport(rt.ui, "Diagnosis", report)
	}

	if report.NeedsRepair() {
		return withCode(exitIssues, nil)
	}
	return nil
}
