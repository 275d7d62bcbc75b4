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
	"fmt"
	"runtime/debug"

	"github.com/AleutianAI/bootwarden/internal/repair"
)

// runRepair drives one attempt of the repair state machine.
//
// # Description
//
// The host attempt lock is taken first, so a second run is refused before
// it can clear mounts or open the metrics store. Stale mounts from an
// interrupted earlier run are cleared next. The sandbox session is released
// by the state machine on every path, including a panic unwinding through
// it; the recover here only double-checks the mount table and turns the
// panic into an exit code.
func runRepair(ctx context.Context, rt *runtime, mode repair.Mode) (err error) {
	unlock, err := rt.lockAttempts()
	if err != nil {
		return fatal(err)
	}
	defer unlock()

	p, err := rt.resolveProfile(ctx)
	if err != nil {
		return fatal(err)
	}

	jails := rt.sandbox()
	if !rt.flags.dryRun {
		recovered, err := jails.RecoverStale(ctx)
		if err != nil {
			return withCode(exitRollbackLeak, fmt.Errorf("stale sandbox could not be cleared: %w", err))
		}
		if len(recovered) > 0 {
			rt.logger.Warn("cleared mounts left by an interrupted run", "mounts", recovered)
		}
	}

	store, err := rt.openStore()
	if err != nil {
		return fatal(err)
	}
	defer store.Close()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		rt.logger.Error("panic during repair", "panic", r, "stack", string(debug.Stack()))
		if _, rerr := jails.RecoverStale(context.WithoutCancel(ctx)); rerr != nil {
			err = withCode(exitRollbackLeak, fmt.Errorf("panic: %v: %w", r, rerr))
			return
		}
		err = fatal(fmt.Errorf("panic: %v", r))
	}()

	attempt, err := rt.machine(jails, store).Run(ctx, p, repair.Options{Mode: mode, DryRun: rt.flags.dryRun})
	if err != nil {
		return fatal(err)
	}
	rt.exportTextfile(store)
	rt.exportProbeMetrics()

	if rt.flags.json {
		if err := writeJSON(rt.out, attempt); err != nil {
			return fatal(err)
		}
	} else {
		renderAttempt(rt.ui, attempt)
	}
	return withCode(attempt.ExitCode(), nil)
}
