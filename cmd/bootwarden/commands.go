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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/bootwarden/internal/repair"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli holds the command tree and the runtime built for the invocation.
type cli struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
	rt     *runtime

	// setup builds the runtime for commands that need one.
	setup func(ctx context.Context, flags globalFlags, stdout, stderr io.Writer) (*runtime, error)
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{stdout: stdout, stderr: stderr, setup: newRuntime}
}

// rootCommand assembles the command tree.
func (c *cli) rootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bootwarden",
		Short: "Diagnose and safely repair a broken GRUB installation",
		Long: `bootwarden checks the health of the GRUB bootloader on this host and,
when asked, repairs it from inside a chroot of the installed system. A
checkpoint is taken before anything is changed; snapshot checkpoints are
rolled back automatically when the repair fails.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipRuntime"] == "true" {
				return nil
			}
			rt, err := c.setup(cmd.Context(), c.flags, c.stdout, c.stderr)
			if err != nil {
				return fatal(err)
			}
			c.rt = rt
			return nil
		},
	}
	rootCmd.SetOut(c.stdout)
	rootCmd.SetErr(c.stderr)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "config file (default /etc/bootwarden/bootwarden.yaml)")
	pf.StringVar(&c.flags.envFile, "env-file", "", "BOOTWARDEN_* override file (default /etc/bootwarden/bootwarden.env)")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&c.flags.json, "json", false, "print results as JSON")
	pf.BoolVar(&c.flags.dryRun, "dry-run", false, "auto/force: diagnose and print the repair plan without changing anything")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run the diagnostics only; exit 1 when issues are found",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return runCheck(cmd.Context(), c.rt) },
	}

	autoCmd := &cobra.Command{
		Use:   "auto",
		Short: "Diagnose and repair if issues are found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepair(cmd.Context(), c.rt, repair.ModeAuto)
		},
	}

	forceCmd := &cobra.Command{
		Use:   "force",
		Short: "Repair without diagnosing first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepair(cmd.Context(), c.rt, repair.ModeForce)
		},
	}

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a checkpoint (snapshot or archive) and exit",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return runBackup(cmd.Context(), c.rt) },
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last metrics record, recent attempts and the latest backup",
		Args:  cobra.NoArgs,
		RunE:  func(cmd *cobra.Command, _ []string) error { return runStatus(cmd.Context(), c.rt) },
	}

	versionCmd := &cobra.Command{
		Use:         "version",
		Short:       "Print the version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipRuntime": "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bootwarden %s\n", version)
		},
	}

	rootCmd.AddCommand(checkCmd, autoCmd, forceCmd, backupCmd, statusCmd, versionCmd)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
//
// # Description
//
// Every code path closes the runtime (log file, telemetry exporters).
// Errors are printed once to stderr; a result that was already reported
// (issues found, failed attempt) exits non-zero without a second message.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := newCLI(stdout, stderr)
	root := c.rootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if c.rt != nil {
		c.rt.close(ctx)
	}
	if err != nil {
		var exitErr *ExitError
		if !errors.As(err, &exitErr) || exitErr.Err != nil {
			fmt.Fprintf(stderr, "bootwarden: %v\n", err)
		}
	}
	return exitCodeOf(err)
}
