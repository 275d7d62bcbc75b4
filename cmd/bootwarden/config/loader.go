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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is the config file used when --config is not given.
	DefaultPath = "/etc/bootwarden/bootwarden.yaml"

	// DefaultEnvFile holds BOOTWARDEN_* overrides, typically for a systemd
	// unit's EnvironmentFile.
	DefaultEnvFile = "/etc/bootwarden/bootwarden.env"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "BOOTWARDEN_"
)

// =============================================================================
// Validation
// =============================================================================

// validate is shared by every Load call.
var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("abspath", validateAbsPath)
}

// validateAbsPath accepts absolute paths only.
func validateAbsPath(fl validator.FieldLevel) bool {
	return filepath.IsAbs(fl.Field().String())
}

// ConfigError reports a config file that could not be used.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Loading
// =============================================================================

// LoadOptions locate the configuration sources.
type LoadOptions struct {
	// Path is the YAML file. Default: DefaultPath.
	Path string

	// EnvFile is the dotenv override file. Default: DefaultEnvFile. A
	// missing file is not an error.
	EnvFile string

	// Environ returns the process environment. Default: os.Environ.
	Environ func() []string

	// Created is called when a default file was written on first run.
	Created func(path string)
}

// Load reads, overrides and validates the configuration.
//
// # Description
//
// Sources, later wins:
//
//  1. DefaultConfig
//  2. the YAML file, created with defaults when it does not exist
//  3. BOOTWARDEN_* keys from the env file
//  4. BOOTWARDEN_* keys from the process environment
//
// # Outputs
//
//   - BootwardenConfig: the validated configuration.
//   - error: *ConfigError for unreadable, malformed or invalid input.
//
// # Examples
//
//	cfg, err := config.Load(config.LoadOptions{Path: flagConfig})
func Load(opts LoadOptions) (BootwardenConfig, error) {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.EnvFile == "" {
		opts.EnvFile = DefaultEnvFile
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}

	if _, err := os.Stat(opts.Path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(opts.Path); err != nil {
			return BootwardenConfig{}, &ConfigError{Path: opts.Path, Err: err}
		}
		if opts.Created != nil {
			opts.Created(opts.Path)
		}
	}

	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return BootwardenConfig{}, &ConfigError{Path: opts.Path, Err: fmt.Errorf("read: %w", err)}
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BootwardenConfig{}, &ConfigError{Path: opts.Path, Err: fmt.Errorf("parse: %w", err)}
	}

	env, err := overrides(opts.EnvFile, opts.Environ())
	if err != nil {
		return BootwardenConfig{}, &ConfigError{Path: opts.EnvFile, Err: err}
	}
	if err := applyOverrides(&cfg, env); err != nil {
		return BootwardenConfig{}, &ConfigError{Path: opts.Path, Err: err}
	}

	if err := validate.Struct(cfg); err != nil {
		return BootwardenConfig{}, &ConfigError{Path: opts.Path, Err: describe(err)}
	}
	return cfg, nil
}

// createDefault writes DefaultConfig to path.
func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// overrides merges BOOTWARDEN_* keys from the env file and the environment.
func overrides(envFile string, environ []string) (map[string]string, error) {
	out := make(map[string]string)
	fileValues, err := godotenv.Read(envFile)
	switch {
	case err == nil:
		for k, v := range fileValues {
			if strings.HasPrefix(k, EnvPrefix) {
				out[k] = v
			}
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read env file: %w", err)
	}

	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, EnvPrefix) {
			out[k] = v
		}
	}
	return out, nil
}

// setter applies one override value.
type setter func(cfg *BootwardenConfig, value string) error

func str(field func(*BootwardenConfig) *string) setter {
	return func(cfg *BootwardenConfig, v string) error {
		*field(cfg) = v
		return nil
	}
}

func integer(field func(*BootwardenConfig) *int) setter {
	return func(cfg *BootwardenConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

func boolean(field func(*BootwardenConfig) *bool) setter {
	return func(cfg *BootwardenConfig, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func duration(field func(*BootwardenConfig) *time.Duration) setter {
	return func(cfg *BootwardenConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

// envKeys maps override names (without the prefix) to fields.
var envKeys = map[string]setter{
	"TARGET_ROOT":              str(func(c *BootwardenConfig) *string { return &c.Paths.TargetRoot }),
	"STATE_DIR":                str(func(c *BootwardenConfig) *string { return &c.Paths.StateDir }),
	"BACKUP_DIR":               str(func(c *BootwardenConfig) *string { return &c.Paths.BackupDir }),
	"LOCK_DIR":                 str(func(c *BootwardenConfig) *string { return &c.Paths.LockDir }),
	"SESSION_ROOT":             str(func(c *BootwardenConfig) *string { return &c.Paths.SessionRoot }),
	"LOG_DIR":                  str(func(c *BootwardenConfig) *string { return &c.Paths.LogDir }),
	"TEXTFILE_DIR":             str(func(c *BootwardenConfig) *string { return &c.Paths.TextfileDir }),
	"LOG_LEVEL":                str(func(c *BootwardenConfig) *string { return &c.Logging.Level }),
	"LOG_FORMAT":               str(func(c *BootwardenConfig) *string { return &c.Logging.Format }),
	"WORKERS":                  integer(func(c *BootwardenConfig) *int { return &c.Diagnostics.Workers }),
	"PROBE_TIMEOUT":            duration(func(c *BootwardenConfig) *time.Duration { return &c.Diagnostics.ProbeTimeout }),
	"RETAIN":                   integer(func(c *BootwardenConfig) *int { return &c.Checkpoint.Retain }),
	"SNAPSHOT_DIR":             str(func(c *BootwardenConfig) *string { return &c.Checkpoint.SnapshotDir }),
	"PREFER_SNAPSHOT":          boolean(func(c *BootwardenConfig) *bool { return &c.Checkpoint.PreferSnapshot }),
	"COMMAND_TIMEOUT":          duration(func(c *BootwardenConfig) *time.Duration { return &c.Repair.CommandTimeout }),
	"MOUNT_TIMEOUT":            duration(func(c *BootwardenConfig) *time.Duration { return &c.Repair.MountTimeout }),
	"TEARDOWN_TIMEOUT":         duration(func(c *BootwardenConfig) *time.Duration { return &c.Repair.TeardownTimeout }),
	"ALLOW_WITHOUT_CHECKPOINT": boolean(func(c *BootwardenConfig) *bool { return &c.Repair.AllowWithoutCheckpoint }),
	"BOOTLOADER_ID":            str(func(c *BootwardenConfig) *string { return &c.Repair.BootloaderID }),
	"TARGET_DISK":              str(func(c *BootwardenConfig) *string { return &c.Repair.TargetDisk }),
	"TRACE_FILE":               str(func(c *BootwardenConfig) *string { return &c.Telemetry.TraceFile }),
	"METRICS_FILE":             str(func(c *BootwardenConfig) *string { return &c.Telemetry.MetricsFile }),
}

func applyOverrides(cfg *BootwardenConfig, env map[string]string) error {
	var errs []error
	for key, value := range env {
		set, ok := envKeys[strings.TrimPrefix(key, EnvPrefix)]
		if !ok {
			continue
		}
		if err := set(cfg, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, value, err))
		}
	}
	return errors.Join(errs...)
}

// describe turns validator errors into one readable line.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "BootwardenConfig.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s fails %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
