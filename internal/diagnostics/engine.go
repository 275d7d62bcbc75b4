// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/bootwarden/internal/profile"
)

var (
	tracer = otel.Tracer("bootwarden.diagnostics")
	meter  = otel.Meter("bootwarden.diagnostics")
)

// =============================================================================
// PROBE
// =============================================================================

// Probe examines one aspect of the boot chain.
//
// # Description
//
// Check returns the list of problems found; an empty list means healthy.
// Returning an error (or panicking) makes the probe inconclusive, which
// the engine counts as one issue. Probes must only read the profile.
type Probe interface {
	ID() CheckID
	Check(ctx context.Context, p profile.SystemProfile) ([]string, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc struct {
	Name CheckID
	Fn   func(ctx context.Context, p profile.SystemProfile) ([]string, error)
}

// ID implements Probe.
func (f ProbeFunc) ID() CheckID { return f.Name }

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context, p profile.SystemProfile) ([]string, error) {
	return f.Fn(ctx, p)
}

// =============================================================================
// ENGINE
// =============================================================================

// Config bounds a diagnostic run.
type Config struct {
	// Workers is the number of probes run at once. Default: 3.
	Workers int

	// ProbeTimeout bounds each probe. Default: 10s.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default pool width and timeout.
func DefaultConfig() Config {
	return Config{Workers: 3, ProbeTimeout: 10 * time.Second}
}

// Engine runs the probe set concurrently and aggregates a HealthReport.
//
// # Description
//
// RunDiagnostics fans the probes out over a bounded errgroup pool and fans
// the results back into a map keyed by check id, so completion order
// does not matter. Every probe failure mode (error, panic, timeout) is
// contained to that probe's result.
//
// # Thread Safety
//
// Engine is stateless between runs; RunDiagnostics may be called
// concurrently and repeatedly.
type Engine struct {
	probes []Probe
	config Config
	logger *slog.Logger
	now    func() time.Time

	metricsOnce   sync.Once
	probeLatency  metric.Float64Histogram
	probeOutcomes metric.Int64Counter
}

// NewEngine creates an engine over probes.
func NewEngine(config Config, probes []Probe, logger *slog.Logger) *Engine {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		probes: probes,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

func (e *Engine) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.probeLatency, err = meter.Float64Histogram("bootwarden_probe_duration_seconds",
			metric.WithDescription("Duration of individual diagnostic probes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			e.logger.Warn("probe latency histogram unavailable", "error", err)
		}
		e.probeOutcomes, err = meter.Int64Counter("bootwarden_probe_outcomes_total",
			metric.WithDescription("Probe results by check and outcome"),
		)
		if err != nil {
			e.logger.Warn("probe outcome counter unavailable", "error", err)
		}
	})
}

// RunDiagnostics runs every probe and returns the aggregated report.
//
// # Description
//
// The run itself cannot fail: a probe that cannot decide is reported as
// inconclusive. Cancelling ctx makes the remaining probes inconclusive.
//
// # Outputs
//
//   - HealthReport: one result per probe id.
//
// # Examples
//
//	engine := diagnostics.NewEngine(diagnostics.DefaultConfig(), diagnostics.DefaultProbes(deps), logger)
//	report := engine.RunDiagnostics(ctx, p)
//	if report.NeedsRepair() { ... }
func (e *Engine) RunDiagnostics(ctx context.Context, p profile.SystemProfile) HealthReport {
	e.initMetrics()

	ctx, span := tracer.Start(ctx, "diagnostics.run",
		trace.WithAttributes(
			attribute.Int("probes", len(e.probes)),
			attribute.Int("workers", e.config.Workers),
		),
	)
	defer span.End()

	var (
		mu      sync.Mutex
		results = make([]ProbeResult, 0, len(e.probes))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config.Workers)
	for _, probe := range e.probes {
		g.Go(func() error {
			res := e.runProbe(gctx, probe, p)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := NewHealthReport(results, e.now())
	span.SetAttributes(
		attribute.Int("total_issues", report.TotalIssues()),
		attribute.Int("score", report.Score()),
	)
	if report.NeedsRepair() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d issues", report.TotalIssues()))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	e.logger.Info("diagnostics complete",
		slog.Int("score", report.Score()),
		slog.Int("total_issues", report.TotalIssues()),
		slog.Bool("needs_repair", report.NeedsRepair()),
	)
	return report
}

type probeOutput struct {
	findings []string
	err      error
}

// runProbe runs one probe under its own timeout. The probe runs in a
// separate goroutine so a probe that ignores ctx still yields an
// inconclusive result when the deadline passes.
func (e *Engine) runProbe(ctx context.Context, probe Probe, p profile.SystemProfile) ProbeResult {
	id := probe.ID()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "diagnostics.probe",
		trace.WithAttributes(attribute.String("check", string(id))),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.config.ProbeTimeout)
	defer cancel()

	done := make(chan probeOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("probe panicked",
					slog.String("check", string(id)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				done <- probeOutput{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		findings, err := probe.Check(ctx, p)
		done <- probeOutput{findings: findings, err: err}
	}()

	var out probeOutput
	select {
	case out = <-done:
	case <-ctx.Done():
		out = probeOutput{err: ctx.Err()}
	}

	res := ProbeResult{Check: id, Duration: time.Since(start)}
	if out.err != nil {
		reason := "error"
		switch {
		case errors.Is(out.err, context.DeadlineExceeded):
			reason = fmt.Sprintf("timed out after %s", e.config.ProbeTimeout)
		case errors.Is(out.err, context.Canceled):
			reason = "cancelled"
		}
		res.Inconclusive = true
		res.Issues = 1
		res.Cause = &ProbeInconclusive{Check: id, Reason: reason, Err: out.err}
		span.RecordError(res.Cause)
		span.SetStatus(codes.Error, reason)
		e.logger.Warn("probe inconclusive",
			slog.String("check", string(id)),
			slog.String("reason", reason),
			slog.Any("error", out.err),
		)
	} else {
		res.Findings = out.findings
		res.Issues = len(out.findings)
		e.logger.Debug("probe finished",
			slog.String("check", string(id)),
			slog.Int("issues", res.Issues),
			slog.Duration("duration", res.Duration),
		)
	}

	e.record(ctx, res)
	return res
}

func (e *Engine) record(ctx context.Context, res ProbeResult) {
	outcome := "healthy"
	switch {
	case res.Inconclusive:
		outcome = "inconclusive"
	case res.Issues > 0:
		outcome = "issues"
	}
	attrs := metric.WithAttributes(
		attribute.String("check", string(res.Check)),
		attribute.String("outcome", outcome),
	)
	// ctx may already be past its deadline; measurements do not need it.
	ctx = context.WithoutCancel(ctx)
	if e.probeLatency != nil {
		e.probeLatency.Record(ctx, res.Duration.Seconds(), attrs)
	}
	if e.probeOutcomes != nil {
		e.probeOutcomes.Add(ctx, 1, attrs)
	}
}
