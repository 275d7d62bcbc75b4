// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers for a run.
//
// Spans (one per repair phase, probe and checkpoint operation) and the
// probe metrics are written as JSON to local files by the stdout
// exporters. The probe metrics can also be bridged into a Prometheus
// registry for the node_exporter textfile. With nothing configured the
// global no-op providers stay in place and instrumentation costs nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("telemetry: nil context")
)

// StderrTarget selects standard error instead of a file.
const StderrTarget = "-"

// Config controls where telemetry goes.
type Config struct {
	// ServiceVersion is recorded on the resource.
	ServiceVersion string

	// TraceFile receives spans as JSON lines. Empty disables tracing;
	// StderrTarget writes to standard error.
	TraceFile string

	// MetricsFile receives the final metric snapshot on shutdown. Empty
	// disables the JSON metric export.
	MetricsFile string

	// Registerer, when set, also exposes the metrics as Prometheus
	// collectors so they can be written to the node_exporter textfile.
	Registerer prometheus.Registerer
}

// Init installs tracer and meter providers for cfg.
//
// # Outputs
//
//   - shutdown: flushes exporters and closes files. Always non-nil on
//     success and must be called.
//   - error: when a file cannot be opened or an exporter cannot be built.
//
// # Examples
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{TraceFile: path})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	var shutdownFuncs []func(context.Context) error
	shutdown = func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			if err := shutdownFuncs[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (func(context.Context) error, error) {
		_ = shutdown(context.Background())
		return nil, err
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "bootwarden"),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TraceFile != "" {
		w, closeFn, err := openTarget(cfg.TraceFile)
		if err != nil {
			return fail(fmt.Errorf("open trace file: %w", err))
		}
		shutdownFuncs = append(shutdownFuncs, closeFn)

		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return fail(fmt.Errorf("create trace exporter: %w", err))
		}
		tp := trace.NewTracerProvider(
			trace.WithBatcher(exporter),
			trace.WithResource(res),
			trace.WithSampler(trace.AlwaysSample()),
		)
		otel.SetTracerProvider(tp)
		shutdownFuncs = append(shutdownFuncs, tp.Shutdown)
	}

	var readers []metric.Option
	if cfg.MetricsFile != "" {
		w, closeFn, err := openTarget(cfg.MetricsFile)
		if err != nil {
			return fail(fmt.Errorf("open metrics file: %w", err))
		}
		shutdownFuncs = append(shutdownFuncs, closeFn)

		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return fail(fmt.Errorf("create metric exporter: %w", err))
		}
		readers = append(readers, metric.WithReader(metric.NewPeriodicReader(exporter)))
	}
	if cfg.Registerer != nil {
		exporter, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
		if err != nil {
			return fail(fmt.Errorf("create prometheus exporter: %w", err))
		}
		readers = append(readers, metric.WithReader(exporter))
	}
	if len(readers) > 0 {
		mp := metric.NewMeterProvider(append(readers, metric.WithResource(res))...)
		otel.SetMeterProvider(mp)
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown)
	}

	return shutdown, nil
}

// openTarget opens path for appending, or returns stderr for StderrTarget.
func openTarget(path string) (io.Writer, func(context.Context) error, error) {
	if path == StderrTarget {
		return os.Stderr, func(context.Context) error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, err
	}
	return f, func(context.Context) error { return f.Close() }, nil
}
