// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, Config{})
	if err != ErrNilContext {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("shutdown function is nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_TraceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "run.jsonl")

	shutdown, err := Init(context.Background(), Config{ServiceVersion: "1.2.3", TraceFile: path})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "repair.diagnosing")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read trace file: %v", err)
	}
	if !strings.Contains(string(data), "repair.diagnosing") {
		t.Errorf("trace file does not contain span name: %s", data)
	}
	if !strings.Contains(string(data), "1.2.3") {
		t.Errorf("trace file does not contain service version")
	}
}

func TestInit_MetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.json")

	shutdown, err := Init(context.Background(), Config{MetricsFile: path})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	counter, err := otel.Meter("test").Int64Counter("bootwarden_test_total")
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(data), "bootwarden_test_total") {
		t.Errorf("metrics file does not contain counter: %s", data)
	}
}

func TestInit_PrometheusRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()

	shutdown, err := Init(context.Background(), Config{Registerer: registry})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	counter, err := otel.Meter("test").Int64Counter("bootwarden_probe_runs")
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	counter.Add(context.Background(), 2)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "bootwarden_probe_runs") {
			found = true
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("counter value = %v, want 2", got)
			}
		}
	}
	if !found {
		t.Errorf("registry does not expose bootwarden_probe_runs")
	}
}

func TestInit_UnwritableTarget(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Init(context.Background(), Config{TraceFile: filepath.Join(blocker, "trace.jsonl")})
	if err == nil {
		t.Error("Init() succeeded with a path below a regular file")
	}
}
