// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "bootwarden"

	// TextfileName is the file written into the textfile directory.
	TextfileName = "bootwarden.prom"

	// ProbesTextfileName holds the per-probe metrics of the last run.
	ProbesTextfileName = "bootwarden_probes.prom"
)

// recordCollectors exposes a Record through a private registry.
type recordCollectors struct {
	registry    *prometheus.Registry
	healthScore prometheus.Gauge
	totalIssues prometheus.Gauge
	repairs     prometheus.Counter
	lastRepair  prometheus.Gauge
	lastBackup  prometheus.Gauge
}

func newRecordCollectors() *recordCollectors {
	c := &recordCollectors{
		registry: prometheus.NewRegistry(),
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "health_score",
			Help:      "Boot health score of the last diagnostic run (0-100)",
		}),
		totalIssues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "total_issues",
			Help:      "Issues found by the last diagnostic run",
		}),
		repairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "repairs_total",
			Help:      "Repair attempts that reached the repair phase",
		}),
		lastRepair: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_repair_timestamp_seconds",
			Help:      "Unix time of the last repair attempt",
		}),
		lastBackup: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_backup_timestamp_seconds",
			Help:      "Unix time of the last checkpoint",
		}),
	}
	c.registry.MustRegister(c.healthScore, c.totalIssues, c.repairs, c.lastRepair, c.lastBackup)
	return c
}

func (c *recordCollectors) set(rec Record) {
	c.healthScore.Set(float64(rec.HealthScore))
	c.totalIssues.Set(float64(rec.TotalIssues))
	c.repairs.Add(float64(rec.RepairCount))
	if !rec.LastRepairTimestamp.IsZero() {
		c.lastRepair.Set(float64(rec.LastRepairTimestamp.Unix()))
	}
	if !rec.LastBackupTimestamp.IsZero() {
		c.lastBackup.Set(float64(rec.LastBackupTimestamp.Unix()))
	}
}

// WriteTextfile writes rec to <dir>/bootwarden.prom for node_exporter's
// textfile collector. The file is replaced atomically.
func WriteTextfile(dir string, rec Record) (string, error) {
	c := newRecordCollectors()
	c.set(rec)
	return WriteGathererTextfile(dir, TextfileName, c.registry)
}

// WriteGathererTextfile writes everything g gathers to <dir>/<name>.
func WriteGathererTextfile(dir, name string, g prometheus.Gatherer) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create textfile dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return "", fmt.Errorf("write textfile: %w", err)
	}
	return path, nil
}
