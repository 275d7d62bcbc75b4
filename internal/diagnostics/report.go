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
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// CheckID identifies one diagnostic probe. Ids are stable and unique; they
// are the keys of a HealthReport.
type CheckID string

const (
	CheckBootloaderBinary    CheckID = "bootloader_binary"
	CheckConfigValidity      CheckID = "config_validity"
	CheckBootloaderSignature CheckID = "bootloader_signature"
	CheckBootEnvironment     CheckID = "boot_environment"
	CheckPriorBootFailures   CheckID = "prior_boot_failures"
)

// pointsPerIssue is the score deducted for each issue.
const pointsPerIssue = 10

// =============================================================================
// PROBE RESULT
// =============================================================================

// ProbeResult is the outcome of one probe.
//
// # Description
//
// Issues is the number of problems found. An inconclusive probe (it
// errored, panicked, or overran its timeout) always counts exactly one
// issue, and Cause holds a *ProbeInconclusive describing why.
type ProbeResult struct {
	Check        CheckID       `json:"check"`
	Issues       int           `json:"issues"`
	Findings     []string      `json:"findings,omitempty"`
	Inconclusive bool          `json:"inconclusive"`
	Cause        error         `json:"-"`
	Duration     time.Duration `json:"duration_ns"`
}

// Detail joins the findings into one line for logs.
func (r ProbeResult) Detail() string {
	if r.Inconclusive && r.Cause != nil {
		return r.Cause.Error()
	}
	switch len(r.Findings) {
	case 0:
		return ""
	case 1:
		return r.Findings[0]
	}
	return fmt.Sprintf("%s (+%d more)", r.Findings[0], len(r.Findings)-1)
}

// ProbeInconclusive records why a probe could not reach a verdict.
type ProbeInconclusive struct {
	Check  CheckID
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProbeInconclusive) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s inconclusive: %s: %v", e.Check, e.Reason, e.Err)
	}
	return fmt.Sprintf("probe %s inconclusive: %s", e.Check, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ProbeInconclusive) Unwrap() error {
	return e.Err
}

// =============================================================================
// HEALTH REPORT
// =============================================================================

// HealthReport aggregates one diagnostic run.
//
// # Description
//
// The report is immutable: it is built once by NewHealthReport and only
// read afterwards. TotalIssues is the sum of the per-probe issue counts
// and Score is derived from it, so the two can never disagree.
//
// # Assumptions
//
//   - Each CheckID appears at most once in results
type HealthReport struct {
	results     map[CheckID]ProbeResult
	totalIssues int
	generatedAt time.Time
}

// NewHealthReport builds a report from probe results. A later result for
// the same check replaces an earlier one.
func NewHealthReport(results []ProbeResult, generatedAt time.Time) HealthReport {
	r := HealthReport{
		results:     make(map[CheckID]ProbeResult, len(results)),
		generatedAt: generatedAt,
	}
	for _, res := range results {
		r.results[res.Check] = res
	}
	for _, res := range r.results {
		r.totalIssues += res.Issues
	}
	return r
}

// TotalIssues is the sum of issues over all probes.
func (r HealthReport) TotalIssues() int {
	return r.totalIssues
}

// Score is max(0, 100 - 10 x TotalIssues).
func (r HealthReport) Score() int {
	score := 100 - pointsPerIssue*r.totalIssues
	if score < 0 {
		return 0
	}
	return score
}

// NeedsRepair is true iff at least one issue was found.
func (r HealthReport) NeedsRepair() bool {
	return r.totalIssues > 0
}

// GeneratedAt is when the run finished.
func (r HealthReport) GeneratedAt() time.Time {
	return r.generatedAt
}

// Result returns the result for one check.
func (r HealthReport) Result(id CheckID) (ProbeResult, bool) {
	res, ok := r.results[id]
	return res, ok
}

// Results returns all results ordered by check id.
func (r HealthReport) Results() []ProbeResult {
	out := make([]ProbeResult, 0, len(r.results))
	for _, res := range r.results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Check < out[j].Check })
	return out
}

// Inconclusive returns the ids of probes that did not reach a verdict.
func (r HealthReport) Inconclusive() []CheckID {
	var ids []CheckID
	for _, res := range r.Results() {
		if res.Inconclusive {
			ids = append(ids, res.Check)
		}
	}
	return ids
}

// IsZero reports whether the report was never generated.
func (r HealthReport) IsZero() bool {
	return r.results == nil
}

type reportJSON struct {
	Score       int           `json:"score"`
	TotalIssues int           `json:"total_issues"`
	NeedsRepair bool          `json:"needs_repair"`
	GeneratedAt time.Time     `json:"generated_at"`
	Results     []ProbeResult `json:"results"`
}

// MarshalJSON renders the report for --json output and the attempt history.
func (r HealthReport) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		Score:       r.Score(),
		TotalIssues: r.TotalIssues(),
		NeedsRepair: r.NeedsRepair(),
		GeneratedAt: r.generatedAt,
		Results:     r.Results(),
	})
}
