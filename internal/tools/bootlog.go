// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/bootwarden/internal/process"
)

// ErrNoPreviousBoot means the journal holds no record of an earlier boot,
// as on hosts with a volatile journal.
var ErrNoPreviousBoot = errors.New("no previous boot in journal")

// noPreviousBootMarkers are journalctl stderr fragments for a missing boot.
var noPreviousBootMarkers = []string{
	"Specified boot ID",
	"No journal boot entry found",
	"is not available",
}

// LogEntry is one journal record of the previous boot.
type LogEntry struct {
	Unit       string
	Identifier string
	Priority   int
	Message    string
}

// BootLogSource reads error-priority entries from the previous boot.
type BootLogSource interface {
	PreviousBootErrors(ctx context.Context) ([]LogEntry, error)
}

// Journalctl reads the journal with `journalctl -b -1 -p err -o json`.
type Journalctl struct {
	proc process.Manager
}

// NewJournalctl creates a BootLogSource backed by journalctl.
func NewJournalctl(proc process.Manager) *Journalctl {
	return &Journalctl{proc: proc}
}

// PreviousBootErrors returns entries of priority err or worse.
//
// # Limitations
//
// On a host whose journal is volatile there is no previous boot and
// journalctl exits non-zero; that case is returned as ErrNoPreviousBoot.
func (j *Journalctl) PreviousBootErrors(ctx context.Context) ([]LogEntry, error) {
	res, err := j.proc.Run(ctx, "journalctl", "-b", "-1", "-p", "err", "-o", "json", "--no-pager")
	if err != nil {
		for _, marker := range noPreviousBootMarkers {
			if strings.Contains(res.Stderr, marker) {
				return nil, ErrNoPreviousBoot
			}
		}
		return nil, fmt.Errorf("read previous boot journal: %w", err)
	}
	return ParseJournal(res.Stdout)
}

// journalRecord holds the journal export fields we read. journalctl emits
// every field as a string, and MESSAGE as a byte array when it is not UTF-8.
type journalRecord struct {
	Unit       string          `json:"_SYSTEMD_UNIT"`
	Identifier string          `json:"SYSLOG_IDENTIFIER"`
	Priority   string          `json:"PRIORITY"`
	Message    json.RawMessage `json:"MESSAGE"`
}

// ParseJournal parses journalctl JSON lines output.
func ParseJournal(out string) ([]LogEntry, error) {
	var entries []LogEntry
	scanner := bufio.NewScanner(strings.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse journal line: %w", err)
		}
		prio, err := strconv.Atoi(rec.Priority)
		if err != nil {
			prio = 3
		}
		entries = append(entries, LogEntry{
			Unit:       rec.Unit,
			Identifier: rec.Identifier,
			Priority:   prio,
			Message:    decodeMessage(rec.Message),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

func decodeMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var b []byte
	var ints []int
	if err := json.Unmarshal(raw, &ints); err == nil {
		b = make([]byte, len(ints))
		for i, v := range ints {
			b[i] = byte(v)
		}
		return string(b)
	}
	return string(raw)
}
