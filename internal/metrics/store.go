// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics persists the run metrics record and a bounded history of
// repair attempts in an embedded BadgerDB, and exports the record as a
// node_exporter textfile.
//
// Keys:
//
//	metrics/record               JSON Record, last writer wins
//	attempt/<utc ts>/<id>        JSON AttemptSummary, newest HistoryLimit kept
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	recordKey     = "metrics/record"
	attemptPrefix = "attempt/"

	// attemptTimeLayout is fixed-width so keys sort chronologically.
	attemptTimeLayout = "20060102T150405.000000000"
)

// =============================================================================
// TYPES
// =============================================================================

// Record is the persisted run metrics record.
type Record struct {
	HealthScore         int       `json:"health_score"`
	TotalIssues         int       `json:"total_issues"`
	RepairCount         int       `json:"repair_count"`
	LastRepairTimestamp time.Time `json:"last_repair_timestamp"`
	LastBackupTimestamp time.Time `json:"last_backup_timestamp"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// AttemptSummary is the stored outline of one repair attempt.
type AttemptSummary struct {
	ID                string    `json:"id"`
	Mode              string    `json:"mode"`
	Outcome           string    `json:"outcome"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	ScoreBefore       int       `json:"score_before"`
	ScoreAfter        int       `json:"score_after"`
	CheckpointKind    string    `json:"checkpoint_kind,omitempty"`
	RollbackAttempted bool      `json:"rollback_attempted"`
	RollbackOutcome   string    `json:"rollback_outcome,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit. Default: true.
	SyncWrites bool

	// HistoryLimit is the number of attempt summaries kept. Default: 50.
	HistoryLimit int

	// Logger receives BadgerDB's own logs. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:         path,
		SyncWrites:   true,
		HistoryLimit: 50,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:     true,
		HistoryLimit: 50,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// STORE
// =============================================================================

// Store is the metrics database.
//
// # Thread Safety
//
// Safe for concurrent use; every operation is one Badger transaction.
type Store struct {
	db           *badger.DB
	historyLimit int
	now          func() time.Time
}

// Open opens (creating if needed) the store described by cfg.
//
// # Outputs
//
//   - *Store: the store. Caller must Close it.
//   - error: when the path is missing or the database cannot be opened,
//     for example because another process holds it.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent metrics store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create metrics directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open metrics store: %w", err)
	}

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Store{db: db, historyLimit: limit, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the current record, or a zero Record when none was saved.
func (s *Store) Load() (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn)
		return err
	})
	return rec, err
}

// RecordHealth stores the latest diagnostic result.
func (s *Store) RecordHealth(score, issues int) (Record, error) {
	return s.update(func(r *Record) {
		r.HealthScore = score
		r.TotalIssues = issues
	})
}

// RecordRepair increments the repair count and stamps the repair time.
func (s *Store) RecordRepair(at time.Time) (Record, error) {
	return s.update(func(r *Record) {
		r.RepairCount++
		r.LastRepairTimestamp = at.UTC()
	})
}

// RecordBackup stamps the time of the latest checkpoint.
func (s *Store) RecordBackup(at time.Time) (Record, error) {
	return s.update(func(r *Record) {
		r.LastBackupTimestamp = at.UTC()
	})
}

func (s *Store) update(mutate func(*Record)) (Record, error) {
	var rec Record
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		if rec, err = getRecord(txn); err != nil {
			return err
		}
		mutate(&rec)
		rec.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set([]byte(recordKey), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("update metrics record: %w", err)
	}
	return rec, nil
}

func getRecord(txn *badger.Txn) (Record, error) {
	var rec Record
	item, err := txn.Get([]byte(recordKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// AppendAttempt stores a summary and prunes history beyond HistoryLimit.
func (s *Store) AppendAttempt(a AttemptSummary) error {
	if a.ID == "" {
		return errors.New("attempt id is required")
	}
	at := a.StartedAt
	if at.IsZero() {
		at = s.now()
	}
	key := attemptPrefix + at.UTC().Format(attemptTimeLayout) + "/" + a.ID
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode attempt: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), data); err != nil {
			return err
		}
		stale := s.attemptKeys(txn)
		if len(stale) <= s.historyLimit {
			return nil
		}
		for _, k := range stale[s.historyLimit:] {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

// attemptKeys returns every attempt key, newest first.
func (s *Store) attemptKeys(txn *badger.Txn) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := []byte(attemptPrefix)
	var keys [][]byte
	for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// Attempts returns up to limit summaries, newest first. limit <= 0 returns
// all of them.
func (s *Store) Attempts(limit int) ([]AttemptSummary, error) {
	var out []AttemptSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(attemptPrefix)
		for it.Seek(append(append([]byte(nil), prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var a AttemptSummary
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read attempts: %w", err)
	}
	return out, nil
}
