// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger persists an append-only sequence of cycle records in
// a single crash-consistent state file.
//
// Every operation first runs the schema migrator, which is a cheap
// read-and-compare when the file is already current, then delegates to
// the atomic store. The ledger keeps no in-memory state: the file on
// disk is the sole source of truth, and multiple processes may operate
// on the same ledger concurrently.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/stateledger/migrate"
	"github.com/AleutianAI/stateledger/store"
)

// NoneCycleID is returned by LastCycleID for an empty ledger.
const NoneCycleID = "none"

// Config configures a CycleLedger.
type Config struct {
	// Path is the ledger's state file.
	Path string

	// LockTimeout is the per-operation lock budget.
	// Default: lock.DefaultTimeout.
	LockTimeout time.Duration

	// Strict makes the migrator refuse unrecognized on-disk shapes
	// instead of resetting them.
	Strict bool

	// Logger for ledger operations.
	Logger *slog.Logger
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.New("path must not be empty")
	}
	return nil
}

// CycleLedger is the append-only cycle store consumer.
//
// # Thread Safety
//
// Safe for concurrent use across goroutines and processes; all
// synchronization happens through the per-path file lock.
type CycleLedger struct {
	path     string
	store    *store.Store
	migrator *migrate.Migrator
	logger   *slog.Logger
}

// New creates a CycleLedger for the given state file.
//
// # Example
//
//	l, err := ledger.New(ledger.Config{Path: "/var/lib/app/cycles.json"})
//	if err != nil {
//	    return err
//	}
//	err = l.AppendCycle(ctx, ledger.CycleRecord{
//	    CycleID:   ledger.NewCycleID(),
//	    Success:   true,
//	    TotalTime: 12.7,
//	})
func New(cfg Config) (*CycleLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger config: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	storeCfg := store.DefaultConfig()
	storeCfg.Logger = cfg.Logger
	if cfg.LockTimeout > 0 {
		storeCfg.LockTimeout = cfg.LockTimeout
	}
	s, err := store.New(storeCfg)
	if err != nil {
		return nil, err
	}

	m := migrate.New(s, migrate.Config{Strict: cfg.Strict, Logger: cfg.Logger})

	return &CycleLedger{
		path:     cfg.Path,
		store:    s,
		migrator: m,
		logger:   cfg.Logger,
	}, nil
}

// Path returns the ledger's state-file path.
func (l *CycleLedger) Path() string { return l.path }

// AppendCycle adds one record to the end of the ledger.
func (l *CycleLedger) AppendCycle(ctx context.Context, rec CycleRecord) error {
	if _, err := l.migrator.MigrateIfNeeded(ctx, l.path); err != nil {
		return err
	}
	return l.store.Append(ctx, l.path, rec)
}

// Cycles returns all records in insertion order.
func (l *CycleLedger) Cycles(ctx context.Context) ([]CycleRecord, error) {
	if _, err := l.migrator.MigrateIfNeeded(ctx, l.path); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	found, err := l.store.Read(ctx, l.path, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return decodeCycles(l.path, raw)
}

// LastCycleID returns the cycle_id of the most recent record, or
// NoneCycleID for an empty ledger.
func (l *CycleLedger) LastCycleID(ctx context.Context) (string, error) {
	cycles, err := l.Cycles(ctx)
	if err != nil {
		return "", err
	}
	if len(cycles) == 0 {
		return NoneCycleID, nil
	}
	return cycles[len(cycles)-1].CycleID, nil
}

// decodeCycles extracts records from either document shape the
// migrator accepts as current: a schema envelope or a bare sequence.
func decodeCycles(path string, raw json.RawMessage) ([]CycleRecord, error) {
	var env migrate.SchemaEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.SchemaVersion != "" {
		cycles := make([]CycleRecord, 0, len(env.Cycles))
		for _, item := range env.Cycles {
			var rec CycleRecord
			if err := json.Unmarshal(item, &rec); err != nil {
				return nil, &store.DecodeError{Path: path, Err: err}
			}
			cycles = append(cycles, rec)
		}
		return cycles, nil
	}

	var cycles []CycleRecord
	if err := json.Unmarshal(raw, &cycles); err != nil {
		return nil, &store.DecodeError{Path: path, Err: err}
	}
	return cycles, nil
}
