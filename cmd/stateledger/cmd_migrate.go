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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stateledger/migrate"
	"github.com/AleutianAI/stateledger/store"
)

// migrateCmd upgrades a state file to the current schema.
//
// # Examples
//
//	stateledger migrate cycles.json
//	stateledger migrate --strict cycles.json   # refuse unknown shapes
var migrateCmd = &cobra.Command{
	Use:   "migrate <path>",
	Short: "Bring a state file to the current schema version",
	Long: `Upgrades the on-disk document at <path> to the current schema,
writing a byte-for-byte backup of the original next to it first.
Idempotent: a file already at the current shape is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrate,
}

// sweepCmd removes crash-orphaned temp files from a state directory.
var sweepCmd = &cobra.Command{
	Use:   "sweep <dir>",
	Short: "Remove stale temp files left by interrupted writes",
	Args:  cobra.ExactArgs(1),
	RunE:  runSweep,
}

func newStore() (*store.Store, error) {
	cfg := store.DefaultConfig()
	cfg.LockTimeout = lockTimeout
	return store.New(cfg)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	s, err := newStore()
	if err != nil {
		return err
	}
	m := migrate.New(s, migrate.Config{Strict: migrateStrict})

	outcome, err := m.MigrateIfNeeded(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", args[0], outcome)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	s, err := newStore()
	if err != nil {
		return err
	}
	swept, err := s.SweepOrphans(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s: removed %d orphan temp file(s)\n", args[0], swept)
	return nil
}
