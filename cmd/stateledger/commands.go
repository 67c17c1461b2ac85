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
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	lockTimeout time.Duration // Per-operation lock acquisition budget
	verbose     bool          // Debug-level logging

	jsonOutput    bool     // inspect/last: machine-readable output
	appendID      string   // append: explicit cycle_id
	appendSuccess bool     // append: success flag
	appendTime    float64  // append: total_time in seconds
	appendFields  []string // append: extra key=value pairs
	migrateStrict bool     // migrate: refuse unknown shapes

	rootCmd = &cobra.Command{
		Use:   "stateledger",
		Short: "Inspect and maintain crash-consistent state ledger files",
		Long: `stateledger operates on single-file durable state documents:
append-only cycle ledgers and configuration snapshots written through
an atomic temp-file + fsync + rename sequence under a per-path lock.

All commands coordinate through the same .lock sidecar as the owning
application, so they are safe to run against live state files.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
	}
)

func init() {
	rootCmd.PersistentFlags().DurationVar(&lockTimeout, "lock-timeout", 5*time.Second,
		"How long to wait for the per-path file lock before giving up")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON for scripting")

	rootCmd.AddCommand(lastCmd)

	rootCmd.AddCommand(appendCmd)
	appendCmd.Flags().StringVar(&appendID, "id", "", "Cycle ID (generated when omitted)")
	appendCmd.Flags().BoolVar(&appendSuccess, "success", false, "Mark the cycle successful")
	appendCmd.Flags().Float64Var(&appendTime, "total-time", 0, "Cycle duration in seconds")
	appendCmd.Flags().StringArrayVar(&appendFields, "field", nil,
		"Extra key=value field (value parsed as JSON, falling back to string); repeatable")

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateStrict, "strict", false,
		"Refuse unrecognized on-disk shapes instead of resetting them")

	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(watchCmd)
}
