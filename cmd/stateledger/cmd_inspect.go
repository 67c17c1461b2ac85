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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stateledger/ledger"
)

// inspectCmd summarizes a ledger file.
//
// # Examples
//
//	stateledger inspect /var/lib/app/cycles.json
//	stateledger inspect --json cycles.json | jq .success_rate
var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Summarize a state ledger file",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

// lastCmd prints only the most recent cycle ID.
var lastCmd = &cobra.Command{
	Use:   "last <path>",
	Short: "Print the last cycle ID, or 'none' for an empty ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runLast,
}

// inspectReport is the machine-readable inspect output.
type inspectReport struct {
	Path        string       `json:"path"`
	LastCycleID string       `json:"last_cycle_id"`
	Stats       ledger.Stats `json:"stats"`
}

func newLedger(path string) (*ledger.CycleLedger, error) {
	return ledger.New(ledger.Config{
		Path:        path,
		LockTimeout: lockTimeout,
		Strict:      migrateStrict,
	})
}

func runInspect(cmd *cobra.Command, args []string) error {
	l, err := newLedger(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	stats, err := l.Stats(ctx)
	if err != nil {
		return err
	}
	lastID, err := l.LastCycleID(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		out, err := json.MarshalIndent(inspectReport{
			Path:        args[0],
			LastCycleID: lastID,
			Stats:       stats,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("Ledger:        %s\n", args[0])
	fmt.Printf("Cycles:        %d\n", stats.Count)
	fmt.Printf("Successes:     %d (%.1f%%)\n", stats.Successes, stats.SuccessRate*100)
	fmt.Printf("Total time:    %.2fs\n", stats.TotalTime)
	fmt.Printf("Mean time:     %.2fs\n", stats.MeanTime)
	fmt.Printf("Last cycle:    %s\n", lastID)
	return nil
}

func runLast(cmd *cobra.Command, args []string) error {
	l, err := newLedger(args[0])
	if err != nil {
		return err
	}
	lastID, err := l.LastCycleID(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Println(lastID)
	return nil
}
