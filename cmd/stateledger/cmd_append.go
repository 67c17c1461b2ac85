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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stateledger/ledger"
)

// appendCmd records one cycle in a ledger file.
//
// # Examples
//
//	stateledger append cycles.json --success --total-time 12.7
//	stateledger append cycles.json --id run-42 --field strategy=annealing --field generation=17
var appendCmd = &cobra.Command{
	Use:   "append <path>",
	Short: "Append one cycle record to a ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runAppend,
}

func runAppend(cmd *cobra.Command, args []string) error {
	l, err := newLedger(args[0])
	if err != nil {
		return err
	}

	rec := ledger.CycleRecord{
		CycleID:   appendID,
		Success:   appendSuccess,
		TotalTime: appendTime,
	}
	if rec.CycleID == "" {
		rec.CycleID = ledger.NewCycleID()
	}

	extra, err := parseFields(appendFields)
	if err != nil {
		return err
	}
	rec.Extra = extra

	if err := l.AppendCycle(cmd.Context(), rec); err != nil {
		return err
	}
	fmt.Println(rec.CycleID)
	return nil
}

// parseFields turns repeated key=value flags into raw JSON values.
// Values that parse as JSON are kept as-is, anything else becomes a
// string, so --field generation=17 stays numeric while
// --field strategy=annealing does what the user meant.
func parseFields(pairs []string) (map[string]json.RawMessage, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	extra := make(map[string]json.RawMessage, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --field %q, expected key=value", pair)
		}
		if json.Valid([]byte(value)) {
			extra[key] = json.RawMessage(value)
			continue
		}
		quoted, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding --field %q: %w", pair, err)
		}
		extra[key] = quoted
	}
	return extra, nil
}
