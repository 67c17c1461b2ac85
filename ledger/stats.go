// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import "context"

// Stats summarizes the interpreted fields across all cycle records.
type Stats struct {
	// Count is the number of recorded cycles.
	Count int `json:"count"`

	// Successes is the number of cycles with success == true.
	Successes int `json:"successes"`

	// SuccessRate is Successes/Count, 0 for an empty ledger.
	SuccessRate float64 `json:"success_rate"`

	// TotalTime is the sum of all total_time values.
	TotalTime float64 `json:"total_time"`

	// MeanTime is TotalTime/Count, 0 for an empty ledger.
	MeanTime float64 `json:"mean_time"`
}

// Stats computes summary statistics over the whole ledger.
//
// O(n) like every read: the ledger is sized for dozens to low
// thousands of records, not for high-frequency metrics collection.
func (l *CycleLedger) Stats(ctx context.Context) (Stats, error) {
	cycles, err := l.Cycles(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Count: len(cycles)}
	for _, rec := range cycles {
		if rec.Success {
			stats.Successes++
		}
		stats.TotalTime += rec.TotalTime
	}
	if stats.Count > 0 {
		stats.SuccessRate = float64(stats.Successes) / float64(stats.Count)
		stats.MeanTime = stats.TotalTime / float64(stats.Count)
	}
	return stats, nil
}
