// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Note: no path label on histograms to prevent cardinality explosion
	// when many independent state files are in play.
	operationDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stateledger_operation_duration_seconds",
		Help:    "Time spent in store operations, lock wait included",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	}, []string{"operation"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateledger_operations_total",
		Help: "Total store operations by type and status",
	}, []string{"operation", "status"})

	lockWaitHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stateledger_lock_wait_seconds",
		Help:    "Time spent waiting for the per-path file lock",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2, 5},
	})

	decodeRecoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stateledger_decode_recoveries_total",
		Help: "Appends that found undecodable bytes and restarted from an empty sequence",
	})

	orphansSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stateledger_orphan_temps_swept_total",
		Help: "Orphaned temp files removed by SweepOrphans",
	})
)
