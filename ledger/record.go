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

import (
	"encoding/json"

	"github.com/google/uuid"
)

// CycleRecord is one entry in the append-only cycle ledger.
//
// # Description
//
// The store treats records as opaque; only cycle_id, success, and
// total_time are interpreted, by the ledger's statistics helpers.
// Callers attach arbitrary further fields through Extra, which survive
// a marshal/unmarshal round-trip untouched.
//
// cycle_id uniqueness is the caller's responsibility; the ledger does
// not enforce it. Ordering is insertion order.
type CycleRecord struct {
	CycleID   string
	Success   bool
	TotalTime float64

	// Extra holds caller-defined fields, keyed by their JSON name.
	Extra map[string]json.RawMessage
}

// Reserved JSON keys interpreted by the ledger itself.
const (
	keyCycleID   = "cycle_id"
	keySuccess   = "success"
	keyTotalTime = "total_time"
)

// NewCycleID returns a fresh unique cycle identifier for callers
// without their own ID scheme.
func NewCycleID() string {
	return uuid.NewString()
}

// MarshalJSON flattens the record into a single JSON object carrying
// both the interpreted fields and the caller-defined ones.
func (r CycleRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(r.Extra)+3)
	for k, v := range r.Extra {
		flat[k] = v
	}

	id, err := json.Marshal(r.CycleID)
	if err != nil {
		return nil, err
	}
	flat[keyCycleID] = id

	success, err := json.Marshal(r.Success)
	if err != nil {
		return nil, err
	}
	flat[keySuccess] = success

	total, err := json.Marshal(r.TotalTime)
	if err != nil {
		return nil, err
	}
	flat[keyTotalTime] = total

	return json.Marshal(flat)
}

// UnmarshalJSON splits interpreted fields from caller-defined ones.
// Missing or mistyped interpreted fields zero out rather than fail, so
// one odd record cannot make the whole ledger unreadable.
func (r *CycleRecord) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}

	*r = CycleRecord{}
	if raw, ok := flat[keyCycleID]; ok {
		_ = json.Unmarshal(raw, &r.CycleID)
		delete(flat, keyCycleID)
	}
	if raw, ok := flat[keySuccess]; ok {
		_ = json.Unmarshal(raw, &r.Success)
		delete(flat, keySuccess)
	}
	if raw, ok := flat[keyTotalTime]; ok {
		_ = json.Unmarshal(raw, &r.TotalTime)
		delete(flat, keyTotalTime)
	}
	if len(flat) > 0 {
		r.Extra = flat
	}
	return nil
}
