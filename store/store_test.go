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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/stateledger/lock"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LockTimeout = 5 * time.Second
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.LockTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SequenceField = ""
	assert.Error(t, cfg.Validate())
}

func TestStore_WriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	doc := map[string]any{
		"name":    "primary",
		"count":   float64(3),
		"enabled": true,
		"nested":  map[string]any{"k": "v"},
	}
	require.NoError(t, s.Write(ctx, path, doc))

	var got map[string]any
	found, err := s.Read(ctx, path, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, doc, got)

	// Pretty-printed for diffability, trailing newline included.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"name\"")
	assert.True(t, strings.HasSuffix(string(raw), "\n"))
}

func TestStore_ReadAbsent(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "missing.json")

	var out map[string]any
	found, err := s.Read(context.Background(), path, &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ReadCorrupt(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cycles": [{"cycle_id"`), 0644))

	var out map[string]any
	_, err := s.Read(context.Background(), path, &out)
	require.ErrorIs(t, err, ErrDecode)

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, path, decodeErr.Path)
}

func TestStore_WriteLeavesNoTemp(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	require.NoError(t, s.Write(context.Background(), path, []string{"a"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, isOrphanName(e.Name()), "unexpected temp residue: %s", e.Name())
	}
}

func TestStore_WriteReplacesAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, s.Write(ctx, path, map[string]string{"v": "old"}))
	require.NoError(t, s.Write(ctx, path, map[string]string{"v": "new"}))

	var got map[string]string
	found, err := s.Read(ctx, path, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", got["v"])
}

func TestStore_Append(t *testing.T) {
	t.Run("absent starts empty sequence", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.json")

		require.NoError(t, s.Append(ctx, path, map[string]string{"cycle_id": "c1"}))

		var seq []map[string]string
		found, err := s.Read(ctx, path, &seq)
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, seq, 1)
		assert.Equal(t, "c1", seq[0]["cycle_id"])
	})

	t.Run("bare array grows in insertion order", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.json")

		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, path, map[string]int{"n": i}))
		}

		var seq []map[string]int
		_, err := s.Read(ctx, path, &seq)
		require.NoError(t, err)
		require.Len(t, seq, 3)
		for i, item := range seq {
			assert.Equal(t, i, item["n"])
		}
	})

	t.Run("envelope grows sequence field and stamps last_updated", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.json")

		envelope := map[string]any{
			"schema_version": "2.0",
			"created_at":     time.Now().UTC(),
			"cycles":         []any{map[string]any{"cycle_id": "c1"}},
		}
		require.NoError(t, s.Write(ctx, path, envelope))
		require.NoError(t, s.Append(ctx, path, map[string]string{"cycle_id": "c2"}))

		var got struct {
			SchemaVersion string            `json:"schema_version"`
			LastUpdated   *time.Time        `json:"last_updated"`
			Cycles        []json.RawMessage `json:"cycles"`
		}
		_, err := s.Read(ctx, path, &got)
		require.NoError(t, err)
		assert.Equal(t, "2.0", got.SchemaVersion)
		require.Len(t, got.Cycles, 2)
		require.NotNil(t, got.LastUpdated)
		assert.WithinDuration(t, time.Now(), *got.LastUpdated, time.Minute)
	})

	t.Run("undecodable bytes recover to fresh sequence", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"cycles": [{"trunc`), 0644))

		require.NoError(t, s.Append(ctx, path, map[string]string{"cycle_id": "c1"}))

		var seq []map[string]string
		found, err := s.Read(ctx, path, &seq)
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, seq, 1)
		assert.Equal(t, "c1", seq[0]["cycle_id"])
	})

	t.Run("non-sequence shape starts fresh", func(t *testing.T) {
		s := newTestStore(t)
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "ledger.json")
		require.NoError(t, os.WriteFile(path, []byte(`"just a string"`), 0644))

		require.NoError(t, s.Append(ctx, path, map[string]string{"cycle_id": "c1"}))

		var seq []map[string]string
		_, err := s.Read(ctx, path, &seq)
		require.NoError(t, err)
		require.Len(t, seq, 1)
	})
}

func TestStore_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Append(ctx, path, map[string]string{
				"cycle_id": fmt.Sprintf("cycle-%03d", i),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var seq []map[string]string
	found, err := s.Read(ctx, path, &seq)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, seq, n, "lost or duplicated appends under contention")

	seen := make(map[string]bool, n)
	for _, item := range seq {
		id := item["cycle_id"]
		assert.False(t, seen[id], "duplicate entry %s", id)
		seen[id] = true
	}
}

func TestStore_LockTimeoutSurfaced(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockTimeout = 200 * time.Millisecond
	s, err := New(cfg)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state.json")
	holder, err := lock.Acquire(path, time.Second)
	require.NoError(t, err)
	defer holder.Release()

	start := time.Now()
	err = s.Write(context.Background(), path, map[string]string{"v": "x"})
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), 2*time.Second, "lock wait must not hang")

	// The failed writer must not have touched the path.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	err := s.Update(ctx, path, func(tx *Tx) error {
		_, found, err := tx.ReadBytes()
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("expected absent file")
		}
		if err := tx.WriteJSON(map[string]string{"v": "1"}); err != nil {
			return err
		}
		return tx.WriteSidecar(".backup_v1.0", []byte(`{"v": "0"}`))
	})
	require.NoError(t, err)

	var got map[string]string
	found, err := s.Read(ctx, path, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", got["v"])

	backup, err := os.ReadFile(path + ".backup_v1.0")
	require.NoError(t, err)
	assert.Equal(t, `{"v": "0"}`, string(backup))
}

func TestStore_OrphanTempDoesNotBlockWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	// Simulate a process killed between temp creation and rename.
	orphan := filepath.Join(dir, "state.json.tmp123456")
	require.NoError(t, os.WriteFile(orphan, []byte(`{"partial`), 0644))

	require.NoError(t, s.Write(ctx, path, map[string]string{"v": "clean"}))

	var got map[string]string
	found, err := s.Read(ctx, path, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "clean", got["v"])
}

func TestStore_SweepOrphans(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()

	stale := filepath.Join(dir, "state.json.tmp111")
	fresh := filepath.Join(dir, "state.json.tmp222")
	state := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0644))
	require.NoError(t, os.WriteFile(state, []byte("{}"), 0644))

	old := time.Now().Add(-2 * OrphanAge)
	require.NoError(t, os.Chtimes(stale, old, old))

	swept, err := s.SweepOrphans(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale orphan should be removed")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh temp may belong to a live writer")
	_, err = os.Stat(state)
	assert.NoError(t, err, "state file must survive sweeps")
}

func TestStore_SweepOrphansMissingDir(t *testing.T) {
	s := newTestStore(t)
	swept, err := s.SweepOrphans(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, swept)
}
