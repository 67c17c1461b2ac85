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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_SeesAtomicCommit(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	w, err := NewWatcher(nil)
	require.NoError(t, err)
	defer w.Close()

	events := make(chan Event, 16)
	require.NoError(t, w.Watch(path, func(e Event) {
		events <- e
	}))

	require.NoError(t, s.Write(context.Background(), path, map[string]string{"v": "1"}))

	select {
	case e := <-events:
		assert.Equal(t, ChangeCommit, e.Type)
		abs, _ := filepath.Abs(path)
		assert.Equal(t, abs, e.Path)
	case <-time.After(3 * time.Second):
		t.Fatal("no event for atomic commit")
	}
}

func TestWatcher_IgnoresSidecars(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	watched := filepath.Join(dir, "a.json")
	other := filepath.Join(dir, "b.json")

	w, err := NewWatcher(nil)
	require.NoError(t, err)
	defer w.Close()

	events := make(chan Event, 16)
	require.NoError(t, w.Watch(watched, func(e Event) {
		events <- e
	}))

	// Writing a different file in the same directory produces lock and
	// temp sidecar churn plus its own commit; none of it is for the
	// subscribed path.
	require.NoError(t, s.Write(context.Background(), other, map[string]string{"v": "1"}))

	select {
	case e := <-events:
		t.Fatalf("unexpected event for unsubscribed path: %+v", e)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcher_Unwatch(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	w, err := NewWatcher(nil)
	require.NoError(t, err)
	defer w.Close()

	events := make(chan Event, 16)
	require.NoError(t, w.Watch(path, func(e Event) {
		events <- e
	}))
	w.Unwatch(path)

	require.NoError(t, s.Write(context.Background(), path, map[string]string{"v": "1"}))

	select {
	case e := <-events:
		t.Fatalf("unexpected event after Unwatch: %+v", e)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestChangeType_String(t *testing.T) {
	assert.Equal(t, "commit", ChangeCommit.String())
	assert.Equal(t, "write", ChangeWrite.String())
	assert.Equal(t, "delete", ChangeDelete.String())
}
