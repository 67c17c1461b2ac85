// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquire(t *testing.T) {
	t.Run("acquire and release successfully", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		handle, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer handle.Release()

		if handle.Path() != statePath {
			t.Errorf("Expected path %s, got %s", statePath, handle.Path())
		}
		if handle.LockPath() != statePath+Suffix {
			t.Errorf("Expected lock path %s, got %s", statePath+Suffix, handle.LockPath())
		}
		if handle.AcquiredAt().IsZero() {
			t.Error("Expected non-zero acquisition time")
		}

		// Sidecar must exist independently of the state file
		if _, err := os.Stat(statePath + Suffix); err != nil {
			t.Errorf("Expected sidecar lock file: %v", err)
		}
		if _, err := os.Stat(statePath); !os.IsNotExist(err) {
			t.Error("State file should not be created by locking")
		}
	})

	t.Run("creates missing parent directory", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "nested", "deeper", "state.json")

		handle, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		handle.Release()
	})

	t.Run("zero timeout uses default", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		handle, err := Acquire(statePath, 0)
		if err != nil {
			t.Fatalf("Acquire with zero timeout failed: %v", err)
		}
		handle.Release()
	})

	t.Run("setup failure when parent is a file", func(t *testing.T) {
		tmpDir := t.TempDir()
		blocker := filepath.Join(tmpDir, "blocker")
		if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to create blocker file: %v", err)
		}

		_, err := Acquire(filepath.Join(blocker, "state.json"), time.Second)
		if !errors.Is(err, ErrLockSetup) {
			t.Errorf("Expected ErrLockSetup, got %v", err)
		}
		var setupErr *SetupError
		if !errors.As(err, &setupErr) {
			t.Errorf("Expected *SetupError, got %T", err)
		}
	})
}

func TestAcquire_Contention(t *testing.T) {
	t.Run("second acquire times out while held", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		holder, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("First acquire failed: %v", err)
		}
		defer holder.Release()

		start := time.Now()
		_, err = Acquire(statePath, 200*time.Millisecond)
		elapsed := time.Since(start)

		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("Expected ErrLockTimeout, got %v", err)
		}
		var timeoutErr *TimeoutError
		if !errors.As(err, &timeoutErr) {
			t.Fatalf("Expected *TimeoutError, got %T", err)
		}
		if timeoutErr.Path != statePath {
			t.Errorf("Expected path %s in error, got %s", statePath, timeoutErr.Path)
		}

		// Bounded overshoot: timeout plus at most a couple of poll ticks.
		if elapsed < 150*time.Millisecond || elapsed > 600*time.Millisecond {
			t.Errorf("Expected timeout near 200ms, elapsed %v", elapsed)
		}
	})

	t.Run("acquire succeeds after release", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		holder, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("First acquire failed: %v", err)
		}
		holder.Release()

		second, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("Acquire after release failed: %v", err)
		}
		second.Release()
	})

	t.Run("waiter obtains lock when holder releases", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		holder, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("First acquire failed: %v", err)
		}

		done := make(chan error, 1)
		go func() {
			h, err := Acquire(statePath, 2*time.Second)
			if err == nil {
				h.Release()
			}
			done <- err
		}()

		time.Sleep(250 * time.Millisecond)
		holder.Release()

		if err := <-done; err != nil {
			t.Errorf("Waiter failed to acquire after release: %v", err)
		}
	})
}

func TestAcquireContext(t *testing.T) {
	t.Run("cancelled context reported as timeout", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		holder, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("First acquire failed: %v", err)
		}
		defer holder.Release()

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(150 * time.Millisecond)
			cancel()
		}()

		_, err = AcquireContext(ctx, statePath, 10*time.Second)
		if !errors.Is(err, ErrLockTimeout) {
			t.Errorf("Expected ErrLockTimeout on cancellation, got %v", err)
		}
	})
}

func TestHandle_Release(t *testing.T) {
	t.Run("double release is a no-op", func(t *testing.T) {
		tmpDir := t.TempDir()
		statePath := filepath.Join(tmpDir, "state.json")

		handle, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}

		handle.Release()
		handle.Release() // must not panic or double-close

		// Lock must actually be free again.
		second, err := Acquire(statePath, time.Second)
		if err != nil {
			t.Fatalf("Acquire after double release failed: %v", err)
		}
		second.Release()
	})

	t.Run("nil handle release is safe", func(t *testing.T) {
		var handle *Handle
		handle.Release()
	})
}

func TestLockIndependentPaths(t *testing.T) {
	tmpDir := t.TempDir()

	a, err := Acquire(filepath.Join(tmpDir, "a.json"), time.Second)
	if err != nil {
		t.Fatalf("Acquire a failed: %v", err)
	}
	defer a.Release()

	// Different path must not contend with a held lock.
	b, err := Acquire(filepath.Join(tmpDir, "b.json"), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire b contended unexpectedly: %v", err)
	}
	b.Release()
}
