// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides inter-process mutual exclusion for state files.
//
// A lock is coordinated through a sidecar file at <path>.lock, acquired
// with a non-blocking exclusive advisory lock and bounded polling. The
// sidecar's contents are irrelevant; only its lock state matters. Locks
// are per-path, so two different state files never contend.
package lock

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the lock acquisition budget when the caller
	// passes zero.
	DefaultTimeout = 5 * time.Second

	// PollInterval is the fixed sleep between acquisition attempts.
	PollInterval = 100 * time.Millisecond

	// Suffix is appended to the protected path to name the sidecar
	// lock file.
	Suffix = ".lock"
)

// Handle represents an acquired advisory lock on a state file.
//
// # Description
//
// Returned by Acquire and threaded explicitly into Release. Lock state
// is never kept in package-level mutable state; the Handle is the only
// record of ownership.
//
// # Thread Safety
//
// A Handle is owned by the call that acquired it and must not be shared
// across goroutines. Release is idempotent and internally synchronized
// so a defer and an explicit call cannot double-unlock.
type Handle struct {
	path       string
	lockPath   string
	file       *os.File
	acquiredAt time.Time
	locker     FileLocker

	releaseOnce sync.Once
}

// Path returns the protected state-file path.
func (h *Handle) Path() string { return h.path }

// LockPath returns the sidecar lock-file path.
func (h *Handle) LockPath() string { return h.lockPath }

// AcquiredAt returns when the lock was obtained.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Release unlocks and closes the lock file.
//
// # Description
//
// Safe to call more than once; subsequent calls are no-ops. Unlock and
// close errors are downgraded to warnings rather than propagated: by
// the time Release runs, the caller's operation has already succeeded
// or failed on its own terms, and that result stays authoritative.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.releaseOnce.Do(func() {
		if err := h.locker.Unlock(h.file); err != nil {
			slog.Warn("Failed to unlock lock file",
				"path", h.lockPath,
				"error", err)
		}
		if err := h.file.Close(); err != nil {
			slog.Warn("Failed to close lock file",
				"path", h.lockPath,
				"error", err)
		}
	})
}

// Acquire obtains an exclusive advisory lock for the given state file.
//
// # Description
//
// Ensures the lock file's parent directory exists, opens/creates the
// sidecar at path+".lock", and attempts a non-blocking exclusive lock
// in a loop, sleeping PollInterval between attempts until the lock is
// obtained or timeout elapses. Contention is an expected, retryable
// condition and is reported as ErrLockTimeout, not raised as a fault.
//
// # Inputs
//
//   - path: The state file to protect (the sidecar derives from it).
//   - timeout: Acquisition budget. Zero means DefaultTimeout.
//
// # Outputs
//
//   - *Handle: The acquired lock. Caller must Release it.
//   - error: ErrLockTimeout on contention past the budget,
//     ErrLockSetup on environment failure.
//
// # Example
//
//	handle, err := lock.Acquire("/var/lib/app/state.json", 0)
//	if err != nil {
//	    if errors.Is(err, lock.ErrLockTimeout) {
//	        // Retry later; another process is writing.
//	    }
//	    return err
//	}
//	defer handle.Release()
func Acquire(path string, timeout time.Duration) (*Handle, error) {
	return AcquireContext(context.Background(), path, timeout)
}

// AcquireContext is Acquire honoring an external context.
//
// # Description
//
// Cancellation of ctx is reported the same way as a timeout, since from
// the caller's perspective both mean "the lock was not obtained within
// the allowed window".
func AcquireContext(ctx context.Context, path string, timeout time.Duration) (*Handle, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lockPath := path + Suffix

	if err := os.MkdirAll(filepath.Dir(lockPath), 0750); err != nil {
		return nil, &SetupError{Path: lockPath, Err: err}
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return nil, &SetupError{Path: lockPath, Err: err}
	}

	locker := newFileLocker()

	// Fast path: uncontended lock.
	err = locker.TryLock(f)
	if err == nil {
		return &Handle{
			path:       path,
			lockPath:   lockPath,
			file:       f,
			acquiredAt: time.Now(),
			locker:     locker,
		}, nil
	}
	if err != ErrWouldBlock {
		f.Close()
		return nil, &SetupError{Path: lockPath, Err: err}
	}

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lockCtx.Done():
			f.Close()
			return nil, &TimeoutError{Path: path, Timeout: timeout}
		case <-ticker.C:
			err = locker.TryLock(f)
			if err == nil {
				return &Handle{
					path:       path,
					lockPath:   lockPath,
					file:       f,
					acquiredAt: time.Now(),
					locker:     locker,
				}, nil
			}
			if err != ErrWouldBlock {
				f.Close()
				return nil, &SetupError{Path: lockPath, Err: err}
			}
		}
	}
}
