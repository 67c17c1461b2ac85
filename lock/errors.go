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
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for lock operations.
var (
	// ErrLockTimeout indicates the lock could not be acquired within the
	// configured budget. Retryable: another process holds the lock.
	ErrLockTimeout = errors.New("lock not acquired within timeout")

	// ErrLockSetup indicates an environment problem while preparing the
	// lock file (cannot create the directory, cannot open the sidecar).
	// Not retryable without operator intervention.
	ErrLockSetup = errors.New("lock setup failed")

	// ErrWouldBlock indicates a non-blocking attempt found the file
	// already locked by another process.
	ErrWouldBlock = errors.New("file is locked by another process")
)

// TimeoutError provides detail about a lock acquisition timeout.
//
// # Description
//
// Wraps ErrLockTimeout with the contended path and the budget that
// elapsed, so callers can log or surface a precise message while still
// matching with errors.Is(err, ErrLockTimeout).
type TimeoutError struct {
	Path    string
	Timeout time.Duration
}

// Error returns a human-readable error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock on %s not acquired within %v: %v", e.Path, e.Timeout, ErrLockTimeout)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// SetupError provides detail about a lock environment failure.
//
// # Description
//
// Wraps ErrLockSetup with the lock-file path and the OS-level cause.
// Distinguished from TimeoutError so callers can treat contention as
// retryable and setup failures as fatal.
type SetupError struct {
	Path string
	Err  error
}

// Error returns a human-readable error message.
func (e *SetupError) Error() string {
	return fmt.Sprintf("lock setup for %s: %v: %v", e.Path, ErrLockSetup, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SetupError) Unwrap() error {
	return ErrLockSetup
}
