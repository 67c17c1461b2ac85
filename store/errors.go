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
	"errors"
	"fmt"

	"github.com/AleutianAI/stateledger/lock"
)

// Error taxonomy for store operations.
//
// Callers match with errors.Is against exactly four kinds:
//
//   - ErrLockTimeout: retryable, lock not obtained within budget
//   - ErrLockSetup: environment problem preparing the lock file, fatal
//   - ErrIO: any disk failure during write/rename/fsync, fatal for the
//     call; the previously committed document is guaranteed untouched
//   - ErrDecode: bytes exist on disk but are not valid JSON
var (
	// ErrLockTimeout aliases lock.ErrLockTimeout so store callers need
	// a single import for the full taxonomy.
	ErrLockTimeout = lock.ErrLockTimeout

	// ErrLockSetup aliases lock.ErrLockSetup.
	ErrLockSetup = lock.ErrLockSetup

	// ErrIO indicates a filesystem failure (out of space, permission
	// denied, read-only filesystem, fsync failure). Surfaced uniformly:
	// callers react to "the write did not happen" without needing to
	// distinguish cause.
	ErrIO = errors.New("filesystem operation failed")

	// ErrDecode indicates bytes present but not a valid encoding of the
	// expected shape.
	ErrDecode = errors.New("stored bytes do not decode")
)

// DecodeError provides detail about undecodable stored bytes.
type DecodeError struct {
	Path string
	Err  error
}

// Error returns a human-readable error message.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v: %v", e.Path, ErrDecode, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DecodeError) Unwrap() error {
	return ErrDecode
}

// ioError wraps an OS-level failure under the uniform ErrIO kind,
// preserving the step that failed for the log line.
func ioError(step, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, step, path, err)
}
