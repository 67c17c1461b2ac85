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
	"os"
)

// FileLocker abstracts platform-specific file locking operations.
//
// # Description
//
// Provides a unified interface for advisory file locking across Unix
// and Windows. Unix uses syscall.Flock, Windows uses LockFileEx.
// Advisory means the lock only excludes other cooperating processes;
// nothing stops a process from opening the protected file directly.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use on different files.
// Locking the same *os.File from multiple goroutines is undefined
// behavior.
type FileLocker interface {
	// TryLock attempts a non-blocking exclusive lock on the file.
	//
	// # Inputs
	//
	//   - f: Open file handle to lock.
	//
	// # Outputs
	//
	//   - error: nil on success, ErrWouldBlock if another process holds
	//     the lock, other errors on system failure.
	TryLock(f *os.File) error

	// Unlock releases the lock on the file.
	//
	// # Description
	//
	// Releases a previously acquired lock. Safe to call even if not
	// locked.
	//
	// # Inputs
	//
	//   - f: Open file handle to unlock.
	//
	// # Outputs
	//
	//   - error: nil on success, error on system failure.
	Unlock(f *os.File) error
}

// newFileLocker creates a platform-appropriate FileLocker.
//
// # Outputs
//
//   - FileLocker: flock-based on Unix, LockFileEx-based on Windows.
func newFileLocker() FileLocker {
	return newPlatformLocker()
}
