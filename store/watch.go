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
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ChangeType classifies an observed modification of a state file.
type ChangeType int

const (
	// ChangeCommit is a rename onto the state file, i.e. how a
	// completed atomic write appears to an observer.
	ChangeCommit ChangeType = iota

	// ChangeWrite is an in-place write, which no cooperating process
	// performs; it indicates an external editor touched the file.
	ChangeWrite

	// ChangeDelete is removal of the state file.
	ChangeDelete
)

// String returns a human-readable change type.
func (c ChangeType) String() string {
	switch c {
	case ChangeCommit:
		return "commit"
	case ChangeWrite:
		return "write"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event describes one observed state-file modification.
type Event struct {
	Path string
	Type ChangeType
}

// Watcher reports modifications of state files to subscribers.
//
// # Description
//
// Read-only collaborators (health endpoints, dashboards) must not read
// a state file directly, or they risk observing a mid-rename file on
// filesystems without rename atomicity. The supported pattern is to
// subscribe here and perform a locked Read when an event arrives.
//
// The watcher monitors each state file's parent directory rather than
// the file itself: an atomic rename replaces the inode, which would
// silently kill a direct file watch. Sidecar files (.lock, .tmp*,
// .backup_v*) are filtered out.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu        sync.Mutex
	callbacks map[string][]func(Event) // keyed by absolute state-file path
	dirRefs   map[string]int           // watched parent dirs, refcounted
}

// NewWatcher creates a Watcher. Close it when done.
func NewWatcher(logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, ioError("create watcher for", "state files", err)
	}
	w := &Watcher{
		watcher:   fsw,
		logger:    logger,
		callbacks: make(map[string][]func(Event)),
		dirRefs:   make(map[string]int),
	}
	go w.loop()
	return w, nil
}

// Watch subscribes callback to modifications of the given state file.
func (w *Watcher) Watch(path string, callback func(Event)) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return ioError("resolve", path, err)
	}
	dir := filepath.Dir(absPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dirRefs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return ioError("watch dir", dir, err)
		}
	}
	w.dirRefs[dir]++
	w.callbacks[absPath] = append(w.callbacks[absPath], callback)
	return nil
}

// Unwatch drops all subscriptions for the given state file.
func (w *Watcher) Unwatch(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return
	}
	dir := filepath.Dir(absPath)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.callbacks[absPath]; !ok {
		return
	}
	delete(w.callbacks, absPath)

	w.dirRefs[dir]--
	if w.dirRefs[dir] <= 0 {
		delete(w.dirRefs, dir)
		if err := w.watcher.Remove(dir); err != nil {
			w.logger.Debug("Directory was not being watched",
				"dir", dir,
				"error", err)
		}
	}
}

// Close stops the watcher and drops all subscriptions.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// loop handles fsnotify events until Close.
func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("State file watcher error",
				"error", err)
		}
	}
}

// handle dispatches one fsnotify event to subscribers.
func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if isSidecarName(name) {
		return
	}

	var changeType ChangeType
	switch {
	case event.Op&(fsnotify.Create|fsnotify.Rename) != 0:
		changeType = ChangeCommit
	case event.Op&fsnotify.Write != 0:
		changeType = ChangeWrite
	case event.Op&fsnotify.Remove != 0:
		changeType = ChangeDelete
	default:
		return
	}

	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}

	w.mu.Lock()
	callbacks := append(([]func(Event))(nil), w.callbacks[absPath]...)
	w.mu.Unlock()

	if len(callbacks) == 0 {
		return
	}

	e := Event{Path: absPath, Type: changeType}
	for _, cb := range callbacks {
		cb(e)
	}
}

// isSidecarName reports whether a directory entry is one of the
// store's coordination artifacts rather than a state file.
func isSidecarName(name string) bool {
	return strings.HasSuffix(name, ".lock") ||
		strings.Contains(name, ".backup_v") ||
		isOrphanName(name)
}
