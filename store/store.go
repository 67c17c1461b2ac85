// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store provides crash-consistent whole-file persistence for
// small structured documents.
//
// Every mutating or reading operation acquires the per-path file lock
// for its full duration, then replaces the target file through a
// temp-file + fsync + rename + directory-fsync sequence, so an observer
// sees either the fully-old or the fully-new document and never a torn
// write. The store is stateless between calls; the file on disk is the
// sole source of truth.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stateledger/lock"
)

// -----------------------------------------------------------------------------
// Tracer
// -----------------------------------------------------------------------------

var storeTracer = otel.Tracer("stateledger.store")

// loggerWithTrace returns a logger with trace context attached.
func loggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a Store.
type Config struct {
	// LockTimeout is how long operations wait for the per-path lock.
	// Default: 5 seconds.
	LockTimeout time.Duration

	// SequenceField names the array key Append grows when the document
	// on disk is an object rather than a bare array. Default: "cycles".
	SequenceField string

	// Logger for store operations.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout:   lock.DefaultTimeout,
		SequenceField: "cycles",
		Logger:        slog.Default(),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.LockTimeout <= 0 {
		return errors.New("lock_timeout must be positive")
	}
	if c.SequenceField == "" {
		return errors.New("sequence_field must not be empty")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is an atomic whole-file document store.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines and processes; the
// per-path file lock is the only synchronization primitive, and it
// spans the disk I/O of each operation.
type Store struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Store from the given configuration.
//
// # Inputs
//
//   - cfg: Store configuration. Use DefaultConfig() for defaults.
//
// # Outputs
//
//   - *Store: Ready-to-use store.
//   - error: Non-nil if the configuration is invalid.
func New(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	return &Store{cfg: cfg, logger: cfg.Logger}, nil
}

// Write atomically replaces the document at path.
//
// # Description
//
// Serializes doc as pretty-printed JSON and commits it under the
// per-path lock via the temp + fsync + rename + dir-fsync sequence.
// On any failure the previously committed document is untouched.
//
// # Outputs
//
//   - error: nil on success; ErrLockTimeout, ErrLockSetup, or ErrIO.
func (s *Store) Write(ctx context.Context, path string, doc any) error {
	return s.update(ctx, path, "write", func(tx *Tx) error {
		return tx.WriteJSON(doc)
	})
}

// Read parses the document at path into out.
//
// # Description
//
// Absence is not an error: a missing file yields (false, nil). Bytes
// that exist but do not parse yield ErrDecode. Read does not mutate
// state, but still takes the lock so it cannot observe a mid-rename
// file on filesystems without rename atomicity guarantees.
//
// # Outputs
//
//   - bool: True if the file existed and decoded into out.
//   - error: nil, ErrLockTimeout, ErrLockSetup, ErrIO, or ErrDecode.
func (s *Store) Read(ctx context.Context, path string, out any) (found bool, err error) {
	ctx, span := storeTracer.Start(ctx, "store.Read",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	defer s.observe("read", time.Now(), &err)

	handle, err := s.acquire(ctx, path)
	if err != nil {
		span.SetStatus(codes.Error, "acquire lock failed")
		return false, err
	}
	defer handle.Release()

	raw, found, err := readBytes(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		decodeErr := &DecodeError{Path: path, Err: err}
		span.RecordError(decodeErr)
		span.SetStatus(codes.Error, "decode failed")
		loggerWithTrace(ctx, s.logger).Warn("Stored document does not decode",
			"path", path,
			"error", err)
		return false, decodeErr
	}
	return true, nil
}

// Append adds one item to the sequence stored at path.
//
// # Description
//
// Read-modify-write under a single lock hold. Sequence discovery, in
// order: a bare JSON array is appended to directly; a JSON object with
// an array at Config.SequenceField is appended to there (stamping its
// last_updated field); anything else starts from an empty sequence.
// Undecodable bytes also start empty, with one logged warning: the
// corrupt bytes stay on disk until this write commits, so nothing is
// silently lost. O(current-size) by design; callers needing
// high-frequency appends must batch.
//
// # Outputs
//
//   - error: nil on success; ErrLockTimeout, ErrLockSetup, or ErrIO.
func (s *Store) Append(ctx context.Context, path string, item any) error {
	return s.update(ctx, path, "append", func(tx *Tx) error {
		return s.appendLocked(ctx, tx, item)
	})
}

// Update runs fn under a single hold of the per-path lock.
//
// # Description
//
// The Tx passed to fn reads and writes without re-acquiring the lock.
// Advisory locks attach to the open file description, so a nested
// public call from inside fn would deadlock against its own lock; the
// Tx is the supported way to compose multi-step operations (the schema
// migrator's read-backup-swap is the canonical user).
//
// # Outputs
//
//   - error: fn's error, or ErrLockTimeout / ErrLockSetup.
func (s *Store) Update(ctx context.Context, path string, fn func(*Tx) error) error {
	return s.update(ctx, path, "update", fn)
}

func (s *Store) update(ctx context.Context, path, op string, fn func(*Tx) error) (err error) {
	ctx, span := storeTracer.Start(ctx, "store."+op,
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()
	defer s.observe(op, time.Now(), &err)

	handle, err := s.acquire(ctx, path)
	if err != nil {
		span.SetStatus(codes.Error, "acquire lock failed")
		return err
	}
	defer handle.Release()

	if err := fn(&Tx{store: s, ctx: ctx, path: path}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		return err
	}
	return nil
}

// acquire obtains the per-path lock, recording wait time.
func (s *Store) acquire(ctx context.Context, path string) (*lock.Handle, error) {
	start := time.Now()
	handle, err := lock.AcquireContext(ctx, path, s.cfg.LockTimeout)
	lockWaitHistogram.Observe(time.Since(start).Seconds())
	if err != nil {
		loggerWithTrace(ctx, s.logger).Warn("Lock not acquired",
			"path", path,
			"timeout", s.cfg.LockTimeout,
			"error", err)
		return nil, err
	}
	return handle, nil
}

// observe records metrics for a finished operation.
func (s *Store) observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	operationDurationHistogram.WithLabelValues(op).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues(op, status).Inc()
}

// appendLocked implements the read-modify-write merge. Lock held.
func (s *Store) appendLocked(ctx context.Context, tx *Tx, item any) error {
	itemRaw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal append item: %w", err)
	}

	raw, found, err := tx.ReadBytes()
	if err != nil {
		return err
	}

	logger := loggerWithTrace(ctx, s.logger)

	switch {
	case !found:
		return tx.writeRawJSON([]json.RawMessage{itemRaw})

	case !json.Valid(raw):
		// Best-effort recovery, not silent loss: the corrupt bytes stay
		// on disk until this write commits.
		decodeRecoveriesTotal.Inc()
		logger.Warn("Undecodable document replaced by fresh sequence on append",
			"path", tx.path,
			"size_bytes", len(raw))
		return tx.writeRawJSON([]json.RawMessage{itemRaw})

	default:
		var seq []json.RawMessage
		if err := json.Unmarshal(raw, &seq); err == nil {
			return tx.writeRawJSON(append(seq, itemRaw))
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err == nil {
			if inner, ok := obj[s.cfg.SequenceField]; ok {
				if err := json.Unmarshal(inner, &seq); err == nil {
					seq = append(seq, itemRaw)
					newSeq, err := json.Marshal(seq)
					if err != nil {
						return fmt.Errorf("marshal sequence: %w", err)
					}
					obj[s.cfg.SequenceField] = newSeq
					if stamp, err := json.Marshal(time.Now().UTC()); err == nil {
						obj["last_updated"] = stamp
					}
					return tx.writeRawJSON(obj)
				}
			}
		}

		logger.Debug("Document is not a sequence, starting fresh on append",
			"path", tx.path)
		return tx.writeRawJSON([]json.RawMessage{itemRaw})
	}
}

// -----------------------------------------------------------------------------
// Tx
// -----------------------------------------------------------------------------

// Tx exposes lock-free primitives inside Store.Update.
//
// A Tx is only valid for the duration of the Update call that produced
// it and must not escape.
type Tx struct {
	store *Store
	ctx   context.Context
	path  string
}

// Path returns the locked state-file path.
func (t *Tx) Path() string { return t.path }

// ReadBytes returns the raw bytes at the locked path.
//
// # Outputs
//
//   - []byte: File contents, nil if absent.
//   - bool: True if the file exists.
//   - error: ErrIO on read failure (absence is not an error).
func (t *Tx) ReadBytes() ([]byte, bool, error) {
	return readBytes(t.path)
}

// ReadJSON parses the locked path's document into out.
func (t *Tx) ReadJSON(out any) (bool, error) {
	raw, found, err := t.ReadBytes()
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, &DecodeError{Path: t.path, Err: err}
	}
	return true, nil
}

// WriteJSON atomically replaces the locked path with doc.
func (t *Tx) WriteJSON(doc any) error {
	return t.writeRawJSON(doc)
}

// WriteSidecar atomically writes raw bytes next to the locked path.
//
// # Description
//
// For sidecar artifacts covered by the primary path's lock, such as
// pre-migration backups. The sidecar must live in the same directory
// as the locked path so the rename stays on one filesystem.
func (t *Tx) WriteSidecar(suffix string, data []byte) error {
	return WriteFileAtomic(t.path+suffix, data)
}

func (t *Tx) writeRawJSON(doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	return WriteFileAtomic(t.path, append(data, '\n'))
}

// -----------------------------------------------------------------------------
// Low-level primitives
// -----------------------------------------------------------------------------

// WriteFileAtomic commits data to path so that a crash at any point
// leaves either the old or the new contents, never a mixture.
//
// # Description
//
// The sequence is: create a uniquely named temp file in path's own
// directory (same-directory is load-bearing: it keeps the rename on a
// single filesystem and therefore atomic), write, fsync, close, rename
// onto path, fsync the renamed file, fsync the parent directory. The
// final directory fsync is required because on POSIX filesystems a
// rename is only durable once the containing directory entry is
// flushed. Failures before the rename remove the temp file and leave
// path untouched.
//
// No locking: callers coordinate through the lock package or a Tx.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return ioError("create temp file in", dir, err)
	}
	tmpPath := tmpFile.Name()

	// Ensure cleanup on failure
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return ioError("write", tmpPath, err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return ioError("sync", tmpPath, err)
	}

	if err := tmpFile.Close(); err != nil {
		return ioError("close", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return ioError("rename onto", path, err)
	}
	success = true

	if err := syncFile(path); err != nil {
		return err
	}
	return syncDir(dir)
}

// SweepOrphans removes stale temp files left behind by a process killed
// between temp-file creation and rename.
//
// # Description
//
// Optional startup hygiene; a crash-orphaned temp never blocks future
// writes, it just wastes space. Only files older than OrphanAge are
// removed so an in-flight write from a live process is never swept.
//
// # Outputs
//
//   - int: Number of orphans removed.
//   - error: ErrIO on directory scan failure.
func (s *Store) SweepOrphans(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, ioError("scan", dir, err)
	}

	swept := 0
	cutoff := time.Now().Add(-OrphanAge)
	for _, entry := range entries {
		if entry.IsDir() || !isOrphanName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		orphanPath := filepath.Join(dir, entry.Name())
		if err := os.Remove(orphanPath); err != nil {
			s.logger.Warn("Failed to remove orphan temp file",
				"path", orphanPath,
				"error", err)
			continue
		}
		s.logger.Info("Removed orphan temp file",
			"path", orphanPath,
			"age", time.Since(info.ModTime()).Round(time.Second))
		orphansSweptTotal.Inc()
		swept++
	}
	return swept, nil
}

// OrphanAge is how old a temp file must be before SweepOrphans treats
// it as crash debris rather than an in-flight write.
const OrphanAge = time.Minute

// isOrphanName reports whether name matches the temp pattern used by
// WriteFileAtomic (<base>.tmp<random>).
func isOrphanName(name string) bool {
	idx := strings.LastIndex(name, ".tmp")
	return idx > 0 && idx < len(name)-len(".tmp")
}

// readBytes reads a whole file, mapping absence to (nil, false, nil).
func readBytes(path string) ([]byte, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, ioError("read", path, err)
	}
	return raw, true, nil
}

// syncFile forces the durable-storage flush of an already-renamed file.
func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return ioError("open for sync", path, err)
	}
	defer f.Close()

	if err := f.Sync(); err != nil {
		return ioError("sync", path, err)
	}
	return nil
}

// syncDir syncs a directory to make a completed rename durable.
func syncDir(dirPath string) error {
	dir, err := os.Open(dirPath)
	if err != nil {
		return ioError("open dir for sync", dirPath, err)
	}
	defer dir.Close()

	if err := dir.Sync(); err != nil {
		return ioError("sync dir", dirPath, err)
	}
	return nil
}
