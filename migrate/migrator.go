// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migrate upgrades on-disk ledger documents between schema
// versions without ever leaving the file in an intermediate shape.
//
// A migration runs entirely inside one lock hold: the pre-migration
// bytes are first committed to a backup sidecar through the same
// atomic-write path as any document, then the re-shaped envelope is
// swapped in. A crash at any point leaves either the fully-old or the
// fully-new representation.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/stateledger/store"
)

// Schema versions this migrator recognizes.
const (
	// VersionLegacy is the pre-envelope shape: a bare mapping holding a
	// "cycles" key with no schema_version tag.
	VersionLegacy = "1.0"

	// VersionCurrent is the target envelope shape.
	VersionCurrent = "2.0"
)

// BackupSuffix formats the sidecar name holding pre-migration bytes.
const BackupSuffix = ".backup_v"

// ErrUnknownShape indicates the on-disk document matches no recognized
// schema. Only surfaced in Strict mode; the default policy resets to a
// fresh envelope instead.
var ErrUnknownShape = errors.New("on-disk document has unrecognized shape")

var (
	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stateledger_migrations_total",
		Help: "Schema migration outcomes by kind",
	}, []string{"outcome"})

	migrateTracer = otel.Tracer("stateledger.migrate")
)

// SchemaEnvelope is the versioned on-disk shape for ledger documents.
type SchemaEnvelope struct {
	SchemaVersion string            `json:"schema_version"`
	CreatedAt     time.Time         `json:"created_at"`
	MigratedFrom  string            `json:"migrated_from,omitempty"`
	LastUpdated   *time.Time        `json:"last_updated,omitempty"`
	Cycles        []json.RawMessage `json:"cycles"`
}

// NewEnvelope returns a fresh envelope at the current version with an
// empty cycles sequence.
func NewEnvelope() *SchemaEnvelope {
	return &SchemaEnvelope{
		SchemaVersion: VersionCurrent,
		CreatedAt:     time.Now().UTC(),
		Cycles:        []json.RawMessage{},
	}
}

// Outcome classifies what MigrateIfNeeded did.
type Outcome int

const (
	// OutcomeCurrent means the document was already at the current
	// shape; nothing was written.
	OutcomeCurrent Outcome = iota

	// OutcomeInitialized means the path was absent and a fresh envelope
	// was written.
	OutcomeInitialized

	// OutcomeMigrated means a legacy shape was upgraded, with a backup
	// of the original bytes written first.
	OutcomeMigrated

	// OutcomeReset means an unrecognized shape was discarded and
	// replaced by a fresh envelope (permissive mode only).
	OutcomeReset
)

// String returns a human-readable outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeCurrent:
		return "current"
	case OutcomeInitialized:
		return "initialized"
	case OutcomeMigrated:
		return "migrated"
	case OutcomeReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Config configures a Migrator.
type Config struct {
	// Strict surfaces ErrUnknownShape for unrecognized documents
	// instead of discarding them for a fresh envelope. Deployments that
	// cannot guarantee what gets written to a state path should enable
	// this and require manual intervention.
	Strict bool

	// Logger for migration events.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults (permissive mode).
func DefaultConfig() Config {
	return Config{Logger: slog.Default()}
}

// Migrator moves ledger documents to the current schema.
//
// # Thread Safety
//
// Safe for concurrent use; every migration runs under the per-path
// file lock via store.Update.
type Migrator struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Migrator on top of an atomic store.
func New(s *store.Store, cfg Config) *Migrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Migrator{store: s, cfg: cfg, logger: cfg.Logger}
}

// MigrateIfNeeded brings the document at path to the current schema.
//
// # Description
//
// Idempotent: a path already at the current shape is a cheap
// read-and-compare with no write. The transitions are:
//
//   - absent: write a fresh empty envelope (OutcomeInitialized)
//   - current envelope or bare sequence: no-op (OutcomeCurrent)
//   - legacy mapping with a cycles key: back up the original bytes to
//     path+".backup_v<old>", then swap in the new envelope carrying the
//     legacy cycles and migrated_from (OutcomeMigrated)
//   - anything else: Strict mode surfaces ErrUnknownShape and leaves
//     the bytes untouched; permissive mode logs a warning and writes a
//     fresh envelope (OutcomeReset)
//
// # Outputs
//
//   - Outcome: What happened; valid only when error is nil.
//   - error: nil, ErrUnknownShape (Strict), or a store error
//     (ErrLockTimeout, ErrLockSetup, ErrIO).
func (m *Migrator) MigrateIfNeeded(ctx context.Context, path string) (Outcome, error) {
	ctx, span := migrateTracer.Start(ctx, "migrate.MigrateIfNeeded",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	var outcome Outcome
	err := m.store.Update(ctx, path, func(tx *store.Tx) error {
		var err error
		outcome, err = m.migrateLocked(tx)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "migration failed")
		migrationsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	span.SetAttributes(attribute.String("outcome", outcome.String()))
	migrationsTotal.WithLabelValues(outcome.String()).Inc()
	return outcome, nil
}

// migrateLocked performs shape detection and the transition. Lock held.
func (m *Migrator) migrateLocked(tx *store.Tx) (Outcome, error) {
	raw, found, err := tx.ReadBytes()
	if err != nil {
		return 0, err
	}

	if !found {
		if err := tx.WriteJSON(NewEnvelope()); err != nil {
			return 0, err
		}
		m.logger.Info("Initialized fresh state envelope",
			"path", tx.Path(),
			"schema_version", VersionCurrent)
		return OutcomeInitialized, nil
	}

	shape, oldVersion := detectShape(raw)
	switch shape {
	case shapeCurrent:
		return OutcomeCurrent, nil

	case shapeLegacy:
		return m.upgradeLocked(tx, raw, oldVersion)

	default:
		if m.cfg.Strict {
			return 0, fmt.Errorf("%w at %s (%d bytes)", ErrUnknownShape, tx.Path(), len(raw))
		}
		// Deliberate policy, not silent loss: logged loudly, and the
		// caller can opt into Strict to refuse instead.
		m.logger.Warn("Discarding unrecognized document for fresh envelope",
			"path", tx.Path(),
			"size_bytes", len(raw))
		if err := tx.WriteJSON(NewEnvelope()); err != nil {
			return 0, err
		}
		return OutcomeReset, nil
	}
}

// upgradeLocked backs up the legacy bytes and swaps in the envelope.
func (m *Migrator) upgradeLocked(tx *store.Tx, raw []byte, oldVersion string) (Outcome, error) {
	// Byte-for-byte backup first, through the same atomic-write path,
	// so a crash leaves the backup either fully written or absent.
	backupSuffix := BackupSuffix + oldVersion
	if err := tx.WriteSidecar(backupSuffix, raw); err != nil {
		return 0, err
	}

	var legacy struct {
		CreatedAt json.RawMessage   `json:"created_at"`
		Cycles    []json.RawMessage `json:"cycles"`
	}
	if err := json.Unmarshal(raw, &legacy); err != nil {
		// detectShape already validated the mapping and its cycles
		// sequence; this is unreachable in practice.
		return 0, &store.DecodeError{Path: tx.Path(), Err: err}
	}

	envelope := NewEnvelope()
	envelope.MigratedFrom = oldVersion
	if legacy.Cycles != nil {
		envelope.Cycles = legacy.Cycles
	}
	// Preserve the original creation stamp when it parses; a malformed
	// one falls back to now rather than failing after the backup.
	var createdAt time.Time
	if legacy.CreatedAt != nil && json.Unmarshal(legacy.CreatedAt, &createdAt) == nil {
		envelope.CreatedAt = createdAt
	}

	if err := tx.WriteJSON(envelope); err != nil {
		return 0, err
	}

	m.logger.Info("Migrated state document",
		"path", tx.Path(),
		"from_version", oldVersion,
		"to_version", VersionCurrent,
		"cycles", len(envelope.Cycles),
		"backup", tx.Path()+backupSuffix)
	return OutcomeMigrated, nil
}

// shapeKind classifies the parsed on-disk representation.
type shapeKind int

const (
	shapeUnknown shapeKind = iota
	shapeCurrent
	shapeLegacy
)

// detectShape classifies raw bytes and, for legacy shapes, reports the
// version being migrated away from.
func detectShape(raw []byte) (shapeKind, string) {
	if !json.Valid(raw) {
		return shapeUnknown, ""
	}

	// A bare ordered sequence is the legacy-compatible current shape:
	// append and read handle it directly, so no rewrite is needed.
	var seq []json.RawMessage
	if err := json.Unmarshal(raw, &seq); err == nil {
		return shapeCurrent, ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return shapeUnknown, ""
	}

	if versionRaw, ok := obj["schema_version"]; ok {
		var version string
		if err := json.Unmarshal(versionRaw, &version); err != nil {
			return shapeUnknown, ""
		}
		if version == VersionCurrent {
			return shapeCurrent, ""
		}
		// Envelope at an older tagged version: migrate from it, keeping
		// the tag for the backup name.
		if _, hasCycles := obj["cycles"]; hasCycles {
			return shapeLegacy, version
		}
		return shapeUnknown, ""
	}

	if cyclesRaw, ok := obj["cycles"]; ok {
		if err := json.Unmarshal(cyclesRaw, &seq); err == nil {
			return shapeLegacy, VersionLegacy
		}
	}
	return shapeUnknown, ""
}
