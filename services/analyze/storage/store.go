// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/skillgate/services/analyze/scan"
)

// Key prefixes. Every record type lives under its own prefix so prefix
// iteration never crosses record types.
const (
	scanKeyPrefix    = "scan/"
	versionKeyPrefix = "version/"
	auditKeyPrefix   = "audit/"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// VersionRecord tracks one published skill version and its most recent
// scan outcome.
type VersionRecord struct {
	ID            string         `json:"id"`
	SkillID       string         `json:"skill_id"`
	TarballPath   string         `json:"tarball_path"`
	Manifest      map[string]any `json:"manifest,omitempty"`
	Permissions   map[string]any `json:"permissions,omitempty"`
	AuditStatus   string         `json:"audit_status"`
	LastVerdict   string         `json:"last_verdict,omitempty"`
	LastScannedAt time.Time      `json:"last_scanned_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// AuditEvent records an administrative state change.
type AuditEvent struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists scans, versions, and audit events.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	db *DB
}

// NewStore wraps an open database.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// SaveScan stores a completed scan record and rolls its outcome into
// the version record when one exists. Implements scan.ResultStore.
func (s *Store) SaveScan(ctx context.Context, record scan.ScanRecord) (string, error) {
	scanID := uuid.NewString()

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		raw, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal scan record: %w", err)
		}
		if err := txn.Set([]byte(scanKeyPrefix+scanID), raw); err != nil {
			return fmt.Errorf("store scan record: %w", err)
		}

		version, err := getVersion(txn, record.VersionID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		version.LastVerdict = string(record.Verdict)
		version.LastScannedAt = record.CreatedAt
		version.UpdatedAt = time.Now().UTC()
		return putVersion(txn, version)
	})
	if err != nil {
		return "", err
	}
	return scanID, nil
}

// GetScan loads one scan record by id.
func (s *Store) GetScan(ctx context.Context, scanID string) (scan.ScanRecord, error) {
	var record scan.ScanRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(scanKeyPrefix + scanID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	return record, err
}

// SaveVersion creates or replaces a version record.
func (s *Store) SaveVersion(ctx context.Context, version VersionRecord) error {
	if version.ID == "" {
		return errors.New("version id must not be empty")
	}
	now := time.Now().UTC()
	if version.CreatedAt.IsZero() {
		version.CreatedAt = now
	}
	version.UpdatedAt = now

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return putVersion(txn, version)
	})
}

// GetVersion loads one version record by id.
func (s *Store) GetVersion(ctx context.Context, versionID string) (VersionRecord, error) {
	var version VersionRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var getErr error
		version, getErr = getVersion(txn, versionID)
		return getErr
	})
	return version, err
}

// UpdateAuditStatus sets a version's audit status and appends an audit
// event when the verdict changed from the previous scan.
func (s *Store) UpdateAuditStatus(ctx context.Context, versionID, auditStatus, oldVerdict, newVerdict string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		version, err := getVersion(txn, versionID)
		if err != nil {
			return err
		}
		version.AuditStatus = auditStatus
		version.UpdatedAt = time.Now().UTC()
		if err := putVersion(txn, version); err != nil {
			return err
		}

		if oldVerdict != "" && oldVerdict != newVerdict {
			return putAuditEvent(txn, AuditEvent{
				ID:         uuid.NewString(),
				Action:     "rescan_verdict_changed",
				TargetType: "skill_version",
				TargetID:   versionID,
				Metadata: map[string]any{
					"old_verdict": oldVerdict,
					"new_verdict": newVerdict,
				},
				CreatedAt: time.Now().UTC(),
			})
		}
		return nil
	})
}

// ListVersionsToRescan returns completed versions whose last scan is
// older than cutoff (or that were never scanned), newest first, capped
// at limit.
func (s *Store) ListVersionsToRescan(ctx context.Context, cutoff time.Time, limit int) ([]VersionRecord, error) {
	var due []VersionRecord

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(versionKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var version VersionRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &version)
			})
			if err != nil {
				continue
			}
			if version.AuditStatus != "completed" {
				continue
			}
			if version.LastScannedAt.IsZero() || version.LastScannedAt.Before(cutoff) {
				due = append(due, version)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.After(due[j].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ListAuditEvents returns audit events for one target, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, targetID string) ([]AuditEvent, error) {
	var events []AuditEvent

	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditKeyPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the prefix range first.
		seek := append([]byte(auditKeyPrefix), 0xff)
		for it.Seek(seek); it.Valid(); it.Next() {
			var event AuditEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				continue
			}
			if targetID == "" || event.TargetID == targetID {
				events = append(events, event)
			}
		}
		return nil
	})
	return events, err
}

func getVersion(txn *badger.Txn, versionID string) (VersionRecord, error) {
	var version VersionRecord
	item, err := txn.Get([]byte(versionKeyPrefix + versionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return version, ErrNotFound
	}
	if err != nil {
		return version, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &version)
	})
	return version, err
}

func putVersion(txn *badger.Txn, version VersionRecord) error {
	raw, err := json.Marshal(version)
	if err != nil {
		return fmt.Errorf("marshal version record: %w", err)
	}
	return txn.Set([]byte(versionKeyPrefix+version.ID), raw)
}

func putAuditEvent(txn *badger.Txn, event AuditEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	// Timestamp-prefixed keys keep events in insertion order.
	key := auditKeyPrefix + event.CreatedAt.Format(time.RFC3339Nano) + "/" + event.ID
	return txn.Set([]byte(key), raw)
}
