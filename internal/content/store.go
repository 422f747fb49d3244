// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package content records one row per distinct load fingerprint and
// counts how many times that content has been received, across every
// tenant and provider.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loadhunt/ingestion/internal/database"
	"github.com/loadhunt/ingestion/internal/fingerprint"
)

// Record is a single distinct load content row.
type Record struct {
	Fingerprint       string
	CanonicalPayload  json.RawMessage
	Version           int
	SizeBytes         int
	FirstSeenProvider string
	ReceiptCount      int64
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
}

// FromFingerprint builds the content record for a dedup-eligible
// fingerprint result.
func FromFingerprint(res fingerprint.Result, provider string) Record {
	return Record{
		Fingerprint:       res.Fingerprint,
		CanonicalPayload:  res.CanonicalJSON,
		Version:           res.Version,
		SizeBytes:         len(res.CanonicalJSON),
		FirstSeenProvider: provider,
	}
}

// Upserted reports the state of the row after an upsert.
type Upserted struct {
	ReceiptCount int64
	Created      bool
}

// Store persists load content rows in Postgres.
type Store struct {
	db database.DBTX
}

// NewStore creates a content store and ensures its table exists.
func NewStore(ctx context.Context, db database.DBTX) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure content schema: %w", err)
	}
	slog.Info("content store initialised")
	return s, nil
}

// WithTx returns a Store that runs its statements on tx.
func (s *Store) WithTx(tx database.DBTX) *Store {
	return &Store{db: tx}
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS load_contents (
			fingerprint          TEXT PRIMARY KEY,
			canonical_payload    JSONB NOT NULL,
			fingerprint_version  INTEGER NOT NULL,
			payload_size_bytes   INTEGER NOT NULL,
			first_seen_provider  TEXT NOT NULL DEFAULT '',
			receipt_count        BIGINT NOT NULL DEFAULT 1,
			first_seen_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_load_contents_last_seen ON load_contents(last_seen_at);
	`)
	return err
}

// UpsertLoadContent inserts the fingerprint with receipt_count = 1 or, if
// it already exists, increments receipt_count by exactly one. The whole
// operation is a single statement so concurrent writers never lose an
// increment. The first-seen provider and payload are left untouched on
// conflict.
func (s *Store) UpsertLoadContent(ctx context.Context, r Record) (Upserted, error) {
	if r.Fingerprint == "" {
		return Upserted{}, errors.New("upsert load content: empty fingerprint")
	}

	var out Upserted
	err := s.db.QueryRow(ctx, `
		INSERT INTO load_contents
			(fingerprint, canonical_payload, fingerprint_version, payload_size_bytes, first_seen_provider)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
			receipt_count = load_contents.receipt_count + 1,
			last_seen_at  = NOW()
		RETURNING receipt_count, (xmax = 0) AS created
	`, r.Fingerprint, []byte(r.CanonicalPayload), r.Version, r.SizeBytes, r.FirstSeenProvider).Scan(&out.ReceiptCount, &out.Created)
	if err != nil {
		return Upserted{}, fmt.Errorf("upsert load content %s: %w", r.Fingerprint, err)
	}
	return out, nil
}

// Get retrieves a content row by fingerprint. It returns nil, nil when the
// fingerprint has never been seen.
func (s *Store) Get(ctx context.Context, fingerprint string) (*Record, error) {
	var r Record
	var payload []byte
	err := s.db.QueryRow(ctx, `
		SELECT fingerprint, canonical_payload, fingerprint_version, payload_size_bytes,
		       first_seen_provider, receipt_count, first_seen_at, last_seen_at
		FROM load_contents
		WHERE fingerprint = $1
	`, fingerprint).Scan(
		&r.Fingerprint, &payload, &r.Version, &r.SizeBytes,
		&r.FirstSeenProvider, &r.ReceiptCount, &r.FirstSeenAt, &r.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get load content %s: %w", fingerprint, err)
	}
	r.CanonicalPayload = payload
	return &r, nil
}
