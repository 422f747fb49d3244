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

// Package hunt matches fingerprinted loads against the lanes tenants are
// hunting for. A match is what triggers a broker credit check.
package hunt

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loadhunt/ingestion/internal/database"
	"github.com/loadhunt/ingestion/internal/fingerprint"
)

// Hunt is a tenant's standing lane search. Empty criteria match anything.
type Hunt struct {
	ID               string
	TenantID         string
	Name             string
	OriginState      string
	DestinationState string
	EquipmentType    string
	Active           bool
}

// Match links a queue item to a hunt.
type Match struct {
	ID       string
	HuntID   string
	HuntName string
}

// Store persists hunts and their matches in PostgreSQL.
type Store struct {
	db database.DBTX
}

// NewStore creates a hunt store and ensures the tables exist.
func NewStore(ctx context.Context, db database.DBTX) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure hunt schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS hunts (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			origin_state      TEXT,
			destination_state TEXT,
			equipment_type    TEXT,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_hunts_tenant_active ON hunts(tenant_id) WHERE active;
		CREATE TABLE IF NOT EXISTS hunt_matches (
			id            TEXT PRIMARY KEY,
			hunt_id       TEXT NOT NULL REFERENCES hunts(id) ON DELETE CASCADE,
			tenant_id     TEXT NOT NULL,
			queue_item_id TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (hunt_id, queue_item_id)
		);
	`)
	return err
}

// Create stores a hunt, normalising its criteria the same way load
// fields are normalised so comparisons are exact.
func (s *Store) Create(ctx context.Context, h Hunt) (*Hunt, error) {
	if h.TenantID == "" {
		return nil, fmt.Errorf("hunt requires a tenant")
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	h.OriginState, _ = fingerprint.NormalizeUpper(h.OriginState)
	h.DestinationState, _ = fingerprint.NormalizeUpper(h.DestinationState)
	h.EquipmentType, _ = fingerprint.NormalizeString(h.EquipmentType)
	h.Active = true

	_, err := s.db.Exec(ctx, `
		INSERT INTO hunts (id, tenant_id, name, origin_state, destination_state, equipment_type, active)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), TRUE)
	`, h.ID, h.TenantID, h.Name, h.OriginState, h.DestinationState, h.EquipmentType)
	if err != nil {
		return nil, fmt.Errorf("create hunt: %w", err)
	}
	return &h, nil
}

// Match finds the tenant's active hunts that the canonical load satisfies
// and records a match for each. Re-matching the same queue item returns
// the existing match ids.
func (s *Store) Match(ctx context.Context, tenantID, queueItemID string, canonical map[string]any) ([]Match, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name
		FROM hunts
		WHERE tenant_id = $1 AND active
		  AND (origin_state IS NULL OR origin_state = $2)
		  AND (destination_state IS NULL OR destination_state = $3)
		  AND (equipment_type IS NULL OR equipment_type = $4)
		ORDER BY created_at, id
	`, tenantID,
		field(canonical, fingerprint.KeyOriginState),
		field(canonical, fingerprint.KeyDestinationState),
		field(canonical, fingerprint.KeyEquipmentType))
	if err != nil {
		return nil, fmt.Errorf("find hunts: %w", err)
	}

	var matches []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.HuntID, &m.HuntName); err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range matches {
		err := s.db.QueryRow(ctx, `
			INSERT INTO hunt_matches (id, hunt_id, tenant_id, queue_item_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (hunt_id, queue_item_id) DO UPDATE SET hunt_id = EXCLUDED.hunt_id
			RETURNING id
		`, uuid.NewString(), matches[i].HuntID, tenantID, queueItemID).Scan(&matches[i].ID)
		if err != nil {
			return nil, fmt.Errorf("record match for hunt %s: %w", matches[i].HuntID, err)
		}
	}
	return matches, nil
}

func field(canonical map[string]any, key string) string {
	s, _ := canonical[key].(string)
	return s
}
