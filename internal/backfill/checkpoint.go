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

package backfill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loadhunt/ingestion/internal/database"
	"github.com/loadhunt/ingestion/internal/queue"
)

// Checkpoint is the last position a named run reached.
type Checkpoint struct {
	Name      string
	Cursor    queue.Cursor
	Processed int
	UpdatedAt time.Time
}

// CheckpointStore persists checkpoints in PostgreSQL.
type CheckpointStore struct {
	db database.DBTX
}

// NewCheckpointStore creates the store and ensures its table exists.
func NewCheckpointStore(ctx context.Context, db database.DBTX) (*CheckpointStore, error) {
	s := &CheckpointStore{db: db}
	_, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS backfill_checkpoints (
			name              TEXT PRIMARY KEY,
			cursor_created_at TIMESTAMPTZ NOT NULL,
			cursor_id         TEXT NOT NULL,
			processed         BIGINT NOT NULL DEFAULT 0,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	return s, nil
}

// Load returns the checkpoint for name, or nil if the run never saved one.
func (s *CheckpointStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	cp := Checkpoint{Name: name}
	err := s.db.QueryRow(ctx, `
		SELECT cursor_created_at, cursor_id, processed, updated_at
		FROM backfill_checkpoints
		WHERE name = $1
	`, name).Scan(&cp.Cursor.CreatedAt, &cp.Cursor.ID, &cp.Processed, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// Save upserts the checkpoint for cp.Name.
func (s *CheckpointStore) Save(ctx context.Context, cp Checkpoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO backfill_checkpoints (name, cursor_created_at, cursor_id, processed, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name) DO UPDATE SET
			cursor_created_at = EXCLUDED.cursor_created_at,
			cursor_id         = EXCLUDED.cursor_id,
			processed         = EXCLUDED.processed,
			updated_at        = NOW()
	`, cp.Name, cp.Cursor.CreatedAt, cp.Cursor.ID, cp.Processed)
	return err
}

// Reset deletes a checkpoint so the next run starts from the beginning.
func (s *CheckpointStore) Reset(ctx context.Context, name string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM backfill_checkpoints WHERE name = $1`, name)
	return err
}
