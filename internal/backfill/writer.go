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
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loadhunt/ingestion/internal/content"
	"github.com/loadhunt/ingestion/internal/queue"
)

// TxBeginner starts a transaction. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxWriter writes the content receipt and the fingerprint columns in one
// Postgres transaction.
type TxWriter struct {
	db      TxBeginner
	queue   *queue.Manager
	content *content.Store
}

// NewTxWriter creates a transactional backfill writer.
func NewTxWriter(db TxBeginner, q *queue.Manager, c *content.Store) *TxWriter {
	return &TxWriter{db: db, queue: q, content: c}
}

// WriteFingerprint upserts rec (when non-nil) and then sets the
// fingerprint columns on the queue item. Either both land or neither does.
func (w *TxWriter) WriteFingerprint(ctx context.Context, id string, cols queue.FingerprintColumns, rec *content.Record) (*content.Upserted, error) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("backfill %s: begin: %w", id, err)
	}
	// No-op once committed.
	defer func() { _ = tx.Rollback(ctx) }()

	var out *content.Upserted
	if rec != nil {
		up, err := w.content.WithTx(tx).UpsertLoadContent(ctx, *rec)
		if err != nil {
			return nil, fmt.Errorf("backfill %s: %w", id, err)
		}
		out = &up
	}
	if err := w.queue.WithTx(tx).SetFingerprints(ctx, id, cols); err != nil {
		return nil, fmt.Errorf("backfill %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("backfill %s: commit: %w", id, err)
	}
	return out, nil
}
