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

// Package queue implements the multi-worker claim/retry state machine for
// inbound load items stored in Postgres:
//
//	pending -> processing -> completed
//	processing -> pending   (retry while attempts remain)
//	processing -> failed    (terminal once attempts are exhausted)
//
// Every transition is a single statement. Claims use FOR UPDATE SKIP LOCKED
// so concurrent workers neither double-claim nor block each other.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loadhunt/ingestion/internal/database"
	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/models"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	// DefaultMaxAttempts is the retry ceiling when none is configured.
	DefaultMaxAttempts = 3

	// DefaultSweepTimeout bounds a single stale-item sweep.
	DefaultSweepTimeout = 10 * time.Second

	staleResetTag  = "stale_processing_reset"
	maxErrorLength = 2000
)

// ErrNotProcessing is returned when a completion or failure targets an item
// this worker no longer holds (for example after a stale reset).
var ErrNotProcessing = errors.New("queue item is not in processing state")

// Item is a single unit of inbound work.
type Item struct {
	ID                  string
	TenantID            string
	Provider            string
	MessageID           string
	ReceivedAt          time.Time
	Parsed              *models.ParsedLoad
	Status              Status
	Attempts            int
	LastError           string
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// Cursor is a stable (created_at, id) position for paginating the queue.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// After returns the cursor positioned at item.
func (i Item) After() Cursor {
	return Cursor{CreatedAt: i.CreatedAt, ID: i.ID}
}

// FingerprintColumns are the identity columns written back onto an item.
// ParsedLoadFingerprint is set whenever any fingerprint was computable;
// ContentFingerprint only when the load is dedup eligible.
type FingerprintColumns struct {
	ParsedLoadFingerprint string
	ContentFingerprint    string
	Reason                string
	Version               int
}

// Options configures a Manager.
type Options struct {
	MaxAttempts  int
	SweepTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Manager owns every mutation of the load_queue table.
type Manager struct {
	db           database.DBTX
	maxAttempts  int
	sweepTimeout time.Duration
	metrics      *metrics.Metrics
}

// NewManager creates a queue manager and ensures its table exists.
func NewManager(ctx context.Context, db database.DBTX, opts Options) (*Manager, error) {
	m := &Manager{
		db:           db,
		maxAttempts:  opts.MaxAttempts,
		sweepTimeout: opts.SweepTimeout,
		metrics:      opts.Metrics,
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	if m.sweepTimeout <= 0 {
		m.sweepTimeout = DefaultSweepTimeout
	}
	if m.metrics == nil {
		m.metrics = metrics.NewUnregistered()
	}

	if err := m.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	slog.Info("queue manager initialised", "max_attempts", m.maxAttempts)
	return m, nil
}

func (m *Manager) ensureSchema(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS load_queue (
			id                        TEXT PRIMARY KEY,
			tenant_id                 TEXT NOT NULL,
			provider                  TEXT NOT NULL DEFAULT '',
			message_id                TEXT NOT NULL,
			received_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			parsed                    JSONB,
			status                    TEXT NOT NULL DEFAULT 'pending',
			attempts                  INTEGER NOT NULL DEFAULT 0,
			last_error                TEXT NOT NULL DEFAULT '',
			processing_started_at     TIMESTAMPTZ,
			processed_at              TIMESTAMPTZ,
			parsed_load_fingerprint   TEXT,
			load_content_fingerprint  TEXT,
			fingerprint_reason        TEXT,
			fingerprint_version       INTEGER,
			created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, provider, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_load_queue_claim ON load_queue(status, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_load_queue_unfingerprinted
			ON load_queue(created_at, id) WHERE parsed_load_fingerprint IS NULL;
		CREATE INDEX IF NOT EXISTS idx_load_queue_content_fp ON load_queue(load_content_fingerprint);
	`)
	return err
}

// WithTx returns a Manager that runs its statements on tx.
func (m *Manager) WithTx(tx database.DBTX) *Manager {
	cp := *m
	cp.db = tx
	return &cp
}

// MaxAttempts returns the configured retry ceiling.
func (m *Manager) MaxAttempts() int {
	return m.maxAttempts
}

// Enqueue inserts a pending item for an inbound load. Redeliveries of the
// same (tenant, provider, message) are ignored and reported with
// created == false.
func (m *Manager) Enqueue(ctx context.Context, in models.InboundLoad) (string, bool, error) {
	parsed, err := json.Marshal(in.Parsed)
	if err != nil {
		return "", false, fmt.Errorf("marshal parsed load: %w", err)
	}
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var id string
	err = m.db.QueryRow(ctx, `
		INSERT INTO load_queue (id, tenant_id, provider, message_id, received_at, parsed, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, provider, message_id) DO NOTHING
		RETURNING id
	`, uuid.NewString(), in.TenantID, in.Provider, in.MessageID, receivedAt, parsed, string(StatusPending)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("enqueue load %s/%s: %w", in.TenantID, in.MessageID, err)
	}
	return id, true, nil
}

const itemColumns = `id, tenant_id, provider, message_id, received_at, parsed, status,
		attempts, last_error, processing_started_at, created_at`

// ClaimBatch atomically moves up to n of the oldest pending items to
// processing and returns them oldest-first. Rows locked by another worker
// are skipped rather than waited on.
func (m *Manager) ClaimBatch(ctx context.Context, n int) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := m.db.Query(ctx, `
		UPDATE load_queue
		SET status = $1, processing_started_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM load_queue
			WHERE status = $2
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns,
		string(StatusProcessing), string(StatusPending), n)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})

	m.metrics.QueueClaimed.Add(float64(len(items)))
	return items, nil
}

// CompleteItem marks a processing item as successfully finished.
func (m *Manager) CompleteItem(ctx context.Context, id string) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE load_queue
		SET status = $1, processed_at = NOW(), processing_started_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(StatusCompleted), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("complete item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete item %s: %w", id, ErrNotProcessing)
	}
	m.metrics.QueueCompleted.Inc()
	return nil
}

// FailItem records a processing failure. The attempt counter is
// incremented in the same statement; once it reaches the ceiling the item
// becomes terminally failed, otherwise it is requeued as pending. The last
// error is kept either way. attemptsSoFar is the caller's view of the
// counter and is only used for diagnostics; the stored counter is
// authoritative.
func (m *Manager) FailItem(ctx context.Context, id string, cause error, attemptsSoFar int) (Status, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	msg = truncate(msg, maxErrorLength)

	var status string
	var attempts int
	err := m.db.QueryRow(ctx, `
		UPDATE load_queue
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END,
		    processed_at = CASE WHEN attempts + 1 >= $1 THEN NOW() ELSE processed_at END,
		    last_error = $4,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING status, attempts
	`, m.maxAttempts, string(StatusFailed), string(StatusPending), msg, id, string(StatusProcessing)).Scan(&status, &attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("fail item %s: %w", id, ErrNotProcessing)
	}
	if err != nil {
		return "", fmt.Errorf("fail item %s: %w", id, err)
	}

	if attempts != attemptsSoFar+1 {
		slog.Warn("attempt counter diverged from caller view",
			"item_id", id,
			"stored_attempts", attempts,
			"caller_attempts", attemptsSoFar+1,
		)
	}

	m.metrics.QueueFailed.WithLabelValues(status).Inc()
	if Status(status) == StatusFailed {
		slog.Error("queue item failed permanently",
			"item_id", id,
			"attempts", attempts,
			"error", msg,
		)
	} else {
		slog.Warn("queue item requeued for retry",
			"item_id", id,
			"attempts", attempts,
			"max_attempts", m.maxAttempts,
			"error", msg,
		)
	}
	return Status(status), nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ReleaseItem hands a processing item back to pending without charging an
// attempt. Workers call it when they are stopped mid-item.
func (m *Manager) ReleaseItem(ctx context.Context, id string) error {
	tag, err := m.db.Exec(ctx, `
		UPDATE load_queue
		SET status = $1,
		    processing_started_at = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(StatusPending), id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("release item %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release item %s: %w", id, ErrNotProcessing)
	}
	slog.Info("queue item released", "item_id", id)
	return nil
}

// ResetStaleItems force-resets items stuck in processing for longer than
// maxAge back to pending, tagging last_error so operators can see why.
// It is the recovery path for workers that crashed or hung after claiming.
//
// The store call is raced against the sweep timeout; if the store does not
// answer in time the sweep is abandoned, logged, and reports zero.
func (m *Manager) ResetStaleItems(ctx context.Context, maxAge time.Duration) int {
	type result struct {
		n   int64
		err error
	}

	callCtx, cancel := context.WithTimeout(ctx, m.sweepTimeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		tag, err := m.db.Exec(callCtx, `
			UPDATE load_queue
			SET status = $1,
			    processing_started_at = NULL,
			    last_error = $2,
			    updated_at = NOW()
			WHERE status = $3
			  AND processing_started_at < NOW() - ($4 * INTERVAL '1 second')
		`, string(StatusPending), fmt.Sprintf("%s: processing exceeded %s", staleResetTag, maxAge),
			string(StatusProcessing), int64(maxAge.Seconds()))
		done <- result{n: tag.RowsAffected(), err: err}
	}()

	timer := time.NewTimer(m.sweepTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			slog.Error("stale item sweep failed", "error", r.err)
			return 0
		}
		if r.n > 0 {
			slog.Warn("reset stale processing items", "count", r.n, "max_age", maxAge)
			m.metrics.QueueStaleReset.Add(float64(r.n))
		}
		return int(r.n)
	case <-timer.C:
		slog.Error("stale item sweep timed out", "timeout", m.sweepTimeout)
		m.metrics.QueueSweepTimeouts.Inc()
		return 0
	case <-ctx.Done():
		return 0
	}
}

// SetFingerprints writes the computed identity columns onto an item.
func (m *Manager) SetFingerprints(ctx context.Context, id string, cols FingerprintColumns) error {
	_, err := m.db.Exec(ctx, `
		UPDATE load_queue
		SET parsed_load_fingerprint  = NULLIF($1, ''),
		    load_content_fingerprint = NULLIF($2, ''),
		    fingerprint_reason       = NULLIF($3, ''),
		    fingerprint_version      = $4,
		    updated_at               = NOW()
		WHERE id = $5
	`, cols.ParsedLoadFingerprint, cols.ContentFingerprint, cols.Reason, cols.Version, id)
	if err != nil {
		return fmt.Errorf("set fingerprints on %s: %w", id, err)
	}
	return nil
}

// ListMissingFingerprints pages through finished items that have no
// parsed_load_fingerprint, strictly after the cursor in (created_at, id)
// order. Pending and processing items are left to the workers so a
// backfill never double-counts a receipt.
func (m *Manager) ListMissingFingerprints(ctx context.Context, after Cursor, limit int) ([]Item, error) {
	rows, err := m.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM load_queue
		WHERE parsed_load_fingerprint IS NULL
		  AND status IN ($1, $2)
		  AND (created_at, id) > ($3, $4)
		ORDER BY created_at, id
		LIMIT $5
	`, string(StatusCompleted), string(StatusFailed), after.CreatedAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list items missing fingerprints: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// Stats counts items per status.
func (m *Manager) Stats(ctx context.Context) (map[Status]int64, error) {
	rows, err := m.db.Query(ctx, `SELECT status, COUNT(*) FROM load_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := map[Status]int64{
		StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}

// collectItems scans multiple rows into Items.
func collectItems(rows pgx.Rows) ([]Item, error) {
	var items []Item
	for rows.Next() {
		var it Item
		var status string
		var parsed []byte
		if err := rows.Scan(
			&it.ID, &it.TenantID, &it.Provider, &it.MessageID, &it.ReceivedAt, &parsed,
			&status, &it.Attempts, &it.LastError, &it.ProcessingStartedAt, &it.CreatedAt,
		); err != nil {
			return nil, err
		}
		it.Status = Status(status)
		if len(parsed) > 0 && string(parsed) != "null" {
			var p models.ParsedLoad
			if err := json.Unmarshal(parsed, &p); err != nil {
				// Keep the item claimable; the worker will fingerprint it as
				// missing inputs rather than wedge the batch.
				slog.Warn("queue item has unreadable parsed payload", "item_id", it.ID, "error", err)
			} else {
				it.Parsed = &p
			}
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
