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

// Package backfill computes fingerprints for queue items that were
// processed before fingerprinting existed (or under an older engine
// version). It pages by a stable (created_at, id) cursor and persists the
// cursor after every page, so an interrupted run resumes where it left off.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loadhunt/ingestion/internal/content"
	"github.com/loadhunt/ingestion/internal/fingerprint"
	"github.com/loadhunt/ingestion/internal/queue"
)

// Source lists queue items that still lack fingerprints.
type Source interface {
	ListMissingFingerprints(ctx context.Context, after queue.Cursor, limit int) ([]queue.Item, error)
}

// Writer records one backfilled item. The content receipt (when rec is
// non-nil) and the fingerprint columns are written together or not at
// all: the columns take the item out of ListMissingFingerprints, so
// writing them without the receipt would lose it for good.
type Writer interface {
	WriteFingerprint(ctx context.Context, id string, cols queue.FingerprintColumns, rec *content.Record) (*content.Upserted, error)
}

// Checkpoints persists run cursors by name.
type Checkpoints interface {
	Load(ctx context.Context, name string) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// Request defines the scope of a backfill run.
type Request struct {
	// Name identifies the run's checkpoint.
	Name string
	// From overrides the stored checkpoint when set.
	From *queue.Cursor
	// Limit caps the number of items processed; zero means no cap.
	Limit int
	// DryRun computes fingerprints without writing anything.
	DryRun bool
}

// Result summarises a backfill run.
type Result struct {
	Name       string
	Pages      int
	Processed  int
	Eligible   int
	Ineligible int
	NewContent int
	Duplicates int
	Errors     int
	Cursor     queue.Cursor
	Elapsed    time.Duration
}

// Runner performs fingerprint backfills.
type Runner struct {
	source      Source
	engine      *fingerprint.Engine
	writer      Writer
	checkpoints Checkpoints
	pageSize    int
	pageDelay   time.Duration // delay between pages to spare the primary
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	Source      Source
	Engine      *fingerprint.Engine
	Writer      Writer
	Checkpoints Checkpoints
	PageSize    int
	PageDelay   time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		source:      cfg.Source,
		engine:      cfg.Engine,
		writer:      cfg.Writer,
		checkpoints: cfg.Checkpoints,
		pageSize:    cfg.PageSize,
		pageDelay:   cfg.PageDelay,
	}
	if r.engine == nil {
		r.engine = fingerprint.NewEngine(fingerprint.Options{})
	}
	if r.pageSize <= 0 {
		r.pageSize = 500
	}
	if r.pageDelay < 0 {
		r.pageDelay = 0
	}
	return r
}

// Run walks the queue from the starting cursor until no rows remain, the
// limit is reached or ctx is cancelled. The partial result is returned
// alongside any error.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.Name == "" {
		req.Name = fmt.Sprintf("fingerprints-v%d", r.engine.Version())
	}
	result := &Result{Name: req.Name}

	cursor, before, err := r.startCursor(ctx, req)
	if err != nil {
		return result, err
	}
	result.Cursor = cursor

	slog.Info("starting fingerprint backfill",
		"name", req.Name,
		"from_created_at", cursor.CreatedAt,
		"from_id", cursor.ID,
		"page_size", r.pageSize,
		"dry_run", req.DryRun,
	)

	for {
		if result.Pages > 0 && r.pageDelay > 0 {
			select {
			case <-ctx.Done():
				return r.finish(result, start), ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		size := r.pageSize
		if req.Limit > 0 {
			remaining := req.Limit - result.Processed
			if remaining <= 0 {
				break
			}
			if remaining < size {
				size = remaining
			}
		}

		page, err := r.source.ListMissingFingerprints(ctx, result.Cursor, size)
		if err != nil {
			return r.finish(result, start), fmt.Errorf("list page %d: %w", result.Pages+1, err)
		}
		if len(page) == 0 {
			break
		}
		result.Pages++

		for _, item := range page {
			r.backfillItem(ctx, item, req.DryRun, result)
			result.Cursor = item.After()
		}

		slog.Debug("backfill page done",
			"name", req.Name,
			"page", result.Pages,
			"items", len(page),
		)

		if !req.DryRun && r.checkpoints != nil {
			if err := r.checkpoints.Save(ctx, Checkpoint{Name: req.Name, Cursor: result.Cursor, Processed: before + result.Processed}); err != nil {
				return r.finish(result, start), fmt.Errorf("save checkpoint: %w", err)
			}
		}

		if len(page) < size {
			break
		}
	}

	return r.finish(result, start), nil
}

// startCursor returns where to begin and how many items earlier runs
// under the same name already processed.
func (r *Runner) startCursor(ctx context.Context, req Request) (queue.Cursor, int, error) {
	if req.From != nil {
		return *req.From, 0, nil
	}
	if r.checkpoints == nil {
		return queue.Cursor{}, 0, nil
	}
	cp, err := r.checkpoints.Load(ctx, req.Name)
	if err != nil {
		return queue.Cursor{}, 0, fmt.Errorf("load checkpoint %s: %w", req.Name, err)
	}
	if cp == nil {
		return queue.Cursor{}, 0, nil
	}
	slog.Info("resuming backfill from checkpoint",
		"name", req.Name,
		"processed_before", cp.Processed,
	)
	return cp.Cursor, cp.Processed, nil
}

// backfillItem applies the engine to one item. Failures are counted and
// the run continues with the next item.
func (r *Runner) backfillItem(ctx context.Context, item queue.Item, dryRun bool, result *Result) {
	result.Processed++

	res := r.engine.Compute(item.Parsed, item.Provider)
	if res.DedupEligible {
		result.Eligible++
	} else {
		result.Ineligible++
	}
	if dryRun {
		return
	}

	cols := queue.FingerprintColumns{
		ParsedLoadFingerprint: res.Fingerprint,
		Reason:                res.Reason,
		Version:               res.Version,
	}
	var rec *content.Record
	if res.DedupEligible {
		cols.ContentFingerprint = res.Fingerprint
		cr := content.FromFingerprint(res, item.Provider)
		rec = &cr
	}

	up, err := r.writer.WriteFingerprint(ctx, item.ID, cols, rec)
	if err != nil {
		slog.Warn("backfill: write fingerprint failed",
			"item_id", item.ID,
			"error", err,
		)
		result.Errors++
		return
	}
	if up == nil {
		return
	}
	if up.Created {
		result.NewContent++
	} else {
		result.Duplicates++
	}
}

func (r *Runner) finish(result *Result, start time.Time) *Result {
	result.Elapsed = time.Since(start)
	slog.Info("fingerprint backfill finished",
		"name", result.Name,
		"pages", result.Pages,
		"processed", result.Processed,
		"eligible", result.Eligible,
		"new_content", result.NewContent,
		"duplicates", result.Duplicates,
		"errors", result.Errors,
		"elapsed", result.Elapsed,
	)
	return result
}
