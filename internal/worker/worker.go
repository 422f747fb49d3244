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

// Package worker drives claimed queue items through fingerprinting,
// content counting, hunt matching and broker credit checks. Each process
// runs one Worker; any number of processes may share the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loadhunt/ingestion/internal/content"
	"github.com/loadhunt/ingestion/internal/credit"
	"github.com/loadhunt/ingestion/internal/fingerprint"
	"github.com/loadhunt/ingestion/internal/hunt"
	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/models"
	"github.com/loadhunt/ingestion/internal/queue"
)

// Queue is the claim manager surface the worker drives.
type Queue interface {
	ClaimBatch(ctx context.Context, n int) ([]queue.Item, error)
	CompleteItem(ctx context.Context, id string) error
	FailItem(ctx context.Context, id string, cause error, attemptsSoFar int) (queue.Status, error)
	ReleaseItem(ctx context.Context, id string) error
	ResetStaleItems(ctx context.Context, maxAge time.Duration) int
	SetFingerprints(ctx context.Context, id string, cols queue.FingerprintColumns) error
	Stats(ctx context.Context) (map[queue.Status]int64, error)
}

// ContentStore counts receipts of distinct load content.
type ContentStore interface {
	UpsertLoadContent(ctx context.Context, r content.Record) (content.Upserted, error)
}

// HuntMatcher matches loads to tenant hunts.
type HuntMatcher interface {
	Match(ctx context.Context, tenantID, queueItemID string, canonical map[string]any) ([]hunt.Match, error)
}

// CreditChecker is the leader-election credit cache.
type CreditChecker interface {
	CheckBrokerCredit(ctx context.Context, tenantID, loadID string, parsed *models.ParsedLoad, matchID string) (*credit.Result, error)
}

// EventPublisher announces processed loads.
type EventPublisher interface {
	PublishLoadProcessed(ctx context.Context, event *models.ProcessedLoadEvent) error
}

// Config holds the dependencies and tuning of a Worker. Hunts, Credit and
// Events are optional.
type Config struct {
	Queue   Queue
	Engine  *fingerprint.Engine
	Content ContentStore
	Hunts   HuntMatcher
	Credit  CreditChecker
	Events  EventPublisher
	Metrics *metrics.Metrics

	BatchSize     int
	Concurrency   int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// Worker claims and processes queue items.
type Worker struct {
	queue   Queue
	engine  *fingerprint.Engine
	content ContentStore
	hunts   HuntMatcher
	credit  CreditChecker
	events  EventPublisher
	metrics *metrics.Metrics

	batchSize     int
	concurrency   int
	pollInterval  time.Duration
	staleAfter    time.Duration
	sweepInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Worker, applying defaults to unset tuning values.
func New(cfg Config) *Worker {
	w := &Worker{
		queue:         cfg.Queue,
		engine:        cfg.Engine,
		content:       cfg.Content,
		hunts:         cfg.Hunts,
		credit:        cfg.Credit,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		batchSize:     cfg.BatchSize,
		concurrency:   cfg.Concurrency,
		pollInterval:  cfg.PollInterval,
		staleAfter:    cfg.StaleAfter,
		sweepInterval: cfg.SweepInterval,
	}
	if w.engine == nil {
		w.engine = fingerprint.NewEngine(fingerprint.Options{})
	}
	if w.metrics == nil {
		w.metrics = metrics.NewUnregistered()
	}
	if w.batchSize <= 0 {
		w.batchSize = 10
	}
	if w.concurrency <= 0 {
		w.concurrency = 5
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 2 * time.Second
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 15 * time.Minute
	}
	if w.sweepInterval <= 0 {
		w.sweepInterval = time.Minute
	}
	return w
}

// Start launches the claim loop and the stale-item sweep loop.
func (w *Worker) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(2)
	go w.claimLoop(loopCtx)
	go w.sweepLoop(loopCtx)

	slog.Info("worker started",
		"batch_size", w.batchSize,
		"concurrency", w.concurrency,
		"poll_interval", w.pollInterval,
		"stale_after", w.staleAfter,
	)
}

// Stop cancels both loops and waits for in-flight items to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		// Drain without waiting while batches come back full.
		for {
			n, err := w.RunOnce(ctx)
			if err != nil {
				slog.Error("claim batch failed", "error", err)
				break
			}
			if n < w.batchSize || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep resets stale items and refreshes the queue depth gauge. A slow
// store is bounded by the queue manager's sweep timeout.
func (w *Worker) Sweep(ctx context.Context) int {
	n := w.queue.ResetStaleItems(ctx, w.staleAfter)

	stats, err := w.queue.Stats(ctx)
	if err != nil {
		slog.Warn("failed to sample queue depth", "error", err)
		return n
	}
	for status, count := range stats {
		w.metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(count))
	}
	return n
}

// RunOnce claims one batch and processes it with bounded concurrency. It
// returns the number of items claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.queue.ClaimBatch(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, item := range items {
		item := item
		g.Go(func() error {
			w.handle(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

// handle processes one item and settles it as completed or failed. Items
// are settled with a context detached from shutdown so a stopping worker
// does not leave them stuck in processing. An item interrupted by shutdown
// is released without spending an attempt.
func (w *Worker) handle(ctx context.Context, item queue.Item) {
	start := time.Now()
	defer func() { w.metrics.ItemDuration.Observe(time.Since(start).Seconds()) }()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	event, err := w.Process(ctx, item)
	if err != nil && ctx.Err() != nil {
		if relErr := w.queue.ReleaseItem(settleCtx, item.ID); relErr != nil {
			slog.Error("failed to release interrupted item",
				"item_id", item.ID,
				"cause", err,
				"error", relErr,
			)
			return
		}
		slog.Info("item released on shutdown", "item_id", item.ID)
		return
	}
	if err != nil {
		status, failErr := w.queue.FailItem(settleCtx, item.ID, err, item.Attempts)
		if failErr != nil {
			slog.Error("failed to record item failure",
				"item_id", item.ID,
				"cause", err,
				"error", failErr,
			)
			return
		}
		slog.Warn("item processing failed",
			"item_id", item.ID,
			"tenant", item.TenantID,
			"status", status,
			"error", err,
		)
		return
	}

	if err := w.queue.CompleteItem(settleCtx, item.ID); err != nil {
		slog.Error("failed to complete item",
			"item_id", item.ID,
			"error", err,
		)
		return
	}

	if w.events != nil {
		event.ProcessedAt = time.Now().UTC().Format(time.RFC3339)
		if err := w.events.PublishLoadProcessed(settleCtx, event); err != nil {
			slog.Warn("failed to publish load event",
				"item_id", item.ID,
				"error", err,
			)
		}
	}
}

// Process runs the pipeline for one item without settling it. Steps that
// can fail the item (fingerprint columns, hunt matching, the content
// upsert) run before anything non-idempotent is counted, so a retried item
// never counts its receipt twice. Broker credit is checked once per load
// and the outcome is reported against every match. Credit check failures
// are recorded on the event and do not fail the item.
func (w *Worker) Process(ctx context.Context, item queue.Item) (*models.ProcessedLoadEvent, error) {
	res := w.engine.Compute(item.Parsed, item.Provider)

	outcome := "eligible"
	if !res.DedupEligible {
		outcome = res.Reason
	}
	w.metrics.Fingerprints.WithLabelValues(outcome).Inc()

	cols := queue.FingerprintColumns{
		ParsedLoadFingerprint: res.Fingerprint,
		Reason:                res.Reason,
		Version:               res.Version,
	}
	if res.DedupEligible {
		cols.ContentFingerprint = res.Fingerprint
	}
	if err := w.queue.SetFingerprints(ctx, item.ID, cols); err != nil {
		return nil, err
	}

	event := &models.ProcessedLoadEvent{
		QueueItemID:           item.ID,
		TenantID:              item.TenantID,
		Provider:              item.Provider,
		MessageID:             item.MessageID,
		ParsedLoadFingerprint: res.Fingerprint,
		ContentFingerprint:    cols.ContentFingerprint,
		DedupEligible:         res.DedupEligible,
		FingerprintReason:     res.Reason,
	}

	var matches []hunt.Match
	if w.hunts != nil && res.Fingerprint != "" {
		var err error
		matches, err = w.hunts.Match(ctx, item.TenantID, item.ID, res.Canonical)
		if err != nil {
			return nil, fmt.Errorf("match hunts: %w", err)
		}
	}

	if res.DedupEligible {
		up, err := w.content.UpsertLoadContent(ctx, content.FromFingerprint(res, item.Provider))
		if err != nil {
			return nil, err
		}
		event.ReceiptCount = up.ReceiptCount
		if up.Created {
			w.metrics.ContentReceipts.WithLabelValues("first").Inc()
		} else {
			w.metrics.ContentReceipts.WithLabelValues("duplicate").Inc()
		}
	}

	if w.credit != nil && len(matches) > 0 {
		out := w.checkCredit(ctx, item, matches[0].ID)
		for _, m := range matches {
			out.MatchID = m.ID
			event.Credit = append(event.Credit, out)
		}
	}
	return event, nil
}

func (w *Worker) checkCredit(ctx context.Context, item queue.Item, matchID string) models.CreditOutcome {
	var out models.CreditOutcome

	res, err := w.credit.CheckBrokerCredit(ctx, item.TenantID, item.ID, item.Parsed, matchID)
	if err != nil {
		out.ApprovalStatus = credit.ApprovalError
		out.Error = err.Error()
		level := slog.LevelWarn
		if errors.Is(err, credit.ErrNoBrokerIdentity) {
			level = slog.LevelInfo
		}
		slog.Log(ctx, level, "broker credit check did not produce a decision",
			"item_id", item.ID,
			"match_id", matchID,
			"error", err,
		)
		return out
	}

	out.ApprovalStatus = res.ApprovalStatus
	out.Role = string(res.Role)
	out.BrokerKey = res.BrokerKey
	return out
}
