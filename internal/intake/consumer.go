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

// Package intake consumes parsed-load envelopes deposited on a Redis list
// by the upstream email parser and turns them into queue rows.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/models"
)

// Enqueuer inserts inbound loads into the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, in models.InboundLoad) (string, bool, error)
}

// DeliveryFilter drops redelivered envelopes.
type DeliveryFilter interface {
	IsNew(ctx context.Context, tenantID, provider, messageID string) (bool, error)
	Forget(ctx context.Context, tenantID, provider, messageID string) error
}

// Outcome labels what happened to one envelope.
type Outcome string

const (
	OutcomeEnqueued      Outcome = "enqueued"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeRedelivered   Outcome = "redelivered"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeUnknownTenant Outcome = "unknown_tenant"
	OutcomeRequeued      Outcome = "requeued"
)

// ConsumerConfig holds the dependencies of a Consumer.
type ConsumerConfig struct {
	Redis          *redis.Client
	List           string
	DeadLetterList string
	// ProcessingList holds envelopes between pop and enqueue. Each
	// consumer process needs its own.
	ProcessingList string
	Dedup          DeliveryFilter // optional
	Queue          Enqueuer
	// Tenants restricts intake to known tenant ids; empty accepts any.
	Tenants      []string
	BlockTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Consumer moves envelopes off the intake list with BLMOVE and enqueues
// them.
type Consumer struct {
	rdb          *redis.Client
	list         string
	deadLetter   string
	processing   string
	dedup        DeliveryFilter
	queue        Enqueuer
	tenants      map[string]bool
	blockTimeout time.Duration
	metrics      *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates an intake consumer.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	c := &Consumer{
		rdb:          cfg.Redis,
		list:         cfg.List,
		deadLetter:   cfg.DeadLetterList,
		processing:   cfg.ProcessingList,
		dedup:        cfg.Dedup,
		queue:        cfg.Queue,
		tenants:      make(map[string]bool, len(cfg.Tenants)),
		blockTimeout: cfg.BlockTimeout,
		metrics:      cfg.Metrics,
	}
	for _, t := range cfg.Tenants {
		c.tenants[t] = true
	}
	if c.list == "" {
		c.list = "inbound-loads"
	}
	if c.deadLetter == "" {
		c.deadLetter = c.list + ":dead"
	}
	if c.processing == "" {
		c.processing = c.list + ":processing"
	}
	if c.blockTimeout <= 0 {
		c.blockTimeout = 5 * time.Second
	}
	if c.metrics == nil {
		c.metrics = metrics.NewUnregistered()
	}
	return c
}

// Start returns envelopes a previous run left in the processing list to
// the intake list, then launches the consume loop.
func (c *Consumer) Start(ctx context.Context) {
	if n, err := c.Recover(ctx); err != nil {
		slog.Error("failed to recover in-flight envelopes", "list", c.processing, "error", err)
	} else if n > 0 {
		slog.Warn("recovered in-flight envelopes", "list", c.processing, "count", n)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		for {
			if loopCtx.Err() != nil {
				return
			}
			if err := c.ConsumeOne(loopCtx); err != nil {
				if loopCtx.Err() != nil {
					return
				}
				slog.Error("intake consume failed", "list", c.list, "error", err)
				select {
				case <-loopCtx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()

	slog.Info("intake consumer started", "list", c.list, "tenants", len(c.tenants))
}

// Stop shuts down the consume loop.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// ConsumeOne blocks for up to the block timeout waiting for one envelope
// and handles it. A timeout with nothing to read is not an error. The
// envelope is moved atomically into the processing list and only removed
// from there once it has been enqueued, dead-lettered or pushed back.
func (c *Consumer) ConsumeOne(ctx context.Context) error {
	raw, err := c.rdb.BLMove(ctx, c.list, c.processing, "RIGHT", "LEFT", c.blockTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis BLMOVE: %w", err)
	}

	outcome, err := c.Handle(ctx, raw)
	if outcome == OutcomeRequeued {
		// Handle already moved it back, or left it for Recover.
		return err
	}

	ackCtx, cancel := c.detached(ctx)
	defer cancel()
	if aerr := c.rdb.LRem(ackCtx, c.processing, 1, raw).Err(); aerr != nil {
		slog.Warn("failed to ack envelope", "list", c.processing, "error", aerr)
	}
	return err
}

// Recover moves every envelope left in the processing list back onto the
// intake list, oldest first in line, and clears their dedup marks so the
// retry is not mistaken for a redelivery. The queue's unique key still
// catches envelopes that were enqueued before the crash.
func (c *Consumer) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		raw, err := c.rdb.LMove(ctx, c.processing, c.list, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("redis LMOVE: %w", err)
		}
		n++

		var in models.InboundLoad
		if c.dedup == nil || json.Unmarshal([]byte(raw), &in) != nil {
			continue
		}
		if err := c.dedup.Forget(ctx, strings.TrimSpace(in.TenantID),
			strings.ToLower(strings.TrimSpace(in.Provider)), strings.TrimSpace(in.MessageID)); err != nil {
			slog.Warn("failed to clear dedup key", "error", err)
		}
	}
}

func (c *Consumer) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}

// Handle processes one raw envelope. An error means the envelope was
// pushed back onto the list for another attempt.
func (c *Consumer) Handle(ctx context.Context, raw string) (Outcome, error) {
	outcome, err := c.handle(ctx, raw)
	c.metrics.IntakeMessages.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (c *Consumer) handle(ctx context.Context, raw string) (Outcome, error) {
	var in models.InboundLoad
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		c.deadLetterEnvelope(ctx, raw, fmt.Sprintf("decode envelope: %v", err))
		return OutcomeMalformed, nil
	}
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.Provider = strings.ToLower(strings.TrimSpace(in.Provider))
	in.MessageID = strings.TrimSpace(in.MessageID)
	if in.TenantID == "" || in.MessageID == "" {
		c.deadLetterEnvelope(ctx, raw, "envelope missing tenant_id or message_id")
		return OutcomeMalformed, nil
	}

	if len(c.tenants) > 0 && !c.tenants[in.TenantID] {
		slog.Warn("dropping envelope for unknown tenant",
			"tenant", in.TenantID,
			"message_id", in.MessageID,
		)
		return OutcomeUnknownTenant, nil
	}

	if c.dedup != nil {
		isNew, err := c.dedup.IsNew(ctx, in.TenantID, in.Provider, in.MessageID)
		if err != nil {
			// The queue's unique key still catches repeats.
			slog.Warn("dedup check failed", "error", err)
		} else if !isNew {
			return OutcomeDuplicate, nil
		}
	}

	id, created, err := c.queue.Enqueue(ctx, in)
	if err != nil {
		// ctx may be the cancelled loop context on shutdown; the envelope
		// has already left the intake list and must go back regardless.
		rctx, cancel := c.detached(ctx)
		defer cancel()
		if c.dedup != nil {
			if ferr := c.dedup.Forget(rctx, in.TenantID, in.Provider, in.MessageID); ferr != nil {
				slog.Warn("failed to clear dedup key", "error", ferr)
			}
		}
		if perr := c.requeue(rctx, raw); perr != nil {
			return OutcomeRequeued, fmt.Errorf("enqueue failed (%v) and requeue failed: %w", err, perr)
		}
		return OutcomeRequeued, fmt.Errorf("enqueue load %s: %w", in.MessageID, err)
	}
	if !created {
		return OutcomeRedelivered, nil
	}

	slog.Info("load enqueued",
		"item_id", id,
		"tenant", in.TenantID,
		"provider", in.Provider,
		"message_id", in.MessageID,
	)
	return OutcomeEnqueued, nil
}

// requeue puts an envelope back at the tail of the intake list and drops
// it from the processing list in one transaction.
func (c *Consumer) requeue(ctx context.Context, raw string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, c.processing, 1, raw)
		pipe.LPush(ctx, c.list, raw)
		return nil
	})
	return err
}

func (c *Consumer) deadLetterEnvelope(ctx context.Context, raw, reason string) {
	slog.Warn("dead-lettering malformed envelope", "reason", reason, "list", c.deadLetter)
	ctx, cancel := c.detached(ctx)
	defer cancel()
	if err := c.rdb.LPush(ctx, c.deadLetter, raw).Err(); err != nil {
		slog.Error("failed to dead-letter envelope", "error", err)
	}
}
