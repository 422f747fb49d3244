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

// Package events publishes processed-load notifications to a Redis list
// for downstream consumers (alerting, UI refresh, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/loadhunt/ingestion/internal/models"
)

// TypeLoadProcessed is the event type of a completed queue item.
const TypeLoadProcessed = "load.processed"

// Envelope wraps every published event.
type Envelope struct {
	ID         string                     `json:"id"`
	Type       string                     `json:"type"`
	OccurredAt time.Time                  `json:"occurred_at"`
	Data       *models.ProcessedLoadEvent `json:"data"`
}

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb  *redis.Client
	list string
}

// NewPublisher creates a publisher targeting the given list.
func NewPublisher(rdb *redis.Client, list string) *Publisher {
	return &Publisher{
		rdb:  rdb,
		list: list,
	}
}

// PublishLoadProcessed LPUSHes a load.processed envelope. Consumers BRPOP
// from the other end, so events are read in publish order.
func (p *Publisher) PublishLoadProcessed(ctx context.Context, event *models.ProcessedLoadEvent) error {
	env := Envelope{
		ID:         uuid.New().String(),
		Type:       TypeLoadProcessed,
		OccurredAt: time.Now().UTC(),
		Data:       event,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", env.Type, err)
	}

	if err := p.rdb.LPush(ctx, p.list, body).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published load event",
		"event_id", env.ID,
		"queue_item_id", event.QueueItemID,
		"tenant", event.TenantID,
		"list", p.list,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
