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

// Package dedup drops redelivered inbound envelopes before they reach the
// queue. The upstream parser delivers at least once, so the same message
// can arrive several times within minutes; a Redis key with TTL per
// (tenant, provider, message) absorbs those repeats cheaply. The queue's
// unique constraint remains the durable guarantee.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a delivery is remembered.
	DefaultTTL = 24 * time.Hour

	keyPrefix = "loadhunt:seen:"
)

// Filter tracks which deliveries have already been accepted.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. A non-positive ttl
// uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

// Key builds the dedup key for one delivery.
func Key(tenantID, provider, messageID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefix, tenantID, provider, messageID)
}

// IsNew reports whether the delivery has NOT been seen before, marking it
// seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, tenantID, provider, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, Key(tenantID, provider, messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget clears a delivery so a later redelivery is accepted again. Used
// when the envelope could not be enqueued after being marked seen.
func (f *Filter) Forget(ctx context.Context, tenantID, provider, messageID string) error {
	if err := f.rdb.Del(ctx, Key(tenantID, provider, messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
