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

package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadhunt/ingestion/internal/models"
)

func TestPublishLoadProcessed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	p := NewPublisher(rdb, "load-events")
	require.NoError(t, p.Ping(context.Background()))

	for _, id := range []string{"item-1", "item-2"} {
		err := p.PublishLoadProcessed(context.Background(), &models.ProcessedLoadEvent{
			QueueItemID: id, TenantID: "t1", DedupEligible: true, ReceiptCount: 2,
		})
		require.NoError(t, err)
	}

	// Oldest event sits at the tail.
	raw, err := rdb.RPop(context.Background(), "load-events").Result()
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, TypeLoadProcessed, env.Type)
	assert.NotEmpty(t, env.ID)
	require.NotNil(t, env.Data)
	assert.Equal(t, "item-1", env.Data.QueueItemID)
	assert.Equal(t, int64(2), env.Data.ReceiptCount)
}
