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

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadhunt/ingestion/internal/content"
	"github.com/loadhunt/ingestion/internal/credit"
	"github.com/loadhunt/ingestion/internal/hunt"
	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/models"
	"github.com/loadhunt/ingestion/internal/queue"
)

type fakeQueue struct {
	mu           sync.Mutex
	pending      []queue.Item
	completed    []string
	failed       map[string]error
	released     []string
	fingerprints map[string]queue.FingerprintColumns
	staleResets  int
}

func newFakeQueue(items ...queue.Item) *fakeQueue {
	return &fakeQueue{
		pending:      items,
		failed:       map[string]error{},
		fingerprints: map[string]queue.FingerprintColumns{},
	}
}

func (q *fakeQueue) ClaimBatch(_ context.Context, n int) ([]queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := q.pending[:n]
	q.pending = q.pending[n:]
	return out, nil
}

func (q *fakeQueue) CompleteItem(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) FailItem(_ context.Context, id string, cause error, _ int) (queue.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = cause
	return queue.StatusPending, nil
}

func (q *fakeQueue) ReleaseItem(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	return nil
}

func (q *fakeQueue) ResetStaleItems(context.Context, time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.staleResets
}

func (q *fakeQueue) SetFingerprints(_ context.Context, id string, cols queue.FingerprintColumns) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fingerprints[id] = cols
	return nil
}

func (q *fakeQueue) Stats(context.Context) (map[queue.Status]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return map[queue.Status]int64{queue.StatusPending: int64(len(q.pending))}, nil
}

func (q *fakeQueue) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

type fakeContent struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (c *fakeContent) UpsertLoadContent(_ context.Context, r content.Record) (content.Upserted, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return content.Upserted{}, c.err
	}
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[r.Fingerprint]++
	return content.Upserted{ReceiptCount: c.counts[r.Fingerprint], Created: c.counts[r.Fingerprint] == 1}, nil
}

// blockingContent holds every upsert until ctx is cancelled.
type blockingContent struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingContent) UpsertLoadContent(ctx context.Context, _ content.Record) (content.Upserted, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return content.Upserted{}, ctx.Err()
}

type matchAll struct{}

func (matchAll) Match(_ context.Context, _, itemID string, _ map[string]any) ([]hunt.Match, error) {
	return []hunt.Match{{ID: "match-" + itemID, HuntID: "h1"}}, nil
}

type matchTwo struct{}

func (matchTwo) Match(_ context.Context, _, itemID string, _ map[string]any) ([]hunt.Match, error) {
	return []hunt.Match{{ID: "m1-" + itemID, HuntID: "h1"}, {ID: "m2-" + itemID, HuntID: "h2"}}, nil
}

type fakeCredit struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	err      error
}

func (c *fakeCredit) CheckBrokerCredit(context.Context, string, string, *models.ParsedLoad, string) (*credit.Result, error) {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(c.delay)
	if c.err != nil {
		return nil, c.err
	}
	return &credit.Result{ApprovalStatus: "approved", Role: credit.RoleLeader, BrokerKey: "mc:123456"}, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*models.ProcessedLoadEvent
}

func (e *fakeEvents) PublishLoadProcessed(_ context.Context, ev *models.ProcessedLoadEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func eligibleItem(id, provider string) queue.Item {
	return queue.Item{
		ID:       id,
		TenantID: "t1",
		Provider: provider,
		Parsed: &models.ParsedLoad{
			OriginCity: "Fairless Hills", OriginState: "PA",
			DestinationCity: "Framingham", DestinationState: "MA",
			BrokerCompany: "Acme Freight", BrokerMC: "123456", PickupDate: "11/30/25",
		},
	}
}

func TestRunOnce_EligibleLoadsShareContent(t *testing.T) {
	q := newFakeQueue(eligibleItem("a", "dat"), eligibleItem("b", "truckstop"))
	store := &fakeContent{}
	events := &fakeEvents{}
	w := New(Config{Queue: q, Content: store, Events: events, Metrics: metrics.NewUnregistered()})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.ElementsMatch(t, []string{"a", "b"}, q.completed)
	assert.Empty(t, q.failed)
	require.Len(t, store.counts, 1, "cross-provider duplicates collapse to one content row")
	for _, count := range store.counts {
		assert.Equal(t, int64(2), count)
	}

	fa, fb := q.fingerprints["a"], q.fingerprints["b"]
	assert.Len(t, fa.ParsedLoadFingerprint, 64)
	assert.Equal(t, fa.ParsedLoadFingerprint, fb.ParsedLoadFingerprint)
	assert.Equal(t, fa.ParsedLoadFingerprint, fa.ContentFingerprint)

	require.Len(t, events.events, 2)
	assert.NotEmpty(t, events.events[0].ProcessedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.ContentReceipts.WithLabelValues("duplicate")))
}

func TestRunOnce_IneligibleLoadSkipsContent(t *testing.T) {
	item := eligibleItem("a", "dat")
	item.Parsed.PickupDate = nil
	q := newFakeQueue(item)
	store := &fakeContent{}
	w := New(Config{Queue: q, Content: store})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	cols := q.fingerprints["a"]
	assert.NotEmpty(t, cols.ParsedLoadFingerprint)
	assert.Empty(t, cols.ContentFingerprint)
	assert.Equal(t, "missing_pickup_date", cols.Reason)
	assert.Empty(t, store.counts)
	assert.Equal(t, []string{"a"}, q.completed)
}

func TestRunOnce_StoreFailureFailsItem(t *testing.T) {
	item := eligibleItem("a", "dat")
	item.Attempts = 1
	q := newFakeQueue(item)
	w := New(Config{Queue: q, Content: &fakeContent{err: errors.New("connection refused")}})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, q.completed)
	require.Contains(t, q.failed, "a")
	assert.ErrorContains(t, q.failed["a"], "connection refused")
}

func TestRunOnce_CreditErrorsDoNotFailItem(t *testing.T) {
	q := newFakeQueue(eligibleItem("a", "dat"))
	events := &fakeEvents{}
	w := New(Config{
		Queue: q, Content: &fakeContent{}, Hunts: matchAll{}, Events: events,
		Credit: &fakeCredit{err: credit.ErrLeaderTimeout},
	})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, q.completed)
	require.Len(t, events.events, 1)
	require.Len(t, events.events[0].Credit, 1)
	assert.Equal(t, credit.ApprovalError, events.events[0].Credit[0].ApprovalStatus)
	assert.Contains(t, events.events[0].Credit[0].Error, "timed out")
}

func TestRunOnce_OneCreditCheckPerLoad(t *testing.T) {
	q := newFakeQueue(eligibleItem("a", "dat"))
	events := &fakeEvents{}
	cc := &fakeCredit{}
	w := New(Config{Queue: q, Content: &fakeContent{}, Hunts: matchTwo{}, Credit: cc, Events: events})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), cc.calls.Load())
	require.Len(t, events.events, 1)
	outcomes := events.events[0].Credit
	require.Len(t, outcomes, 2)
	assert.Equal(t, "m1-a", outcomes[0].MatchID)
	assert.Equal(t, "m2-a", outcomes[1].MatchID)
	for _, o := range outcomes {
		assert.Equal(t, "approved", o.ApprovalStatus)
		assert.Equal(t, "mc:123456", o.BrokerKey)
	}
}

func TestRunOnce_BoundedConcurrency(t *testing.T) {
	var items []queue.Item
	for i := 0; i < 12; i++ {
		items = append(items, eligibleItem(fmt.Sprintf("item-%02d", i), "dat"))
	}
	q := newFakeQueue(items...)
	cc := &fakeCredit{delay: 20 * time.Millisecond}
	w := New(Config{Queue: q, Content: &fakeContent{}, Hunts: matchAll{}, Credit: cc, BatchSize: 12, Concurrency: 5})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, q.completedCount())
	assert.LessOrEqual(t, cc.peak.Load(), int32(5))
	assert.Greater(t, cc.peak.Load(), int32(1))
}

func TestSweep_UpdatesDepthGauge(t *testing.T) {
	q := newFakeQueue(eligibleItem("a", "dat"))
	q.staleResets = 3
	w := New(Config{Queue: q, Content: &fakeContent{}})

	assert.Equal(t, 3, w.Sweep(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(w.metrics.QueueDepth.WithLabelValues("pending")))
}

func TestStartStop_DrainsQueue(t *testing.T) {
	var items []queue.Item
	for i := 0; i < 25; i++ {
		items = append(items, eligibleItem(fmt.Sprintf("item-%02d", i), "dat"))
	}
	q := newFakeQueue(items...)
	w := New(Config{Queue: q, Content: &fakeContent{}, BatchSize: 10, PollInterval: 10 * time.Millisecond})

	w.Start(context.Background())
	require.Eventually(t, func() bool { return q.completedCount() == 25 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestStop_ReleasesInterruptedItem(t *testing.T) {
	q := newFakeQueue(eligibleItem("a", "dat"))
	store := &blockingContent{started: make(chan struct{})}
	w := New(Config{Queue: q, Content: store, PollInterval: time.Hour})

	w.Start(context.Background())
	select {
	case <-store.started:
	case <-time.After(2 * time.Second):
		t.Fatal("item never reached the content store")
	}
	w.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, []string{"a"}, q.released)
	assert.Empty(t, q.failed, "shutdown must not spend an attempt")
	assert.Empty(t, q.completed)
}
