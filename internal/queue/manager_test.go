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

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadhunt/ingestion/internal/database/dbtest"
	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/models"
)

var itemColumnNames = []string{
	"id", "tenant_id", "provider", "message_id", "received_at", "parsed", "status",
	"attempts", "last_error", "processing_started_at", "created_at",
}

func newMockManager(t *testing.T) (*Manager, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS load_queue").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	m, err := NewManager(context.Background(), mock, Options{MaxAttempts: 3})
	require.NoError(t, err)
	return m, mock
}

func TestClaimBatch_ReturnsOldestFirst(t *testing.T) {
	m, mock := newMockManager(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := base.Add(time.Hour)
	parsed := []byte(`{"origin_city":"Dallas","broker_mc":"123456"}`)

	mock.ExpectQuery("UPDATE load_queue").
		WithArgs("processing", "pending", 10).
		WillReturnRows(pgxmock.NewRows(itemColumnNames).
			AddRow("c", "t1", "dat", "m3", base, parsed, "processing", 0, "", &started, base.Add(2*time.Minute)).
			AddRow("b", "t1", "dat", "m2", base, parsed, "processing", 0, "", &started, base.Add(time.Minute)).
			AddRow("a", "t1", "dat", "m1", base, parsed, "processing", 1, "", &started, base.Add(time.Minute)))

	items, err := m.ClaimBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, []string{"a", "b", "c"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.Equal(t, StatusProcessing, items[0].Status)
	require.NotNil(t, items[0].Parsed)
	assert.Equal(t, "Dallas", items[0].Parsed.OriginCity)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.metrics.QueueClaimed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatch_NonPositiveIsNoop(t *testing.T) {
	m, mock := newMockManager(t)

	items, err := m.ClaimBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_RedeliveryIsIgnored(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery("INSERT INTO load_queue").
		WithArgs(pgxmock.AnyArg(), "t1", "dat", "m1", pgxmock.AnyArg(), pgxmock.AnyArg(), "pending").
		WillReturnError(pgx.ErrNoRows)

	id, created, err := m.Enqueue(context.Background(), models.InboundLoad{
		TenantID: "t1", Provider: "dat", MessageID: "m1", Parsed: &models.ParsedLoad{},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Empty(t, id)
}

func TestCompleteItem_NotProcessing(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectExec("UPDATE load_queue").
		WithArgs("completed", "gone", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := m.CompleteItem(context.Background(), "gone")
	assert.ErrorIs(t, err, ErrNotProcessing)
}

func TestFailItem(t *testing.T) {
	tests := []struct {
		name       string
		returned   string
		attempts   int
		soFar      int
		wantStatus Status
	}{
		{name: "retry while attempts remain", returned: "pending", attempts: 1, soFar: 0, wantStatus: StatusPending},
		{name: "terminal at ceiling", returned: "failed", attempts: 3, soFar: 2, wantStatus: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, mock := newMockManager(t)

			mock.ExpectQuery("UPDATE load_queue").
				WithArgs(3, "failed", "pending", "boom", "item-1", "processing").
				WillReturnRows(pgxmock.NewRows([]string{"status", "attempts"}).AddRow(tt.returned, tt.attempts))

			status, err := m.FailItem(context.Background(), "item-1", errors.New("boom"), tt.soFar)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.QueueFailed.WithLabelValues(tt.returned)))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFailItem_TruncatesLongErrors(t *testing.T) {
	m, mock := newMockManager(t)

	long := make([]byte, maxErrorLength+500)
	for i := range long {
		long[i] = 'x'
	}

	mock.ExpectQuery("UPDATE load_queue").
		WithArgs(3, "failed", "pending", string(long[:maxErrorLength]), "item-1", "processing").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempts"}).AddRow("pending", 1))

	_, err := m.FailItem(context.Background(), "item-1", errors.New(string(long)), 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailItem_TruncationKeepsRunesWhole(t *testing.T) {
	m, mock := newMockManager(t)

	// The byte limit falls inside the 1000th "é".
	long := "x" + strings.Repeat("é", 1500)
	want := "x" + strings.Repeat("é", 999)

	mock.ExpectQuery("UPDATE load_queue").
		WithArgs(3, "failed", "pending", want, "item-1", "processing").
		WillReturnRows(pgxmock.NewRows([]string{"status", "attempts"}).AddRow("pending", 1))

	_, err := m.FailItem(context.Background(), "item-1", errors.New(long), 0)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(want))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseItem(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectExec("UPDATE load_queue").
		WithArgs("pending", "item-1", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE load_queue").
		WithArgs("pending", "gone", "processing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, m.ReleaseItem(context.Background(), "item-1"))
	assert.ErrorIs(t, m.ReleaseItem(context.Background(), "gone"), ErrNotProcessing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStaleItems_ReturnsCount(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectExec("UPDATE load_queue").
		WithArgs("pending", pgxmock.AnyArg(), "processing", int64(900)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n := m.ResetStaleItems(context.Background(), 15*time.Minute)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.metrics.QueueStaleReset))
}

func TestResetStaleItems_StoreErrorReturnsZero(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectExec("UPDATE load_queue").
		WillReturnError(errors.New("connection reset"))

	assert.Equal(t, 0, m.ResetStaleItems(context.Background(), time.Minute))
}

// hangingDB never answers Exec until released and ignores cancellation,
// like a wedged connection.
type hangingDB struct {
	release chan struct{}
}

func (h *hangingDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	<-h.release
	return pgconn.NewCommandTag("UPDATE 7"), nil
}

func (h *hangingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (h *hangingDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func TestResetStaleItems_TimesOutOnHungStore(t *testing.T) {
	db := &hangingDB{release: make(chan struct{})}
	defer close(db.release)

	m := &Manager{db: db, maxAttempts: 3, sweepTimeout: 20 * time.Millisecond, metrics: metrics.NewUnregistered()}

	start := time.Now()
	n := m.ResetStaleItems(context.Background(), time.Minute)

	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.metrics.QueueSweepTimeouts))
}

func TestStats_FillsMissingStatuses(t *testing.T) {
	m, mock := newMockManager(t)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).AddRow("pending", int64(5)))

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats[StatusPending])
	assert.Equal(t, int64(0), stats[StatusFailed])
}

// --- Postgres integration ---

func newPGManager(t *testing.T, opts Options) (*Manager, context.Context) {
	t.Helper()
	pool := dbtest.Pool(t, "load_queue")
	ctx := context.Background()
	m, err := NewManager(ctx, pool, opts)
	require.NoError(t, err)
	return m, ctx
}

func enqueueN(t *testing.T, ctx context.Context, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, created, err := m.Enqueue(ctx, models.InboundLoad{
			TenantID:  "tenant-a",
			Provider:  "dat",
			MessageID: fmt.Sprintf("msg-%03d", i),
			Parsed:    &models.ParsedLoad{OriginCity: "Dallas"},
		})
		require.NoError(t, err)
		require.True(t, created)
	}
}

func TestConcurrentClaimsAreDisjoint_Postgres(t *testing.T) {
	m, ctx := newPGManager(t, Options{})
	enqueueN(t, ctx, m, 40)

	const workers = 4
	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := m.ClaimBatch(ctx, 3)
				if !assert.NoError(t, err) || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					claimed[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 40)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "item %s claimed more than once", id)
	}
}

func TestLifecycle_Postgres(t *testing.T) {
	m, ctx := newPGManager(t, Options{MaxAttempts: 2})
	enqueueN(t, ctx, m, 1)

	_, created, err := m.Enqueue(ctx, models.InboundLoad{TenantID: "tenant-a", Provider: "dat", MessageID: "msg-000"})
	require.NoError(t, err)
	assert.False(t, created, "redelivery must not create a second row")

	items, err := m.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)

	status, err := m.FailItem(ctx, items[0].ID, errors.New("transient"), items[0].Attempts)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	items, err = m.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "transient", items[0].LastError)

	status, err = m.FailItem(ctx, items[0].ID, errors.New("still broken"), items[0].Attempts)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)

	items, err = m.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, items, "failed items are terminal")
}

func TestResetStaleItems_Postgres(t *testing.T) {
	m, ctx := newPGManager(t, Options{})
	enqueueN(t, ctx, m, 3)

	items, err := m.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, items, 3)

	_, err = m.db.Exec(ctx, `UPDATE load_queue SET processing_started_at = NOW() - INTERVAL '20 minutes' WHERE id = $1`, items[0].ID)
	require.NoError(t, err)

	assert.Equal(t, 1, m.ResetStaleItems(ctx, 15*time.Minute))

	var status, lastErr string
	require.NoError(t, m.db.QueryRow(ctx, `SELECT status, last_error FROM load_queue WHERE id = $1`, items[0].ID).Scan(&status, &lastErr))
	assert.Equal(t, "pending", status)
	assert.Contains(t, lastErr, staleResetTag)

	assert.ErrorIs(t, m.CompleteItem(ctx, items[0].ID), ErrNotProcessing)
	assert.NoError(t, m.CompleteItem(ctx, items[1].ID))
}

func TestListMissingFingerprints_Postgres(t *testing.T) {
	m, ctx := newPGManager(t, Options{})
	enqueueN(t, ctx, m, 5)

	items, err := m.ClaimBatch(ctx, 5)
	require.NoError(t, err)
	for _, it := range items {
		require.NoError(t, m.CompleteItem(ctx, it.ID))
	}
	require.NoError(t, m.SetFingerprints(ctx, items[0].ID, FingerprintColumns{ParsedLoadFingerprint: "fp", Reason: "missing_pickup_date", Version: 1}))

	var seen []string
	cursor := Cursor{}
	for {
		page, err := m.ListMissingFingerprints(ctx, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, it := range page {
			seen = append(seen, it.ID)
		}
		cursor = page[len(page)-1].After()
	}

	assert.Len(t, seen, 4)
	assert.NotContains(t, seen, items[0].ID)
}
