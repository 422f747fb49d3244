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

package credit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadhunt/ingestion/internal/database/dbtest"
	"github.com/loadhunt/ingestion/internal/metrics"
)

var decisionColumnNames = []string{
	"id", "tenant_id", "broker_key", "decision_window_start", "status", "approval_status",
	"credit_score", "days_to_pay", "reference", "error", "customer_id", "leader_token", "attempt", "updated_at",
}

func newMockPGStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS broker_credit_checks").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := NewPGStore(context.Background(), mock)
	require.NoError(t, err)
	return s, mock
}

func TestClaimLeader_TaggedRoles(t *testing.T) {
	s, mock := newMockPGStore(t)
	window := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	key := Key{TenantID: "t1", BrokerKey: "mc:123456", WindowStart: window}

	mock.ExpectQuery("INSERT INTO broker_credit_checks").
		WithArgs(pgxmock.AnyArg(), "t1", "mc:123456", window, "pending", "", "tok-a").
		WillReturnRows(pgxmock.NewRows(decisionColumnNames).
			AddRow("d1", "t1", "mc:123456", window, "pending", "", 0, 0, "", "", "", "tok-a", 1, window))

	claim, err := s.ClaimLeader(context.Background(), key, "tok-a", "")
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, claim.Role)
	assert.Equal(t, "d1", claim.Decision.ID)

	mock.ExpectQuery("INSERT INTO broker_credit_checks").
		WithArgs(pgxmock.AnyArg(), "t1", "mc:123456", window, "pending", "", "tok-b").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, tenant_id").
		WithArgs("t1", "mc:123456", window).
		WillReturnRows(pgxmock.NewRows(decisionColumnNames).
			AddRow("d1", "t1", "mc:123456", window, "pending", "", 0, 0, "", "", "", "tok-a", 1, window))

	claim, err = s.ClaimLeader(context.Background(), key, "tok-b", "")
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, claim.Role)
	assert.Equal(t, "d1", claim.Decision.ID)
	assert.Equal(t, DecisionPending, claim.Decision.Status)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComplete_LostLeadership(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectExec("UPDATE broker_credit_checks").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.Complete(context.Background(), "d1", "old-token", brokerVerdict("approved"))
	assert.ErrorIs(t, err, ErrLostLeadership)
}

func TestTakeOver_NotEligible(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectQuery("UPDATE broker_credit_checks").
		WithArgs("pending", "tok", "d1", "failed", int64(120000)).
		WillReturnError(pgx.ErrNoRows)

	d, ok, err := s.TakeOver(context.Background(), "d1", "tok", 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestInsertAudit_NullsEmptyDecision(t *testing.T) {
	s, mock := newMockPGStore(t)

	mock.ExpectExec("INSERT INTO credit_check_audits").
		WithArgs(pgxmock.AnyArg(), "t1", "load-1", "", "", "", pgxmock.AnyArg(), "", "leader", ApprovalError,
			"load has no broker identity", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertAudit(context.Background(), Audit{
		TenantID: "t1", LoadID: "load-1", Role: RoleLeader, ApprovalStatus: ApprovalError, Error: ErrNoBrokerIdentity.Error(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckBrokerCredit_Postgres(t *testing.T) {
	pool := dbtest.Pool(t, "broker_credit_checks", "credit_check_audits")
	ctx := context.Background()

	store, err := NewPGStore(ctx, pool)
	require.NoError(t, err)

	lookup := &fakeLookup{delay: 50 * time.Millisecond}
	c := NewChecker(CheckerConfig{
		Store:   store,
		Lookup:  lookup,
		Metrics: metrics.NewUnregistered(),
		Poll:    PollConfig{Attempts: 100, Interval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
	})

	const callers = 100
	var wg sync.WaitGroup
	statuses := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.CheckBrokerCredit(ctx, "t1", fmt.Sprintf("load-%d", i), acmeLoad(), "")
			if assert.NoError(t, err) {
				statuses[i] = res.ApprovalStatus
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), lookup.calls.Load())
	for _, s := range statuses {
		assert.Equal(t, "approved", s)
	}

	var decisions, audits, distinct int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM broker_credit_checks`).Scan(&decisions))
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT approval_status) FROM credit_check_audits`).Scan(&audits, &distinct))
	assert.Equal(t, 1, decisions)
	assert.Equal(t, callers, audits)
	assert.Equal(t, 1, distinct)
}
