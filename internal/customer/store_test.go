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

package customer

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadhunt/ingestion/internal/database/dbtest"
)

var customerColumnNames = []string{"id", "tenant_id", "company_name", "normalized_name", "mc_number", "approval_status"}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Acme Freight, Inc.", "acme freight"},
		{"  ACME   FREIGHT LLC ", "acme freight"},
		{"Co", "co"},
		{"J.B. Hunt Transport Co", "j b hunt transport"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestBestNameMatch(t *testing.T) {
	candidates := []Customer{
		{ID: "1", NormalizedName: "acme freight"},
		{ID: "2", NormalizedName: "acme freight systems"},
		{ID: "3", NormalizedName: "zenith logistics"},
	}

	tests := []struct {
		name   string
		query  string
		wantID string
	}{
		{name: "exact", query: "acme freight", wantID: "1"},
		{name: "one typo", query: "acme frieght", wantID: "1"},
		{name: "closest wins", query: "acme freight system", wantID: "2"},
		{name: "too far", query: "apex carriers", wantID: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BestNameMatch(tt.query, candidates, DefaultMaxDrift)
			if tt.wantID == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func newMockStore(t *testing.T, cfg StoreConfig) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS customers").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := NewStore(context.Background(), mock, cfg)
	require.NoError(t, err)
	return s, mock
}

func TestResolve_UnknownIDFallsBackToMC(t *testing.T) {
	s, mock := newMockStore(t, StoreConfig{})

	mock.ExpectQuery("SELECT id, tenant_id").
		WithArgs("t1", "cust-gone").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT id, tenant_id").
		WithArgs("t1", "123456").
		WillReturnRows(pgxmock.NewRows(customerColumnNames).
			AddRow("cust-1", "t1", "Acme Freight", "acme freight", "123456", "approved"))

	res, err := s.Resolve(context.Background(), "t1", Query{CustomerID: "cust-gone", MCNumber: "MC-123456"})
	require.NoError(t, err)
	require.NotNil(t, res.Customer)
	assert.Equal(t, MatchByMC, res.Kind)
	assert.Equal(t, "cust-1", res.Customer.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_NoIdentityNeverCreates(t *testing.T) {
	s, mock := newMockStore(t, StoreConfig{CreateOnMiss: true})

	res, err := s.Resolve(context.Background(), "t1", Query{})
	require.NoError(t, err)
	assert.Nil(t, res.Customer)
	assert.Equal(t, MatchNotFound, res.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_NameOnlyCreateConflictReturnsWinner(t *testing.T) {
	s, mock := newMockStore(t, StoreConfig{CreateOnMiss: true})

	mock.ExpectQuery("SELECT id, tenant_id").
		WithArgs("t1", candidateLimit).
		WillReturnRows(pgxmock.NewRows(customerColumnNames))
	mock.ExpectExec("INSERT INTO customers").
		WithArgs(pgxmock.AnyArg(), "t1", "Acme Freight", "acme freight", "", ApprovalUnknown).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery("SELECT id, tenant_id").
		WithArgs("t1", "acme freight").
		WillReturnRows(pgxmock.NewRows(customerColumnNames).
			AddRow("cust-first", "t1", "Acme Freight", "acme freight", "", "unknown"))

	res, err := s.Resolve(context.Background(), "t1", Query{CompanyName: "Acme Freight"})
	require.NoError(t, err)
	require.NotNil(t, res.Customer)
	assert.Equal(t, MatchCreated, res.Kind)
	assert.Equal(t, "cust-first", res.Customer.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_ConcurrentNameOnlyCreatesOneCustomer_Postgres(t *testing.T) {
	pool := dbtest.Pool(t, "customers")
	ctx := context.Background()

	s, err := NewStore(ctx, pool, StoreConfig{CreateOnMiss: true})
	require.NoError(t, err)

	const callers = 50
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Resolve(ctx, "t1", Query{CompanyName: "Acme Freight"})
			if assert.NoError(t, err) && assert.NotNil(t, res.Customer) {
				ids[i] = res.Customer.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM customers WHERE tenant_id = 't1'`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestResolve_Postgres(t *testing.T) {
	pool := dbtest.Pool(t, "customers")
	ctx := context.Background()

	s, err := NewStore(ctx, pool, StoreConfig{CreateOnMiss: true})
	require.NoError(t, err)

	created, err := s.Resolve(ctx, "t1", Query{CompanyName: "Acme Freight, Inc.", MCNumber: "MC 123456"})
	require.NoError(t, err)
	require.NotNil(t, created.Customer)
	assert.Equal(t, MatchCreated, created.Kind)
	assert.Equal(t, ApprovalUnknown, created.Customer.ApprovalStatus)

	byMC, err := s.Resolve(ctx, "t1", Query{MCNumber: "123456"})
	require.NoError(t, err)
	assert.Equal(t, MatchByMC, byMC.Kind)
	assert.Equal(t, created.Customer.ID, byMC.Customer.ID)

	byName, err := s.Resolve(ctx, "t1", Query{CompanyName: "ACME Frieght"})
	require.NoError(t, err)
	assert.Equal(t, MatchByName, byName.Kind)
	assert.Equal(t, created.Customer.ID, byName.Customer.ID)

	otherTenant, err := s.Resolve(ctx, "t2", Query{MCNumber: "123456"})
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, otherTenant.Kind, "customers are tenant scoped")

	require.NoError(t, s.UpdateApproval(ctx, "t1", created.Customer.ID, "approved"))
	got, err := s.Get(ctx, "t1", created.Customer.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", got.ApprovalStatus)
}
