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

package hunt

import (
	"context"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadhunt/ingestion/internal/database/dbtest"
	"github.com/loadhunt/ingestion/internal/fingerprint"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS hunts").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s, err := NewStore(context.Background(), mock)
	require.NoError(t, err)
	return s, mock
}

func TestMatch_RecordsEachHunt(t *testing.T) {
	s, mock := newMockStore(t)

	canonical := map[string]any{
		fingerprint.KeyOriginState:      "PA",
		fingerprint.KeyDestinationState: "MA",
	}

	mock.ExpectQuery("SELECT id, name").
		WithArgs("t1", "PA", "MA", "").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name"}).
			AddRow("h1", "PA outbound").
			AddRow("h2", "anything"))
	mock.ExpectQuery("INSERT INTO hunt_matches").
		WithArgs(pgxmock.AnyArg(), "h1", "t1", "item-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectQuery("INSERT INTO hunt_matches").
		WithArgs(pgxmock.AnyArg(), "h2", "t1", "item-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("m2"))

	matches, err := s.Match(context.Background(), "t1", "item-1", canonical)
	require.NoError(t, err)
	assert.Equal(t, []Match{
		{ID: "m1", HuntID: "h1", HuntName: "PA outbound"},
		{ID: "m2", HuntID: "h2", HuntName: "anything"},
	}, matches)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatch_Postgres(t *testing.T) {
	pool := dbtest.Pool(t, "hunt_matches", "hunts")
	ctx := context.Background()

	s, err := NewStore(ctx, pool)
	require.NoError(t, err)

	paToMA, err := s.Create(ctx, Hunt{TenantID: "t1", Name: "PA to MA", OriginState: "pa", DestinationState: " ma "})
	require.NoError(t, err)
	_, err = s.Create(ctx, Hunt{TenantID: "t1", Name: "reefers", EquipmentType: "Reefer"})
	require.NoError(t, err)
	_, err = s.Create(ctx, Hunt{TenantID: "t2", Name: "other tenant"})
	require.NoError(t, err)

	canonical := map[string]any{
		fingerprint.KeyOriginState:      "PA",
		fingerprint.KeyDestinationState: "MA",
		fingerprint.KeyEquipmentType:    "dry van",
	}

	first, err := s.Match(ctx, "t1", "item-1", canonical)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, paToMA.ID, first[0].HuntID)

	again, err := s.Match(ctx, "t1", "item-1", canonical)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID, "re-matching is idempotent")
}
