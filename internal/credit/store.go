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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loadhunt/ingestion/internal/brokerapi"
	"github.com/loadhunt/ingestion/internal/database"
)

// DecisionStatus is the state of a shared credit decision row.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionComplete DecisionStatus = "complete"
	DecisionFailed   DecisionStatus = "failed"
)

// Role is how a caller took part in a decision.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
	RoleCached   Role = "cached"
	RoleManual   Role = "manual"
)

// Key identifies one shared decision.
type Key struct {
	TenantID    string
	BrokerKey   string
	WindowStart time.Time
}

// Decision is a broker credit decision shared by every load in a window.
type Decision struct {
	ID             string
	Key            Key
	Status         DecisionStatus
	ApprovalStatus string
	CreditScore    int
	DaysToPay      int
	Reference      string
	Error          string
	CustomerID     string
	LeaderToken    string
	Attempt        int
	UpdatedAt      time.Time
}

// Claim is the tagged outcome of trying to become leader for a key.
// Decision is the row this caller inserted (leader) or the row that won
// the race (follower).
type Claim struct {
	Role     Role
	Decision *Decision
}

// Audit is the per-load lineage row written for every check.
type Audit struct {
	ID             string
	TenantID       string
	LoadID         string
	MatchID        string
	DecisionID     string
	BrokerKey      string
	WindowStart    time.Time
	CustomerID     string
	Role           Role
	ApprovalStatus string
	Error          string
	Operator       string
	Note           string
}

// Store is the persistence contract of the election protocol. Every
// method is a single atomic statement against the shared decision table.
type Store interface {
	// FindComplete returns the completed decision for key, or nil.
	FindComplete(ctx context.Context, key Key) (*Decision, error)
	// ClaimLeader inserts a pending decision for key unless one exists.
	ClaimLeader(ctx context.Context, key Key, token, customerID string) (Claim, error)
	// Get returns a decision by id, or nil.
	Get(ctx context.Context, id string) (*Decision, error)
	// Complete records the verdict. It only succeeds for the holder of token.
	Complete(ctx context.Context, id, token string, v brokerapi.Verdict) error
	// Fail marks the decision failed. It only succeeds for the holder of token.
	Fail(ctx context.Context, id, token, cause string) error
	// TakeOver hands leadership to token if the decision failed or has been
	// pending longer than staleAfter. ok is false if someone else holds it.
	TakeOver(ctx context.Context, id, token string, staleAfter time.Duration) (*Decision, bool, error)
	// InsertAudit writes one lineage row.
	InsertAudit(ctx context.Context, a Audit) error
}

// ErrLostLeadership is returned by Complete and Fail when another caller
// took the decision over in the meantime.
var ErrLostLeadership = errors.New("credit decision leadership lost")

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db database.DBTX
}

// NewPGStore creates the store and ensures its tables exist.
func NewPGStore(ctx context.Context, db database.DBTX) (*PGStore, error) {
	s := &PGStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure credit schema: %w", err)
	}
	return s, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS broker_credit_checks (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			broker_key            TEXT NOT NULL,
			decision_window_start TIMESTAMPTZ NOT NULL,
			status                TEXT NOT NULL,
			approval_status       TEXT NOT NULL DEFAULT '',
			credit_score          INTEGER NOT NULL DEFAULT 0,
			days_to_pay           INTEGER NOT NULL DEFAULT 0,
			reference             TEXT NOT NULL DEFAULT '',
			error                 TEXT NOT NULL DEFAULT '',
			customer_id           TEXT NOT NULL DEFAULT '',
			leader_token          TEXT NOT NULL,
			attempt               INTEGER NOT NULL DEFAULT 1,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at          TIMESTAMPTZ,
			UNIQUE (tenant_id, broker_key, decision_window_start)
		);
		CREATE TABLE IF NOT EXISTS credit_check_audits (
			id                    TEXT PRIMARY KEY,
			tenant_id             TEXT NOT NULL,
			load_id               TEXT NOT NULL,
			match_id              TEXT NOT NULL DEFAULT '',
			decision_id           TEXT,
			broker_key            TEXT NOT NULL DEFAULT '',
			decision_window_start TIMESTAMPTZ,
			customer_id           TEXT NOT NULL DEFAULT '',
			role                  TEXT NOT NULL,
			approval_status       TEXT NOT NULL,
			error                 TEXT NOT NULL DEFAULT '',
			operator              TEXT NOT NULL DEFAULT '',
			note                  TEXT NOT NULL DEFAULT '',
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_credit_audits_load ON credit_check_audits(tenant_id, load_id);
		CREATE INDEX IF NOT EXISTS idx_credit_audits_decision ON credit_check_audits(decision_id);
	`)
	return err
}

const decisionColumns = `id, tenant_id, broker_key, decision_window_start, status, approval_status,
		credit_score, days_to_pay, reference, error, customer_id, leader_token, attempt, updated_at`

func scanDecision(row pgx.Row) (*Decision, error) {
	var d Decision
	var status string
	err := row.Scan(
		&d.ID, &d.Key.TenantID, &d.Key.BrokerKey, &d.Key.WindowStart, &status, &d.ApprovalStatus,
		&d.CreditScore, &d.DaysToPay, &d.Reference, &d.Error, &d.CustomerID, &d.LeaderToken, &d.Attempt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Status = DecisionStatus(status)
	d.Key.WindowStart = d.Key.WindowStart.UTC()
	return &d, nil
}

// FindComplete implements Store.
func (s *PGStore) FindComplete(ctx context.Context, key Key) (*Decision, error) {
	d, err := scanDecision(s.db.QueryRow(ctx, `
		SELECT `+decisionColumns+`
		FROM broker_credit_checks
		WHERE tenant_id = $1 AND broker_key = $2 AND decision_window_start = $3 AND status = $4
	`, key.TenantID, key.BrokerKey, key.WindowStart, string(DecisionComplete)))
	if err != nil {
		return nil, fmt.Errorf("find complete decision: %w", err)
	}
	return d, nil
}

// ClaimLeader implements Store. The unique key makes the insert the
// linearization point: a returned row means leader, no row means a
// concurrent caller won and this caller follows the winner's row.
func (s *PGStore) ClaimLeader(ctx context.Context, key Key, token, customerID string) (Claim, error) {
	d, err := scanDecision(s.db.QueryRow(ctx, `
		INSERT INTO broker_credit_checks (id, tenant_id, broker_key, decision_window_start, status, customer_id, leader_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, broker_key, decision_window_start) DO NOTHING
		RETURNING `+decisionColumns,
		uuid.NewString(), key.TenantID, key.BrokerKey, key.WindowStart, string(DecisionPending), customerID, token))
	if err != nil {
		return Claim{}, fmt.Errorf("claim decision leadership: %w", err)
	}
	if d != nil {
		return Claim{Role: RoleLeader, Decision: d}, nil
	}

	winner, err := scanDecision(s.db.QueryRow(ctx, `
		SELECT `+decisionColumns+`
		FROM broker_credit_checks
		WHERE tenant_id = $1 AND broker_key = $2 AND decision_window_start = $3
	`, key.TenantID, key.BrokerKey, key.WindowStart))
	if err != nil {
		return Claim{}, fmt.Errorf("load winning decision: %w", err)
	}
	if winner == nil {
		return Claim{}, fmt.Errorf("decision for %s vanished after insert conflict", key.BrokerKey)
	}
	return Claim{Role: RoleFollower, Decision: winner}, nil
}

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, id string) (*Decision, error) {
	d, err := scanDecision(s.db.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM broker_credit_checks WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, err)
	}
	return d, nil
}

// Complete implements Store.
func (s *PGStore) Complete(ctx context.Context, id, token string, v brokerapi.Verdict) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE broker_credit_checks
		SET status = $1, approval_status = $2, credit_score = $3, days_to_pay = $4, reference = $5,
		    error = '', completed_at = NOW(), updated_at = NOW()
		WHERE id = $6 AND leader_token = $7 AND status = $8
	`, string(DecisionComplete), v.ApprovalStatus, v.CreditScore, v.DaysToPay, v.Reference,
		id, token, string(DecisionPending))
	if err != nil {
		return fmt.Errorf("complete decision %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete decision %s: %w", id, ErrLostLeadership)
	}
	return nil
}

// Fail implements Store.
func (s *PGStore) Fail(ctx context.Context, id, token, cause string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE broker_credit_checks
		SET status = $1, error = $2, updated_at = NOW()
		WHERE id = $3 AND leader_token = $4 AND status = $5
	`, string(DecisionFailed), cause, id, token, string(DecisionPending))
	if err != nil {
		return fmt.Errorf("fail decision %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail decision %s: %w", id, ErrLostLeadership)
	}
	return nil
}

// TakeOver implements Store. The WHERE clause is the guard: once one
// caller has reset the row to a fresh pending attempt, it no longer
// qualifies for anyone else.
func (s *PGStore) TakeOver(ctx context.Context, id, token string, staleAfter time.Duration) (*Decision, bool, error) {
	d, err := scanDecision(s.db.QueryRow(ctx, `
		UPDATE broker_credit_checks
		SET status = $1, leader_token = $2, attempt = attempt + 1, error = '', updated_at = NOW()
		WHERE id = $3
		  AND (status = $4 OR (status = $1 AND updated_at < NOW() - ($5 * INTERVAL '1 millisecond')))
		RETURNING `+decisionColumns,
		string(DecisionPending), token, id, string(DecisionFailed), staleAfter.Milliseconds()))
	if err != nil {
		return nil, false, fmt.Errorf("take over decision %s: %w", id, err)
	}
	return d, d != nil, nil
}

// InsertAudit implements Store.
func (s *PGStore) InsertAudit(ctx context.Context, a Audit) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var windowStart *time.Time
	if !a.WindowStart.IsZero() {
		windowStart = &a.WindowStart
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO credit_check_audits (
			id, tenant_id, load_id, match_id, decision_id, broker_key, decision_window_start,
			customer_id, role, approval_status, error, operator, note
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.TenantID, a.LoadID, a.MatchID, a.DecisionID, a.BrokerKey, windowStart,
		a.CustomerID, string(a.Role), a.ApprovalStatus, a.Error, a.Operator, a.Note)
	if err != nil {
		return fmt.Errorf("insert credit audit for load %s: %w", a.LoadID, err)
	}
	return nil
}
