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

// Package credit coordinates broker credit checks across workers. The
// external verification call is billed and rate limited, so for each
// (tenant, broker, decision window) exactly one caller is elected leader
// by a uniquely-constrained insert and performs the call; every other
// caller follows by polling the shared row. Each caller writes its own
// audit row so every load keeps full lineage.
package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/loadhunt/ingestion/internal/brokerapi"
	"github.com/loadhunt/ingestion/internal/customer"
	"github.com/loadhunt/ingestion/internal/fingerprint"
	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/models"
)

// ApprovalError is the approval status recorded on audits of failed checks.
const ApprovalError = "error"

// settleTimeout bounds decision and audit writes made after the caller's
// context may already be done.
const settleTimeout = 10 * time.Second

var (
	// ErrNoBrokerIdentity means the load carries no usable broker identity.
	ErrNoBrokerIdentity = errors.New("load has no broker identity")
	// ErrLeaderFailed means the elected leader's lookup failed and no
	// takeover produced a decision.
	ErrLeaderFailed = errors.New("credit decision leader failed")
	// ErrLeaderTimeout means the leader did not finish within the poll budget.
	ErrLeaderTimeout = errors.New("timed out waiting for credit decision leader")

	errStillPending = errors.New("decision still pending")
)

// Lookup performs the billed external verification.
type Lookup interface {
	Verify(ctx context.Context, q brokerapi.Query) (*brokerapi.Verdict, error)
}

// Customers resolves broker identities to customer records. When Resolve
// creates customers, concurrent calls for the same broker must converge
// on one customer, or each caller would derive its own broker key.
type Customers interface {
	Resolve(ctx context.Context, tenantID string, q customer.Query) (customer.Resolution, error)
	UpdateApproval(ctx context.Context, tenantID, id, status string) error
}

// PollConfig bounds how long followers wait on a leader.
type PollConfig struct {
	Attempts    int
	Interval    time.Duration
	MaxInterval time.Duration
}

// CheckerConfig holds dependencies for a Checker.
type CheckerConfig struct {
	Store     Store
	Customers Customers // optional
	Lookup    Lookup
	Metrics   *metrics.Metrics

	Window           time.Duration
	Poll             PollConfig
	StaleLeaderAfter time.Duration
	// TakeoverRounds is how many times a follower may try to replace a
	// failed or stale leader. Zero means one; negative disables takeover.
	TakeoverRounds int

	Now func() time.Time
}

// Result is what every caller receives, whatever its role.
type Result struct {
	ApprovalStatus string
	Role           Role
	DecisionID     string
	BrokerKey      string
	WindowStart    time.Time
	CustomerID     string
	CreditScore    int
	DaysToPay      int
}

// Checker runs the leader-election protocol.
type Checker struct {
	store     Store
	customers Customers
	lookup    Lookup
	metrics   *metrics.Metrics

	window         time.Duration
	poll           PollConfig
	staleAfter     time.Duration
	takeoverRounds int
	now            func() time.Time
}

// NewChecker creates a Checker, filling unset policy values with defaults.
func NewChecker(cfg CheckerConfig) *Checker {
	c := &Checker{
		store:          cfg.Store,
		customers:      cfg.Customers,
		lookup:         cfg.Lookup,
		metrics:        cfg.Metrics,
		window:         cfg.Window,
		poll:           cfg.Poll,
		staleAfter:     cfg.StaleLeaderAfter,
		takeoverRounds: cfg.TakeoverRounds,
		now:            cfg.Now,
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.poll.Attempts <= 0 {
		c.poll.Attempts = 10
	}
	if c.poll.Interval <= 0 {
		c.poll.Interval = 250 * time.Millisecond
	}
	if c.poll.MaxInterval < c.poll.Interval {
		c.poll.MaxInterval = 4 * c.poll.Interval
	}
	if c.staleAfter <= 0 {
		c.staleAfter = 2 * time.Minute
	}
	if c.takeoverRounds < 0 {
		c.takeoverRounds = 0
	} else if cfg.TakeoverRounds == 0 {
		c.takeoverRounds = 1
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.metrics == nil {
		c.metrics = metrics.NewUnregistered()
	}
	return c
}

// identity is the broker a check is about.
type identity struct {
	query      brokerapi.Query
	customerID string
	brokerKey  string
}

// CheckBrokerCredit returns the credit decision for the broker on a load.
// Leaders, followers and cache hits all get the same Result shape. An
// audit row is written on every path; audit failures are logged and
// never change the returned decision.
func (c *Checker) CheckBrokerCredit(ctx context.Context, tenantID, loadID string, parsed *models.ParsedLoad, matchID string) (*Result, error) {
	audit := Audit{TenantID: tenantID, LoadID: loadID, MatchID: matchID}

	id, err := c.resolve(ctx, tenantID, parsed)
	if err != nil {
		audit.ApprovalStatus = ApprovalError
		audit.Error = err.Error()
		audit.Role = RoleLeader
		c.writeAudit(ctx, audit)
		return nil, err
	}

	key := Key{TenantID: tenantID, BrokerKey: id.brokerKey, WindowStart: WindowStart(c.now(), c.window)}
	audit.BrokerKey = key.BrokerKey
	audit.WindowStart = key.WindowStart
	audit.CustomerID = id.customerID

	res, decisionID, role, err := c.decide(ctx, key, id)
	audit.DecisionID = decisionID
	audit.Role = role
	c.metrics.CreditChecks.WithLabelValues(string(role)).Inc()

	if err != nil {
		audit.ApprovalStatus = ApprovalError
		audit.Error = err.Error()
		c.writeAudit(ctx, audit)
		return nil, err
	}

	audit.ApprovalStatus = res.ApprovalStatus
	c.writeAudit(ctx, audit)

	if role == RoleLeader && c.customers != nil && id.customerID != "" {
		if err := c.customers.UpdateApproval(ctx, tenantID, id.customerID, res.ApprovalStatus); err != nil {
			slog.Warn("failed to record approval on customer",
				"tenant", tenantID,
				"customer_id", id.customerID,
				"error", err,
			)
		}
	}
	return res, nil
}

func (c *Checker) resolve(ctx context.Context, tenantID string, parsed *models.ParsedLoad) (identity, error) {
	var q brokerapi.Query
	if parsed != nil {
		q.CustomerID = text(parsed.CustomerID)
		q.MCNumber, _ = fingerprint.NormalizeMC(parsed.BrokerMC)
		q.CompanyName = text(parsed.BrokerCompany)
		if q.CompanyName == "" {
			q.CompanyName = text(parsed.BrokerName)
		}
	}

	id := identity{query: q, customerID: q.CustomerID}
	if c.customers != nil && (q.CustomerID != "" || q.MCNumber != "" || q.CompanyName != "") {
		res, err := c.customers.Resolve(ctx, tenantID, customer.Query{
			CustomerID: q.CustomerID, MCNumber: q.MCNumber, CompanyName: q.CompanyName,
		})
		if err != nil {
			return identity{}, fmt.Errorf("resolve broker customer: %w", err)
		}
		if res.Customer != nil {
			id.customerID = res.Customer.ID
			id.query.CustomerID = res.Customer.ID
			if id.query.MCNumber == "" {
				id.query.MCNumber = res.Customer.MCNumber
			}
		} else {
			id.customerID = ""
			id.query.CustomerID = ""
		}
	}

	key, ok := DeriveBrokerKey(id.customerID, id.query.MCNumber, id.query.CompanyName)
	if !ok {
		return identity{}, ErrNoBrokerIdentity
	}
	id.brokerKey = key
	return id, nil
}

func (c *Checker) decide(ctx context.Context, key Key, id identity) (*Result, string, Role, error) {
	cached, err := c.store.FindComplete(ctx, key)
	if err != nil {
		return nil, "", RoleCached, err
	}
	if cached != nil {
		return c.result(cached, RoleCached), cached.ID, RoleCached, nil
	}

	token := uuid.NewString()
	claim, err := c.store.ClaimLeader(ctx, key, token, id.customerID)
	if err != nil {
		return nil, "", RoleLeader, err
	}

	if claim.Role == RoleLeader {
		res, err := c.lead(ctx, claim.Decision, token, id)
		return res, claim.Decision.ID, RoleLeader, err
	}
	return c.follow(ctx, claim.Decision, id)
}

// lead performs the external call and records its outcome on the row
// this caller holds.
func (c *Checker) lead(ctx context.Context, d *Decision, token string, id identity) (*Result, error) {
	slog.Info("elected credit decision leader",
		"tenant", d.Key.TenantID,
		"broker_key", d.Key.BrokerKey,
		"window_start", d.Key.WindowStart,
		"attempt", d.Attempt,
	)

	verdict, err := c.lookup.Verify(ctx, id.query)

	// The outcome is recorded even when ctx was cancelled mid-call, or
	// followers would wait out the stale-leader age on a pending row.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err != nil {
		c.metrics.CreditExternalCalls.WithLabelValues("error").Inc()
		if failErr := c.store.Fail(settleCtx, d.ID, token, err.Error()); failErr != nil {
			slog.Error("failed to mark credit decision failed",
				"decision_id", d.ID,
				"error", failErr,
			)
		}
		return nil, fmt.Errorf("broker verification for %s: %w", d.Key.BrokerKey, err)
	}
	c.metrics.CreditExternalCalls.WithLabelValues("ok").Inc()

	if err := c.store.Complete(settleCtx, d.ID, token, *verdict); err != nil {
		// The verdict is still valid for this caller even if the row was
		// taken over or the write failed; followers will poll it again.
		slog.Warn("failed to publish credit decision",
			"decision_id", d.ID,
			"error", err,
		)
	}

	done := *d
	done.Status = DecisionComplete
	done.ApprovalStatus = verdict.ApprovalStatus
	done.CreditScore = verdict.CreditScore
	done.DaysToPay = verdict.DaysToPay
	done.CustomerID = id.customerID
	return c.result(&done, RoleLeader), nil
}

// follow waits on another caller's decision. When the leader failed or
// went stale, a bounded number of takeover rounds let this caller become
// leader of a fresh attempt. It always terminates.
func (c *Checker) follow(ctx context.Context, d *Decision, id identity) (*Result, string, Role, error) {
	decisionID := d.ID
	var last *Decision
	for round := 0; round <= c.takeoverRounds; round++ {
		var err error
		last, err = c.await(ctx, decisionID)
		if err != nil && !errors.Is(err, errStillPending) {
			return nil, decisionID, RoleFollower, err
		}
		if last != nil && last.Status == DecisionComplete {
			return c.result(last, RoleFollower), decisionID, RoleFollower, nil
		}
		if round == c.takeoverRounds {
			break
		}

		token := uuid.NewString()
		taken, ok, err := c.store.TakeOver(ctx, decisionID, token, c.staleAfter)
		if err != nil {
			return nil, decisionID, RoleFollower, err
		}
		if ok {
			slog.Warn("taking over credit decision from previous leader",
				"decision_id", decisionID,
				"broker_key", taken.Key.BrokerKey,
				"attempt", taken.Attempt,
			)
			res, err := c.lead(ctx, taken, token, id)
			return res, decisionID, RoleLeader, err
		}
	}

	if last != nil && last.Status == DecisionFailed {
		return nil, decisionID, RoleFollower, fmt.Errorf("%w: %s", ErrLeaderFailed, last.Error)
	}
	return nil, decisionID, RoleFollower, ErrLeaderTimeout
}

// await polls a decision with exponential backoff until it is complete or
// failed, or the attempt budget runs out. It returns the last row seen and
// errStillPending when the budget ran out.
func (c *Checker) await(ctx context.Context, decisionID string) (*Decision, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.poll.Interval
	b.MaxInterval = c.poll.MaxInterval
	b.MaxElapsedTime = 0

	var last *Decision
	op := func() error {
		d, err := c.store.Get(ctx, decisionID)
		if err != nil {
			return err
		}
		if d == nil {
			return backoff.Permanent(fmt.Errorf("credit decision %s disappeared", decisionID))
		}
		last = d
		if d.Status == DecisionPending {
			return errStillPending
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.poll.Attempts)), ctx))
	if err != nil && last != nil && last.Status == DecisionPending && ctx.Err() == nil {
		return last, errStillPending
	}
	return last, err
}

// text keeps the original casing of string fields, which matters for
// customer ids and display names.
func text(v any) string {
	if s, ok := v.(string); ok {
		return strings.Join(strings.Fields(s), " ")
	}
	s, _ := fingerprint.NormalizeString(v)
	return s
}

func (c *Checker) result(d *Decision, role Role) *Result {
	return &Result{
		ApprovalStatus: d.ApprovalStatus,
		Role:           role,
		DecisionID:     d.ID,
		BrokerKey:      d.Key.BrokerKey,
		WindowStart:    d.Key.WindowStart,
		CustomerID:     d.CustomerID,
		CreditScore:    d.CreditScore,
		DaysToPay:      d.DaysToPay,
	}
}

func (c *Checker) writeAudit(ctx context.Context, a Audit) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := c.store.InsertAudit(ctx, a); err != nil {
		c.metrics.CreditAuditFailures.Inc()
		slog.Error("failed to write credit audit",
			"tenant", a.TenantID,
			"load_id", a.LoadID,
			"decision_id", a.DecisionID,
			"error", err,
		)
	}
}
