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
	"log/slog"
)

// Override is an operator's authoritative approval decision.
type Override struct {
	TenantID   string
	CustomerID string
	LoadID     string
	MatchID    string
	Status     string
	Operator   string
	Note       string
}

// OverrideApproval records a manual approval. It skips the election
// entirely, since a single human decision has nothing to coordinate, but
// writes the same audit shape as automated checks and updates the
// customer record.
func (c *Checker) OverrideApproval(ctx context.Context, o Override) (*Result, error) {
	switch {
	case o.TenantID == "":
		return nil, errors.New("override requires a tenant")
	case o.CustomerID == "":
		return nil, errors.New("override requires a customer")
	case o.Status == "":
		return nil, errors.New("override requires an approval status")
	case o.Operator == "":
		return nil, errors.New("override requires an operator")
	}

	if c.customers != nil {
		if err := c.customers.UpdateApproval(ctx, o.TenantID, o.CustomerID, o.Status); err != nil {
			return nil, fmt.Errorf("apply override: %w", err)
		}
	}

	brokerKey, _ := DeriveBrokerKey(o.CustomerID, "", "")
	res := &Result{
		ApprovalStatus: o.Status,
		Role:           RoleManual,
		BrokerKey:      brokerKey,
		CustomerID:     o.CustomerID,
	}

	c.metrics.CreditChecks.WithLabelValues(string(RoleManual)).Inc()
	c.writeAudit(ctx, Audit{
		TenantID:       o.TenantID,
		LoadID:         o.LoadID,
		MatchID:        o.MatchID,
		BrokerKey:      brokerKey,
		CustomerID:     o.CustomerID,
		Role:           RoleManual,
		ApprovalStatus: o.Status,
		Operator:       o.Operator,
		Note:           o.Note,
	})

	slog.Info("manual credit override applied",
		"tenant", o.TenantID,
		"customer_id", o.CustomerID,
		"status", o.Status,
		"operator", o.Operator,
	)
	return res, nil
}
