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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loadhunt/ingestion/internal/credit"
	"github.com/loadhunt/ingestion/internal/customer"
)

func creditCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Broker credit decisions",
	}
	cmd.AddCommand(creditOverrideCommand(a))
	return cmd
}

func creditOverrideCommand(a *app) *cobra.Command {
	var o credit.Override

	cmd := &cobra.Command{
		Use:   "override",
		Short: "Record a manual approval decision for a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if o.Operator == "" {
				o.Operator = os.Getenv("USER")
			}

			customers, err := customer.NewStore(ctx, a.pool, customer.StoreConfig{MaxDrift: a.cfg.Credit.FuzzyMaxDrift})
			if err != nil {
				return err
			}
			store, err := credit.NewPGStore(ctx, a.pool)
			if err != nil {
				return err
			}
			checker := credit.NewChecker(credit.CheckerConfig{
				Store:     store,
				Customers: customers,
				Window:    a.cfg.Credit.Window,
			})

			res, err := checker.OverrideApproval(ctx, o)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "customer %s set to %s by %s\n", res.CustomerID, res.ApprovalStatus, o.Operator)
			return nil
		},
	}

	cmd.Flags().StringVar(&o.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&o.CustomerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&o.Status, "status", "", "approval status (e.g. approved, denied)")
	cmd.Flags().StringVar(&o.Operator, "operator", "", "who made the decision (default $USER)")
	cmd.Flags().StringVar(&o.Note, "note", "", "free-text reason")
	cmd.Flags().StringVar(&o.LoadID, "load", "", "queue item the decision relates to")
	cmd.Flags().StringVar(&o.MatchID, "match", "", "hunt match the decision relates to")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("customer")
	cmd.MarkFlagRequired("status")
	return cmd
}
