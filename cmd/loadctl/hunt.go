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

	"github.com/spf13/cobra"

	"github.com/loadhunt/ingestion/internal/hunt"
)

func huntCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hunt",
		Short: "Manage tenant lane hunts",
	}
	cmd.AddCommand(huntCreateCommand(a))
	return cmd
}

func huntCreateCommand(a *app) *cobra.Command {
	var h hunt.Hunt

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active hunt; omitted criteria match any load",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := hunt.NewStore(cmd.Context(), a.pool)
			if err != nil {
				return err
			}
			h.Active = true
			created, err := store.Create(cmd.Context(), h)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&h.TenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&h.Name, "name", "", "display name")
	cmd.Flags().StringVar(&h.OriginState, "origin", "", "origin state")
	cmd.Flags().StringVar(&h.DestinationState, "destination", "", "destination state")
	cmd.Flags().StringVar(&h.EquipmentType, "equipment", "", "equipment type")
	cmd.MarkFlagRequired("tenant")
	return cmd
}
