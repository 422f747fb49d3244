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
	"time"

	"github.com/spf13/cobra"

	"github.com/loadhunt/ingestion/internal/queue"
)

func queueCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the load queue",
	}
	cmd.AddCommand(queueStatsCommand(a))
	cmd.AddCommand(queueSweepCommand(a))
	return cmd
}

func (a *app) queueManager(cmd *cobra.Command) (*queue.Manager, error) {
	return queue.NewManager(cmd.Context(), a.pool, queue.Options{
		MaxAttempts:  a.cfg.Worker.MaxAttempts,
		SweepTimeout: a.cfg.Worker.SweepTimeout,
	})
}

func queueStatsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show item counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queueManager(cmd)
			if err != nil {
				return err
			}
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range []queue.Status{queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted, queue.StatusFailed} {
				fmt.Fprintf(cmd.OutOrStdout(), "%-11s %d\n", s, stats[s])
			}
			return nil
		},
	}
}

func queueSweepCommand(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return items stuck in processing to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.queueManager(cmd)
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = a.cfg.Worker.StaleAfter
			}
			n := q.ResetStaleItems(cmd.Context(), olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d item(s) older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "processing age threshold (default worker.stale_after)")
	return cmd
}
