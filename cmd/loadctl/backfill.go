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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loadhunt/ingestion/internal/backfill"
	"github.com/loadhunt/ingestion/internal/content"
	"github.com/loadhunt/ingestion/internal/fingerprint"
	"github.com/loadhunt/ingestion/internal/queue"
)

func backfillCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Recompute derived data for historical queue rows",
	}
	cmd.AddCommand(backfillFingerprintsCommand(a))
	return cmd
}

func backfillFingerprintsCommand(a *app) *cobra.Command {
	var (
		name      string
		limit     int
		pageSize  int
		pageDelay time.Duration
		dryRun    bool
		reset     bool
	)

	cmd := &cobra.Command{
		Use:   "fingerprints",
		Short: "Fingerprint completed and failed loads that predate the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Interrupts stop between pages; the checkpoint keeps progress.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q, err := queue.NewManager(ctx, a.pool, queue.Options{MaxAttempts: a.cfg.Worker.MaxAttempts})
			if err != nil {
				return err
			}
			contents, err := content.NewStore(ctx, a.pool)
			if err != nil {
				return err
			}
			checkpoints, err := backfill.NewCheckpointStore(ctx, a.pool)
			if err != nil {
				return err
			}

			engine := fingerprint.NewEngine(fingerprint.Options{
				Version:         a.cfg.Fingerprint.Version,
				IncludeProvider: a.cfg.Fingerprint.IncludeProvider,
			})
			if name == "" {
				name = fmt.Sprintf("fingerprints-v%d", engine.Version())
			}
			if reset {
				if err := checkpoints.Reset(ctx, name); err != nil {
					return err
				}
			}

			runner := backfill.NewRunner(backfill.RunnerConfig{
				Source:      q,
				Writer:      backfill.NewTxWriter(a.pool, q, contents),
				Engine:      engine,
				Checkpoints: checkpoints,
				PageSize:    pageSize,
				PageDelay:   pageDelay,
			})
			res, runErr := runner.Run(ctx, backfill.Request{Name: name, Limit: limit, DryRun: dryRun})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:          %s\n", res.Name)
			fmt.Fprintf(out, "pages:        %d\n", res.Pages)
			fmt.Fprintf(out, "processed:    %d\n", res.Processed)
			fmt.Fprintf(out, "eligible:     %d\n", res.Eligible)
			fmt.Fprintf(out, "ineligible:   %d\n", res.Ineligible)
			fmt.Fprintf(out, "new content:  %d\n", res.NewContent)
			fmt.Fprintf(out, "duplicates:   %d\n", res.Duplicates)
			fmt.Fprintf(out, "errors:       %d\n", res.Errors)
			fmt.Fprintf(out, "elapsed:      %s\n", res.Elapsed.Round(time.Millisecond))
			return runErr
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "checkpoint name (default fingerprints-v<version>)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to process (0 = all)")
	cmd.Flags().IntVar(&pageSize, "page-size", 500, "rows per page")
	cmd.Flags().DurationVar(&pageDelay, "page-delay", 0, "pause between pages")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute without writing")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the stored checkpoint first")
	return cmd
}
