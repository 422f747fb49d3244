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

// loadctl is the operator CLI for the ingestion service: fingerprint
// backfills, manual credit decisions, hunt management and queue
// maintenance.
//
// Usage:
//
//	loadctl backfill fingerprints [--name n] [--limit 1000] [--dry-run]
//	loadctl credit override --tenant t --customer c --status approved --operator me
//	loadctl hunt create --tenant t --origin TX --destination CA
//	loadctl queue stats
//	loadctl queue sweep --older-than 15m
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/loadhunt/ingestion/internal/config"
	"github.com/loadhunt/ingestion/internal/database"
)

// app carries what every subcommand needs once the root pre-run has
// loaded configuration and connected to Postgres.
type app struct {
	cfg  *config.Config
	pool *pgxpool.Pool
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var configPath string
	var verbose bool

	root := &cobra.Command{
		Use:           "loadctl",
		Short:         "Operate the LoadHunt ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			pool, err := database.Connect(cmd.Context(), database.PoolConfig{
				URL:      cfg.Database.URL,
				MaxConns: cfg.Database.MaxConns,
			})
			if err != nil {
				return err
			}
			a.cfg, a.pool = cfg, pool
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.pool != nil {
				a.pool.Close()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to CONFIG_PATH or /app/config/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(backfillCommands(a))
	root.AddCommand(creditCommands(a))
	root.AddCommand(huntCommands(a))
	root.AddCommand(queueCommands(a))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
