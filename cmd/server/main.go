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

// LoadHunt ingestion service
//
// Entry point for the long-running ingestion process. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis and ensures every table exists
//  3. Consumes parsed load envelopes from Redis into the load queue
//  4. Runs the queue worker (fingerprint, hunts, content, broker credit)
//  5. Serves /health and /metrics
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/loadhunt/ingestion/internal/brokerapi"
	"github.com/loadhunt/ingestion/internal/config"
	"github.com/loadhunt/ingestion/internal/content"
	"github.com/loadhunt/ingestion/internal/credit"
	"github.com/loadhunt/ingestion/internal/customer"
	"github.com/loadhunt/ingestion/internal/database"
	"github.com/loadhunt/ingestion/internal/dedup"
	"github.com/loadhunt/ingestion/internal/events"
	"github.com/loadhunt/ingestion/internal/fingerprint"
	"github.com/loadhunt/ingestion/internal/httpserver"
	"github.com/loadhunt/ingestion/internal/hunt"
	"github.com/loadhunt/ingestion/internal/intake"
	"github.com/loadhunt/ingestion/internal/metrics"
	"github.com/loadhunt/ingestion/internal/queue"
	"github.com/loadhunt/ingestion/internal/worker"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting LoadHunt ingestion service")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"tenants", len(cfg.Tenants),
		"credit_window", cfg.Credit.Window,
		"fingerprint_version", cfg.Fingerprint.Version,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// --- PostgreSQL ---
	pgPool, err := database.Connect(ctx, database.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	// --- Redis ---
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := events.NewPublisher(rdb, cfg.Redis.EventsList)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Stores ---
	queueMgr, err := queue.NewManager(ctx, pgPool, queue.Options{
		MaxAttempts:  cfg.Worker.MaxAttempts,
		SweepTimeout: cfg.Worker.SweepTimeout,
		Metrics:      m,
	})
	if err != nil {
		slog.Error("failed to initialise load queue", "error", err)
		os.Exit(1)
	}
	contentStore, err := content.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise content store", "error", err)
		os.Exit(1)
	}
	huntStore, err := hunt.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise hunt store", "error", err)
		os.Exit(1)
	}
	customers, err := customer.NewStore(ctx, pgPool, customer.StoreConfig{
		MaxDrift:     cfg.Credit.FuzzyMaxDrift,
		CreateOnMiss: cfg.Credit.CreateCustomers,
	})
	if err != nil {
		slog.Error("failed to initialise customer store", "error", err)
		os.Exit(1)
	}
	creditStore, err := credit.NewPGStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise credit store", "error", err)
		os.Exit(1)
	}

	// --- Broker verification ---
	broker := brokerapi.NewClient(brokerapi.ClientConfig{
		HTTPClient: brokerapi.NewOAuthHTTPClient(ctx, brokerapi.OAuthConfig{
			ClientID:     cfg.BrokerAPI.ClientID,
			ClientSecret: cfg.BrokerAPI.ClientSecret,
			TokenURL:     cfg.BrokerAPI.TokenURL,
			Scopes:       cfg.BrokerAPI.Scopes,
		}),
		BaseURL:           cfg.BrokerAPI.BaseURL,
		RequestsPerSecond: cfg.BrokerAPI.RequestsPerSecond,
		Burst:             cfg.BrokerAPI.Burst,
	})

	checker := credit.NewChecker(credit.CheckerConfig{
		Store:     creditStore,
		Customers: customers,
		Lookup:    broker,
		Metrics:   m,
		Window:    cfg.Credit.Window,
		Poll: credit.PollConfig{
			Attempts:    cfg.Credit.PollAttempts,
			Interval:    cfg.Credit.PollInterval,
			MaxInterval: cfg.Credit.PollMaxInterval,
		},
		StaleLeaderAfter: cfg.Credit.StaleLeaderAfter,
		TakeoverRounds:   cfg.Credit.TakeoverRounds,
	})

	// --- Intake ---
	consumer := intake.NewConsumer(intake.ConsumerConfig{
		Redis:          rdb,
		List:           cfg.Redis.IntakeList,
		ProcessingList: cfg.Redis.ProcessingList,
		Dedup:          dedup.NewFilter(rdb, cfg.Redis.DedupTTL),
		Queue:          queueMgr,
		Tenants:        cfg.TenantIDs(),
		Metrics:        m,
	})

	// --- Worker ---
	w := worker.New(worker.Config{
		Queue: queueMgr,
		Engine: fingerprint.NewEngine(fingerprint.Options{
			Version:         cfg.Fingerprint.Version,
			IncludeProvider: cfg.Fingerprint.IncludeProvider,
		}),
		Content:       contentStore,
		Hunts:         huntStore,
		Credit:        checker,
		Events:        publisher,
		Metrics:       m,
		BatchSize:     cfg.Worker.BatchSize,
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		StaleAfter:    cfg.Worker.StaleAfter,
		SweepInterval: cfg.Worker.SweepInterval,
	})

	// --- HTTP ---
	handler := httpserver.Handler(reg,
		httpserver.Check{Name: "redis", Target: publisher},
		httpserver.Check{Name: "postgres", Target: pgPool},
	)
	ready, err := httpserver.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	consumer.Start(ctx)
	w.Start(ctx)
	slog.Info("ingestion service running", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	// Stop intake first so nothing new lands while the worker drains.
	consumer.Stop()
	w.Stop()
	cancel()

	slog.Info("ingestion service stopped")
}
