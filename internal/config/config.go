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

// Package config loads configuration from config.yaml and environment
// variables. The YAML file is read first (with ${VAR} expansion), then
// any environment variable that is set overrides the matching field.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces environment overrides. Each field also answers to
// its bare name (e.g. DATABASE_URL) for compatibility with platform
// defaults.
const envPrefix = "loadhunt"

// TenantConfig identifies a tenant allowed through intake.
type TenantConfig struct {
	ID    string `yaml:"id"`
	Alias string `yaml:"alias"`
}

// BrokerAPIConfig configures the external broker verification client.
type BrokerAPIConfig struct {
	BaseURL           string   `yaml:"base_url" envconfig:"BROKER_API_URL"`
	ClientID          string   `yaml:"client_id" envconfig:"BROKER_API_CLIENT_ID"`
	ClientSecret      string   `yaml:"client_secret" envconfig:"BROKER_API_CLIENT_SECRET"`
	TokenURL          string   `yaml:"token_url" envconfig:"BROKER_API_TOKEN_URL"`
	Scopes            []string `yaml:"scopes" envconfig:"BROKER_API_SCOPES"`
	RequestsPerSecond float64  `yaml:"requests_per_second" envconfig:"BROKER_API_RPS"`
	Burst             int      `yaml:"burst" envconfig:"BROKER_API_BURST"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL      string `yaml:"url" envconfig:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns" envconfig:"DATABASE_MAX_CONNS"`
}

// RedisConfig configures Redis and the lists the service uses.
type RedisConfig struct {
	URL        string `yaml:"url" envconfig:"REDIS_URL"`
	IntakeList string `yaml:"intake_list" envconfig:"INTAKE_LIST"`
	// ProcessingList must be distinct per replica.
	ProcessingList string        `yaml:"processing_list" envconfig:"INTAKE_PROCESSING_LIST"`
	EventsList     string        `yaml:"events_list" envconfig:"EVENTS_LIST"`
	DedupTTL       time.Duration `yaml:"dedup_ttl" envconfig:"DEDUP_TTL"`
}

// WorkerConfig tunes the queue worker.
type WorkerConfig struct {
	BatchSize     int           `yaml:"batch_size" envconfig:"WORKER_BATCH_SIZE"`
	Concurrency   int           `yaml:"concurrency" envconfig:"WORKER_CONCURRENCY"`
	PollInterval  time.Duration `yaml:"poll_interval" envconfig:"WORKER_POLL_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"WORKER_MAX_ATTEMPTS"`
	StaleAfter    time.Duration `yaml:"stale_after" envconfig:"WORKER_STALE_AFTER"`
	SweepInterval time.Duration `yaml:"sweep_interval" envconfig:"WORKER_SWEEP_INTERVAL"`
	SweepTimeout  time.Duration `yaml:"sweep_timeout" envconfig:"WORKER_SWEEP_TIMEOUT"`
}

// CreditConfig holds the broker credit coordination policy.
type CreditConfig struct {
	Window           time.Duration `yaml:"window" envconfig:"CREDIT_WINDOW"`
	PollAttempts     int           `yaml:"poll_attempts" envconfig:"CREDIT_POLL_ATTEMPTS"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"CREDIT_POLL_INTERVAL"`
	PollMaxInterval  time.Duration `yaml:"poll_max_interval" envconfig:"CREDIT_POLL_MAX_INTERVAL"`
	StaleLeaderAfter time.Duration `yaml:"stale_leader_after" envconfig:"CREDIT_STALE_LEADER_AFTER"`
	TakeoverRounds   int           `yaml:"takeover_rounds" envconfig:"CREDIT_TAKEOVER_ROUNDS"`
	FuzzyMaxDrift    float64       `yaml:"fuzzy_max_drift" envconfig:"CREDIT_FUZZY_MAX_DRIFT"`
	CreateCustomers  bool          `yaml:"create_customers" envconfig:"CREDIT_CREATE_CUSTOMERS"`
}

// FingerprintConfig holds the fingerprint policy.
type FingerprintConfig struct {
	Version         int  `yaml:"version" envconfig:"FINGERPRINT_VERSION"`
	IncludeProvider bool `yaml:"include_provider" envconfig:"FINGERPRINT_INCLUDE_PROVIDER"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	Tenants     []TenantConfig    `yaml:"tenants" ignored:"true"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	BrokerAPI   BrokerAPIConfig   `yaml:"broker_api"`
	Worker      WorkerConfig      `yaml:"worker"`
	Credit      CreditConfig      `yaml:"credit"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`

	// Server (health check and metrics only)
	Port int `yaml:"port" envconfig:"PORT"`
}

const defaultConfigPath = "/app/config/config.yaml"

// Load reads the file named by CONFIG_PATH (default
// /app/config/config.yaml) and applies environment overrides. The default
// file may be absent; an explicitly named one may not.
func Load() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_PATH")
	if !explicit || strings.TrimSpace(path) == "" {
		path = defaultConfigPath
		explicit = false
	}

	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg, err = LoadFile("")
	}
	return cfg, err
}

// LoadFile reads configuration from path (skipped when empty), then
// applies environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setDefault(&c.Database.URL, "postgres://localhost:5432/loadhunt?sslmode=disable")
	setDefault(&c.Database.MaxConns, 10)

	setDefault(&c.Redis.URL, "redis://localhost:6379/0")
	setDefault(&c.Redis.IntakeList, "inbound-loads")
	setDefault(&c.Redis.EventsList, "load-events")
	if c.Redis.ProcessingList == "" {
		host, _ := os.Hostname()
		c.Redis.ProcessingList = c.Redis.IntakeList + ":processing:" + host
	}
	setDefault(&c.Redis.DedupTTL, 24*time.Hour)

	setDefault(&c.BrokerAPI.RequestsPerSecond, 5)
	setDefault(&c.BrokerAPI.Burst, 1)

	setDefault(&c.Worker.BatchSize, 10)
	setDefault(&c.Worker.Concurrency, 5)
	setDefault(&c.Worker.PollInterval, 2*time.Second)
	setDefault(&c.Worker.MaxAttempts, 3)
	setDefault(&c.Worker.StaleAfter, 15*time.Minute)
	setDefault(&c.Worker.SweepInterval, time.Minute)
	setDefault(&c.Worker.SweepTimeout, 10*time.Second)

	setDefault(&c.Credit.Window, 30*time.Minute)
	setDefault(&c.Credit.PollAttempts, 10)
	setDefault(&c.Credit.PollInterval, 250*time.Millisecond)
	setDefault(&c.Credit.PollMaxInterval, 2*time.Second)
	setDefault(&c.Credit.StaleLeaderAfter, 2*time.Minute)
	setDefault(&c.Credit.TakeoverRounds, 1)
	setDefault(&c.Credit.FuzzyMaxDrift, 20)

	setDefault(&c.Fingerprint.Version, 1)

	setDefault(&c.Port, 8080)

	for i := range c.Tenants {
		if c.Tenants[i].Alias == "" {
			c.Tenants[i].Alias = c.Tenants[i].ID
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant %q has no id", t.Alias)
		}
		if seen[t.ID] {
			return fmt.Errorf("tenant %s configured twice", t.ID)
		}
		seen[t.ID] = true
	}
	if c.Credit.FuzzyMaxDrift < 0 || c.Credit.FuzzyMaxDrift > 100 {
		return fmt.Errorf("credit.fuzzy_max_drift must be between 0 and 100, got %v", c.Credit.FuzzyMaxDrift)
	}
	if c.Worker.SweepTimeout >= c.Worker.SweepInterval {
		return fmt.Errorf("worker.sweep_timeout (%s) must be shorter than worker.sweep_interval (%s)",
			c.Worker.SweepTimeout, c.Worker.SweepInterval)
	}
	return nil
}

// TenantIDs returns the configured tenant ids.
func (c *Config) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for _, t := range c.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
