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

// Package customer resolves broker identities on inbound loads to tenant
// customer records and tracks their credit approval status.
package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/loadhunt/ingestion/internal/database"
)

// ApprovalUnknown is the approval status of a customer nobody has checked.
const ApprovalUnknown = "unknown"

// DefaultMaxDrift is the default fuzzy-name tolerance, as a percentage of
// the longer name's length.
const DefaultMaxDrift = 20.0

const candidateLimit = 1000

// Customer is a tenant's record of a broker company.
type Customer struct {
	ID             string
	TenantID       string
	CompanyName    string
	NormalizedName string
	MCNumber       string
	ApprovalStatus string
}

// Query is the broker identity found on a load.
type Query struct {
	CustomerID  string
	MCNumber    string
	CompanyName string
}

// MatchKind records which rule resolved a customer.
type MatchKind string

const (
	MatchByID     MatchKind = "id"
	MatchByMC     MatchKind = "mc"
	MatchByName   MatchKind = "fuzzy_name"
	MatchCreated  MatchKind = "created"
	MatchNotFound MatchKind = "none"
)

// Resolution is the outcome of Resolve. Customer is nil when nothing
// matched and creation is disabled.
type Resolution struct {
	Customer *Customer
	Kind     MatchKind
}

// StoreConfig holds settings for the customer store.
type StoreConfig struct {
	// MaxDrift is the fuzzy-name tolerance in percent (0-100).
	MaxDrift float64
	// CreateOnMiss inserts a customer for brokers nobody has seen.
	CreateOnMiss bool
}

// Store persists customers in PostgreSQL.
type Store struct {
	db  database.DBTX
	cfg StoreConfig
}

// NewStore creates a customer store and ensures the table exists.
func NewStore(ctx context.Context, db database.DBTX, cfg StoreConfig) (*Store, error) {
	if cfg.MaxDrift <= 0 || cfg.MaxDrift > 100 {
		cfg.MaxDrift = DefaultMaxDrift
	}
	s := &Store{db: db, cfg: cfg}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure customer schema: %w", err)
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS customers (
			id                  TEXT PRIMARY KEY,
			tenant_id           TEXT NOT NULL,
			company_name        TEXT NOT NULL DEFAULT '',
			normalized_name     TEXT NOT NULL DEFAULT '',
			mc_number           TEXT NOT NULL DEFAULT '',
			approval_status     TEXT NOT NULL DEFAULT 'unknown',
			approval_updated_at TIMESTAMPTZ,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_tenant_mc
			ON customers(tenant_id, mc_number) WHERE mc_number <> '';
		CREATE INDEX IF NOT EXISTS idx_customers_tenant_name ON customers(tenant_id, normalized_name);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_tenant_name_only
			ON customers(tenant_id, normalized_name) WHERE mc_number = '' AND normalized_name <> '';
	`)
	return err
}

const customerColumns = `id, tenant_id, company_name, normalized_name, mc_number, approval_status`

func scanCustomer(row pgx.Row) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.TenantID, &c.CompanyName, &c.NormalizedName, &c.MCNumber, &c.ApprovalStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns a tenant's customer by id, or nil if absent.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Customer, error) {
	c, err := scanCustomer(s.db.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, fmt.Errorf("get customer %s: %w", id, err)
	}
	return c, nil
}

// Resolve finds the customer behind a broker identity: explicit id first,
// then exact MC number, then the closest company name within the drift
// tolerance. On a miss with CreateOnMiss set, a new customer is created.
func (s *Store) Resolve(ctx context.Context, tenantID string, q Query) (Resolution, error) {
	mc := digitsOnly(q.MCNumber)
	name := NormalizeName(q.CompanyName)

	if q.CustomerID != "" {
		c, err := s.Get(ctx, tenantID, q.CustomerID)
		if err != nil {
			return Resolution{}, err
		}
		if c != nil {
			return Resolution{Customer: c, Kind: MatchByID}, nil
		}
		slog.Warn("customer id on load not found, falling back to broker match",
			"tenant", tenantID,
			"customer_id", q.CustomerID,
		)
	}

	if mc != "" {
		c, err := scanCustomer(s.db.QueryRow(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND mc_number = $2`, tenantID, mc))
		if err != nil {
			return Resolution{}, fmt.Errorf("match customer by mc: %w", err)
		}
		if c != nil {
			return Resolution{Customer: c, Kind: MatchByMC}, nil
		}
	}

	if name != "" {
		c, err := s.matchName(ctx, tenantID, name)
		if err != nil {
			return Resolution{}, err
		}
		if c != nil {
			return Resolution{Customer: c, Kind: MatchByName}, nil
		}
	}

	if !s.cfg.CreateOnMiss || (mc == "" && name == "") {
		return Resolution{Kind: MatchNotFound}, nil
	}

	c, err := s.create(ctx, tenantID, strings.TrimSpace(q.CompanyName), name, mc)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Customer: c, Kind: MatchCreated}, nil
}

func (s *Store) matchName(ctx context.Context, tenantID, name string) (*Customer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE tenant_id = $1 AND normalized_name <> ''
		ORDER BY updated_at DESC
		LIMIT $2
	`, tenantID, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("list customer names: %w", err)
	}
	defer rows.Close()

	var candidates []Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.TenantID, &c.CompanyName, &c.NormalizedName, &c.MCNumber, &c.ApprovalStatus); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return BestNameMatch(name, candidates, s.cfg.MaxDrift), nil
}

// create inserts a customer. Concurrent creators of the same broker
// converge on one row: the MC number, or the normalized name for brokers
// without one, is unique per tenant, and the losers re-read the winner.
func (s *Store) create(ctx context.Context, tenantID, company, normalized, mc string) (*Customer, error) {
	c := &Customer{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		CompanyName:    company,
		NormalizedName: normalized,
		MCNumber:       mc,
		ApprovalStatus: ApprovalUnknown,
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO customers (id, tenant_id, company_name, normalized_name, mc_number, approval_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING
	`, c.ID, c.TenantID, c.CompanyName, c.NormalizedName, c.MCNumber, c.ApprovalStatus)
	if err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.findExact(ctx, tenantID, normalized, mc)
		if err != nil {
			return nil, fmt.Errorf("reload customer after conflict: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("create customer: conflicting row for %q vanished", company)
		}
		return existing, nil
	}

	slog.Info("created customer from broker identity",
		"tenant", tenantID,
		"customer_id", c.ID,
		"company", company,
		"mc", mc,
	)
	return c, nil
}

// findExact reads the row that owns a broker's unique key.
func (s *Store) findExact(ctx context.Context, tenantID, normalized, mc string) (*Customer, error) {
	if mc != "" {
		return scanCustomer(s.db.QueryRow(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND mc_number = $2`, tenantID, mc))
	}
	return scanCustomer(s.db.QueryRow(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE tenant_id = $1 AND normalized_name = $2 AND mc_number = ''`,
		tenantID, normalized))
}

// UpdateApproval sets a customer's approval status.
func (s *Store) UpdateApproval(ctx context.Context, tenantID, id, status string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE customers
		SET approval_status = $1, approval_updated_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $2 AND id = $3
	`, status, tenantID, id)
	if err != nil {
		return fmt.Errorf("update approval for customer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update approval: customer %s not found", id)
	}
	return nil
}

var (
	nonAlnum      = regexp.MustCompile(`[^a-z0-9 ]+`)
	legalSuffixes = map[string]bool{
		"inc": true, "llc": true, "ltd": true, "co": true, "corp": true,
		"corporation": true, "company": true, "incorporated": true,
	}
)

// NormalizeName lowercases a company name, drops punctuation and trailing
// legal suffixes, and collapses whitespace.
func NormalizeName(name string) string {
	s := nonAlnum.ReplaceAllString(strings.ToLower(name), " ")
	fields := strings.Fields(s)
	for len(fields) > 1 && legalSuffixes[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// BestNameMatch returns the candidate whose normalized name is closest to
// name by edit distance, provided the distance is within maxDrift percent
// of the longer string. Ties keep the earlier candidate.
func BestNameMatch(name string, candidates []Customer, maxDrift float64) *Customer {
	var best *Customer
	bestDistance := -1
	for i := range candidates {
		other := candidates[i].NormalizedName
		distance := levenshtein.DistanceForStrings([]rune(name), []rune(other), levenshtein.DefaultOptionsWithSub)

		longest := len([]rune(name))
		if n := len([]rune(other)); n > longest {
			longest = n
		}
		allowed := int(float64(longest) * maxDrift / 100)
		if distance > allowed {
			continue
		}
		if bestDistance < 0 || distance < bestDistance {
			best = &candidates[i]
			bestDistance = distance
		}
	}
	return best
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
