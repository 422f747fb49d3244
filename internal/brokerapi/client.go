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

// Package brokerapi is the client for the external broker verification
// service. Every call is billed, so callers go through the credit
// package's leader election rather than calling Verify per load.
package brokerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited is returned when the service answers 429.
	ErrRateLimited = errors.New("broker verification rate limited")
	// ErrUnavailable is returned for 5xx answers.
	ErrUnavailable = errors.New("broker verification unavailable")
)

// Query identifies the broker being verified. At least one field is set.
type Query struct {
	CustomerID  string `json:"customer_id,omitempty"`
	MCNumber    string `json:"mc_number,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
}

// Verdict is the service's credit decision.
type Verdict struct {
	ApprovalStatus string `json:"approval_status"`
	CreditScore    int    `json:"credit_score"`
	DaysToPay      int    `json:"days_to_pay"`
	Reference      string `json:"reference"`
}

// ClientConfig holds settings for the verification client.
type ClientConfig struct {
	HTTPClient        *http.Client
	BaseURL           string
	RequestsPerSecond float64
	Burst             int
}

// Client calls the broker verification API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a verification client. A zero RequestsPerSecond
// disables client-side limiting.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		limiter:    limiter,
	}
}

// OAuthConfig is the client-credentials grant used to authenticate.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

// NewOAuthHTTPClient returns an HTTP client that attaches and refreshes
// client-credentials tokens. With no client id it returns a plain client.
func NewOAuthHTTPClient(ctx context.Context, cfg OAuthConfig) *http.Client {
	if cfg.ClientID == "" {
		return &http.Client{Timeout: 15 * time.Second}
	}
	creds := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	client := creds.Client(ctx)
	client.Timeout = 15 * time.Second
	return client
}

// Verify requests a credit decision for a broker.
func (c *Client) Verify(ctx context.Context, q Query) (*Verdict, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	url := c.baseURL + "/v1/broker-verifications"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify broker: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		slog.Warn("broker verification throttled",
			"retry_after", resp.Header.Get("Retry-After"),
		)
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("broker verification returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	if v.ApprovalStatus == "" {
		return nil, fmt.Errorf("broker verification returned no approval status")
	}
	return &v, nil
}
