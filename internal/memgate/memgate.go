// Package memgate is the client for the long-term memory gateway, a
// semantic add/search service keyed by user identity. The gateway is
// best-effort infrastructure: the client is nil-safe, so a disabled
// deployment (no URL configured) costs callers nothing: Add and Search
// on a nil *Client are no-ops.
package memgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/daa-project/daa/internal/httpkit"
)

// Fact is the only unit the gateway stores or returns.
type Fact struct {
	Text      string    `json:"text"`
	SubjectID string    `json:"subject_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config for the gateway connection.
type Config struct {
	URL    string // Base URL; empty disables the gateway
	APIKey string // Optional bearer token
}

// Client talks to the memory gateway over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a gateway client, or nil when no URL is configured.
// A nil client is valid: all methods no-op.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		logger:  logger.With("component", "memgate"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

// Enabled reports whether the gateway is configured.
func (c *Client) Enabled() bool { return c != nil }

// Add stores facts for a subject. Safe to call on a nil receiver (no-op).
func (c *Client) Add(ctx context.Context, facts []string, subjectID string) error {
	if c == nil || len(facts) == 0 {
		return nil
	}

	payload := struct {
		Facts     []string `json:"facts"`
		SubjectID string   `json:"subject_id"`
	}{Facts: facts, SubjectID: subjectID}

	var out json.RawMessage
	if err := c.post(ctx, "/v1/memories", payload, &out); err != nil {
		return fmt.Errorf("memory add: %w", err)
	}
	return nil
}

// Search returns up to limit facts semantically relevant to query for a
// subject. Safe to call on a nil receiver (returns nothing).
func (c *Client) Search(ctx context.Context, query, subjectID string, limit int) ([]Fact, error) {
	if c == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := struct {
		Query     string `json:"query"`
		SubjectID string `json:"subject_id"`
		Limit     int    `json:"limit"`
	}{Query: query, SubjectID: subjectID, Limit: limit}

	var out struct {
		Results []Fact `json:"results"`
	}
	if err := c.post(ctx, "/v1/memories/search", payload, &out); err != nil {
		return nil, fmt.Errorf("memory search: %w", err)
	}
	return out.Results, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, errBody)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
