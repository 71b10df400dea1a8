// Package n8n triggers automation workflows over webhook.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/daa-project/daa/internal/httpkit"
)

// Client posts to n8n webhook endpoints. Nil-safe: a disabled
// deployment (no base URL) returns a clear error from Trigger.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config for the n8n connection.
type Config struct {
	BaseURL string // Webhook base URL; empty disables the client
	APIKey  string // Optional X-N8N-API-KEY header
}

// New creates an n8n client, or nil when no base URL is configured.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger.With("component", "n8n"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(10 * time.Second),
		),
	}
}

// Enabled reports whether the client is configured.
func (c *Client) Enabled() bool { return c != nil }

// Trigger posts a payload to the webhook slug. A payload that is not
// valid JSON is wrapped as {"text": payload}.
func (c *Client) Trigger(ctx context.Context, slug, payload string) error {
	if c == nil {
		return fmt.Errorf("n8n not configured")
	}

	var data any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		data = map[string]string{"text": payload}
	}

	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	slug = strings.TrimPrefix(slug, "/")
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/"+slug, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("n8n returned %d: %s", resp.StatusCode, errBody)
	}

	c.logger.Info("workflow triggered", "slug", slug)
	return nil
}
