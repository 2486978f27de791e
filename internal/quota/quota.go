// Package quota queries the external tier/quota service. Tier names and
// pricing live entirely in that service; this pipeline only sees
// remaining counts and feature flags.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Quota is a user's remaining entitlement as reported by the service.
type Quota struct {
	EmailConnections  int  `json:"email_connections"`
	AutomationEnabled bool `json:"automation_enabled"`
}

// Service answers entitlement questions before a scan starts and records
// consumption after a connection's first successful scan.
type Service interface {
	Remaining(ctx context.Context, userID string) (Quota, error)
	Consume(ctx context.Context, userID, unit string) error
}

// Unlimited is a Service that never limits. Used by tests and deployments
// without a billing integration.
type Unlimited struct{}

func (Unlimited) Remaining(context.Context, string) (Quota, error) {
	return Quota{EmailConnections: 1 << 30, AutomationEnabled: true}, nil
}

func (Unlimited) Consume(context.Context, string, string) error { return nil }

// Client is the HTTP implementation against the quota service.
type Client struct {
	BaseURL   string
	AuthToken string
	HTTP      *http.Client
}

// NewClient creates a quota service client.
func NewClient(baseURL, authToken string) *Client {
	return &Client{BaseURL: baseURL, AuthToken: authToken, HTTP: http.DefaultClient}
}

func (c *Client) Remaining(ctx context.Context, userID string) (Quota, error) {
	url := fmt.Sprintf("%s/v1/users/%s/quota", c.BaseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Quota{}, fmt.Errorf("failed to create quota request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Quota{}, fmt.Errorf("quota request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Quota{}, fmt.Errorf("quota service returned status %d: %s", resp.StatusCode, string(body))
	}

	var q Quota
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Quota{}, fmt.Errorf("failed to decode quota response: %w", err)
	}
	return q, nil
}

func (c *Client) Consume(ctx context.Context, userID, unit string) error {
	payload, err := json.Marshal(map[string]string{"unit": unit})
	if err != nil {
		return fmt.Errorf("failed to marshal consume payload: %w", err)
	}

	url := fmt.Sprintf("%s/v1/users/%s/quota/consume", c.BaseURL, userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create consume request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("consume request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("quota consume returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
