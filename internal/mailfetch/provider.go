package mailfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/looprock/subscan/internal/database"
)

// ClientConfig holds configuration for the provider API client.
type ClientConfig struct {
	BaseURL    string
	PageSize   int
	MaxRetries int
	Timeout    time.Duration
	Backoff    BackoffConfig
}

// Client implements Fetcher against the provider's versioned REST API.
type Client struct {
	config ClientConfig
	tokens TokenSource
	http   *http.Client
	logger *zap.SugaredLogger
}

// NewClient creates a provider API client.
func NewClient(config ClientConfig, tokens TokenSource, logger *zap.SugaredLogger) *Client {
	if config.PageSize == 0 {
		config.PageSize = 100
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	config.Backoff = config.Backoff.withDefaults()
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Client{
		config: config,
		tokens: tokens,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

type listResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	NextPageToken string `json:"nextPageToken"`
}

type messageResponse struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	Subject    string `json:"subject"`
	ReceivedAt string `json:"receivedAt"`
	Body       string `json:"body"`
}

// ListMessages lists message ids starting at the given cursor.
func (c *Client) ListMessages(ctx context.Context, conn *database.Connection, cursor string) (Page, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/messages", c.config.BaseURL,
		url.PathEscape(conn.ExternalAccountID))
	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(c.config.PageSize))
	if cursor != "" {
		q.Set("pageToken", cursor)
	}

	var out listResponse
	if err := c.getJSON(ctx, conn, endpoint+"?"+q.Encode(), &out); err != nil {
		return Page{}, err
	}

	page := Page{
		NextCursor: out.NextPageToken,
		HasMore:    out.NextPageToken != "",
	}
	for _, m := range out.Messages {
		page.IDs = append(page.IDs, m.ID)
	}
	c.logger.Debugw("listed messages", "account", conn.ExternalAccountID,
		"count", len(page.IDs), "has_more", page.HasMore)
	return page, nil
}

// FetchMessage fetches one raw message.
func (c *Client) FetchMessage(ctx context.Context, conn *database.Connection, id string) (RawMessage, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/messages/%s", c.config.BaseURL,
		url.PathEscape(conn.ExternalAccountID), url.PathEscape(id))

	var out messageResponse
	if err := c.getJSON(ctx, conn, endpoint, &out); err != nil {
		return RawMessage{}, err
	}

	msg := RawMessage{
		ID:      out.ID,
		From:    out.From,
		Subject: out.Subject,
		Body:    out.Body,
	}
	if t, err := time.Parse(time.RFC3339, out.ReceivedAt); err == nil {
		msg.ReceivedAt = t
	} else {
		msg.ReceivedAt = time.Now().UTC()
	}
	return msg, nil
}

// getJSON performs an authenticated GET, retrying transient failures with
// capped jittered exponential backoff. Auth and provider errors return
// immediately.
func (c *Client) getJSON(ctx context.Context, conn *database.Connection, endpoint string, out any) error {
	token, err := c.tokens.Token(ctx, conn)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.Backoff.delay(attempt - 1)
			c.logger.Debugw("retrying provider request", "attempt", attempt+1,
				"backoff", backoff, "endpoint", endpoint)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := c.doRequest(ctx, endpoint, token, out)
		if err == nil {
			return nil
		}
		if Classify(err) != KindTransient {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("provider request failed after %d attempts: %w",
		c.config.MaxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("bad response body: %v", err)}
	}
	return nil
}

func classifyStatus(status int, body string) *Error {
	e := &Error{StatusCode: status, Message: body}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status == http.StatusNotFound || status == http.StatusGone:
		e.Kind = KindProvider
	case status == http.StatusTooManyRequests || status >= 500:
		e.Kind = KindTransient
	default:
		e.Kind = KindProvider
	}
	return e
}
