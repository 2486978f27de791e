package mailfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/looprock/subscan/internal/database"
)

// TokenSource supplies a refreshable provider access token for a
// connection. Token failures are permanent auth errors: the credential
// has to be re-established outside this pipeline.
type TokenSource interface {
	Token(ctx context.Context, conn *database.Connection) (string, error)
}

// StaticTokenSource returns the same token for every connection. Useful
// for tests and single-account deployments.
type StaticTokenSource string

func (s StaticTokenSource) Token(_ context.Context, _ *database.Connection) (string, error) {
	return string(s), nil
}

// SecretStoreTokenSource fetches access tokens from the external
// identity/secret store over HTTP.
type SecretStoreTokenSource struct {
	BaseURL   string
	AuthToken string
	Client    *http.Client
}

func (s *SecretStoreTokenSource) Token(ctx context.Context, conn *database.Connection) (string, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := fmt.Sprintf("%s/v1/tokens/%s/%s", s.BaseURL, conn.Provider, conn.ExternalAccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.AuthToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{Kind: KindAuth, Message: fmt.Sprintf("token fetch failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", &Error{
			Kind:       KindAuth,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("token refresh rejected: %s", string(body)),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &Error{Kind: KindAuth, Message: fmt.Sprintf("bad token response: %v", err)}
	}
	if payload.AccessToken == "" {
		return "", &Error{Kind: KindAuth, StatusCode: resp.StatusCode, Message: "empty access token"}
	}
	return payload.AccessToken, nil
}
