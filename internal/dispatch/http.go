package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"triage/internal/domain"
	"triage/internal/faults"
)

// Client dispatches actions to an external executor service over HTTP.
// The executor answers 202 when it accepts an action and later reports
// the outcome against the engine's attempt endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type restartRequest struct {
	AttemptID   string `json:"attempt_id"`
	Tenant      string `json:"tenant"`
	Environment string `json:"environment"`
}

type switchRequest struct {
	AttemptID string `json:"attempt_id"`
	Tenant    string `json:"tenant"`
	From      string `json:"from"`
	To        string `json:"to"`
}

func (c *Client) Restart(ctx context.Context, attemptID, tenant string, env domain.Environment) error {
	return c.post(ctx, "/v1/actions/restart", restartRequest{
		AttemptID:   attemptID,
		Tenant:      tenant,
		Environment: string(env),
	})
}

func (c *Client) SwitchEnvironment(ctx context.Context, attemptID, tenant string, from, to domain.Environment) error {
	return c.post(ctx, "/v1/actions/switch", switchRequest{
		AttemptID: attemptID,
		Tenant:    tenant,
		From:      string(from),
		To:        string(to),
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post %s: %v", faults.ErrDispatchFailure, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: executor status %d for %s", faults.ErrDispatchFailure, resp.StatusCode, path)
	}
	return nil
}
