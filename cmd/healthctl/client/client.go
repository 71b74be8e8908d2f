// Package client is healthctl's side of the engine HTTP API. It decodes
// responses into the engine's own types and folds transport and API
// failures into the CLI's exit-code taxonomy.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"triage/internal/domain"
	"triage/internal/engine"
	"triage/internal/trend"
)

// Exit codes. Scripts branch on these, so they are part of the CLI
// contract: 1 stays reserved for unexpected runtime failures.
const (
	CodeOK         = 0
	CodeDegraded   = 2
	CodeDispatched = 3
	CodeSuppressed = 4
	CodeConfig     = 5
)

// ExitError carries the process exit code a command chose. Err may be
// nil when the command already printed its report and only the code
// remains to deliver.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit returns a bare exit-code error for state codes like dispatched
// or suppressed. CodeOK maps to nil so commands can return it directly.
func Exit(code int) error {
	if code == CodeOK {
		return nil
	}
	return &ExitError{Code: code}
}

// StateCode maps an evaluation result to its exit code. Anything that
// is neither healthy nor an action in motion lands on CodeDegraded.
func StateCode(result string) int {
	switch result {
	case engine.ResultHealthy:
		return CodeOK
	case engine.ResultDispatched, engine.ResultPending:
		return CodeDispatched
	case engine.ResultSuppressed:
		return CodeSuppressed
	default:
		return CodeDegraded
	}
}

// WorseCode keeps the more severe of two exit codes.
func WorseCode(a, b int) int {
	if b > a {
		return b
	}
	return a
}

var (
	flagAddr    string
	flagToken   string
	flagTimeout time.Duration
)

// RegisterFlags installs the shared connection flags on the root
// command. Environment variables supply the defaults so scripts can
// omit the flags entirely.
func RegisterFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&flagAddr, "addr",
		envOr("TRIAGE_ADDR", "http://127.0.0.1:8080"), "base URL of the engine API")
	cmd.PersistentFlags().StringVar(&flagToken, "token",
		os.Getenv("TRIAGE_TOKEN"), "bearer token for /v1 endpoints")
	cmd.PersistentFlags().DurationVar(&flagTimeout, "timeout",
		10*time.Second, "per-request timeout")
}

// FromFlags builds the client configured by the connection flags.
func FromFlags() *Client { return New(flagAddr, flagToken, flagTimeout) }

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Client talks to one running health engine.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func New(addr, token string, timeout time.Duration) *Client {
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: timeout},
	}
}

// Status fetches the engine's liveness summary.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	return get[engine.Status](ctx, c, "/v1/status")
}

// Tenants lists every configured tenant, including disabled and
// invalid ones.
func (c *Client) Tenants(ctx context.Context) ([]engine.TenantInfo, error) {
	return get[[]engine.TenantInfo](ctx, c, "/v1/tenants")
}

// Score fetches the tenant's latest composite score.
func (c *Client) Score(ctx context.Context, tenant string) (domain.CompositeScore, error) {
	return get[domain.CompositeScore](ctx, c, tenantPath(tenant, "score"))
}

// Trend fetches the tenant's compliance snapshot with history.
func (c *Client) Trend(ctx context.Context, tenant string) (trend.Snapshot, error) {
	return get[trend.Snapshot](ctx, c, tenantPath(tenant, "trend"))
}

// Breaker fetches the tenant's circuit breaker snapshot.
func (c *Client) Breaker(ctx context.Context, tenant string) (domain.BreakerState, error) {
	return get[domain.BreakerState](ctx, c, tenantPath(tenant, "breaker"))
}

// Assess forces one read-only scoring pass.
func (c *Client) Assess(ctx context.Context, tenant string) (engine.Evaluation, error) {
	return post[engine.Evaluation](ctx, c, tenantPath(tenant, "assess"))
}

// Heal forces one full evaluation and dispatch cycle.
func (c *Client) Heal(ctx context.Context, tenant string) (engine.Evaluation, error) {
	return post[engine.Evaluation](ctx, c, tenantPath(tenant, "heal"))
}

// CancelAttempt cancels the tenant's pending healing attempt.
func (c *Client) CancelAttempt(ctx context.Context, tenant string) (domain.HealingAttempt, error) {
	var a domain.HealingAttempt
	err := c.do(ctx, http.MethodDelete, tenantPath(tenant, "attempt"), &a)
	return a, err
}

func tenantPath(tenant, leaf string) string {
	return "/v1/tenants/" + url.PathEscape(tenant) + "/" + leaf
}

func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	err := c.do(ctx, http.MethodGet, path, &out)
	return out, err
}

func post[T any](ctx context.Context, c *Client, path string) (T, error) {
	var out T
	err := c.do(ctx, http.MethodPost, path, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return &ExitError{Code: CodeConfig,
				Err: fmt.Errorf("cannot reach engine at %s: %v", c.base, uerr.Err)}
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		_, err = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// apiError turns an error response into the matching exit code. Client
// mistakes (bad tenant, bad token) are configuration errors; anything
// the engine blames on itself stays an unexpected failure.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound:
		return &ExitError{Code: CodeConfig, Err: errors.New(msg)}
	default:
		return fmt.Errorf("engine returned %s: %s", resp.Status, msg)
	}
}
