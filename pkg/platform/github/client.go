// Package github implements platform.Platform on the GitHub REST v3 API.
//
// Reads and content-addressed writes are retried with backoff on network
// failures and 5xx responses. Comment posts and ref updates are sent once.
// All calls share one rate.Limiter.
package github

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

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
	"github.com/Mindburn-Labs/gatekeeper/pkg/retry"
)

// DefaultBaseURL is the public GitHub API.
const DefaultBaseURL = "https://api.github.com"

// Config configures a Client.
type Config struct {
	BaseURL string
	// Repository is "owner/name".
	Repository        string
	RequestsPerSecond float64
	Burst             int
}

// Client talks to one repository.
type Client struct {
	baseURL string
	repo    string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
	retry   retry.Policy
	logger  *slog.Logger
}

var _ platform.Platform = (*Client)(nil)

// NewClient creates a client. Requests are throttled to RequestsPerSecond
// (default 10/s).
func NewClient(cfg Config, tokens TokenSource) (*Client, error) {
	if strings.Count(cfg.Repository, "/") != 1 {
		return nil, fmt.Errorf("github: repository must be owner/name, got %q", cfg.Repository)
	}
	if tokens == nil {
		return nil, errors.New("github: a token source is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		repo:    cfg.Repository,
		tokens:  tokens,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		retry:   retry.TransportPolicy,
		logger:  slog.Default().With("component", "github"),
	}, nil
}

// WithRetryPolicy overrides the transport retry policy.
func (c *Client) WithRetryPolicy(p retry.Policy) *Client {
	c.retry = p
	return c
}

// Repository implements platform.Platform.
func (c *Client) Repository() string { return c.repo }

// statusError is a non-2xx response.
type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("status %d", e.Status)
}

// retryable marks network failures and server errors.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// do performs one API call. idempotent calls are retried per the policy.
// A 404 is reported as platform.ErrNotFound; other failures as
// *contracts.TransportError.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("github %s: marshal: %w", op, err)
		}
	}

	policy := c.retry
	if !idempotent {
		policy.MaxAttempts = 1
	}
	err := retry.Do(ctx, policy, retry.Params{Scope: "github", Key: op + " " + path}, retryable, func(ctx context.Context) error {
		return c.once(ctx, method, path, body, out)
	})
	if err == nil {
		return nil
	}
	var se *statusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return fmt.Errorf("github %s %s: %w", op, path, platform.ErrNotFound)
	}
	if errors.As(err, &se) && se.Status == http.StatusUnprocessableEntity && strings.Contains(se.Message, "fast forward") {
		return fmt.Errorf("github %s: %w", op, platform.ErrNotFastForward)
	}
	return &contracts.TransportError{Op: op, Err: err}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "github request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&msg)
		return &statusError{Status: resp.StatusCode, Message: msg.Message}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) repoPath(format string, args ...any) string {
	return "/repos/" + c.repo + fmt.Sprintf(format, args...)
}
