// Package workspace implements the remote workspace API: a rate-limited,
// retrying HTTP client and the domain operations built on top of it.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/marginapp/margin-sync/internal/config"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/ratelimit"
)

// Request declares one logical remote call.
type Request struct {
	Method string
	Path   string
	Body   any
	Class  ratelimit.Class
}

// RetryPolicy holds the backoff knobs for one failure class.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      time.Duration
}

// Delay computes the backoff before retry number attempt (0-based):
// base * 2^attempt plus random jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	return d
}

// Client is the rate-limited, retrying workspace API client. One client is
// created per process and shared by all tasks; the limiter's token
// counters are its only mutable state.
type Client struct {
	http    *http.Client
	limiter *ratelimit.ClassRateLimiter
	logger  *slog.Logger

	baseURL string
	token   string
	version string

	rateLimitPolicy RetryPolicy
	conflictPolicy  RetryPolicy

	// sleep is swappable so tests can record backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a workspace client from configuration.
func NewClient(wcfg config.WorkspaceConfig, scfg config.SyncConfig, logger *slog.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: scfg.RequestTimeout,
		},
		limiter: ratelimit.New(
			ratelimit.Limit{RPS: scfg.ReadRPS, Burst: scfg.ReadBurst},
			ratelimit.Limit{RPS: scfg.WriteRPS, Burst: scfg.WriteBurst},
		),
		logger:  logger,
		baseURL: wcfg.BaseURL,
		token:   wcfg.Token,
		version: wcfg.Version,
		rateLimitPolicy: RetryPolicy{
			MaxAttempts: scfg.RateLimitMaxAttempts,
			BaseDelay:   scfg.RateLimitBaseDelay,
			Jitter:      scfg.RateLimitJitter,
		},
		conflictPolicy: RetryPolicy{
			MaxAttempts: scfg.ConflictMaxAttempts,
			BaseDelay:   scfg.ConflictBaseDelay,
			Jitter:      scfg.ConflictJitter,
		},
		sleep: sleepCtx,
	}
}

// Do executes one logical remote call: blocking rate-limit admission, the
// HTTP exchange, and retry with exponential backoff on transient failures.
// 429 and 5xx retry under the rate-limit policy, 409 under the conflict
// policy; timeouts and connection errors count as retryable network
// failures. Any other 4xx surfaces immediately. Exhausting retries
// surfaces the last observed status and body.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		// Admission before every attempt, retries included; a retry is a
		// new network call competing with every other task.
		if err := c.limiter.Wait(ctx, req.Class); err != nil {
			return nil, syncerr.ErrCancelled.WithCause(err)
		}

		body, err := c.doOnce(ctx, req)
		if err == nil {
			return body, nil
		}
		lastErr = err

		policy, retryable := c.policyFor(err)
		if !retryable || attempt >= policy.MaxAttempts-1 {
			return nil, lastErr
		}

		delay := policy.Delay(attempt)
		c.logger.Debug("retrying workspace call",
			"method", req.Method,
			"path", req.Path,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, syncerr.ErrCancelled.WithCause(err)
		}
	}
}

// doOnce executes a single HTTP exchange and classifies the outcome.
func (c *Client) doOnce(ctx context.Context, req Request) ([]byte, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Workspace-Version", c.version)
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		// Timeouts are not distinguished from connection failures; both
		// are retryable network errors.
		if ctx.Err() != nil {
			return nil, syncerr.ErrCancelled.WithCause(ctx.Err())
		}
		return nil, syncerr.ErrNetwork.WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerr.ErrNetwork.WithCause(err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, syncerr.RateLimited("remote throttled the request").WithDetail(string(body))
	case resp.StatusCode == http.StatusConflict:
		return nil, syncerr.Conflict("remote reported a conflict").WithDetail(string(body))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, syncerr.AuthenticationFailed("workspace token rejected").WithDetail(string(body))
	case resp.StatusCode == http.StatusNotFound:
		return nil, syncerr.NotFoundf("%s %s returned 404", req.Method, req.Path).WithDetail(string(body))
	case resp.StatusCode >= 500:
		return nil, syncerr.Networkf("remote server error %d", resp.StatusCode).WithDetail(string(body))
	default:
		return nil, syncerr.Validation(fmt.Sprintf("unexpected status %d", resp.StatusCode)).WithDetail(string(body))
	}
}

// policyFor maps a classified error to its retry policy.
func (c *Client) policyFor(err error) (RetryPolicy, bool) {
	var e *syncerr.Error
	if !errors.As(err, &e) {
		return RetryPolicy{}, false
	}
	switch e.Code {
	case syncerr.CodeRateLimited, syncerr.CodeNetwork:
		return c.rateLimitPolicy, true
	case syncerr.CodeConflict:
		return c.conflictPolicy, true
	default:
		return RetryPolicy{}, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
