package workspace

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginapp/margin-sync/internal/config"
	syncerr "github.com/marginapp/margin-sync/internal/errors"
	"github.com/marginapp/margin-sync/internal/ratelimit"
)

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		Mode:                  config.ModeSingleDatabase,
		PageSize:              100,
		AppendBatchSize:       50,
		BatchConcurrency:      3,
		ReadRPS:               1000,
		ReadBurst:             1000,
		WriteRPS:              1000,
		WriteBurst:            1000,
		RateLimitMaxAttempts:  4,
		RateLimitBaseDelay:    10 * time.Millisecond,
		RateLimitJitter:       5 * time.Millisecond,
		ConflictMaxAttempts:   3,
		ConflictBaseDelay:     5 * time.Millisecond,
		ConflictJitter:        2 * time.Millisecond,
		RequestTimeout:        2 * time.Second,
		MaxTextLength:         2000,
		HardTextLimit:         2000,
		TruncationPlaceholder: "[too long]",
	}
}

func newTestClient(t *testing.T, serverURL string, mutate func(*config.SyncConfig)) *Client {
	t.Helper()
	scfg := testSyncConfig()
	if mutate != nil {
		mutate(&scfg)
	}
	wcfg := config.WorkspaceConfig{
		BaseURL: serverURL,
		Token:   "test-token",
		Version: "2022-06-28",
	}
	return NewClient(wcfg, scfg, slog.New(slog.DiscardHandler))
}

func TestClient_Do_SetsHeaders(t *testing.T) {
	var gotAuth, gotVersion, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Workspace-Version")
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	_, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/v1/pages",
		Body:   map[string]string{"k": "v"},
		Class:  ratelimit.ClassWrite,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "2022-06-28", gotVersion)
	assert.Equal(t, "application/json", gotContentType)
}

func TestClient_Do_RetriesOn429ThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	body, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/x", Class: ratelimit.ClassRead})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, 3, attempts)

	// Two backoff sleeps, exponential with bounded jitter and
	// non-decreasing: delay(n) in [base*2^n, base*2^n + jitter].
	require.Len(t, delays, 2)
	base := 10 * time.Millisecond
	jitter := 5 * time.Millisecond
	for n, d := range delays {
		lower := base << n
		assert.GreaterOrEqual(t, d, lower, "attempt %d", n)
		assert.LessOrEqual(t, d, lower+jitter, "attempt %d", n)
	}
	assert.LessOrEqual(t, delays[0], delays[1])
}

func TestClient_Do_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(s *config.SyncConfig) { s.RateLimitMaxAttempts = 3 })
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/x", Class: ratelimit.ClassRead})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrRateLimited))

	var e *syncerr.Error
	require.True(t, syncerr.As(err, &e))
	assert.Contains(t, e.Detail, "slow down", "last observed body must surface")
}

func TestClient_Do_ConflictUsesOwnPolicy(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(s *config.SyncConfig) {
		s.ConflictMaxAttempts = 2
		s.RateLimitMaxAttempts = 10
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/v1/x", Class: ratelimit.ClassWrite})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrConflict))
	assert.Equal(t, 2, attempts, "conflicts retry under the conflict policy's ceiling")
}

func TestClient_Do_ServerErrorsRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/x", Class: ratelimit.ClassRead})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestClient_Do_AuthFailureDoesNotRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/x", Class: ratelimit.ClassRead})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrAuthenticationFailed))
	assert.Equal(t, 1, attempts)
}

func TestClient_Do_OtherClientErrorsSurfaceImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"bad filter"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/v1/x", Class: ratelimit.ClassWrite})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrValidation))
	assert.False(t, syncerr.IsRetryable(err))
}

func TestClient_Do_ConnectionErrorIsNetwork(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := newTestClient(t, srv.URL, func(s *config.SyncConfig) { s.RateLimitMaxAttempts = 2 })
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/v1/x", Class: ratelimit.ClassRead})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrNetwork))
}

func TestClient_Do_WriteAdmissionIsRateBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// 20 rps, burst 2: 10 calls need 8 refills => at least ~400ms.
	c := newTestClient(t, srv.URL, func(s *config.SyncConfig) {
		s.WriteRPS = 20
		s.WriteBurst = 2
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Do(context.Background(), Request{Method: http.MethodPost, Path: "/v1/x", Class: ratelimit.ClassWrite})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
}

func TestClient_Do_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/v1/x", Class: ratelimit.ClassRead})
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrCancelled))
}
