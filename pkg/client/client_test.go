package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketco/flagcore/pkg/engine"
)

func serverFlags(value any) map[string]engine.Result {
	return map[string]engine.Result{
		"checkout": {
			FlagKey:               "checkout",
			Value:                 value,
			Context:               map[string]string{"company.id": "company1"},
			RuleEvaluationResults: []bool{true},
			MissingContextFields:  []string{},
			Reason:                "rule #0 matched",
		},
	}
}

func writeFlagsResponse(w http.ResponseWriter, flags map[string]engine.Result) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "flags": flags})
}

func newTestClient(t *testing.T, apiBase string, mutate func(*Config)) *Client {
	t.Helper()
	config := DefaultConfig()
	config.APIBaseURL = apiBase
	if mutate != nil {
		mutate(config)
	}
	client, err := New(config)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func testContext() map[string]any {
	return map[string]any{"company": map[string]any{"id": "company1"}}
}

func TestFlagsFetchesAndCaches(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, sdkVersionValue, r.Header.Get(headerSDKVersion))
		assert.NotEmpty(t, r.Header.Get(headerRequestID))
		assert.Equal(t, "Bearer sec-123", r.Header.Get("Authorization"))
		writeFlagsResponse(w, serverFlags(true))
	}))
	defer server.Close()

	apiBase := server.URL + "/flags?publishableKey=pk-1"
	client := newTestClient(t, apiBase, func(c *Config) {
		c.SecretKey = "sec-123"
	})

	result, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, apiBase+"&company.id=company1", result.URL)
	assert.Equal(t, serverFlags(true), result.Flags)

	// Fresh cache hit, no second request.
	result, err = client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, serverFlags(true), result.Flags)
	assert.Equal(t, int64(1), requests.Load())
}

func TestCacheKeyStableUnderKeyPermutation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFlagsResponse(w, serverFlags(true))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", nil)

	first, err := client.Flags(context.Background(), map[string]any{
		"user":    map[string]any{"id": "u1", "name": "Ada"},
		"company": map[string]any{"id": "c1"},
	})
	require.NoError(t, err)

	second, err := client.Flags(context.Background(), map[string]any{
		"company": map[string]any{"id": "c1"},
		"user":    map[string]any{"name": "Ada", "id": "u1"},
	})
	require.NoError(t, err)

	assert.Equal(t, first.URL, second.URL)
}

func TestStaleWhileRevalidate(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		writeFlagsResponse(w, serverFlags(n > 1))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.StaleTTL = time.Millisecond
	})

	first, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, serverFlags(false), first.Flags)

	time.Sleep(10 * time.Millisecond)

	// The stale payload is served immediately; the refresh runs out of
	// band.
	stale, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, serverFlags(false), stale.Flags)

	require.NoError(t, client.Flush(context.Background()))
	assert.Equal(t, int64(2), requests.Load())

	refreshed, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, serverFlags(true), refreshed.Flags)
}

func TestStaleServedWhenRefreshFailsWithoutRevalidate(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeFlagsResponse(w, serverFlags(true))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.StaleTTL = time.Millisecond
		c.StaleWhileRevalidate = false
	})

	_, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	fail.Store(true)

	result, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, serverFlags(true), result.Flags, "stale payload outlives a failed refresh")
}

func TestNegativeBackoff(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.FallbackFlags = map[string]any{"checkout": false}
	})

	// First call fetches and records the failure.
	result, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, false, result.Flags["checkout"].Value)
	assert.Equal(t, "fallback value", result.Flags["checkout"].Reason)
	assert.Equal(t, int64(1), requests.Load())

	// Fresh cached failures are retried until the attempt count reaches
	// the threshold.
	for i := 0; i < DefaultNegativeAttempts-1; i++ {
		_, err = client.Flags(context.Background(), testContext())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(DefaultNegativeAttempts), requests.Load())

	// Threshold reached: further calls serve the cached failure with no
	// network traffic.
	for i := 0; i < 3; i++ {
		result, err = client.Flags(context.Background(), testContext())
		require.NoError(t, err)
		assert.Equal(t, false, result.Flags["checkout"].Value)
	}
	assert.Equal(t, int64(DefaultNegativeAttempts), requests.Load())
}

func TestNegativeCachingDisabled(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.CacheNegativeAttempts = NegativeCachingDisabled
	})

	// Only the first call reaches the endpoint; the cached failure is
	// never re-fetched while fresh.
	for i := 0; i < 3; i++ {
		_, err := client.Flags(context.Background(), testContext())
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), requests.Load())
}

func TestTimeoutRecordsFailureAndServesFallback(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.Timeout = 50 * time.Millisecond
		c.CacheNegativeAttempts = 1
		c.FallbackFlags = map[string]any{"checkout": "fallback"}
	})

	result, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Flags["checkout"].Value)

	// The timeout recorded a failure entry at the retry budget: the next
	// call serves it without touching the endpoint again.
	start := time.Now()
	_, err = client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestSingleFlight(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(100 * time.Millisecond)
		writeFlagsResponse(w, serverFlags(true))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := client.Flags(context.Background(), testContext())
			assert.NoError(t, err)
			assert.Equal(t, serverFlags(true), result.Flags)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), requests.Load())
}

func TestFallbackFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"checkout": true, "beta": "variant-a"}`), 0o600))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.FallbackFile = path
		// Static fallback flags win over the file on overlap.
		c.FallbackFlags = map[string]any{"beta": "variant-b"}
	})

	result, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)
	assert.Equal(t, true, result.Flags["checkout"].Value)
	assert.Equal(t, "variant-b", result.Flags["beta"].Value)
}

type recordingReporter struct {
	mu    sync.Mutex
	calls []map[string]engine.Result
}

func (r *recordingReporter) ReportEvaluations(_ context.Context, flags map[string]engine.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, flags)
}

func TestEventsReportedAfterLiveFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFlagsResponse(w, serverFlags(true))
	}))
	defer server.Close()

	reporter := &recordingReporter{}
	client := newTestClient(t, server.URL+"/flags?k=1", func(c *Config) {
		c.Events = reporter
	})

	_, err := client.Flags(context.Background(), testContext())
	require.NoError(t, err)

	// A cache hit reports nothing.
	_, err = client.Flags(context.Background(), testContext())
	require.NoError(t, err)

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.calls, 1)
	assert.Equal(t, serverFlags(true), reporter.calls[0])
}

func TestNewRequiresAPIBaseURL(t *testing.T) {
	_, err := New(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API base URL")
}

func TestCanceledCallerContextSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newTestClient(t, server.URL+"/flags?k=1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Flags(ctx, testContext())
	assert.ErrorIs(t, err, context.Canceled)
}
