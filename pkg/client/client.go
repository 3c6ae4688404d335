// Package client is the batch-evaluation facade: given an API base URL and
// a caller context it returns the evaluated flags, backed by the flag cache,
// a single-flight fetch driver, stale-while-revalidate and negative-result
// back-off. Rule evaluation itself lives in pkg/engine; this package only
// moves evaluated payloads around.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/bucketco/flagcore/pkg/cache"
	"github.com/bucketco/flagcore/pkg/engine"
	"github.com/bucketco/flagcore/pkg/flatten"
)

// Version is advertised to the flag endpoint on every fetch.
const Version = "1.0.0"

const (
	headerSDKVersion = "x-sdk-version"
	headerRequestID  = "x-request-id"

	sdkVersionValue = "flagcore-go/" + Version
)

const (
	// DefaultTimeout bounds one flag fetch.
	DefaultTimeout = 5 * time.Second

	// DefaultNegativeAttempts is how many consecutive fetch failures are
	// retried before the driver serves the cached failure without going to
	// the network again.
	DefaultNegativeAttempts = 3

	// NegativeCachingDisabled turns re-fetching of cached failures off
	// entirely: a cached failure is served until it goes stale.
	NegativeCachingDisabled = -1
)

// Strategy selects the cache refresh discipline.
type Strategy string

const (
	// StrategyPeriodic refreshes stale entries in the background and may
	// run a standing refresh timer (RefreshInterval). Suited to long-lived
	// clients.
	StrategyPeriodic Strategy = "periodic"

	// StrategyInRequest never starts a refresh timer. Stale reads start a
	// tracked refresh the caller awaits with Flush, for edge runtimes with
	// no persistent timers.
	StrategyInRequest Strategy = "in-request"
)

// Config holds the configuration for the flags client.
type Config struct {
	// Required. The flag endpoint including its fixed query parameters;
	// the flattened context is appended to it.
	APIBaseURL string

	// Optional bearer credential for the flag endpoint.
	SecretKey string

	// Fetch timeout. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Cache freshness windows. Zero values take the cache defaults.
	StaleTTL  time.Duration
	ExpireTTL time.Duration

	// StaleWhileRevalidate serves stale entries immediately and
	// revalidates out of band. DefaultConfig enables it.
	StaleWhileRevalidate bool

	// CacheNegativeAttempts is the failure retry budget: a fresh cached
	// failure is re-fetched until its attempt count reaches this threshold,
	// then served from cache. 0 means DefaultNegativeAttempts;
	// NegativeCachingDisabled stops re-fetching cached failures entirely.
	CacheNegativeAttempts int

	Strategy Strategy

	// RefreshInterval enables the periodic strategy's background refresh
	// timer over the keys this client has served. Zero disables the timer;
	// stale reads still revalidate on demand.
	RefreshInterval time.Duration

	// FallbackFlags are served, keyed by flag, when neither the cache nor
	// the endpoint can produce a payload.
	FallbackFlags map[string]any

	// FallbackFile optionally points at a JSON {flagKey: value} document
	// that supplies fallback flags and is reloaded when it changes.
	FallbackFile string

	// Store backs the cache. Defaults to an in-memory store.
	Store cache.Store

	// Events receives evaluated payloads after live fetches. Optional;
	// the event-submission subsystem lives outside this module.
	Events EventReporter

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:               DefaultTimeout,
		StaleWhileRevalidate:  true,
		CacheNegativeAttempts: DefaultNegativeAttempts,
		Strategy:              StrategyPeriodic,
		Logger:                zerolog.Nop(),
	}
}

// Validate checks required fields and patches zero values.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API base URL is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CacheNegativeAttempts == 0 {
		c.CacheNegativeAttempts = DefaultNegativeAttempts
	}
	if c.Strategy == "" {
		c.Strategy = StrategyPeriodic
	}
	return nil
}

// FlagsResult is the batch evaluation payload plus the canonical URL it was
// (or would be) fetched from, which doubles as the cache key.
type FlagsResult struct {
	Flags map[string]engine.Result `json:"flags"`
	URL   string                   `json:"url"`
}

// Client fetches and caches evaluated flags for caller contexts.
type Client struct {
	config     *Config
	httpClient *http.Client
	cache      *cache.Cache
	fallback   *fallbackSource
	group      singleflight.Group
	pending    sync.WaitGroup
	logger     zerolog.Logger
	instanceID string
	done       chan struct{}

	keysMu sync.Mutex
	keys   map[string]struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a client. Close releases the fallback file watcher.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}

	logger := config.Logger.With().Str("component", "flags_client").Logger()

	store := config.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}
	cacheOpts := []cache.Option{cache.WithLogger(config.Logger)}
	if config.StaleTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithStaleTTL(config.StaleTTL))
	}
	if config.ExpireTTL > 0 {
		cacheOpts = append(cacheOpts, cache.WithExpireTTL(config.ExpireTTL))
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}

	client := &Client{
		config:     config,
		httpClient: httpClient,
		cache:      cache.New(store, cacheOpts...),
		logger:     logger,
		instanceID: uuid.NewString(),
		done:       make(chan struct{}),
		keys:       make(map[string]struct{}),
	}

	if config.FallbackFile != "" {
		fallback, err := newFallbackSource(config.FallbackFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load fallback file: %w", err)
		}
		client.fallback = fallback
	}

	if config.Strategy == StrategyPeriodic && config.RefreshInterval > 0 {
		go client.refreshLoop()
	}

	logger.Info().
		Str("instance_id", client.instanceID).
		Str("strategy", string(config.Strategy)).
		Bool("stale_while_revalidate", config.StaleWhileRevalidate).
		Msg("Flags client initialized")

	return client, nil
}

// Flags returns the evaluated flags for the given context, from cache when
// fresh, from the endpoint otherwise, degrading to stale or fallback flags
// on failure. It never returns an error for endpoint failures; the error
// return covers only a canceled caller context.
func (c *Client) Flags(ctx context.Context, evalCtx map[string]any) (FlagsResult, error) {
	flat := flatten.FlattenWithLogger(normalizeContext(evalCtx), c.logger)
	key := c.buildURL(flat)
	c.rememberKey(key)

	item, found := c.cache.Get(key)
	if found {
		if item.Success && !item.Stale {
			return FlagsResult{Flags: item.Flags, URL: key}, nil
		}

		if !item.Success {
			return c.handleCachedFailure(ctx, key, item)
		}

		// Stale success entry.
		if c.config.StaleWhileRevalidate {
			c.revalidate(key)
			return FlagsResult{Flags: item.Flags, URL: key}, nil
		}

		flags, err := c.fetch(ctx, key)
		if err != nil {
			// Serve the stale payload rather than fall back.
			c.logger.Warn().Err(err).Str("url", key).Msg("Refresh failed, serving stale flags")
			return FlagsResult{Flags: item.Flags, URL: key}, c.callerErr(ctx)
		}
		return FlagsResult{Flags: flags, URL: key}, nil
	}

	flags, err := c.fetch(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", key).Msg("Fetch failed, serving fallback flags")
		return FlagsResult{Flags: c.fallbackFlags(), URL: key}, c.callerErr(ctx)
	}
	return FlagsResult{Flags: flags, URL: key}, nil
}

// handleCachedFailure applies the negative-result back-off: a fresh cached
// failure is re-fetched while its attempt count is under the threshold;
// once the threshold is reached the failure is served from cache with no
// network call, bounding pressure on a down endpoint. Staleness restores
// forward progress: a stale failure always re-fetches.
func (c *Client) handleCachedFailure(ctx context.Context, key string, item cache.Item) (FlagsResult, error) {
	threshold := c.config.CacheNegativeAttempts
	retry := item.Stale ||
		(threshold != NegativeCachingDisabled && item.AttemptCount < threshold)
	if !retry {
		c.logger.Debug().
			Str("url", key).
			Int("attempt_count", item.AttemptCount).
			Msg("Serving cached failure without re-fetching")
		return FlagsResult{Flags: c.fallbackFlags(), URL: key}, nil
	}

	flags, err := c.fetch(ctx, key)
	if err != nil {
		return FlagsResult{Flags: c.fallbackFlags(), URL: key}, c.callerErr(ctx)
	}
	return FlagsResult{Flags: flags, URL: key}, nil
}

// revalidate refreshes a stale entry out of band. The refresh is tracked so
// Flush can await it, which is how the in-request strategy hands it to a
// waitUntil-style hook.
func (c *Client) revalidate(key string) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		if _, err := c.fetch(context.Background(), key); err != nil {
			c.logger.Debug().Err(err).Str("url", key).Msg("Background revalidation failed")
		}
	}()
}

// refreshLoop is the periodic strategy's background timer: every interval
// it revalidates the keys this client has served, keeping long-lived
// clients fresh without caller traffic.
func (c *Client) refreshLoop() {
	ticker := time.NewTicker(c.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, key := range c.knownKeys() {
				if item, found := c.cache.Get(key); !found || item.Stale {
					c.revalidate(key)
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) rememberKey(key string) {
	if c.config.Strategy != StrategyPeriodic || c.config.RefreshInterval <= 0 {
		return
	}
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	c.keys[key] = struct{}{}
}

func (c *Client) knownKeys() []string {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	keys := make([]string, 0, len(c.keys))
	for key := range c.keys {
		keys = append(keys, key)
	}
	return keys
}

// Flush blocks until pending revalidations complete, or the context is
// done. This is the waitUntil-style hook for the in-request strategy.
func (c *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the fallback watcher. The client must not be used after.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)

	if c.fallback != nil {
		c.fallback.close()
	}
	c.logger.Info().Str("instance_id", c.instanceID).Msg("Flags client closed")
}

// ClearCache empties the cache storage slot.
func (c *Client) ClearCache() error {
	return c.cache.Clear()
}

// fetch retrieves the payload for key, deduplicating concurrent calls per
// key. Success resets the attempt count; failure records one more attempt.
// A canceled or timed-out fetch never writes a success entry.
func (c *Client) fetch(ctx context.Context, key string) (map[string]engine.Result, error) {
	result, err, shared := c.group.Do(key, func() (any, error) {
		flags, err := c.doFetch(ctx, key)
		if err != nil {
			attempts := 1
			if item, found := c.cache.Get(key); found && !item.Success {
				attempts = item.AttemptCount + 1
			}
			c.storeEntry(key, cache.Payload{Success: false, AttemptCount: attempts})
			return nil, err
		}

		c.storeEntry(key, cache.Payload{Flags: flags, Success: true})
		if c.config.Events != nil {
			c.config.Events.ReportEvaluations(ctx, flags)
		}
		return flags, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug().Str("url", key).Msg("Fetch deduplicated against an in-flight request")
	}
	return result.(map[string]engine.Result), nil
}

func (c *Client) doFetch(ctx context.Context, fetchURL string) (map[string]engine.Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerSDKVersion, sdkVersionValue)
	req.Header.Set(headerRequestID, uuid.NewString())
	if c.config.SecretKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.SecretKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flags request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("flags request failed with status %d", resp.StatusCode)
	}

	var payload struct {
		Success bool                     `json:"success"`
		Flags   map[string]engine.Result `json:"flags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode flags response: %w", err)
	}
	if !payload.Success {
		return nil, fmt.Errorf("flags endpoint reported failure")
	}
	if payload.Flags == nil {
		payload.Flags = make(map[string]engine.Result)
	}
	return payload.Flags, nil
}

func (c *Client) storeEntry(key string, payload cache.Payload) {
	if err := c.cache.Set(key, payload); err != nil {
		c.logger.Warn().Err(err).Str("url", key).Msg("Failed to update flag cache")
	}
}

// buildURL appends the sorted, url-encoded flattened context to the API
// base. The base carries its own query string already, so the context joins
// with "&"; the resulting string is both the fetch URL and the cache key,
// stable under context key-order permutations.
func (c *Client) buildURL(flat map[string]string) string {
	params := url.Values{}
	for key, value := range flat {
		params.Set(key, value)
	}
	return c.config.APIBaseURL + "&" + params.Encode()
}

// fallbackFlags builds a payload from the fallback file (when configured)
// overlaid with the static fallback flags.
func (c *Client) fallbackFlags() map[string]engine.Result {
	flags := make(map[string]engine.Result)
	if c.fallback != nil {
		for key, value := range c.fallback.current() {
			flags[key] = fallbackResult(key, value)
		}
	}
	for key, value := range c.config.FallbackFlags {
		flags[key] = fallbackResult(key, value)
	}
	return flags
}

func fallbackResult(key string, value any) engine.Result {
	return engine.Result{
		FlagKey:               key,
		Value:                 value,
		Context:               map[string]string{},
		RuleEvaluationResults: []bool{},
		MissingContextFields:  []string{},
		Reason:                "fallback value",
	}
}

// callerErr surfaces only the caller's own cancellation; endpoint failures
// degrade silently.
func (c *Client) callerErr(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func normalizeContext(evalCtx map[string]any) any {
	if evalCtx == nil {
		return map[string]any{}
	}
	return evalCtx
}
