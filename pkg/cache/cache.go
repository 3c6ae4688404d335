// Package cache holds evaluated flag payloads keyed by canonical context
// key, governing freshness, expiry and negative-result accounting for the
// fetch driver above it.
package cache

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/bucketco/flagcore/pkg/engine"
)

const (
	// DefaultStaleTTL is how long an entry is served without triggering
	// revalidation.
	DefaultStaleTTL = 60 * time.Second

	// DefaultExpireTTL is how long an entry may be served at all.
	DefaultExpireTTL = 7 * 24 * time.Hour
)

// Entry is the serialized per-key record inside the blob. Timestamps are
// epoch milliseconds so the blob stays readable by the other SDKs sharing
// the storage slot.
type Entry struct {
	StaleAt      int64                    `json:"staleAt"`
	ExpireAt     int64                    `json:"expireAt"`
	Success      bool                     `json:"success"`
	AttemptCount int                      `json:"attemptCount"`
	Flags        map[string]engine.Result `json:"flags,omitempty"`
}

// Item is what a read returns: the payload plus the freshness verdict at
// read time.
type Item struct {
	Flags        map[string]engine.Result
	Success      bool
	Stale        bool
	AttemptCount int
}

// Payload is what a write stores. Timestamps are assigned by the cache.
type Payload struct {
	Flags        map[string]engine.Result
	Success      bool
	AttemptCount int
}

// Cache validates, expires and replaces entries in a Store. All reads parse
// the whole blob and all writes replace it, so readers never observe a
// partial write.
type Cache struct {
	store     Store
	staleTTL  time.Duration
	expireTTL time.Duration
	clock     func() time.Time
	logger    zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithStaleTTL overrides the staleness window.
func WithStaleTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.staleTTL = ttl
	}
}

// WithExpireTTL overrides the expiry window.
func WithExpireTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.expireTTL = ttl
	}
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		c.clock = clock
	}
}

// WithLogger routes cache diagnostics to the given logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.With().Str("component", "cache").Logger()
	}
}

// New creates a cache over the given store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		staleTTL:  DefaultStaleTTL,
		expireTTL: DefaultExpireTTL,
		clock:     time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the entry for key, or false when there is none or it is past
// its expiry. Expiry is lazy: an expired entry is simply not returned; the
// next write garbage-collects it.
func (c *Cache) Get(key string) (Item, bool) {
	entries := c.read()
	entry, exists := entries[key]
	if !exists {
		return Item{}, false
	}

	now := c.nowMillis()
	if entry.ExpireAt <= now {
		return Item{}, false
	}

	return Item{
		Flags:        entry.Flags,
		Success:      entry.Success,
		Stale:        entry.StaleAt <= now,
		AttemptCount: entry.AttemptCount,
	}, true
}

// Set replaces the entry for key with fresh timestamps, garbage-collects
// expired entries and writes the blob back. Storage failures are logged and
// returned; callers treat the cache as best-effort.
func (c *Cache) Set(key string, payload Payload) error {
	entries := c.read()

	now := c.nowMillis()
	entries[key] = Entry{
		StaleAt:      now + c.staleTTL.Milliseconds(),
		ExpireAt:     now + c.expireTTL.Milliseconds(),
		Success:      payload.Success,
		AttemptCount: payload.AttemptCount,
		Flags:        payload.Flags,
	}

	for otherKey, entry := range entries {
		if entry.ExpireAt <= now && otherKey != key {
			delete(entries, otherKey)
		}
	}

	data, err := json.Marshal(entries)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to serialize cache blob")
		return err
	}
	if err := c.store.SetRaw(string(data)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to write cache blob")
		return err
	}
	return nil
}

// Clear empties the storage slot.
func (c *Cache) Clear() error {
	return c.store.ClearRaw()
}

// read parses the blob, tolerating a malformed blob (treated as empty) and
// discarding individually malformed entries.
func (c *Cache) read() map[string]Entry {
	raw, err := c.store.GetRaw()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read cache blob, treating as empty")
		return make(map[string]Entry)
	}
	if raw == "" {
		return make(map[string]Entry)
	}

	var rawEntries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &rawEntries); err != nil {
		c.logger.Warn().Err(err).Msg("Malformed cache blob, treating as empty")
		return make(map[string]Entry)
	}

	entries := make(map[string]Entry, len(rawEntries))
	for key, rawEntry := range rawEntries {
		entry, ok := decodeEntry(rawEntry)
		if !ok {
			c.logger.Debug().Str("key", key).Msg("Discarding malformed cache entry")
			continue
		}
		entries[key] = entry
	}
	return entries
}

// decodeEntry validates the required fields: numeric timestamps, boolean
// success, and, when present, a flags payload shaped like the evaluation
// envelope.
func decodeEntry(raw json.RawMessage) (Entry, bool) {
	var probe struct {
		StaleAt      *int64                   `json:"staleAt"`
		ExpireAt     *int64                   `json:"expireAt"`
		Success      *bool                    `json:"success"`
		AttemptCount *int                     `json:"attemptCount"`
		Flags        map[string]engine.Result `json:"flags"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Entry{}, false
	}
	if probe.StaleAt == nil || probe.ExpireAt == nil || probe.Success == nil {
		return Entry{}, false
	}

	entry := Entry{
		StaleAt:  *probe.StaleAt,
		ExpireAt: *probe.ExpireAt,
		Success:  *probe.Success,
		Flags:    probe.Flags,
	}
	if probe.AttemptCount != nil {
		entry.AttemptCount = *probe.AttemptCount
	}
	return entry, true
}

func (c *Cache) nowMillis() int64 {
	return c.clock().UnixMilli()
}
