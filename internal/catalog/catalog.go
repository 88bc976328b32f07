// Package catalog caches the list of model identifiers the backend can
// currently invoke.
//
// The list is refreshed lazily once it is older than the TTL. A failed
// refresh never reaches the caller: the previous list (possibly stale,
// possibly empty) is served and the failure is logged.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
)

const (
	// DefaultTTL is how long a successful listing stays fresh.
	DefaultTTL = time.Hour

	// DefaultRefreshTimeout bounds one listing call.
	DefaultRefreshTimeout = 10 * time.Second
)

// Lister fetches the live list of invokable model identifiers.
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// snapshot is immutable once stored; refreshes swap in a new one.
type snapshot struct {
	models    []string
	expiresAt time.Time
	fetchedAt time.Time
}

// Cache is a TTL cache over a Lister. It is safe for concurrent use.
type Cache struct {
	lister  Lister
	ttl     time.Duration
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	snap  atomic.Pointer[snapshot]
	group singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithRefreshTimeout overrides DefaultRefreshTimeout.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger for refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// WithMetrics enables refresh counters and the catalog size gauge.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty Cache. Nothing is fetched until the first call to
// Models.
func New(l Lister, opts ...Option) *Cache {
	c := &Cache{
		lister:  l,
		ttl:     DefaultTTL,
		timeout: DefaultRefreshTimeout,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Models returns the cached identifiers, refreshing first when forced or
// when the cached list has expired. An empty result is a valid outcome, but
// it is listed again on the next call.
// The returned slice is shared and must not be modified.
func (c *Cache) Models(ctx context.Context, forceRefresh bool) []string {
	if !forceRefresh {
		if s := c.snap.Load(); s != nil && c.now().Before(s.expiresAt) {
			return s.models
		}
	}

	// Concurrent refreshes collapse into one listing call.
	v, _, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx), nil
	})
	return v.([]string)
}

// Fresh reports whether a cached list exists and has not expired.
func (c *Cache) Fresh() bool {
	s := c.snap.Load()
	return s != nil && c.now().Before(s.expiresAt)
}

// FetchedAt returns the time of the last successful refresh, or the zero
// time if there has been none.
func (c *Cache) FetchedAt() time.Time {
	if s := c.snap.Load(); s != nil {
		return s.fetchedAt
	}
	return time.Time{}
}

func (c *Cache) refresh(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	models, err := c.lister.ListModels(ctx)
	if err != nil {
		var stale []string
		if s := c.snap.Load(); s != nil {
			stale = s.models
		}
		c.log.WarnContext(ctx, "catalog_refresh_failed",
			slog.String("error", err.Error()),
			slog.Int("serving", len(stale)),
		)
		if c.metrics != nil {
			c.metrics.RecordCatalogRefresh("error", time.Since(start))
		}
		return stale
	}

	now := c.now()
	models = slices.Clone(models)
	expiresAt := now.Add(c.ttl)
	if len(models) == 0 {
		// An empty listing is served but never cached as fresh.
		expiresAt = now
	}
	c.snap.Store(&snapshot{
		models:    models,
		expiresAt: expiresAt,
		fetchedAt: now,
	})

	c.log.DebugContext(ctx, "catalog_refreshed", slog.Int("models", len(models)))
	if c.metrics != nil {
		c.metrics.RecordCatalogRefresh("ok", time.Since(start))
		c.metrics.SetCatalogSize(len(models))
	}
	return models
}
