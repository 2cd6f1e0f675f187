// Package carbon implements the per-zone carbon-intensity cache: a
// non-blocking read path backed by a TTL'd cache, single-flight background
// refresh through a provider hook, and an optional best-effort Redis mirror
// for cross-instance sharing (spec.md §4.3, C1).
package carbon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rilot/carbonproxy/internal/model"
)

// ProviderFunc fetches a fresh carbon signal for a zone. Implementations
// must respect ctx's deadline; the cache always calls this with a
// provider-timeout-bounded context.
type ProviderFunc func(ctx context.Context, zone string, cfg model.CarbonProviderConfig) (model.CarbonSignal, error)

// Mirror is an optional write-behind secondary store (e.g. a Redis-backed
// tier) for the cached signal. It is never on the synchronous read path:
// GetSignalNonBlocking always returns a local value. The cache writes to the
// mirror after each successful refresh and never calls Load.
type Mirror interface {
	Load(ctx context.Context, zone string) (model.CarbonSignal, bool)
	Store(ctx context.Context, zone string, signal model.CarbonSignal, ttl time.Duration) error
}

type cachedEntry struct {
	signal    model.CarbonSignal
	expiresAt time.Time
}

// Cache is the per-zone carbon signal cache described by spec.md §4.3.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cachedEntry

	refreshMu  sync.Mutex
	refreshing map[string]bool

	cfg      model.CarbonProviderConfig
	provider ProviderFunc
	mirror   Mirror
	logger   *slog.Logger
}

// New creates a cache. provider is the background refresh hook (e.g.
// MockProvider); mirror may be nil to disable the distributed tier.
func New(cfg model.CarbonProviderConfig, provider ProviderFunc, mirror Mirror, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:    make(map[string]cachedEntry),
		refreshing: make(map[string]bool),
		cfg:        cfg,
		provider:   provider,
		mirror:     mirror,
		logger:     logger,
	}
}

// GetSignalNonBlocking returns the cached signal for zone, or a
// configuration-derived fallback, and schedules an asynchronous refresh when
// the entry is missing or expired and no refresh is already in flight. It
// never blocks on the provider.
func (c *Cache) GetSignalNonBlocking(zone string) model.CarbonSignal {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[zone]
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		return entry.signal
	}

	c.scheduleRefresh(zone)
	return c.fallback(zone)
}

func (c *Cache) fallback(zone string) model.CarbonSignal {
	current := c.cfg.DefaultCarbonIntensity
	if v, ok := c.cfg.ZoneCurrent[zone]; ok {
		current = v
	}
	signal := model.CarbonSignal{Current: &current}
	if v, ok := c.cfg.ZoneForecastNext[zone]; ok {
		forecast := v
		signal.ForecastNext = &forecast
	}
	return signal
}

// scheduleRefresh starts a background refresh for zone unless one is
// already in flight (single-flight per spec.md §4.3/§5).
func (c *Cache) scheduleRefresh(zone string) {
	c.refreshMu.Lock()
	if c.refreshing[zone] {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[zone] = true
	c.refreshMu.Unlock()

	go c.refresh(zone)
}

func (c *Cache) refresh(zone string) {
	defer func() {
		c.refreshMu.Lock()
		delete(c.refreshing, zone)
		c.refreshMu.Unlock()
	}()

	if c.provider == nil {
		return
	}

	timeout := c.cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	signal, err := c.provider(ctx, zone, c.cfg)
	if err != nil {
		c.logger.Warn("carbon provider refresh failed", "zone", zone, "error", err)
		return
	}
	if ctx.Err() != nil {
		c.logger.Warn("carbon provider refresh timed out", "carbon_provider_timeout", true, "zone", zone)
		return
	}

	ttl := c.cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	c.entries[zone] = cachedEntry{signal: signal, expiresAt: expiresAt}
	c.mu.Unlock()

	if c.mirror != nil {
		if mErr := c.mirror.Store(ctx, zone, signal, ttl); mErr != nil {
			c.logger.Warn("carbon mirror store failed", "zone", zone, "error", mErr)
		}
	}
}
