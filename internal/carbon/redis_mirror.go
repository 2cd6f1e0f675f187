package carbon

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rilot/carbonproxy/internal/model"
)

// RedisMirror is a best-effort, cross-instance cache tier for carbon
// signals, grounded on the teacher's caches/redis.Cache. It is never on the
// synchronous decision path (spec.md §5 — the cache must never block on the
// provider, and this mirror is strictly slower than the local map); it is
// only written after a successful local refresh and never read by
// GetSignalNonBlocking directly.
type RedisMirror struct {
	client    goredis.UniversalClient
	namespace string
}

// NewRedisMirror wraps an existing Redis client. namespace prefixes every
// key to avoid collisions with unrelated data in a shared Redis instance.
func NewRedisMirror(client goredis.UniversalClient, namespace string) *RedisMirror {
	if namespace == "" {
		namespace = "carbonproxy"
	}
	return &RedisMirror{client: client, namespace: namespace}
}

type wireSignal struct {
	Current      *float64 `json:"current,omitempty"`
	ForecastNext *float64 `json:"forecast_next,omitempty"`
}

func (m *RedisMirror) key(zone string) string {
	return fmt.Sprintf("%s:carbon:%s", m.namespace, zone)
}

// Store writes signal for zone with the given TTL. Failures are reported to
// the caller, which logs and continues (carbon cache writes are best-effort).
func (m *RedisMirror) Store(ctx context.Context, zone string, signal model.CarbonSignal, ttl time.Duration) error {
	data, err := json.Marshal(wireSignal{Current: signal.Current, ForecastNext: signal.ForecastNext})
	if err != nil {
		return err
	}
	return m.client.Set(ctx, m.key(zone), data, ttl).Err()
}

// Load reads a mirrored signal for zone, if present and unexpired.
func (m *RedisMirror) Load(ctx context.Context, zone string) (model.CarbonSignal, bool) {
	data, err := m.client.Get(ctx, m.key(zone)).Bytes()
	if err != nil {
		return model.CarbonSignal{}, false
	}
	var w wireSignal
	if err := json.Unmarshal(data, &w); err != nil {
		return model.CarbonSignal{}, false
	}
	return model.CarbonSignal{Current: w.Current, ForecastNext: w.ForecastNext}, true
}
