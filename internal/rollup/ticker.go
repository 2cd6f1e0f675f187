// Package rollup runs the periodic per-route summary ticker (spec.md
// §4.8, C8): one structured log line per route per interval, with summed
// counters and average latency across all of that route's zones. Grounded
// on the teacher's internal/healthcheck.Prober ticker+select loop.
package rollup

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/rilot/carbonproxy/internal/metrics"
)

// Line is the JSON payload emitted once per route per interval.
type Line struct {
	Route              string  `json:"route"`
	RequestsTotal      uint64  `json:"requests_total"`
	ErrorsTotal        uint64  `json:"errors_total"`
	CO2eEstimatedTotal float64 `json:"co2e_estimated_total_g"`
	AvgLatencyMs       float64 `json:"avg_latency_ms"`
}

// Ticker periodically renders and logs a Line per route.
type Ticker struct {
	interval time.Duration
	routes   []string
	store    *metrics.Store
	logger   *slog.Logger
}

// NewTicker builds a rollup ticker for routes, reading from store every
// interval. A non-positive interval disables the ticker (spec.md §4.8:
// "when rollup_interval_secs > 0").
func NewTicker(interval time.Duration, routes []string, store *metrics.Store, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{interval: interval, routes: routes, store: store, logger: logger}
}

// Start runs the ticker loop until ctx is canceled. It is a no-op when the
// configured interval is non-positive.
func (t *Ticker) Start(ctx context.Context) {
	if t == nil || t.interval <= 0 {
		return
	}
	go t.run(ctx)
}

func (t *Ticker) run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.emitAll()
		case <-ctx.Done():
			t.logger.Info("rollup ticker stopped")
			return
		}
	}
}

func (t *Ticker) emitAll() {
	for _, route := range t.routes {
		totals := t.store.Totals(route)
		line := Line{
			Route:              route,
			RequestsTotal:      totals.RequestsTotal,
			ErrorsTotal:        totals.ErrorsTotal,
			CO2eEstimatedTotal: totals.CO2eEstimatedG,
			AvgLatencyMs:       totals.AvgLatencyMs,
		}
		data, err := json.Marshal(line)
		if err != nil {
			t.logger.Warn("rollup encode failed", "route", route, "error", err)
			continue
		}
		t.logger.Info("rollup=" + string(data))
	}
}
