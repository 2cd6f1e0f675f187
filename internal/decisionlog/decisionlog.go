// Package decisionlog emits the per-request decision log line described in
// spec.md §4.8: always on error, otherwise deterministically sampled as
// "every Nth decision". No direct teacher analog exists (the teacher logs
// ad hoc via slog at call sites); the sampling arithmetic is taken directly
// from spec.md and the request id comes from google/uuid, grounded on the
// teacher's plugin.Context.RequestID convention.
package decisionlog

import (
	"log/slog"
	"math"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Entry is one decision log record.
type Entry struct {
	RequestID          string  `json:"request_id"`
	Route              string  `json:"route"`
	Class              string  `json:"class"`
	Method             string  `json:"method"`
	StatusCode         int     `json:"status_code"`
	Zone               string  `json:"zone"`
	Score              float64 `json:"score"`
	Reason             string  `json:"reason"`
	CarbonIntensityUsed *float64 `json:"carbon_intensity_used,omitempty"`
	LatencyEstimateMs  float64 `json:"latency_estimate_ms"`
	LatencyObservedMs  float64 `json:"latency_observed_ms"`
	CO2eG              float64 `json:"co2e_g"`
	EnergySource       string  `json:"energy_source,omitempty"`
	IsError            bool    `json:"is_error"`
}

// SampleInterval computes N = max(1, round(1/rate)) — the deterministic
// "every Nth decision" gate spec.md §4.8 specifies in place of a random
// sampler.
func SampleInterval(rate float64) uint64 {
	if rate <= 0 {
		return math.MaxUint64
	}
	if rate >= 1 {
		return 1
	}
	n := math.Round(1 / rate)
	if n < 1 {
		n = 1
	}
	return uint64(n)
}

// ShouldLog reports whether ordinal (a per-route, 1-based decision
// counter) should be logged given isError and the sampling interval.
// Errors are always logged regardless of sampling.
func ShouldLog(isError bool, ordinal uint64, interval uint64) bool {
	if isError {
		return true
	}
	if interval == 0 {
		interval = 1
	}
	return ordinal%interval == 0
}

// NewRequestID mints a correlation id for one request's decision entry.
func NewRequestID() string {
	return uuid.NewString()
}

// Log encodes entry as "decision=<JSON>" and writes it at Info level.
func Log(logger *slog.Logger, entry Entry) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("decision log encode failed", "error", err)
		return
	}
	logger.Info("decision=" + string(data))
}
