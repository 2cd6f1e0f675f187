// Package metrics is the C3 metrics store: per (route, zone) request and
// error counters, an estimated-energy/co2e accumulator, a latency
// histogram, and a per-zone carbon-intensity gauge (spec.md §4.9, §6).
//
// Bookkeeping uses github.com/prometheus/client_golang's Vec types for
// concurrency-safe label-keyed storage, grounded on the teacher's
// internal/metrics/prometheus.go. Exposition does NOT use promauto's
// registry or promhttp's text encoder: §6 mandates fixed 8/6-decimal-place
// formatting that client_golang's shortest-round-trip float encoder cannot
// produce, so the renderer reads back raw values via dto.Metric.Write and
// formats them by hand (see DESIGN.md).
package metrics

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// LatencyBucketsMs are the fixed histogram boundaries spec.md §6 names.
var LatencyBucketsMs = []float64{25, 50, 100, 250, 500, 1000, 2000}

// Store holds every series the exposition endpoint renders.
type Store struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	co2e     *prometheus.CounterVec
	energy   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	carbon   *prometheus.GaugeVec
}

// New builds an empty, unregistered store. It is intentionally never
// registered with the default registry: the proxy's /metrics handler
// renders directly from Store, not from promhttp.Handler.
func New() *Store {
	return &Store{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total requests forwarded per route and zone.",
		}, []string{"route", "zone"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total forwarding errors per route and zone.",
		}, []string{"route", "zone"}),
		co2e: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "co2e_estimated_total",
			Help: "Estimated CO2e in grams per route and zone.",
		}, []string{"route", "zone"}),
		energy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energy_joules_estimated_total",
			Help: "Estimated energy in joules per route and zone.",
		}, []string{"route", "zone"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "latency_ms",
			Help:    "Forwarding latency in milliseconds per route and zone.",
			Buckets: LatencyBucketsMs,
		}, []string{"route", "zone"}),
		carbon: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "carbon_intensity_g_per_kwh",
			Help: "Most recently observed carbon intensity per zone.",
		}, []string{"zone"}),
	}
}

// RecordRequest updates the C3 store for one completed forward: request and
// (optionally) error counters, the latency histogram, and the energy/co2e
// accumulators, then the zone's last-seen carbon intensity.
func (s *Store) RecordRequest(route, zone string, isError bool, latencyMs, energyJ, co2eG, carbonGPerKwh float64) {
	s.requests.WithLabelValues(route, zone).Inc()
	errs := s.errors.WithLabelValues(route, zone)
	if isError {
		errs.Inc()
	}
	s.latency.WithLabelValues(route, zone).Observe(latencyMs)
	s.energy.WithLabelValues(route, zone).Add(energyJ)
	s.co2e.WithLabelValues(route, zone).Add(co2eG)
	s.carbon.WithLabelValues(zone).Set(carbonGPerKwh)
}

// collect drains a Collector into flat dto.Metric values.
func collect(c prometheus.Collector) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()
	var out []*dto.Metric
	for m := range ch {
		pb := &dto.Metric{}
		if err := m.Write(pb); err != nil {
			continue
		}
		out = append(out, pb)
	}
	return out
}

func labelValue(pb *dto.Metric, name string) string {
	for _, lp := range pb.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func sortByRouteZone(metrics []*dto.Metric) {
	sort.Slice(metrics, func(i, j int) bool {
		ri, rj := labelValue(metrics[i], "route"), labelValue(metrics[j], "route")
		if ri != rj {
			return ri < rj
		}
		return labelValue(metrics[i], "zone") < labelValue(metrics[j], "zone")
	})
}

func writeCounterSeries(buf *bytes.Buffer, name string, metrics []*dto.Metric, decimals int) {
	sortByRouteZone(metrics)
	for _, pb := range metrics {
		route := escapeLabel(labelValue(pb, "route"))
		zone := escapeLabel(labelValue(pb, "zone"))
		fmt.Fprintf(buf, "%s{route=\"%s\",zone=\"%s\"} %.*f\n", name, route, zone, decimals, pb.GetCounter().GetValue())
	}
}

// Render produces the full plaintext exposition body described in spec.md
// §6, including the exact fixed-decimal-place formatting for the co2e,
// energy, and carbon-intensity series.
func (s *Store) Render() []byte {
	var buf bytes.Buffer

	writeCounterSeries(&buf, "requests_total", collect(s.requests), 0)
	writeCounterSeries(&buf, "errors_total", collect(s.errors), 0)
	writeCounterSeries(&buf, "co2e_estimated_total", collect(s.co2e), 8)
	writeCounterSeries(&buf, "energy_joules_estimated_total", collect(s.energy), 8)

	latencyMetrics := collect(s.latency)
	sortByRouteZone(latencyMetrics)
	for _, pb := range latencyMetrics {
		route := escapeLabel(labelValue(pb, "route"))
		zone := escapeLabel(labelValue(pb, "zone"))
		buckets := pb.GetHistogram().GetBucket()
		for _, boundary := range LatencyBucketsMs {
			count := cumulativeCountAt(buckets, boundary)
			fmt.Fprintf(&buf, "latency_ms_bucket{route=\"%s\",zone=\"%s\",le=\"%s\"} %d\n", route, zone, formatBoundary(boundary), count)
		}
	}

	carbonMetrics := collect(s.carbon)
	sort.Slice(carbonMetrics, func(i, j int) bool {
		return labelValue(carbonMetrics[i], "zone") < labelValue(carbonMetrics[j], "zone")
	})
	for _, pb := range carbonMetrics {
		zone := escapeLabel(labelValue(pb, "zone"))
		fmt.Fprintf(&buf, "carbon_intensity_g_per_kwh{zone=\"%s\"} %.6f\n", zone, pb.GetGauge().GetValue())
	}

	return buf.Bytes()
}

func cumulativeCountAt(buckets []*dto.Bucket, boundary float64) uint64 {
	for _, b := range buckets {
		if b.GetUpperBound() == boundary {
			return b.GetCumulativeCount()
		}
	}
	return 0
}

func formatBoundary(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}

// RouteTotals summarizes every zone's counters for one route, used by the
// rollup ticker (C8).
type RouteTotals struct {
	RequestsTotal  uint64
	ErrorsTotal    uint64
	CO2eEstimatedG float64
	AvgLatencyMs   float64
}

// Totals aggregates this store's series across every zone of route.
func (s *Store) Totals(route string) RouteTotals {
	var t RouteTotals

	for _, pb := range collect(s.requests) {
		if labelValue(pb, "route") == route {
			t.RequestsTotal += uint64(pb.GetCounter().GetValue())
		}
	}
	for _, pb := range collect(s.errors) {
		if labelValue(pb, "route") == route {
			t.ErrorsTotal += uint64(pb.GetCounter().GetValue())
		}
	}
	for _, pb := range collect(s.co2e) {
		if labelValue(pb, "route") == route {
			t.CO2eEstimatedG += pb.GetCounter().GetValue()
		}
	}

	var sum float64
	var count uint64
	for _, pb := range collect(s.latency) {
		if labelValue(pb, "route") == route {
			sum += pb.GetHistogram().GetSampleSum()
			count += pb.GetHistogram().GetSampleCount()
		}
	}
	if count > 0 {
		t.AvgLatencyMs = sum / float64(count)
	}
	return t
}

// ContentType is the exact header value spec.md §6 requires.
const ContentType = "text/plain; version=0.0.4"
