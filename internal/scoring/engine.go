// Package scoring implements the multi-factor zone-selection engine
// (spec.md §4.4–§4.6, C6): candidate assembly, weighted scoring, selection,
// lowest-latency fallback, and hysteresis. It is grounded on the teacher's
// routers.CostRouter.PickWithContext / routers.LatencyRouter.PickWithContext
// filter-then-sort-then-pick shape, adapted to a single multi-factor score
// rather than a pluggable per-strategy router chain — see DESIGN.md.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/rilot/carbonproxy/internal/classify"
	"github.com/rilot/carbonproxy/internal/model"
)

// Reasons emitted on a Decision.
const (
	ReasonDeferredGreenerWindow = "deferred-for-greener-window"
	ReasonFallbackLowestLatency = "fallback-lowest-latency"
	ReasonHysteresisSticky      = "hysteresis-sticky-zone"
	ReasonScored                = "scored"
)

// Filter-out reasons.
const (
	FilterMaxAddedLatency = "max_added_latency_ms"
	FilterP95Budget       = "p95_latency_budget_ms"
	FilterMaxErrorRate    = "max_error_rate"
	FilterMaxInFlight     = "max_in_flight"
)

const fallbackScoreSentinel = math.MaxFloat64

// Floors for normalized-score denominators (spec.md §4.4).
const (
	carbonFloor  = 1.0
	latencyFloor = 1.0
	errorsFloor  = 0.001
	costFloor    = 0.001
)

// StatsSource reports per-zone runtime statistics. Satisfied by
// *internal/stats.Runtime.
type StatsSource interface {
	ErrorRate(zone string) float64
	InFlight(zone string) int64
}

// CarbonSource reports the current carbon signal for a zone. Satisfied by
// *internal/carbon.Cache.
type CarbonSource interface {
	GetSignalNonBlocking(zone string) model.CarbonSignal
}

// candidate is a per-zone working value assembled from the preselected set.
type candidate struct {
	zone              model.ZoneCandidate
	latencyMs         float64
	errorRate         float64
	cost              float64
	inFlight          int64
	carbon            *float64
	filteredOutReason string
	score             float64
}

// Decision is the outcome of one scoring pass.
type Decision struct {
	Zone      model.ZoneCandidate
	Score     float64
	Reason    string
	Carbon    *float64
	LatencyMs float64
	ErrorRate float64
	Cost      float64
}

// LastDecision records the most recent emitted decision for a route, used
// by Hysteresis on the next request.
type LastDecision struct {
	Zone  string
	Score float64
	At    time.Time
}

// Score runs §4.4's candidate assembly, weighting, and selection, followed
// by §4.5's lowest-latency fallback when applicable. It returns false when
// no candidate is eligible and the route does not fail safe to latency.
func Score(policy model.RoutePolicy, eff classify.Effective, userRegion string, candidates []model.ZoneCandidate, stats StatsSource, carbonSrc CarbonSource) (Decision, bool) {
	if len(candidates) == 0 {
		return Decision{}, false
	}

	cands := assemble(policy, eff, userRegion, candidates, stats, carbonSrc)
	applyConstraints(cands, policy.Constraints, bestLatency(cands))

	anyCarbon := false
	for _, c := range cands {
		if c.carbon != nil {
			anyCarbon = true
			break
		}
	}

	if !eff.CarbonCursorEnabled || !anyCarbon {
		return lowestLatencyFallback(cands)
	}

	weights := effectiveWeights(policy, eff)
	scoreAll(cands, weights)

	eligible := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		if c.filteredOutReason == "" || c.filteredOutReason == ReasonDeferredGreenerWindow {
			eligible = append(eligible, c)
		}
	}

	if len(eligible) == 0 {
		if policy.FailSafeLowestLatency {
			return lowestLatencyFallback(cands)
		}
		return Decision{}, false
	}

	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].score < eligible[j].score })
	best := eligible[0]

	reason := ReasonScored
	if best.filteredOutReason == ReasonDeferredGreenerWindow {
		reason = ReasonDeferredGreenerWindow
	}

	return Decision{
		Zone:      best.zone,
		Score:     best.score,
		Reason:    reason,
		Carbon:    best.carbon,
		LatencyMs: best.latencyMs,
		ErrorRate: best.errorRate,
		Cost:      best.cost,
	}, true
}

func assemble(policy model.RoutePolicy, eff classify.Effective, userRegion string, candidates []model.ZoneCandidate, stats StatsSource, carbonSrc CarbonSource) []*candidate {
	out := make([]*candidate, 0, len(candidates))
	for _, z := range candidates {
		c := &candidate{zone: z, cost: z.CostWeight}

		c.latencyMs = float64(z.BaseRTTMs)
		if userRegion != "" && userRegion != z.Region {
			c.latencyMs += 40
		}

		if stats != nil {
			c.errorRate = stats.ErrorRate(z.Name)
			c.inFlight = stats.InFlight(z.Name)
		}

		c.carbon = chooseCarbon(policy, eff, z.Name, carbonSrc, c)

		out = append(out, c)
	}
	return out
}

// chooseCarbon implements spec.md §4.4's chosen_carbon rules in order.
func chooseCarbon(policy model.RoutePolicy, eff classify.Effective, zone string, carbonSrc CarbonSource, c *candidate) *float64 {
	if !eff.CarbonCursorEnabled {
		return nil
	}
	if carbonSrc == nil {
		return nil
	}

	signal := carbonSrc.GetSignalNonBlocking(zone)

	if eff.ForecastingEnabled && eff.TimeShiftEnabled && eff.RouteClass == model.RouteClassBackground &&
		policy.ForecastWindowMinutes > 0 && signal.HasCurrent() && signal.HasForecast() {

		current := *signal.Current
		forecast := *signal.ForecastNext
		improvement := 0.0
		if current > 0 {
			improvement = (current - forecast) / current
		}
		if improvement >= policy.ForecastMinImprovementRatio {
			c.filteredOutReason = ReasonDeferredGreenerWindow
			v := forecast
			return &v
		}
		v := forecast
		return &v
	}

	if signal.HasForecast() && signal.HasCurrent() {
		v := *signal.ForecastNext
		return &v
	}
	if signal.HasCurrent() {
		v := *signal.Current
		return &v
	}
	return nil
}

func bestLatency(cands []*candidate) float64 {
	best := math.MaxFloat64
	for _, c := range cands {
		if c.latencyMs < best {
			best = c.latencyMs
		}
	}
	return best
}

// applyConstraints implements the constraint predicates of §4.4. A
// constraint violation always overrides a deferred-for-greener-window
// marking: deferral signals eligibility, it never waives a hard limit.
func applyConstraints(cands []*candidate, constraints model.PolicyConstraints, bestLatencyMs float64) {
	for _, c := range cands {
		switch {
		case constraints.MaxAddedLatencyMs > 0 && c.latencyMs > bestLatencyMs+constraints.MaxAddedLatencyMs:
			c.filteredOutReason = FilterMaxAddedLatency
		case constraints.P95LatencyBudgetMs > 0 && c.latencyMs > constraints.P95LatencyBudgetMs:
			c.filteredOutReason = FilterP95Budget
		case constraints.MaxErrorRate > 0 && c.errorRate > constraints.MaxErrorRate:
			c.filteredOutReason = FilterMaxErrorRate
		case c.zone.MaxInFlight > 0 && c.inFlight >= int64(c.zone.MaxInFlight):
			c.filteredOutReason = FilterMaxInFlight
		}
	}
}

func effectiveWeights(policy model.RoutePolicy, eff classify.Effective) model.PolicyWeights {
	switch policy.PriorityMode {
	case model.PriorityLatencyFirst:
		return model.PolicyWeights{Carbon: 0.15, Latency: 0.65, Errors: 0.20, Cost: 0.0}
	case model.PriorityCarbonFirst:
		return model.PolicyWeights{Carbon: 0.70, Latency: 0.20, Errors: 0.10, Cost: 0.0}
	default:
		return policy.Weights
	}
}

func scoreAll(cands []*candidate, weights model.PolicyWeights) {
	maxCarbon := carbonFloor
	maxLatency := latencyFloor
	maxErrors := errorsFloor
	maxCost := costFloor

	for _, c := range cands {
		if c.carbon != nil && *c.carbon > maxCarbon {
			maxCarbon = *c.carbon
		}
		if c.latencyMs > maxLatency {
			maxLatency = c.latencyMs
		}
		if c.errorRate > maxErrors {
			maxErrors = c.errorRate
		}
		if c.cost > maxCost {
			maxCost = c.cost
		}
	}

	for _, c := range cands {
		carbonTerm := weights.Carbon
		if c.carbon != nil {
			carbonTerm = weights.Carbon * (*c.carbon / maxCarbon)
		}
		latencyTerm := weights.Latency * (c.latencyMs / maxLatency)
		errorsTerm := weights.Errors * (c.errorRate / maxErrors)
		costTerm := weights.Cost * (c.cost / maxCost)
		c.score = carbonTerm + latencyTerm + errorsTerm + costTerm
	}
}

// lowestLatencyFallback implements §4.5.
func lowestLatencyFallback(cands []*candidate) (Decision, bool) {
	if len(cands) == 0 {
		return Decision{}, false
	}
	sorted := make([]*candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].latencyMs < sorted[j].latencyMs })
	best := sorted[0]
	return Decision{
		Zone:      best.zone,
		Score:     fallbackScoreSentinel,
		Reason:    ReasonFallbackLowestLatency,
		Carbon:    best.carbon,
		LatencyMs: best.latencyMs,
		ErrorRate: best.errorRate,
		Cost:      best.cost,
	}, true
}

// Hysteresis implements §4.6. lookup resolves a zone name to its full
// candidate (and whether it still resolves at all), so the sticky branch can
// emit the incumbent's own zone identity rather than the new candidate's.
func Hysteresis(route string, decision Decision, last *LastDecision, now time.Time, minSwitchIntervalSecs int, hysteresisDelta float64, lookup func(zone string) (model.ZoneCandidate, bool)) (Decision, LastDecision) {
	if last == nil {
		return decision, LastDecision{Zone: decision.Zone.Name, Score: decision.Score, At: now}
	}

	interval := now.Sub(last.At)
	scoreGain := last.Score - decision.Score

	incumbent, incumbentResolves := lookup(last.Zone)

	if interval < time.Duration(minSwitchIntervalSecs)*time.Second &&
		scoreGain < hysteresisDelta &&
		last.Zone != decision.Zone.Name &&
		incumbentResolves {

		// Preserve the candidate's carbon/latency/error/cost fields (they
		// still reflect the current probe) but emit the incumbent's own
		// zone identity, per spec.md §4.6.
		sticky := decision
		sticky.Zone = incumbent
		sticky.Reason = ReasonHysteresisSticky
		return sticky, *last
	}

	return decision, LastDecision{Zone: decision.Zone.Name, Score: decision.Score, At: now}
}
