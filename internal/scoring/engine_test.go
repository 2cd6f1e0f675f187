package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rilot/carbonproxy/internal/classify"
	"github.com/rilot/carbonproxy/internal/model"
)

type fakeStats struct {
	errorRate map[string]float64
	inFlight  map[string]int64
}

func (f fakeStats) ErrorRate(zone string) float64 { return f.errorRate[zone] }
func (f fakeStats) InFlight(zone string) int64     { return f.inFlight[zone] }

type fakeCarbon struct {
	signals map[string]model.CarbonSignal
}

func (f fakeCarbon) GetSignalNonBlocking(zone string) model.CarbonSignal {
	return f.signals[zone]
}

func ptr(v float64) *float64 { return &v }

func basicZones() []model.ZoneCandidate {
	return []model.ZoneCandidate{
		{Name: "us-east", Region: "us", BaseRTTMs: 20, CostWeight: 1},
		{Name: "eu-west", Region: "eu", BaseRTTMs: 50, CostWeight: 1},
	}
}

func basicPolicy() model.RoutePolicy {
	return model.RoutePolicy{
		CarbonCursorEnabled:   true,
		Weights:               model.PolicyWeights{Carbon: 0.5, Latency: 0.3, Errors: 0.1, Cost: 0.1},
		FailSafeLowestLatency: true,
	}
}

func TestScorePrefersLowerCarbonZone(t *testing.T) {
	policy := basicPolicy()
	eff := classify.Classify(policy, nil)
	carbon := fakeCarbon{signals: map[string]model.CarbonSignal{
		"us-east": {Current: ptr(400)},
		"eu-west": {Current: ptr(50)},
	}}

	decision, ok := Score(policy, eff, "", basicZones(), fakeStats{}, carbon)
	require.True(t, ok)
	assert.Equal(t, "eu-west", decision.Zone.Name)
	assert.Equal(t, ReasonScored, decision.Reason)
}

func TestScoreFallsBackToLowestLatencyWhenNoCarbonData(t *testing.T) {
	policy := basicPolicy()
	eff := classify.Classify(policy, nil)

	decision, ok := Score(policy, eff, "", basicZones(), fakeStats{}, fakeCarbon{})
	require.True(t, ok)
	assert.Equal(t, "us-east", decision.Zone.Name)
	assert.Equal(t, ReasonFallbackLowestLatency, decision.Reason)
}

func TestScoreAppliesCrossRegionLatencyPenalty(t *testing.T) {
	policy := basicPolicy()
	policy.Weights = model.PolicyWeights{Carbon: 0, Latency: 1, Errors: 0, Cost: 0}
	eff := classify.Classify(policy, nil)
	carbon := fakeCarbon{signals: map[string]model.CarbonSignal{
		"us-east": {Current: ptr(100)},
		"eu-west": {Current: ptr(100)},
	}}

	decision, ok := Score(policy, eff, "us", basicZones(), fakeStats{}, carbon)
	require.True(t, ok)
	assert.Equal(t, "us-east", decision.Zone.Name)
	assert.Equal(t, 20.0, decision.LatencyMs)
}

func TestApplyConstraintsFiltersEachReason(t *testing.T) {
	cands := []*candidate{
		{zone: model.ZoneCandidate{Name: "a"}, latencyMs: 10},
		{zone: model.ZoneCandidate{Name: "b"}, latencyMs: 100},
		{zone: model.ZoneCandidate{Name: "c"}, latencyMs: 10, errorRate: 0.5},
		{zone: model.ZoneCandidate{Name: "d", MaxInFlight: 2}, latencyMs: 10, inFlight: 5},
	}
	constraints := model.PolicyConstraints{
		MaxAddedLatencyMs: 20,
		MaxErrorRate:      0.1,
	}
	applyConstraints(cands, constraints, bestLatency(cands))

	assert.Equal(t, "", cands[0].filteredOutReason)
	assert.Equal(t, FilterMaxAddedLatency, cands[1].filteredOutReason)
	assert.Equal(t, FilterMaxErrorRate, cands[2].filteredOutReason)
	assert.Equal(t, FilterMaxInFlight, cands[3].filteredOutReason)
}

func TestApplyConstraintsP95Budget(t *testing.T) {
	cands := []*candidate{
		{zone: model.ZoneCandidate{Name: "a"}, latencyMs: 500},
	}
	constraints := model.PolicyConstraints{P95LatencyBudgetMs: 200}
	applyConstraints(cands, constraints, bestLatency(cands))
	assert.Equal(t, FilterP95Budget, cands[0].filteredOutReason)
}

func TestEffectiveWeightsPriorityOverrides(t *testing.T) {
	policy := basicPolicy()
	policy.PriorityMode = model.PriorityLatencyFirst
	w := effectiveWeights(policy, classify.Effective{})
	assert.Equal(t, model.PolicyWeights{Carbon: 0.15, Latency: 0.65, Errors: 0.20, Cost: 0.0}, w)

	policy.PriorityMode = model.PriorityCarbonFirst
	w = effectiveWeights(policy, classify.Effective{})
	assert.Equal(t, model.PolicyWeights{Carbon: 0.70, Latency: 0.20, Errors: 0.10, Cost: 0.0}, w)

	policy.PriorityMode = model.PriorityBalanced
	w = effectiveWeights(policy, classify.Effective{})
	assert.Equal(t, policy.Weights, w)
}

func TestChooseCarbonDefersForGreenerWindow(t *testing.T) {
	policy := model.RoutePolicy{
		CarbonCursorEnabled:         true,
		ForecastingEnabled:         true,
		TimeShiftEnabled:           true,
		ForecastWindowMinutes:      30,
		ForecastMinImprovementRatio: 0.2,
	}
	eff := classify.Effective{
		CarbonCursorEnabled: true,
		ForecastingEnabled:  true,
		TimeShiftEnabled:    true,
		RouteClass:          model.RouteClassBackground,
	}
	carbon := fakeCarbon{signals: map[string]model.CarbonSignal{
		"z": {Current: ptr(100), ForecastNext: ptr(50)},
	}}
	c := &candidate{}
	got := chooseCarbon(policy, eff, "z", carbon, c)
	require.NotNil(t, got)
	assert.Equal(t, 50.0, *got)
	assert.Equal(t, ReasonDeferredGreenerWindow, c.filteredOutReason)
}

func TestChooseCarbonNoImprovementKeepsForecastWithoutDeferral(t *testing.T) {
	policy := model.RoutePolicy{
		CarbonCursorEnabled:         true,
		ForecastingEnabled:         true,
		TimeShiftEnabled:           true,
		ForecastWindowMinutes:      30,
		ForecastMinImprovementRatio: 0.5,
	}
	eff := classify.Effective{
		CarbonCursorEnabled: true,
		ForecastingEnabled:  true,
		TimeShiftEnabled:    true,
		RouteClass:          model.RouteClassBackground,
	}
	carbon := fakeCarbon{signals: map[string]model.CarbonSignal{
		"z": {Current: ptr(100), ForecastNext: ptr(90)},
	}}
	c := &candidate{}
	got := chooseCarbon(policy, eff, "z", carbon, c)
	require.NotNil(t, got)
	assert.Equal(t, 90.0, *got)
	assert.Equal(t, "", c.filteredOutReason)
}

func TestChooseCarbonReturnsNilWhenCursorDisabled(t *testing.T) {
	c := &candidate{}
	got := chooseCarbon(model.RoutePolicy{}, classify.Effective{CarbonCursorEnabled: false}, "z", fakeCarbon{}, c)
	assert.Nil(t, got)
}

func lookupFrom(pool ...model.ZoneCandidate) func(zone string) (model.ZoneCandidate, bool) {
	return func(zone string) (model.ZoneCandidate, bool) {
		for _, z := range pool {
			if z.Name == zone {
				return z, true
			}
		}
		return model.ZoneCandidate{}, false
	}
}

func TestHysteresisSticksWithinIntervalAndDelta(t *testing.T) {
	now := time.Now()
	incumbent := model.ZoneCandidate{Name: "us-east", Region: "us"}
	last := &LastDecision{Zone: "us-east", Score: 0.5, At: now.Add(-5 * time.Second)}
	decision := Decision{Zone: model.ZoneCandidate{Name: "eu-west"}, Score: 0.48, Carbon: ptr(42), LatencyMs: 10, ErrorRate: 0.01, Cost: 1}

	out, newLast := Hysteresis("api", decision, last, now, 30, 0.05, lookupFrom(incumbent))
	assert.Equal(t, ReasonHysteresisSticky, out.Reason)
	assert.Equal(t, "us-east", out.Zone.Name)
	assert.Equal(t, incumbent, out.Zone)
	// Carbon/latency/error/cost still reflect the current probe (the candidate's).
	assert.Equal(t, decision.Carbon, out.Carbon)
	assert.Equal(t, decision.LatencyMs, out.LatencyMs)
	assert.Equal(t, decision.ErrorRate, out.ErrorRate)
	assert.Equal(t, decision.Cost, out.Cost)
	assert.Equal(t, *last, newLast)
}

func TestHysteresisDoesNotStickWhenIncumbentNoLongerResolves(t *testing.T) {
	now := time.Now()
	last := &LastDecision{Zone: "us-east", Score: 0.5, At: now.Add(-5 * time.Second)}
	decision := Decision{Zone: model.ZoneCandidate{Name: "eu-west"}, Score: 0.48}

	out, newLast := Hysteresis("api", decision, last, now, 30, 0.05, lookupFrom())
	assert.Equal(t, "eu-west", out.Zone.Name)
	assert.Equal(t, "eu-west", newLast.Zone)
}

func TestHysteresisSwitchesWhenScoreGainExceedsDelta(t *testing.T) {
	now := time.Now()
	incumbent := model.ZoneCandidate{Name: "us-east"}
	last := &LastDecision{Zone: "us-east", Score: 0.9, At: now.Add(-5 * time.Second)}
	decision := Decision{Zone: model.ZoneCandidate{Name: "eu-west"}, Score: 0.2}

	out, newLast := Hysteresis("api", decision, last, now, 30, 0.05, lookupFrom(incumbent))
	assert.Equal(t, "eu-west", out.Zone.Name)
	assert.Equal(t, "eu-west", newLast.Zone)
}

func TestHysteresisSwitchesWhenIntervalElapsed(t *testing.T) {
	now := time.Now()
	incumbent := model.ZoneCandidate{Name: "us-east"}
	last := &LastDecision{Zone: "us-east", Score: 0.5, At: now.Add(-60 * time.Second)}
	decision := Decision{Zone: model.ZoneCandidate{Name: "eu-west"}, Score: 0.48}

	out, _ := Hysteresis("api", decision, last, now, 30, 0.05, lookupFrom(incumbent))
	assert.Equal(t, "eu-west", out.Zone.Name)
}

func TestHysteresisNoLastDecisionReturnsAsIs(t *testing.T) {
	now := time.Now()
	decision := Decision{Zone: model.ZoneCandidate{Name: "eu-west"}, Score: 0.2}
	out, last := Hysteresis("api", decision, nil, now, 30, 0.05, lookupFrom())
	assert.Equal(t, decision, out)
	assert.Equal(t, "eu-west", last.Zone)
}
