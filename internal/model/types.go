// Package model defines the immutable value types shared by the carbon-aware
// routing engine: zone candidates, policy weights/constraints, route
// policies, and carbon provider configuration.
package model

import "time"

// ZoneCandidate is a routable upstream: a deployment of the application in
// a specific location or electrical grid. Immutable after config load.
type ZoneCandidate struct {
	Name        string
	Region      string
	UpstreamURI string
	BaseRTTMs   int
	CostWeight  float64
	// MaxInFlight is the configured in-flight capacity. Zero means unlimited.
	MaxInFlight int
	Tags        []string
}

// HasTag reports whether the candidate carries the given tag.
func (z ZoneCandidate) HasTag(tag string) bool {
	for _, t := range z.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PolicyWeights are the four non-negative multi-factor scoring weights.
// They are not required to sum to 1; normalisation happens in scoring.
type PolicyWeights struct {
	Carbon  float64
	Latency float64
	Errors  float64
	Cost    float64
}

// PolicyConstraints bound the candidate set before and during scoring.
type PolicyConstraints struct {
	MaxCandidates      int
	AllowList          []string
	MaxAddedLatencyMs  float64 // 0 means unset
	P95LatencyBudgetMs float64 // 0 means unset
	MaxErrorRate       float64 // 0 means unset
}

// RouteClass enumerates the route-wide class values spec.md names directly;
// any other string is accepted and treated as "not strict-local / background".
const (
	RouteClassFlexible    = "flexible"
	RouteClassStrictLocal = "strict-local"
	RouteClassBackground  = "background"
)

// PriorityMode selects a weight override per §4.4.
const (
	PriorityBalanced     = "balanced"
	PriorityLatencyFirst = "latency-first"
	PriorityCarbonFirst  = "carbon-first"
)

// RouteRewriteMode controls URI rewriting in the request pipeline.
const (
	RewriteKeep  = "keep"
	RewriteStrip = "strip"
)

// RouteMatchType controls how a route's path rule is matched against an
// incoming request path.
const (
	MatchExact  = "exact"
	MatchPrefix = "prefix"
)

// RoutePolicy holds the route-wide defaults and toggles spec.md §3 names.
type RoutePolicy struct {
	CarbonCursorEnabled bool
	RouteClass          string
	PriorityMode        string
	Constraints         PolicyConstraints
	Weights             PolicyWeights

	ForecastingEnabled          bool
	TimeShiftEnabled            bool
	ForecastWindowMinutes       int
	ForecastMinImprovementRatio float64
	MaxDeferSeconds             int

	FailSafeLowestLatency bool
	HysteresisDelta       float64
	MinSwitchIntervalSecs int

	PluginEnabled   bool
	PluginTimeoutMs int
}

// CarbonProviderConfig configures the carbon signal cache and its fallback
// provider (§4.3).
type CarbonProviderConfig struct {
	Name                   string
	CacheTTL               time.Duration // canonicalised to seconds at load time; see DESIGN.md
	DefaultCarbonIntensity float64
	ZoneCurrent            map[string]float64
	ZoneForecastNext       map[string]float64
	ProviderTimeout        time.Duration

	// ElectricityMap configures the HTTP-backed provider used when
	// Name == "electricitymap". Zero value when Name is "mock" or unset.
	ElectricityMap ElectricityMapConfig
}

// ElectricityMapConfig configures the ElectricityMap-backed carbon provider.
// Its shape follows the original Rust CarbonProviderConfig's
// electricitymap_* fields (see DESIGN.md), which that implementation
// declared but never wired to a live call.
type ElectricityMapConfig struct {
	BaseURL        string
	APIKey         string
	APITokenHeader string
	// ZoneMap translates a route's internal zone name to the zone code the
	// ElectricityMap API expects (e.g. "us-east" -> "US-MIDA-PJM"). A zone
	// absent from the map is passed through unchanged.
	ZoneMap            map[string]string
	DisableEstimations bool
	// LocalFixture, when set, is a path to a JSON fixture file read instead
	// of making live HTTP calls — for offline development and tests.
	LocalFixture string
	// LocalLiveReload re-reads LocalFixture on every call instead of once.
	LocalLiveReload bool
}

// CarbonSignal is a point-in-time carbon intensity reading. Both fields are
// optional (nil means "unknown"), always expressed in gCO2/kWh.
type CarbonSignal struct {
	Current       *float64
	ForecastNext  *float64
}

// HasCurrent reports whether a current intensity reading is present.
func (s CarbonSignal) HasCurrent() bool { return s.Current != nil }

// HasForecast reports whether a forecast-next reading is present.
func (s CarbonSignal) HasForecast() bool { return s.ForecastNext != nil }

// Route ties a path-matching rule to its policy, zones, and plugin wiring.
type Route struct {
	Name          string
	PathRule      string
	MatchType     string // MatchExact | MatchPrefix
	RewriteMode   string // RewriteKeep | RewriteStrip
	DefaultAppURI string
	DefaultAppName string
	Zones         []ZoneCandidate
	Policy        RoutePolicy
	PluginFile    string
	CarbonConfig  CarbonProviderConfig
}
