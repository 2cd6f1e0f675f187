// Package classify merges a route's default policy with per-request header
// overrides into an effective flag set (spec.md §4.1).
package classify

import (
	"net/http"
	"strings"

	"github.com/rilot/carbonproxy/internal/model"
)

// Header names consumed by the classifier (spec.md §6).
const (
	HeaderClass         = "X-Rilot-Class"
	HeaderCarbonCursor  = "X-Rilot-Carbon-Cursor"
	HeaderForecasting   = "X-Rilot-Forecasting"
	HeaderTimeShift     = "X-Rilot-Time-Shift"
	HeaderPlugin        = "X-Rilot-Plugin"
	HeaderUserRegion    = "X-User-Region"
)

// Effective is the classified flag set consumed by the scoring engine and
// request pipeline.
type Effective struct {
	RouteClass          string
	CarbonCursorEnabled bool
	ForecastingEnabled  bool
	TimeShiftEnabled    bool
	PluginEnabled       bool
}

var affirmative = map[string]bool{"1": true, "true": true, "on": true, "yes": true}
var negative = map[string]bool{"0": true, "false": true, "off": true, "no": true}

// Classify applies the route's default policy and the request headers in
// the order spec.md §4.1 mandates, including the mandatory strict-local
// lock-down of plugin and time-shift behavior.
func Classify(policy model.RoutePolicy, headers http.Header) Effective {
	eff := Effective{
		RouteClass:          policy.RouteClass,
		CarbonCursorEnabled: policy.CarbonCursorEnabled,
		ForecastingEnabled:  policy.ForecastingEnabled,
		TimeShiftEnabled:    policy.TimeShiftEnabled,
		PluginEnabled:       policy.PluginEnabled,
	}

	if v := headers.Get(HeaderClass); v != "" {
		eff.RouteClass = v
	}
	if eff.RouteClass == "" {
		eff.RouteClass = model.RouteClassFlexible
	}

	eff.CarbonCursorEnabled = resolveBool(headers.Get(HeaderCarbonCursor), eff.CarbonCursorEnabled)
	eff.ForecastingEnabled = resolveBool(headers.Get(HeaderForecasting), eff.ForecastingEnabled)
	eff.TimeShiftEnabled = resolveBool(headers.Get(HeaderTimeShift), eff.TimeShiftEnabled)
	eff.PluginEnabled = resolveBool(headers.Get(HeaderPlugin), eff.PluginEnabled)

	if eff.RouteClass == model.RouteClassStrictLocal {
		eff.PluginEnabled = false
		eff.TimeShiftEnabled = false
	}

	return eff
}

// UserRegion extracts the user-region header used by zone affinity.
func UserRegion(headers http.Header) string {
	return headers.Get(HeaderUserRegion)
}

func resolveBool(headerValue string, def bool) bool {
	if headerValue == "" {
		return def
	}
	v := strings.ToLower(strings.TrimSpace(headerValue))
	if affirmative[v] {
		return true
	}
	if negative[v] {
		return false
	}
	return def
}
