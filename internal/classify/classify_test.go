package classify

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rilot/carbonproxy/internal/model"
)

func TestClassifyDefaultsToPolicy(t *testing.T) {
	policy := model.RoutePolicy{
		RouteClass:          model.RouteClassFlexible,
		CarbonCursorEnabled: true,
		PluginEnabled:       true,
	}
	eff := Classify(policy, http.Header{})
	assert.Equal(t, model.RouteClassFlexible, eff.RouteClass)
	assert.True(t, eff.CarbonCursorEnabled)
	assert.True(t, eff.PluginEnabled)
}

func TestClassifyHeaderOverrides(t *testing.T) {
	policy := model.RoutePolicy{CarbonCursorEnabled: true}
	h := http.Header{}
	h.Set(HeaderCarbonCursor, "OFF")
	h.Set(HeaderClass, model.RouteClassBackground)

	eff := Classify(policy, h)
	assert.False(t, eff.CarbonCursorEnabled)
	assert.Equal(t, model.RouteClassBackground, eff.RouteClass)
}

func TestClassifyStrictLocalLocksDownPluginAndTimeShift(t *testing.T) {
	policy := model.RoutePolicy{
		RouteClass:       model.RouteClassFlexible,
		PluginEnabled:    true,
		TimeShiftEnabled: true,
	}
	h := http.Header{}
	h.Set(HeaderClass, model.RouteClassStrictLocal)

	eff := Classify(policy, h)
	assert.Equal(t, model.RouteClassStrictLocal, eff.RouteClass)
	assert.False(t, eff.PluginEnabled)
	assert.False(t, eff.TimeShiftEnabled)
}

func TestUserRegion(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderUserRegion, "eu-west")
	assert.Equal(t, "eu-west", UserRegion(h))
}
