package zones

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rilot/carbonproxy/internal/model"
)

func TestResolveAppliesDefaults(t *testing.T) {
	route := model.Route{
		Name: "api",
		Zones: []model.ZoneCandidate{
			{Name: "us-east"},
			{Name: "eu-west", Region: "eu", BaseRTTMs: 50},
		},
	}

	resolved := Resolve(route)
	require.Len(t, resolved, 2)
	assert.Equal(t, "us-east", resolved[0].Region)
	assert.Equal(t, 35, resolved[0].BaseRTTMs)
	assert.Equal(t, "eu", resolved[1].Region)
	assert.Equal(t, 50, resolved[1].BaseRTTMs)
}

func TestResolveSynthesizesFromDefaultApp(t *testing.T) {
	route := model.Route{Name: "api", DefaultAppName: "api-default"}
	resolved := Resolve(route)
	require.Len(t, resolved, 1)
	assert.Equal(t, "api-default", resolved[0].Name)
	assert.Equal(t, 20, resolved[0].BaseRTTMs)
}

func TestPreselectFiltersByAllowList(t *testing.T) {
	candidates := []model.ZoneCandidate{
		{Name: "a", Region: "us", BaseRTTMs: 10},
		{Name: "b", Region: "eu", BaseRTTMs: 5},
	}
	constraints := model.PolicyConstraints{MaxCandidates: 5, AllowList: []string{"a"}}

	out := Preselect(candidates, constraints, "")
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Name)
}

func TestPreselectDegradesWhenAllowListEmptyMatch(t *testing.T) {
	candidates := []model.ZoneCandidate{
		{Name: "a", Region: "us", BaseRTTMs: 10},
	}
	constraints := model.PolicyConstraints{MaxCandidates: 5, AllowList: []string{"nonexistent"}}

	out := Preselect(candidates, constraints, "")
	require.Len(t, out, 1)
}

func TestPreselectPrefersUserRegionAndTruncates(t *testing.T) {
	candidates := []model.ZoneCandidate{
		{Name: "far", Region: "ap", BaseRTTMs: 5},
		{Name: "near", Region: "us", BaseRTTMs: 50},
	}
	constraints := model.PolicyConstraints{MaxCandidates: 1}

	out := Preselect(candidates, constraints, "us")
	require.Len(t, out, 1)
	assert.Equal(t, "near", out[0].Name)
}
