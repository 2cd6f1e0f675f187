// Package zones materialises a route's configured zones into candidates and
// preselects them for scoring: allow-list filtering, affinity sorting, and
// truncation to the configured candidate cap (spec.md §4.2).
package zones

import (
	"sort"
	"strings"

	"github.com/rilot/carbonproxy/internal/model"
)

const (
	defaultBaseRTTMs          = 35
	defaultSyntheticBaseRTTMs = 20
)

// Resolve materialises a route's declared zones into candidates, applying
// the documented defaults for any absent field. If the route declares no
// zones, a single synthetic candidate is built from its default app URI.
func Resolve(route model.Route) []model.ZoneCandidate {
	if len(route.Zones) > 0 {
		out := make([]model.ZoneCandidate, len(route.Zones))
		for i, z := range route.Zones {
			out[i] = applyDefaults(z)
		}
		return out
	}

	name := route.DefaultAppName
	if name == "" {
		name = route.Name
	}
	return []model.ZoneCandidate{
		{
			Name:        name,
			Region:      name,
			UpstreamURI: route.DefaultAppURI,
			BaseRTTMs:   defaultSyntheticBaseRTTMs,
		},
	}
}

func applyDefaults(z model.ZoneCandidate) model.ZoneCandidate {
	if z.Region == "" {
		z.Region = z.Name
	}
	if z.BaseRTTMs == 0 {
		z.BaseRTTMs = defaultBaseRTTMs
	}
	return z
}

// Preselect filters candidates by allow-list (with graceful degradation to
// the unfiltered set when the filter would empty it), sorts by region
// affinity then ascending base RTT (stable), and truncates to
// max(constraints.MaxCandidates, 1).
func Preselect(candidates []model.ZoneCandidate, constraints model.PolicyConstraints, userRegion string) []model.ZoneCandidate {
	filtered := filterByAllowList(candidates, constraints.AllowList, userRegion)
	if len(filtered) == 0 {
		filtered = candidates
	}

	sorted := make([]model.ZoneCandidate, len(filtered))
	copy(sorted, filtered)
	sort.SliceStable(sorted, func(i, j int) bool {
		ai := affinityRank(sorted[i], userRegion)
		aj := affinityRank(sorted[j], userRegion)
		if ai != aj {
			return ai < aj
		}
		return sorted[i].BaseRTTMs < sorted[j].BaseRTTMs
	})

	max := constraints.MaxCandidates
	if max < 1 {
		max = 1
	}
	if len(sorted) > max {
		sorted = sorted[:max]
	}
	return sorted
}

func affinityRank(z model.ZoneCandidate, userRegion string) int {
	if userRegion != "" && z.Region == userRegion {
		return 0
	}
	return 1
}

func filterByAllowList(candidates []model.ZoneCandidate, allowList []string, userRegion string) []model.ZoneCandidate {
	if len(allowList) == 0 {
		return candidates
	}

	out := make([]model.ZoneCandidate, 0, len(candidates))
	for _, z := range candidates {
		if matchesAllowList(z, allowList, userRegion) {
			out = append(out, z)
		}
	}
	return out
}

func matchesAllowList(z model.ZoneCandidate, allowList []string, userRegion string) bool {
	for _, entry := range allowList {
		if entry == z.Name {
			return true
		}
		if userRegion != "" && entry == z.Region {
			return true
		}
		if tag, ok := strings.CutPrefix(entry, "tag:"); ok && z.HasTag(tag) {
			return true
		}
	}
	return false
}
