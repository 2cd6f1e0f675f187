// Package state composes the process-lifetime RuntimeState described in
// spec.md §3/§5: per-zone runtime stats, the carbon signal cache, the
// metrics store, and the per-route hysteresis and decision-log counters,
// all behind the readers-writer discipline §5 mandates. Grounded on the
// teacher's routers.BaseRouter, which composes its own stats map, cooldown
// map, and health state behind a single shared lock.
package state

import (
	"sync"
	"time"

	"github.com/rilot/carbonproxy/internal/carbon"
	"github.com/rilot/carbonproxy/internal/metrics"
	"github.com/rilot/carbonproxy/internal/scoring"
	"github.com/rilot/carbonproxy/internal/stats"
)

// RuntimeState holds every piece of mutable shared state the proxy touches
// while serving requests. Carbon caches and runtime stats manage their own
// internal locking; this struct additionally guards the per-route
// hysteresis and decision-log sampling counters.
type RuntimeState struct {
	Stats   *stats.Runtime
	Carbon  map[string]*carbon.Cache // keyed by route name
	Metrics *metrics.Store

	mu             sync.RWMutex
	lastDecision   map[string]scoring.LastDecision // keyed by route name
	decisionCounts map[string]uint64               // keyed by route name
}

// New builds an empty RuntimeState. Carbon caches are registered per route
// via RegisterCarbonCache once each route's provider configuration is
// known.
func New() *RuntimeState {
	return &RuntimeState{
		Stats:          stats.New(),
		Carbon:         make(map[string]*carbon.Cache),
		Metrics:        metrics.New(),
		lastDecision:   make(map[string]scoring.LastDecision),
		decisionCounts: make(map[string]uint64),
	}
}

// RegisterCarbonCache attaches a route's carbon cache. Called once per route
// during startup, before request handling begins.
func (s *RuntimeState) RegisterCarbonCache(route string, cache *carbon.Cache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Carbon[route] = cache
}

// CarbonCache returns the carbon cache registered for route, if any.
func (s *RuntimeState) CarbonCache(route string) (*carbon.Cache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.Carbon[route]
	return c, ok
}

// LastDecision returns the most recent hysteresis decision recorded for
// route, if any.
func (s *RuntimeState) LastDecision(route string) (scoring.LastDecision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.lastDecision[route]
	return d, ok
}

// SetLastDecision records route's latest hysteresis decision.
func (s *RuntimeState) SetLastDecision(route string, decision scoring.LastDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDecision[route] = decision
}

// NextDecisionLogOrdinal increments and returns route's decision counter,
// used by the decision-log sampling gate (spec.md §4.8).
func (s *RuntimeState) NextDecisionLogOrdinal(route string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisionCounts[route]++
	return s.decisionCounts[route]
}

// Now is a thin seam so tests can control hysteresis timing; production
// code always uses time.Now.
var Now = time.Now
