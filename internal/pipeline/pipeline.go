// Package pipeline implements the request handler described in spec.md
// §4.7 (C7): route matching, classification and zone selection, optional
// time-shift deferral, plugin invocation, upstream forwarding, and
// metrics/decision-log bookkeeping, in the exact step order the spec
// mandates. Grounded on the teacher's cmd/server/routes.go and
// middleware.go request-handling shape, trimmed to a single linear
// sequence per request.
package pipeline

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rilot/carbonproxy/internal/classify"
	"github.com/rilot/carbonproxy/internal/decisionlog"
	"github.com/rilot/carbonproxy/internal/metrics"
	"github.com/rilot/carbonproxy/internal/model"
	"github.com/rilot/carbonproxy/internal/plugin"
	"github.com/rilot/carbonproxy/internal/scoring"
	"github.com/rilot/carbonproxy/internal/state"
	"github.com/rilot/carbonproxy/internal/zones"
)

// RouteEntry pairs a configured route with its resolved zone candidates and
// decision-log sampling rate.
type RouteEntry struct {
	Route                 model.Route
	Candidates            []model.ZoneCandidate
	DecisionLogSampleRate float64
}

// Handler is the top-level net/http handler implementing §4.7.
type Handler struct {
	routes         []RouteEntry
	state          *state.RuntimeState
	client         *http.Client
	logger         *slog.Logger
	metricsEnabled bool
	metricsPath    string
}

// New builds a Handler. entries should already carry each route's resolved
// zone candidates (via zones.Resolve) and a registered carbon cache in
// state.
func New(entries []RouteEntry, rs *state.RuntimeState, logger *slog.Logger, metricsEnabled bool, metricsPath string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		routes:         entries,
		state:          rs,
		client:         &http.Client{},
		logger:         logger,
		metricsEnabled: metricsEnabled,
		metricsPath:    metricsPath,
	}
}

// ServeHTTP implements the ordered steps of spec.md §4.7.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Step 1: metrics short-circuit.
	if h.metricsEnabled && r.Method == http.MethodGet && r.URL.Path == h.metricsPath {
		w.Header().Set("Content-Type", metrics.ContentType)
		w.Write(h.state.Metrics.Render())
		return
	}

	// Step 2: route matching.
	entry, ok := h.matchRoute(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	route := entry.Route

	// Step 3: buffer the request body.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}
	r.Body.Close()

	// Step 4: classify and choose a zone.
	eff := classify.Classify(route.Policy, r.Header)
	userRegion := classify.UserRegion(r.Header)
	preselected := zones.Preselect(entry.Candidates, route.Policy.Constraints, userRegion)

	var carbonSrc scoring.CarbonSource
	if cache, ok := h.state.CarbonCache(route.Name); ok {
		carbonSrc = cache
	}

	decision, hasDecision := scoring.Score(route.Policy, eff, userRegion, preselected, h.state.Stats, carbonSrc)
	if !hasDecision {
		h.forwardToDefault(w, r, route, body)
		return
	}

	last, hadLast := h.state.LastDecision(route.Name)
	var lastPtr *scoring.LastDecision
	if hadLast {
		lastPtr = &last
	}
	decision, newLast := scoring.Hysteresis(route.Name, decision, lastPtr, state.Now(), route.Policy.MinSwitchIntervalSecs, route.Policy.HysteresisDelta, func(zone string) (model.ZoneCandidate, bool) {
		return lookupZone(preselected, zone)
	})
	h.state.SetLastDecision(route.Name, newLast)

	selectedZone, ok := lookupZone(entry.Candidates, decision.Zone.Name)
	if !ok {
		selectedZone = decision.Zone
	}

	// Step 5: time-shift deferral.
	if decision.Reason == scoring.ReasonDeferredGreenerWindow && eff.TimeShiftEnabled && route.Policy.MaxDeferSeconds > 0 {
		time.Sleep(time.Duration(route.Policy.MaxDeferSeconds) * time.Second)
	}

	// Step 6: plugin invocation.
	upstreamBase := selectedZone.UpstreamURI
	var energyOverride, carbonOverride *float64
	var energySource string
	headersToUpdate := map[string]string{}
	var headersToRemove []string

	if eff.PluginEnabled && eff.RouteClass != model.RouteClassStrictLocal && route.PluginFile != "" {
		headerMap := make(map[string]string, len(r.Header))
		for name := range r.Header {
			headerMap[name] = r.Header.Get(name)
		}
		mutation, err := plugin.Invoke(r.Context(), route.PluginFile, plugin.Request{
			Method:  r.Method,
			Path:    r.URL.Path,
			Headers: headerMap,
			Body:    string(body),
		}, time.Duration(route.Policy.PluginTimeoutMs)*time.Millisecond)
		if err != nil {
			h.logger.Warn("plugin invocation failed", "route", route.Name, "error", err)
		} else {
			if mutation.AppURL != "" {
				upstreamBase = mutation.AppURL
			}
			energyOverride = mutation.EnergyJoulesOverride
			carbonOverride = mutation.CarbonIntensityGPerKwhOverride
			energySource = mutation.EnergySource
			headersToUpdate = mutation.HeadersToUpdate
			headersToRemove = mutation.HeadersToRemove
		}
	}

	// Step 7: URI rewrite.
	forwardPath := r.URL.Path
	if route.RewriteMode == model.RewriteStrip {
		forwardPath = strings.TrimPrefix(forwardPath, route.PathRule)
		if !strings.HasPrefix(forwardPath, "/") {
			forwardPath = "/" + forwardPath
		}
	}
	target := strings.TrimSuffix(upstreamBase, "/") + joinPathQuery(forwardPath, r.URL.RawQuery)

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, newBodyReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	outReq.Header = r.Header.Clone()
	for name, value := range headersToUpdate {
		outReq.Header.Set(name, value)
	}
	for _, name := range headersToRemove {
		outReq.Header.Del(name)
	}

	// Step 8: forward, measuring wall time, with in-flight accounting.
	h.state.Stats.IncInFlight(selectedZone.Name)
	start := time.Now()
	resp, forwardErr := h.client.Do(outReq)
	latencyMs := float64(time.Since(start).Milliseconds())
	h.state.Stats.DecInFlight(selectedZone.Name)

	// Step 9: classify error.
	isError := forwardErr != nil
	statusCode := http.StatusBadGateway
	var respBody io.ReadCloser
	if !isError {
		statusCode = resp.StatusCode
		isError = statusCode >= 500
		respBody = resp.Body
	}

	// Step 10: energy/co2e.
	energyJ := bytesAndLatencyEnergy(len(body), latencyMs)
	if energyOverride != nil {
		energyJ = *energyOverride
	}
	carbonGPerKwh := 0.0
	if decision.Carbon != nil {
		carbonGPerKwh = *decision.Carbon
	}
	if carbonOverride != nil {
		carbonGPerKwh = *carbonOverride
	}
	co2eG := (energyJ / 3.6e6) * carbonGPerKwh

	// Step 11: update C2/C3.
	h.state.Stats.RecordResult(selectedZone.Name, isError)
	h.state.Metrics.RecordRequest(route.Name, selectedZone.Name, isError, latencyMs, energyJ, co2eG, carbonGPerKwh)

	if isError {
		w.WriteHeader(statusCode)
	} else {
		for name, values := range resp.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(statusCode)
		io.Copy(w, respBody)
		respBody.Close()
	}

	// Step 12: decision log.
	ordinal := h.state.NextDecisionLogOrdinal(route.Name)
	interval := decisionlog.SampleInterval(entry.DecisionLogSampleRate)
	if decisionlog.ShouldLog(isError, ordinal, interval) {
		decisionlog.Log(h.logger, decisionlog.Entry{
			RequestID:           decisionlog.NewRequestID(),
			Route:               route.Name,
			Class:               eff.RouteClass,
			Method:              r.Method,
			StatusCode:          statusCode,
			Zone:                selectedZone.Name,
			Score:               decision.Score,
			Reason:              decision.Reason,
			CarbonIntensityUsed: decision.Carbon,
			LatencyEstimateMs:   decision.LatencyMs,
			LatencyObservedMs:   latencyMs,
			CO2eG:               co2eG,
			EnergySource:        energySource,
			IsError:             isError,
		})
	}
}

func (h *Handler) matchRoute(path string) (RouteEntry, bool) {
	for _, e := range h.routes {
		if e.Route.MatchType == model.MatchExact {
			if path == e.Route.PathRule {
				return e, true
			}
			continue
		}
		if strings.HasPrefix(path, e.Route.PathRule) {
			return e, true
		}
	}
	return RouteEntry{}, false
}

func (h *Handler) forwardToDefault(w http.ResponseWriter, r *http.Request, route model.Route, body []byte) {
	target := strings.TrimSuffix(route.DefaultAppURI, "/") + joinPathQuery(r.URL.Path, r.URL.RawQuery)
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, newBodyReader(body))
	if err != nil {
		http.Error(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	outReq.Header = r.Header.Clone()

	resp, err := h.client.Do(outReq)
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func lookupZone(candidates []model.ZoneCandidate, name string) (model.ZoneCandidate, bool) {
	for _, c := range candidates {
		if c.Name == name {
			return c, true
		}
	}
	return model.ZoneCandidate{}, false
}

func joinPathQuery(path, rawQuery string) string {
	if rawQuery == "" {
		return path
	}
	return path + "?" + rawQuery
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}

func bytesAndLatencyEnergy(bodyLen int, latencyMs float64) float64 {
	return float64(bodyLen)*1e-5 + latencyMs*3e-3
}
