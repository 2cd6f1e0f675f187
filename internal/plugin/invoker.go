// Package plugin invokes the per-route plugin contract (spec.md §6): an
// external, out-of-process collaborator that receives a JSON request
// envelope on stdin and returns a JSON mutation result on stdout, bounded
// by a deadline. This reframes the teacher's in-process Plugin/Pipeline
// hook-chain (internal/plugin/pipeline.go) as a black-box program, per the
// spec's explicit "external collaborator" / "plugin sandbox" framing — see
// DESIGN.md.
package plugin

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"time"

	"github.com/goccy/go-json"
)

// Request is the envelope sent to the plugin on stdin.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// rawResult mirrors the plugin's stdout JSON exactly before validation.
type rawResult struct {
	AppURL                          *string           `json:"app_url"`
	EnergyJoulesOverride             *float64          `json:"energy_joules_override"`
	CarbonIntensityGPerKwhOverride   *float64          `json:"carbon_intensity_g_per_kwh_override"`
	EnergySource                    *string           `json:"energy_source"`
	HeadersToUpdate                 map[string]string `json:"headers_to_update"`
	HeadersToRemove                 []string          `json:"headers_to_remove"`
}

// Mutation is the validated result of a plugin invocation, ready for the
// request pipeline to apply (spec.md §4.7 step 6).
type Mutation struct {
	AppURL                       string
	EnergyJoulesOverride         *float64
	CarbonIntensityGPerKwhOverride *float64
	EnergySource                 string
	HeadersToUpdate              map[string]string
	HeadersToRemove              []string
}

// Invoke runs the plugin file as a child process, feeds it req as JSON on
// stdin, and parses its stdout as a mutation result. The call is bounded by
// timeout; on any failure (spawn error, non-zero exit, malformed JSON,
// deadline) Invoke returns an error and the caller must continue with the
// original, unmutated request — plugin failure is never fatal (spec.md §4.7
// step 6).
func Invoke(ctx context.Context, pluginFile string, req Request, timeout time.Duration) (Mutation, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return Mutation{}, fmt.Errorf("plugin: encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, pluginFile)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Mutation{}, fmt.Errorf("plugin: timed out: %w", ctx.Err())
		}
		return Mutation{}, fmt.Errorf("plugin: exited with error: %w (stderr: %s)", err, stderr.String())
	}

	var raw rawResult
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return Mutation{}, fmt.Errorf("plugin: decode result: %w", err)
	}

	return validate(raw), nil
}

// validate applies the finite/non-negative/non-empty predicates spec.md §6
// and §4.7 mandate, silently dropping any field that fails them rather than
// failing the whole invocation.
func validate(raw rawResult) Mutation {
	m := Mutation{
		HeadersToUpdate: make(map[string]string),
	}

	if raw.AppURL != nil && *raw.AppURL != "" {
		m.AppURL = *raw.AppURL
	}
	if validOverride(raw.EnergyJoulesOverride) {
		m.EnergyJoulesOverride = raw.EnergyJoulesOverride
	}
	if validOverride(raw.CarbonIntensityGPerKwhOverride) {
		m.CarbonIntensityGPerKwhOverride = raw.CarbonIntensityGPerKwhOverride
	}
	if raw.EnergySource != nil && *raw.EnergySource != "" {
		m.EnergySource = *raw.EnergySource
	}
	for name, value := range raw.HeadersToUpdate {
		if name == "" || value == "" {
			continue
		}
		m.HeadersToUpdate[name] = value
	}
	for _, name := range raw.HeadersToRemove {
		if name == "" {
			continue
		}
		m.HeadersToRemove = append(m.HeadersToRemove, name)
	}
	return m
}

func validOverride(v *float64) bool {
	return v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) && *v >= 0
}
