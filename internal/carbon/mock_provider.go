package carbon

import (
	"context"
	"math"
	"time"

	"github.com/rilot/carbonproxy/internal/model"
)

const (
	mockPerturbationAmplitude = 0.08
	mockPerturbationPeriod    = 300 * time.Second
	mockForecastRatio         = 0.92
)

// MockProvider implements ProviderFunc. It perturbs the configured static
// current value by a ±8% sine wave with a 300s period, and derives
// forecast_next as current*0.92 when the configuration doesn't supply one
// (spec.md §4.3).
func MockProvider(_ context.Context, zone string, cfg model.CarbonProviderConfig) (model.CarbonSignal, error) {
	base := cfg.DefaultCarbonIntensity
	if v, ok := cfg.ZoneCurrent[zone]; ok {
		base = v
	}

	phase := 2 * math.Pi * float64(time.Now().UnixNano()) / float64(mockPerturbationPeriod.Nanoseconds())
	perturbed := base * (1 + mockPerturbationAmplitude*math.Sin(phase))

	signal := model.CarbonSignal{Current: &perturbed}

	if v, ok := cfg.ZoneForecastNext[zone]; ok {
		forecast := v
		signal.ForecastNext = &forecast
	} else {
		forecast := perturbed * mockForecastRatio
		signal.ForecastNext = &forecast
	}
	return signal, nil
}
