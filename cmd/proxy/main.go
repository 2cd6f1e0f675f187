// Command proxy is the entry point for the carbon-aware reverse proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rilot/carbonproxy/internal/carbon"
	"github.com/rilot/carbonproxy/internal/config"
	"github.com/rilot/carbonproxy/internal/model"
	"github.com/rilot/carbonproxy/internal/pipeline"
	"github.com/rilot/carbonproxy/internal/rollup"
	"github.com/rilot/carbonproxy/internal/state"
	"github.com/rilot/carbonproxy/internal/zones"
)

func main() {
	if err := run(); err != nil {
		slog.Error("proxy failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("starting carbon-aware proxy")

	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	cfg := cfgManager.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watchErr := cfgManager.Watch(ctx); watchErr != nil {
		logger.Warn("config hot-reload disabled", "error", watchErr)
	}

	rs := state.New()

	var mirror carbon.Mirror
	if cfg.Redis.Enabled {
		client, err := carbon.NewRedisClient(carbon.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			logger.Warn("carbon redis mirror unavailable, continuing without it", "error", err)
		} else {
			mirror = carbon.NewRedisMirror(client, cfg.Redis.Namespace)
			logger.Info("carbon redis mirror enabled", "addr", cfg.Redis.Addr)
		}
	}

	entries := make([]pipeline.RouteEntry, 0, len(cfg.Routes))
	routeNames := make([]string, 0, len(cfg.Routes))

	for _, rc := range cfg.Routes {
		route := routeFromConfig(rc)
		candidates := zones.Resolve(route)

		providerCfg := route.CarbonConfig
		rs.RegisterCarbonCache(route.Name, carbon.New(providerCfg, carbonProviderFor(providerCfg), mirror, logger))

		entries = append(entries, pipeline.RouteEntry{
			Route:                 route,
			Candidates:            candidates,
			DecisionLogSampleRate: rc.DecisionLogSampleRate,
		})
		routeNames = append(routeNames, route.Name)
	}

	handler := pipeline.New(entries, rs, logger, cfg.Metrics.Enabled, cfg.Metrics.Path)

	ticker := rollup.NewTicker(time.Duration(cfg.Rollup.IntervalSecs)*time.Second, routeNames, rs.Metrics, logger)
	ticker.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("proxy listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down proxy...")
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("proxy stopped")
	return nil
}

// carbonProviderFor selects the background refresh hook for a route's
// carbon cache based on its configured provider name (spec.md §4.3). Any
// name other than "electricitymap" falls back to the mock provider.
func carbonProviderFor(cfg model.CarbonProviderConfig) carbon.ProviderFunc {
	if cfg.Name == "electricitymap" {
		return carbon.NewElectricityMapProvider(nil)
	}
	return carbon.MockProvider
}

func routeFromConfig(rc config.RouteConfig) model.Route {
	zoneCandidates := make([]model.ZoneCandidate, 0, len(rc.Zones))
	for _, z := range rc.Zones {
		zoneCandidates = append(zoneCandidates, model.ZoneCandidate{
			Name:        z.Name,
			Region:      z.Region,
			UpstreamURI: z.UpstreamURI,
			BaseRTTMs:   z.BaseRTTMs,
			CostWeight:  z.CostWeight,
			MaxInFlight: z.MaxInFlight,
			Tags:        z.Tags,
		})
	}

	return model.Route{
		Name:           rc.Name,
		PathRule:       rc.PathRule,
		MatchType:      rc.MatchType,
		RewriteMode:    rc.RewriteMode,
		DefaultAppURI:  rc.DefaultAppURI,
		DefaultAppName: rc.DefaultAppName,
		Zones:          zoneCandidates,
		PluginFile:     rc.PluginFile,
		Policy: model.RoutePolicy{
			CarbonCursorEnabled: rc.Policy.CarbonCursorEnabled,
			RouteClass:          rc.Policy.RouteClass,
			PriorityMode:        rc.Policy.PriorityMode,
			Constraints: model.PolicyConstraints{
				MaxCandidates:      rc.Policy.Constraints.MaxCandidates,
				AllowList:          rc.Policy.Constraints.AllowList,
				MaxAddedLatencyMs:  rc.Policy.Constraints.MaxAddedLatencyMs,
				P95LatencyBudgetMs: rc.Policy.Constraints.P95LatencyBudgetMs,
				MaxErrorRate:       rc.Policy.Constraints.MaxErrorRate,
			},
			Weights: model.PolicyWeights{
				Carbon:  rc.Policy.Weights.Carbon,
				Latency: rc.Policy.Weights.Latency,
				Errors:  rc.Policy.Weights.Errors,
				Cost:    rc.Policy.Weights.Cost,
			},
			ForecastingEnabled:          rc.Policy.ForecastingEnabled,
			TimeShiftEnabled:            rc.Policy.TimeShiftEnabled,
			ForecastWindowMinutes:       rc.Policy.ForecastWindowMinutes,
			ForecastMinImprovementRatio: rc.Policy.ForecastMinImprovementRatio,
			MaxDeferSeconds:             rc.Policy.MaxDeferSeconds,
			FailSafeLowestLatency:       rc.Policy.FailSafeLowestLatency,
			HysteresisDelta:             rc.Policy.HysteresisDelta,
			MinSwitchIntervalSecs:       rc.Policy.MinSwitchIntervalSecs,
			PluginEnabled:               rc.Policy.PluginEnabled,
			PluginTimeoutMs:             rc.Policy.PluginTimeoutMs,
		},
		CarbonConfig: model.CarbonProviderConfig{
			Name:                   rc.CarbonProvider.Name,
			CacheTTL:               rc.CarbonProvider.CacheTTL(),
			DefaultCarbonIntensity: rc.CarbonProvider.DefaultCarbonIntensity,
			ZoneCurrent:            rc.CarbonProvider.ZoneCurrent,
			ZoneForecastNext:       rc.CarbonProvider.ZoneForecastNext,
			ProviderTimeout:        rc.CarbonProvider.ProviderTimeout(),
			ElectricityMap: model.ElectricityMapConfig{
				BaseURL:            rc.CarbonProvider.ElectricityMapBaseURL,
				APIKey:             rc.CarbonProvider.ElectricityMapAPIKey,
				APITokenHeader:     rc.CarbonProvider.ElectricityMapAPITokenHeader,
				ZoneMap:            rc.CarbonProvider.ElectricityMapZoneMap,
				DisableEstimations: rc.CarbonProvider.ElectricityMapDisableEstimations,
				LocalFixture:       rc.CarbonProvider.ElectricityMapLocalFixture,
				LocalLiveReload:    rc.CarbonProvider.ElectricityMapLocalLiveReload,
			},
		},
	}
}
