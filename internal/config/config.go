// Package config loads and validates the proxy's route/zone/policy
// configuration, and hot-reloads it on file change. Grounded on the
// teacher's internal/config/config.go struct shape and manager.go's
// atomic-pointer-swap reload path; trimmed to the fields SPEC_FULL.md's
// data model names.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete proxy configuration loaded once at startup and on
// every hot-reload.
type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Logging LoggingConfig     `yaml:"logging"`
	Rollup  RollupConfig      `yaml:"rollup"`
	Redis   RedisMirrorConfig `yaml:"redis"`
	Routes  []RouteConfig     `yaml:"routes"`
}

// RedisMirrorConfig controls the optional cross-instance carbon-signal
// mirror. When Enabled is false (the default), every route's carbon cache
// runs purely in-process.
type RedisMirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// ServerConfig controls the inbound HTTP listener (spec.md §6).
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig controls the /metrics exposition endpoint (spec.md §6).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds the logging settings from the configuration file.
// cmd/proxy does not read it: the entry point always logs JSON at info level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// RollupConfig controls the background per-route summary ticker (§4.8).
type RollupConfig struct {
	IntervalSecs int `yaml:"interval_secs"`
}

// ZoneConfig is one candidate upstream zone for a route (spec.md §3).
type ZoneConfig struct {
	Name        string   `yaml:"name"`
	Region      string   `yaml:"region"`
	UpstreamURI string   `yaml:"upstream_uri"`
	BaseRTTMs   int      `yaml:"base_rtt_ms"`
	CostWeight  float64  `yaml:"cost_weight"`
	MaxInFlight int      `yaml:"max_in_flight"`
	Tags        []string `yaml:"tags"`
}

// WeightsConfig are the configured (non-priority-override) scoring weights.
type WeightsConfig struct {
	Carbon  float64 `yaml:"carbon"`
	Latency float64 `yaml:"latency"`
	Errors  float64 `yaml:"errors"`
	Cost    float64 `yaml:"cost"`
}

// ConstraintsConfig bounds candidate eligibility (spec.md §4.4).
type ConstraintsConfig struct {
	MaxCandidates      int      `yaml:"max_candidates"`
	AllowList          []string `yaml:"allow_list"`
	MaxAddedLatencyMs  float64  `yaml:"max_added_latency_ms"`
	P95LatencyBudgetMs float64  `yaml:"p95_latency_budget_ms"`
	MaxErrorRate       float64  `yaml:"max_error_rate"`
}

// PolicyConfig is a route's routing policy (spec.md §4.1, §4.4–§4.6).
type PolicyConfig struct {
	CarbonCursorEnabled         bool              `yaml:"carbon_cursor_enabled"`
	RouteClass                  string            `yaml:"route_class"`
	PriorityMode                string            `yaml:"priority_mode"`
	Constraints                 ConstraintsConfig `yaml:"constraints"`
	Weights                      WeightsConfig     `yaml:"weights"`
	ForecastingEnabled           bool              `yaml:"forecasting_enabled"`
	TimeShiftEnabled             bool              `yaml:"time_shift_enabled"`
	ForecastWindowMinutes        int               `yaml:"forecast_window_minutes"`
	ForecastMinImprovementRatio  float64           `yaml:"forecast_min_improvement_ratio"`
	MaxDeferSeconds              int               `yaml:"max_defer_seconds"`
	FailSafeLowestLatency        bool              `yaml:"fail_safe_lowest_latency"`
	HysteresisDelta              float64           `yaml:"hysteresis_delta"`
	MinSwitchIntervalSecs        int               `yaml:"min_switch_interval_secs"`
	PluginEnabled                bool              `yaml:"plugin_enabled"`
	PluginTimeoutMs              int               `yaml:"plugin_timeout_ms"`
}

// CarbonProviderConfigYAML is a route's carbon signal provider
// configuration (spec.md §4.3). "name" selects the provider implementation
// ("mock" or "electricitymap"); the electricitymap_* fields configure the
// ElectricityMap HTTP provider when name == "electricitymap".
type CarbonProviderConfigYAML struct {
	Name                   string             `yaml:"name"`
	CacheTTLMinutes        float64            `yaml:"cache_ttl_minutes"`
	DefaultCarbonIntensity float64            `yaml:"default_carbon_intensity"`
	ZoneCurrent            map[string]float64 `yaml:"zone_current"`
	ZoneForecastNext       map[string]float64 `yaml:"zone_forecast_next"`
	ProviderTimeoutMs      int                `yaml:"provider_timeout_ms"`

	ElectricityMapBaseURL            string            `yaml:"electricitymap_base_url"`
	ElectricityMapAPIKey             string            `yaml:"electricitymap_api_key"`
	ElectricityMapAPITokenHeader     string            `yaml:"electricitymap_api_token_header"`
	ElectricityMapZoneMap            map[string]string `yaml:"electricitymap_zone_map"`
	ElectricityMapDisableEstimations bool              `yaml:"electricitymap_disable_estimations"`
	ElectricityMapLocalFixture       string            `yaml:"electricitymap_local_fixture"`
	ElectricityMapLocalLiveReload    bool              `yaml:"electricitymap_local_live_reload"`
}

// RouteConfig is one configured route (spec.md §3 Route).
type RouteConfig struct {
	Name               string                   `yaml:"name"`
	PathRule           string                   `yaml:"path_rule"`
	MatchType          string                   `yaml:"match_type"` // "exact" or "prefix"
	RewriteMode        string                   `yaml:"rewrite_mode"`
	DefaultAppURI      string                   `yaml:"default_app_uri"`
	DefaultAppName     string                   `yaml:"default_app_name"`
	Zones              []ZoneConfig             `yaml:"zones"`
	Policy             PolicyConfig             `yaml:"policy"`
	PluginFile         string                   `yaml:"plugin_file"`
	CarbonProvider     CarbonProviderConfigYAML `yaml:"carbon_provider"`
	DecisionLogSampleRate float64               `yaml:"decision_log_sample_rate"`
}

// DefaultConfig returns the base configuration that LoadFromFile applies the
// YAML file on top of. A configuration file is always required.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rollup: RollupConfig{
			IntervalSecs: 60,
		},
	}
}

// LoadFromFile reads and validates configuration from path. Environment
// variables RILOT_HOST / RILOT_PORT override the server host/port when set
// (spec.md §6).
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("RILOT_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("RILOT_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil {
			cfg.Server.Port = p
		}
	}
}

// Validate checks structural invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if net.ParseIP(c.Server.Host) == nil && c.Server.Host != "localhost" {
		return fmt.Errorf("server.host %q is not a valid IP", c.Server.Host)
	}

	seen := make(map[string]bool, len(c.Routes))
	for _, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("route missing name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate route name %q", r.Name)
		}
		seen[r.Name] = true

		if r.PathRule == "" {
			return fmt.Errorf("route %q missing path_rule", r.Name)
		}
		if r.MatchType != "exact" && r.MatchType != "prefix" {
			return fmt.Errorf("route %q: match_type must be \"exact\" or \"prefix\"", r.Name)
		}
		if r.RewriteMode != "strip" && r.RewriteMode != "keep" {
			return fmt.Errorf("route %q: rewrite_mode must be \"strip\" or \"keep\"", r.Name)
		}
	}
	return nil
}

// CacheTTL returns the carbon provider's cache TTL canonicalized to a
// time.Duration in seconds. Configuration expresses the TTL in minutes;
// the runtime only ever works in seconds/Duration (DESIGN.md Open
// Question decision).
func (c CarbonProviderConfigYAML) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMinutes * float64(time.Minute))
}

// ProviderTimeout returns the provider call deadline as a time.Duration.
func (c CarbonProviderConfigYAML) ProviderTimeout() time.Duration {
	if c.ProviderTimeoutMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.ProviderTimeoutMs) * time.Millisecond
}
