// Package config loads the router's static configuration from CLI flags,
// environment variables and an optional config file, in that precedence
// order, via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all static configuration for the router process. It does not
// include the dynamic-config document (service-discovery/routing-logic
// hot-swap): that is loaded and re-read independently by internal/dynconfig
// from this Config's DynamicConfigPath. When DynamicConfigPath is set, the
// document's discovery/routing values serve traffic from startup on; the
// discovery/routing fields here serve traffic when it is empty.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Discovery  DiscoveryConfig  `mapstructure:"service_discovery"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Stats      StatsConfig      `mapstructure:"stats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	DynamicConfigPath string    `mapstructure:"dynamic_config_json"`
	FeatureGates map[string]bool `mapstructure:"feature_gates"`
}

// RedisConfig parameterizes the optional session-affinity write-through
// store (internal/redis, internal/policy session.go). Addr empty disables
// it; the session policy still works without Redis, just without
// cross-replica session recovery.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	IdleTimeout  int    `mapstructure:"idle_timeout"`
	DrainTimeout int    `mapstructure:"drain_timeout"`
	Debug        bool   `mapstructure:"debug"`
}

// DiscoveryConfig selects and parameterizes the service-discovery provider.
type DiscoveryConfig struct {
	Mode             string            `mapstructure:"mode"` // "static" | "cluster"
	StaticBackends   []string          `mapstructure:"static_backends"`
	StaticModels     []string          `mapstructure:"static_models"`
	StaticModelTypes []string          `mapstructure:"static_model_types"`
	StaticLabels     map[string]string `mapstructure:"static_model_labels"`
	K8sPort          int               `mapstructure:"k8s_port"`
	K8sNamespace     string            `mapstructure:"k8s_namespace"`
	K8sLabelSelector string            `mapstructure:"k8s_label_selector"`
}

// RoutingConfig selects and parameterizes the router policy.
type RoutingConfig struct {
	Logic              string `mapstructure:"logic"` // roundrobin|session|least_loaded|prefix|disaggregated_prefill
	SessionKey         string `mapstructure:"session_key"`
	PrefillModelLabels string `mapstructure:"prefill_model_labels"`
	DecodeModelLabels  string `mapstructure:"decode_model_labels"`
	PrefixOverloadCap  int64  `mapstructure:"prefix_overload_cap"`
}

// StatsConfig parameterizes the engine-stats scraper and request-stats window.
type StatsConfig struct {
	EngineStatsIntervalSeconds int  `mapstructure:"engine_stats_interval"`
	RequestStatsWindowSeconds  int  `mapstructure:"request_stats_window"`
	LogStats                   bool `mapstructure:"log_stats"`
	LogStatsIntervalSeconds    int  `mapstructure:"log_stats_interval"`
	ScrapeTimeoutSeconds       int  `mapstructure:"scrape_timeout"`
	ScrapeFanout               int  `mapstructure:"scrape_fanout"`
}

// BindFlags registers the router's CLI surface (spec.md §6) on fs and binds
// each flag into v, so flags/env/file resolve through one viper instance.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) {
	fs.String("host", "0.0.0.0", "listen host")
	fs.String("port", "8000", "listen port")
	fs.Bool("debug", false, "enable development logging")

	fs.String("service-discovery", "static", "service discovery mode: static|cluster")
	fs.StringSlice("static-backends", nil, "comma-separated backend URLs")
	fs.StringSlice("static-models", nil, "comma-separated model names, parallel to static-backends")
	fs.StringSlice("static-model-types", nil, "comma-separated model types, parallel to static-backends")
	fs.StringToString("static-model-labels", nil, "backend URL to label string")
	fs.Int("k8s-port", 8000, "port backends expose in cluster mode")
	fs.String("k8s-namespace", "default", "namespace to watch in cluster mode")
	fs.String("k8s-label-selector", "", "label selector for backend pods in cluster mode")

	fs.String("routing-logic", "roundrobin", "routing logic: roundrobin|session|least_loaded|prefix|disaggregated_prefill")
	fs.String("session-key", "x-user-id", "request header carrying the session key")
	fs.String("prefill-model-labels", "", "label selector partitioning prefill backends")
	fs.String("decode-model-labels", "", "label selector partitioning decode backends")
	fs.Int64("prefix-overload-cap", 16, "in-flight requests above which a cached prefix binding is treated as overloaded")

	fs.Int("engine-stats-interval", 30, "seconds between engine-stats scrape cycles")
	fs.Int("request-stats-window", 60, "seconds in the request-stats sliding window")
	fs.Bool("log-stats", false, "periodically log aggregate stats")
	fs.Int("log-stats-interval", 30, "seconds between stats log lines")
	fs.Int("scrape-timeout", 5, "per-backend scrape timeout in seconds")
	fs.Int("scrape-fanout", 32, "max concurrent scrapes per cycle")

	fs.String("dynamic-config-json", "", "path to the dynamic-config JSON file; empty disables hot reload")

	fs.String("redis-addr", "", "optional redis address for session write-through; empty disables it")
	fs.String("redis-password", "", "redis password")
	fs.Int("redis-db", 0, "redis logical database index")

	_ = v.BindPFlags(fs)
}

// Load resolves Config from an already-parsed flag set (via BindFlags),
// environment variables, and an optional YAML config file.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("host"),
			Port:         v.GetString("port"),
			ReadTimeout:  30,
			WriteTimeout: 0, // streaming responses must not be write-timed out
			IdleTimeout:  120,
			DrainTimeout: 30,
			Debug:        v.GetBool("debug"),
		},
		Discovery: DiscoveryConfig{
			Mode:             v.GetString("service-discovery"),
			StaticBackends:   v.GetStringSlice("static-backends"),
			StaticModels:     v.GetStringSlice("static-models"),
			StaticModelTypes: v.GetStringSlice("static-model-types"),
			StaticLabels:     v.GetStringMapString("static-model-labels"),
			K8sPort:          v.GetInt("k8s-port"),
			K8sNamespace:     v.GetString("k8s-namespace"),
			K8sLabelSelector: v.GetString("k8s-label-selector"),
		},
		Routing: RoutingConfig{
			Logic:              v.GetString("routing-logic"),
			SessionKey:         v.GetString("session-key"),
			PrefillModelLabels: v.GetString("prefill-model-labels"),
			DecodeModelLabels:  v.GetString("decode-model-labels"),
			PrefixOverloadCap:  v.GetInt64("prefix-overload-cap"),
		},
		Stats: StatsConfig{
			EngineStatsIntervalSeconds: v.GetInt("engine-stats-interval"),
			RequestStatsWindowSeconds:  v.GetInt("request-stats-window"),
			LogStats:                   v.GetBool("log-stats"),
			LogStatsIntervalSeconds:    v.GetInt("log-stats-interval"),
			ScrapeTimeoutSeconds:       v.GetInt("scrape-timeout"),
			ScrapeFanout:               v.GetInt("scrape-fanout"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis-addr"),
			Password: v.GetString("redis-password"),
			DB:       v.GetInt("redis-db"),
		},
		DynamicConfigPath: v.GetString("dynamic-config-json"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", "8000")
	v.SetDefault("service-discovery", "static")
	v.SetDefault("routing-logic", "roundrobin")
	v.SetDefault("session-key", "x-user-id")
	v.SetDefault("engine-stats-interval", 30)
	v.SetDefault("request-stats-window", 60)
	v.SetDefault("scrape-timeout", 5)
	v.SetDefault("scrape-fanout", 32)
	v.SetDefault("log-stats-interval", 30)
	v.SetDefault("k8s-port", 8000)
	v.SetDefault("prefix-overload-cap", 16)
}

var validDiscoveryModes = map[string]bool{"static": true, "cluster": true}
var validRoutingLogics = map[string]bool{
	"roundrobin": true, "session": true, "least_loaded": true,
	"prefix": true, "disaggregated_prefill": true,
}

// Validate rejects a Config that cannot be used to build a running router,
// per spec.md §6/§7 (CLI errors are rejected at parse time, exit code 1).
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if !validDiscoveryModes[c.Discovery.Mode] {
		return fmt.Errorf("invalid service-discovery mode %q", c.Discovery.Mode)
	}
	if !validRoutingLogics[c.Routing.Logic] {
		return fmt.Errorf("invalid routing-logic %q", c.Routing.Logic)
	}
	if c.Discovery.Mode == "static" {
		if len(c.Discovery.StaticBackends) != len(c.Discovery.StaticModels) {
			return fmt.Errorf("static-backends (%d) and static-models (%d) must have equal length",
				len(c.Discovery.StaticBackends), len(c.Discovery.StaticModels))
		}
		if len(c.Discovery.StaticBackends) == 0 {
			return fmt.Errorf("static-backends must not be empty in static discovery mode")
		}
	}
	if c.Discovery.Mode == "cluster" && c.Discovery.K8sNamespace == "" {
		return fmt.Errorf("k8s-namespace is required in cluster discovery mode")
	}
	if c.Routing.Logic == "disaggregated_prefill" {
		if c.Routing.PrefillModelLabels == "" || c.Routing.DecodeModelLabels == "" {
			return fmt.Errorf("prefill-model-labels and decode-model-labels are required for disaggregated_prefill routing")
		}
	}
	return nil
}
