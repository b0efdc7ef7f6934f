// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the application configuration. Structure (candidates,
// pricing) comes from an optional config.yaml; secrets and deployment knobs
// come from the environment and win over the file.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Storage    StorageConfig             `mapstructure:"storage"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Jobs       JobsConfig                `mapstructure:"jobs"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Candidates CandidatesConfig          `mapstructure:"candidates"`
	Pricing    []PricingRuleConfig       `mapstructure:"pricing"`
	Routing    RoutingConfig             `mapstructure:"routing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	MasterKey       string `mapstructure:"master_key"`
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
	MetricsEndpoint string `mapstructure:"metrics_endpoint"`
	BodySizeLimit   int64  `mapstructure:"body_size_limit"`
}

// StorageConfig selects the ledger backend.
type StorageConfig struct {
	// Type is one of memory, sqlite, postgresql.
	Type string `mapstructure:"type"`
	// Path is the sqlite database directory.
	Path string `mapstructure:"path"`
	// DSN is the postgresql connection string.
	DSN string `mapstructure:"dsn"`
}

// RedisConfig enables the shared provider-cooldown tracker. Empty URL keeps
// cooldowns process-local.
type RedisConfig struct {
	URL                string `mapstructure:"url"`
	CooldownTTLSeconds int    `mapstructure:"cooldown_ttl_seconds"`
}

// JobsConfig tunes the client-facing job registry.
type JobsConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds"`
	MaxJobs    int `mapstructure:"max_jobs"`
	Workers    int `mapstructure:"workers"`
}

// ProviderConfig holds per-vendor access configuration.
type ProviderConfig struct {
	APIKey    string            `mapstructure:"api_key"`
	BaseURL   string            `mapstructure:"base_url"`
	MirrorURL string            `mapstructure:"mirror_url"`
	Extra     map[string]string `mapstructure:"extra"`
}

// CandidateConfig is one routable (provider, model) pair.
type CandidateConfig struct {
	Provider        string `mapstructure:"provider"`
	Model           string `mapstructure:"model"`
	Priority        int    `mapstructure:"priority"`
	RetryLimit      int    `mapstructure:"retry_limit"`
	MultiRefDefault bool   `mapstructure:"multi_ref_default"`
	Active          bool   `mapstructure:"active"`
}

// CandidatesConfig is the routing catalog per category.
type CandidatesConfig struct {
	Image []CandidateConfig `mapstructure:"image"`
	Video []CandidateConfig `mapstructure:"video"`
}

// RoutingConfig controls cross-vendor fallback.
type RoutingConfig struct {
	// OptOutUsers disables fallback routing for the listed user ids.
	OptOutUsers []string `mapstructure:"opt_out_users"`
}

// PricingRuleConfig mirrors a pricing rule in configuration.
type PricingRuleConfig struct {
	TaskType   string  `mapstructure:"task_type"`
	Provider   string  `mapstructure:"provider"`
	Model      string  `mapstructure:"model"`
	Unit       string  `mapstructure:"unit"`
	Cost       float64 `mapstructure:"cost"`
	CostInput  float64 `mapstructure:"cost_input"`
	CostOutput float64 `mapstructure:"cost_output"`
}

// Load reads configuration from config.yaml (optional) and the environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	setDefaults(v)

	// Config file is optional; a missing file leaves the defaults.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	applyEnvOverrides(v, &cfg)
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.metrics_endpoint", "/metrics")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("redis.cooldown_ttl_seconds", 120)
	v.SetDefault("jobs.ttl_seconds", 3600)
	v.SetDefault("jobs.max_jobs", 200)
	v.SetDefault("jobs.workers", 8)
}

// applyEnvOverrides maps flat environment variables onto the nested config.
// Secrets never belong in the yaml file.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if port := v.GetString("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if key := v.GetString("MASTER_KEY"); key != "" {
		cfg.Server.MasterKey = key
	}
	if dsn := v.GetString("DATABASE_URL"); dsn != "" {
		cfg.Storage.Type = "postgresql"
		cfg.Storage.DSN = dsn
	}
	if url := v.GetString("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for provider, envKey := range map[string]string{
		"openai":    "OPENAI_API_KEY",
		"stability": "STABILITY_API_KEY",
		"kling":     "KLING_API_KEY",
		"runway":    "RUNWAY_API_KEY",
		"minimax":   "MINIMAX_API_KEY",
	} {
		if key := v.GetString(envKey); key != "" {
			pc := cfg.Providers[provider]
			pc.APIKey = key
			cfg.Providers[provider] = pc
		}
	}
}
