package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Controller ControllerConfig `yaml:"controller" mapstructure:"controller"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" mapstructure:"retrieval"`
	Rules      RulesConfig      `yaml:"rules" mapstructure:"rules"`
	Safety     SafetyConfig     `yaml:"safety" mapstructure:"safety"`
	PubMed     PubMedConfig     `yaml:"pubmed" mapstructure:"pubmed"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the decision database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `yaml:"temperature" mapstructure:"temperature"`
}

// ControllerConfig configures routing and the reasoning loop.
type ControllerConfig struct {
	UseLLM               bool            `yaml:"use_llm" mapstructure:"use_llm"`
	ShadowMode           bool            `yaml:"shadow_mode" mapstructure:"shadow_mode"`
	FallbackEnabled      bool            `yaml:"fallback_enabled" mapstructure:"fallback_enabled"`
	ABRatio              float64         `yaml:"ab_ratio" mapstructure:"ab_ratio"`
	MaxIterations        int             `yaml:"max_iterations" mapstructure:"max_iterations"`
	ToolTimeoutSecs      int             `yaml:"tool_timeout_secs" mapstructure:"tool_timeout_secs"`
	ToolTimeoutOverrides map[string]int  `yaml:"tool_timeout_overrides" mapstructure:"tool_timeout_overrides"`
	ToolRetryLimit       int             `yaml:"tool_retry_limit" mapstructure:"tool_retry_limit"`
	ToolRateLimits       map[string]int  `yaml:"tool_rate_limits" mapstructure:"tool_rate_limits"`
}

// RetrievalConfig configures the policy-tree search client and escalation.
type RetrievalConfig struct {
	Backend            string  `yaml:"backend" mapstructure:"backend"`
	BaseURL            string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey             string  `yaml:"api_key" mapstructure:"api_key"`
	TopK               int     `yaml:"top_k" mapstructure:"top_k"`
	HybridThreshold    float64 `yaml:"hybrid_threshold" mapstructure:"hybrid_threshold"`
	SpanTokenThreshold int     `yaml:"span_token_threshold" mapstructure:"span_token_threshold"`
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RulesConfig configures the deterministic validator.
type RulesConfig struct {
	MinAge              int     `yaml:"min_age" mapstructure:"min_age"`
	MinTreatmentWeeks   int     `yaml:"min_treatment_weeks" mapstructure:"min_treatment_weeks"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	RulesFile           string  `yaml:"rules_file" mapstructure:"rules_file"`
}

// SafetyConfig configures post-decision calibration.
type SafetyConfig struct {
	SelfConsistencyK       int     `yaml:"self_consistency_k" mapstructure:"self_consistency_k"`
	SelfConsistencyTrigger float64 `yaml:"self_consistency_trigger" mapstructure:"self_consistency_trigger"`
	ConformalAlpha         float64 `yaml:"conformal_alpha" mapstructure:"conformal_alpha"`
	HighImpactThreshold    float64 `yaml:"high_impact_threshold" mapstructure:"high_impact_threshold"`
	CalibrationWindow      int     `yaml:"calibration_window" mapstructure:"calibration_window"`
}

// PubMedConfig configures the evidence lookup client.
type PubMedConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	APIKey        string `yaml:"api_key" mapstructure:"api_key"`
	MaxResults    int    `yaml:"max_results" mapstructure:"max_results"`
	CacheTTLSecs  int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	RatePerSecond int    `yaml:"rate_per_second" mapstructure:"rate_per_second"`
}

// ServerConfig configures the decision API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks that required settings are present for the given run mode.
// Modes: "decide", "serve", "calibration".
func (c *Config) Validate(mode string) error {
	var missing []string

	switch mode {
	case "decide", "serve":
		if c.Controller.UseLLM || c.Controller.ShadowMode || c.Controller.ABRatio > 0 {
			if c.Anthropic.Key == "" {
				missing = append(missing, "anthropic.key is required when the llm path is enabled")
			}
		}
		if mode == "serve" && c.Server.Port <= 0 {
			missing = append(missing, "server.port must be > 0")
		}
	case "calibration":
		if c.Store.DatabaseURL == "" {
			missing = append(missing, "store.database_url is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Controller.ABRatio < 0 || c.Controller.ABRatio > 1 {
		missing = append(missing, "controller.ab_ratio must be within [0, 1]")
	}
	if c.Controller.MaxIterations < 1 {
		missing = append(missing, "controller.max_iterations must be >= 1")
	}
	if c.Rules.ConfidenceThreshold < 0 || c.Rules.ConfidenceThreshold > 1 {
		missing = append(missing, "rules.confidence_threshold must be within [0, 1]")
	}
	if c.Safety.ConformalAlpha <= 0 || c.Safety.ConformalAlpha >= 1 {
		missing = append(missing, "safety.conformal_alpha must be within (0, 1)")
	}

	if len(missing) > 0 {
		return eris.New("config: " + strings.Join(missing, "; "))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRIORAUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "priorauth.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.temperature", 0.0)
	v.SetDefault("controller.use_llm", false)
	v.SetDefault("controller.shadow_mode", false)
	v.SetDefault("controller.fallback_enabled", true)
	v.SetDefault("controller.ab_ratio", 0.0)
	v.SetDefault("controller.max_iterations", 10)
	v.SetDefault("controller.tool_timeout_secs", 12)
	v.SetDefault("controller.tool_retry_limit", 1)
	v.SetDefault("controller.tool_rate_limits", map[string]int{
		"pubmed_search": 30,
		"search_policy": 120,
	})
	v.SetDefault("retrieval.backend", "stub")
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("retrieval.hybrid_threshold", 0.15)
	v.SetDefault("retrieval.span_token_threshold", 2000)
	v.SetDefault("retrieval.timeout_secs", 10)
	v.SetDefault("rules.min_age", 18)
	v.SetDefault("rules.min_treatment_weeks", 6)
	v.SetDefault("rules.confidence_threshold", 0.75)
	v.SetDefault("safety.self_consistency_k", 3)
	v.SetDefault("safety.self_consistency_trigger", 0.7)
	v.SetDefault("safety.conformal_alpha", 0.1)
	v.SetDefault("safety.high_impact_threshold", 0.85)
	v.SetDefault("safety.calibration_window", 500)
	v.SetDefault("pubmed.enabled", false)
	v.SetDefault("pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("pubmed.max_results", 5)
	v.SetDefault("pubmed.cache_ttl_secs", 3600)
	v.SetDefault("pubmed.rate_per_second", 3)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
