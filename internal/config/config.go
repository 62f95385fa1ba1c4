// Package config loads the aegis configuration: YAML file first,
// environment overrides second, validation last. A missing file is not
// an error; the built-in defaults describe a working single-node setup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"aegis/internal/provider"
)

// Config holds all configuration for aegis.
type Config struct {
	Proxy     ProxyConfig                `yaml:"proxy"`
	Control   ControlConfig              `yaml:"control"`
	Council   CouncilConfig              `yaml:"council"`
	Risk      RiskConfig                 `yaml:"risk"`
	Providers map[string]provider.Config `yaml:"providers"`
	Session   SessionConfig              `yaml:"session"`
	Knowledge KnowledgeConfig            `yaml:"knowledge"`
	Storage   StorageConfig              `yaml:"storage"`
	Logging   LoggingConfig              `yaml:"logging"`
	Telemetry TelemetryConfig            `yaml:"telemetry"`
}

// ProxyConfig holds the OpenAI-compatible proxy listener configuration.
type ProxyConfig struct {
	Listen string `yaml:"listen"`
}

// ControlConfig holds the control and audit API configuration.
type ControlConfig struct {
	Listen  string            `yaml:"listen"`
	Enabled bool              `yaml:"enabled"`
	Auth    ControlAuthConfig `yaml:"auth"`
}

// ControlAuthConfig holds control API authentication settings.
type ControlAuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"` // Bearer token
}

// CouncilConfig holds multi-model consensus configuration.
type CouncilConfig struct {
	Timeout          int     `yaml:"timeout"` // seconds, per analysis round
	Parallel         bool    `yaml:"parallel"`
	MinConsensus     float64 `yaml:"min_consensus"`
	FallbackProvider string  `yaml:"fallback_provider"`
}

// RiskConfig holds the scoring thresholds.
type RiskConfig struct {
	BlockThreshold      float64 `yaml:"block_threshold"`
	FlagThreshold       float64 `yaml:"flag_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// SessionConfig holds session memory configuration.
type SessionConfig struct {
	Store string        `yaml:"store"` // "memory" or "redis"
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

// KnowledgeConfig holds attack knowledge store configuration.
type KnowledgeConfig struct {
	Backend string      `yaml:"backend"` // "file" or "redis"
	Dir     string      `yaml:"dir"`     // file backend directory
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig holds audit persistence configuration.
type StorageConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"` // SQLite database path
	RetentionDays int    `yaml:"retention_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		// Missing file runs on defaults plus environment
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Proxy: ProxyConfig{
			Listen: ":8080",
		},
		Control: ControlConfig{
			Listen:  ":9090",
			Enabled: true,
		},
		Council: CouncilConfig{
			Timeout:      60,
			Parallel:     true,
			MinConsensus: 0.6,
		},
		Risk: RiskConfig{
			BlockThreshold:      70,
			FlagThreshold:       40,
			ConfidenceThreshold: 0.7,
		},
		Providers: defaultProviders(),
		Session: SessionConfig{
			Store: "memory",
			TTL:   30 * time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "aegis:session:",
			},
		},
		Knowledge: KnowledgeConfig{
			Backend: "file",
			Dir:     "data/knowledge",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "aegis:knowledge:",
			},
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          "data/aegis.db",
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "aegis",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// defaultProviders returns the built-in council seats. Providers without
// an API key stay configured but are skipped at adapter construction.
func defaultProviders() map[string]provider.Config {
	return map[string]provider.Config{
		"openai": {
			Type:    "openai",
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: 30,
			Weight:  1.0,
			Enabled: true,
		},
		"gemini": {
			Type:    "google",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Model:   "gemini-1.5-flash",
			Timeout: 30,
			Weight:  0.9,
			Enabled: true,
		},
		"groq": {
			Type:    "openai",
			BaseURL: "https://api.groq.com/openai/v1",
			Model:   "llama-3.3-70b-versatile",
			Timeout: 30,
			Weight:  0.8,
			Enabled: true,
		},
		"deepseek": {
			Type:    "openai",
			BaseURL: "https://api.deepseek.com/v1",
			Model:   "deepseek-chat",
			Timeout: 30,
			Weight:  0.85,
			Enabled: true,
		},
		"cohere": {
			Type:    "cohere",
			BaseURL: "https://api.cohere.com/v2",
			Model:   "command-r",
			Timeout: 30,
			Weight:  0.85,
			Enabled: true,
		},
		"openrouter": {
			Type:    "openai",
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
			Timeout: 30,
			Weight:  0.8,
			Enabled: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AEGIS_PROXY_LISTEN"); v != "" {
		c.Proxy.Listen = v
	}
	if v := os.Getenv("AEGIS_CONTROL_LISTEN"); v != "" {
		c.Control.Listen = v
	}
	if v := os.Getenv("AEGIS_CONTROL_TOKEN"); v != "" {
		c.Control.Auth.Token = v
		c.Control.Auth.Enabled = true // auto-enable when a token is set
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	// Council overrides
	if v := os.Getenv("COUNCIL_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Council.Timeout = secs
		}
	}
	if v := os.Getenv("COUNCIL_ENABLE_PARALLEL"); v != "" {
		c.Council.Parallel = v == "true" || v == "1"
	}
	if v := os.Getenv("COUNCIL_MIN_CONSENSUS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Council.MinConsensus = f
		}
	}

	// Risk threshold overrides
	if v := os.Getenv("RISK_THRESHOLD_BLOCK"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.BlockThreshold = f
		}
	}
	if v := os.Getenv("RISK_THRESHOLD_FLAG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.FlagThreshold = f
		}
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.ConfidenceThreshold = f
		}
	}

	// Per-provider overrides: <ID>_API_KEY, <ID>_MODEL, <ID>_TIMEOUT
	for id, pc := range c.Providers {
		prefix := strings.ToUpper(id)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			pc.APIKey = v
		}
		if v := os.Getenv(prefix + "_MODEL"); v != "" {
			pc.Model = v
		}
		if v := os.Getenv(prefix + "_TIMEOUT"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				pc.Timeout = secs
			}
		}
		c.Providers[id] = pc
	}

	// Storage, session and knowledge overrides
	if v := os.Getenv("AEGIS_DB_PATH"); v != "" {
		c.Storage.Path = v
		c.Storage.Enabled = true
	}
	if v := os.Getenv("AEGIS_SESSION_STORE"); v != "" {
		c.Session.Store = v
	}
	if v := os.Getenv("AEGIS_REDIS_ADDR"); v != "" {
		c.Session.Redis.Addr = v
		c.Knowledge.Redis.Addr = v
	}
	if v := os.Getenv("AEGIS_REDIS_PASSWORD"); v != "" {
		c.Session.Redis.Password = v
		c.Knowledge.Redis.Password = v
	}
	if v := os.Getenv("AEGIS_KNOWLEDGE_DIR"); v != "" {
		c.Knowledge.Dir = v
	}

	// Telemetry overrides
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
		c.Telemetry.Enabled = v != "none"
	}
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	// Also support the standard OTLP env vars
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

// validate checks that the configuration is valid.
func (c *Config) validate() error {
	if c.Proxy.Listen == "" {
		return fmt.Errorf("proxy listen address is required")
	}
	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control listen address is required when control is enabled")
	}
	if c.Council.Timeout <= 0 {
		return fmt.Errorf("council timeout must be positive")
	}
	if c.Council.MinConsensus <= 0 || c.Council.MinConsensus > 1 {
		return fmt.Errorf("council min_consensus must be in (0, 1], got %v", c.Council.MinConsensus)
	}
	if c.Risk.FlagThreshold >= c.Risk.BlockThreshold {
		return fmt.Errorf("risk flag_threshold (%v) must be below block_threshold (%v)",
			c.Risk.FlagThreshold, c.Risk.BlockThreshold)
	}
	if c.Session.Store != "memory" && c.Session.Store != "redis" {
		return fmt.Errorf("session store must be \"memory\" or \"redis\", got %q", c.Session.Store)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session ttl must be positive")
	}
	if c.Knowledge.Backend != "file" && c.Knowledge.Backend != "redis" {
		return fmt.Errorf("knowledge backend must be \"file\" or \"redis\", got %q", c.Knowledge.Backend)
	}
	return nil
}

// CouncilTimeout returns the per-round council timeout as a Duration.
func (c *Config) CouncilTimeout() time.Duration {
	return time.Duration(c.Council.Timeout) * time.Second
}
