package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Listen != ":8080" {
		t.Errorf("proxy listen = %q", cfg.Proxy.Listen)
	}
	if cfg.Council.Timeout != 60 || !cfg.Council.Parallel {
		t.Errorf("council defaults = %+v", cfg.Council)
	}
	if cfg.Risk.BlockThreshold != 70 || cfg.Risk.FlagThreshold != 40 {
		t.Errorf("risk defaults = %+v", cfg.Risk)
	}
	if cfg.Providers["openai"].Weight != 1.0 || cfg.Providers["gemini"].Weight != 0.9 {
		t.Errorf("provider weights = %+v", cfg.Providers)
	}
	if cfg.Session.TTL != 30*time.Minute {
		t.Errorf("session ttl = %v", cfg.Session.TTL)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	data := []byte(`
proxy:
  listen: ":7000"
council:
  timeout: 15
  min_consensus: 0.8
providers:
  openai:
    model: gpt-4o
    api_key: sk-test
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Listen != ":7000" {
		t.Errorf("proxy listen = %q", cfg.Proxy.Listen)
	}
	if cfg.Council.Timeout != 15 || cfg.Council.MinConsensus != 0.8 {
		t.Errorf("council = %+v", cfg.Council)
	}
	if cfg.Providers["openai"].Model != "gpt-4o" || cfg.Providers["openai"].APIKey != "sk-test" {
		t.Errorf("openai = %+v", cfg.Providers["openai"])
	}
	// Untouched providers keep their defaults.
	if cfg.Providers["groq"].BaseURL == "" {
		t.Error("groq defaults lost after partial provider override")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AEGIS_PROXY_LISTEN", ":6001")
	t.Setenv("COUNCIL_TIMEOUT", "25")
	t.Setenv("COUNCIL_ENABLE_PARALLEL", "false")
	t.Setenv("RISK_THRESHOLD_BLOCK", "80")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("AEGIS_REDIS_ADDR", "redis:6379")
	t.Setenv("AEGIS_CONTROL_TOKEN", "secret")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Proxy.Listen != ":6001" {
		t.Errorf("proxy listen = %q", cfg.Proxy.Listen)
	}
	if cfg.Council.Timeout != 25 || cfg.Council.Parallel {
		t.Errorf("council = %+v", cfg.Council)
	}
	if cfg.Risk.BlockThreshold != 80 {
		t.Errorf("block threshold = %v", cfg.Risk.BlockThreshold)
	}
	if cfg.Providers["openai"].APIKey != "sk-env" {
		t.Error("provider api key override lost")
	}
	if cfg.Session.Redis.Addr != "redis:6379" || cfg.Knowledge.Redis.Addr != "redis:6379" {
		t.Error("redis addr override must reach both stores")
	}
	if !cfg.Control.Auth.Enabled || cfg.Control.Auth.Token != "secret" {
		t.Errorf("control auth = %+v", cfg.Control.Auth)
	}
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	data := []byte(`
risk:
  block_threshold: 30
  flag_threshold: 50
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("flag >= block must fail validation")
	}
}
