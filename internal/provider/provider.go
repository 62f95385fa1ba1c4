// Package provider holds the upstream LLM adapters. Each adapter
// normalizes one wire shape behind the same contract so the council
// never sees provider-specific schemas.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// ErrUnsupportedType is returned for an unknown wire shape in config.
var ErrUnsupportedType = errors.New("unsupported provider type")

// Adapter is the uniform contract over one upstream model.
// Implementations are safe for concurrent use.
type Adapter interface {
	// ID is the provider id used in votes and config (openai, gemini, ...).
	ID() string
	// Model is the model identifier sent upstream.
	Model() string
	// Weight is the provider's base trust weight for consensus.
	Weight() float64
	// Complete sends a single-turn prompt and returns the assistant text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// ChatResult is a raw upstream chat-completion outcome. The status code
// is preserved so the proxy can pass upstream errors through.
type ChatResult struct {
	StatusCode int
	Body       []byte
}

// ChatForwarder is implemented by adapters that can carry a full
// OpenAI-shape chat request, not just a single analysis prompt.
type ChatForwarder interface {
	ForwardChat(ctx context.Context, body []byte, apiKey string) (*ChatResult, error)
}

// Config describes one upstream in the configuration file.
type Config struct {
	Type    string  `yaml:"type"` // openai | google | cohere
	BaseURL string  `yaml:"base_url"`
	Model   string  `yaml:"model"`
	APIKey  string  `yaml:"api_key"`
	Timeout int     `yaml:"timeout"` // seconds
	Weight  float64 `yaml:"weight"`
	Enabled bool    `yaml:"enabled"`
}

// New builds the adapter for one provider id. Unknown types fail fast
// at startup rather than at scan time.
func New(id string, cfg Config) (Adapter, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	switch cfg.Type {
	case "openai", "":
		return newOpenAIAdapter(id, cfg, client), nil
	case "google":
		return newGoogleAdapter(id, cfg, client), nil
	case "cohere":
		return newCohereAdapter(id, cfg, client), nil
	default:
		return nil, fmt.Errorf("%w: %q for provider %s", ErrUnsupportedType, cfg.Type, id)
	}
}

// BuildAll constructs adapters for every enabled provider with a key,
// ordered by id for deterministic iteration.
func BuildAll(configs map[string]Config) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter, len(configs))
	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := configs[id]
		if !cfg.Enabled || cfg.APIKey == "" {
			continue
		}
		a, err := New(id, cfg)
		if err != nil {
			return nil, err
		}
		adapters[id] = a
	}
	return adapters, nil
}
